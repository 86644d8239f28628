package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Backoff      job.BackoffPolicy
	Logger       *slog.Logger
	TimeProvider TimeProvider
	// MaxAttempts applies to requests that leave MaxAttempts unset.
	MaxAttempts int
}

// JobRepo persists jobs and their events in Postgres.
type JobRepo struct {
	DB           *sql.DB
	backoff      job.BackoffPolicy
	maxAttempts  int
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	backoff := cfg.Backoff
	if backoff.Base() <= 0 {
		backoff = job.DefaultBackoffPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	return &JobRepo{
		DB:           db,
		backoff:      backoff,
		maxAttempts:  maxAttempts,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

func (r *JobRepo) now() time.Time {
	return r.timeProvider.Now().UTC()
}

var jobColumnNames = []string{
	"id",
	"tenant_id",
	"kind",
	"payload",
	"priority",
	"state",
	"attempts",
	"max_attempts",
	"owner_id",
	"lease_acquired_at",
	"lease_heartbeat_at",
	"eligible_at",
	"last_error",
	"result",
	"created_at",
	"updated_at",
}

// jobColumns is the unqualified select list matching scanJobFromRow.
var jobColumns = jobColumnsAs("")

// jobColumnsAs qualifies every column with alias.
func jobColumnsAs(alias string) string {
	if alias == "" {
		return strings.Join(jobColumnNames, ", ")
	}
	cols := make([]string, len(jobColumnNames))
	for i, c := range jobColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, lastError, result      []byte
	ownerID                         sql.NullString
	leaseAcquiredAt, leaseHeartbeat sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, j *model.Job) error {
	return scanner.Scan(
		&j.ID,
		&j.TenantID,
		&j.Kind,
		&d.payload,
		&j.Priority,
		&j.State,
		&j.Attempts,
		&j.MaxAttempts,
		&d.ownerID,
		&d.leaseAcquiredAt,
		&d.leaseHeartbeat,
		&j.EligibleAt,
		&d.lastError,
		&d.result,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
}

func (d *jobRowData) apply(j *model.Job) error {
	j.Payload = cloneJSON(d.payload)
	j.OwnerID = cloneNullableString(d.ownerID)
	j.LeaseAcquiredAt = cloneNullableTime(d.leaseAcquiredAt)
	j.LeaseHeartbeatAt = cloneNullableTime(d.leaseHeartbeat)
	j.EligibleAt = j.EligibleAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if len(d.result) > 0 {
		j.Result = append(json.RawMessage(nil), d.result...)
	}
	if len(d.lastError) > 0 {
		var je model.JobError
		if err := json.Unmarshal(d.lastError, &je); err != nil {
			return fmt.Errorf("decode last_error: %w", err)
		}
		j.LastError = &je
	}
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	j := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, j); err != nil {
		return nil, err
	}
	if err := data.apply(j); err != nil {
		return nil, err
	}
	return j, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	j, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return j, nil
}

// collectJobsFromRows collects every job from pgx rows.
func collectJobsFromRows(rows pgx.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func marshalJobError(je model.JobError) ([]byte, error) {
	raw, err := json.Marshal(je)
	if err != nil {
		return nil, fmt.Errorf("encode last_error: %w", err)
	}
	return raw, nil
}

func kindsParam(kinds []model.JobKind) []string {
	if len(kinds) == 0 {
		return nil
	}
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}
