package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/target/jobcoord/internal/data/pgxutil"
	"github.com/target/jobcoord/internal/domain/job"
	"github.com/target/jobcoord/internal/domain/model"
)

// NotifyChannel returns the LISTEN/NOTIFY channel announcing jobs of kind.
func NotifyChannel(kind model.JobKind) string {
	return "job_added_" + string(kind)
}

// insertJobParams groups the prepared values of an INSERT.
type insertJobParams struct {
	Req         *model.CreateJobRequest
	EligibleAt  time.Time
	MaxAttempts int
	Now         time.Time
}

const insertJobSQL = `
  INSERT INTO jobs (tenant_id, kind, payload, priority, state, attempts, max_attempts, eligible_at, created_at, updated_at)
  VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $7)
  RETURNING `

const insertEventSQL = `
  INSERT INTO job_events (job_id, stage, data, created_at)
  VALUES ($1, $2, $3, $4)`

func (r *JobRepo) prepareInsert(req *model.CreateJobRequest) (*insertJobParams, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	eligibleAt := now
	if req.EligibleAt != nil {
		eligibleAt = req.EligibleAt.UTC()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.maxAttempts
	}
	return &insertJobParams{Req: req, EligibleAt: eligibleAt, MaxAttempts: maxAttempts, Now: now}, nil
}

func (p *insertJobParams) args() []any {
	return []any{
		p.Req.TenantID,
		p.Req.Kind,
		[]byte(p.Req.Payload),
		p.Req.Priority,
		p.MaxAttempts,
		p.EligibleAt,
		p.Now,
	}
}

func (p *insertJobParams) enqueuedEvent() []byte {
	return job.EventData(map[string]any{
		"tenant_id":    p.Req.TenantID,
		"kind":         p.Req.Kind,
		"eligible_at":  p.EligibleAt,
		"max_attempts": p.MaxAttempts,
	})
}

// Create inserts a queued job, records its enqueued event and announces it.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	p, err := r.prepareInsert(req)
	if err != nil {
		return nil, err
	}

	var created *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, insertJobSQL+jobColumns, p.args()...)
			if qerr != nil {
				return fmt.Errorf("insert job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			if cerr != nil {
				return fmt.Errorf("collect job: %w", cerr)
			}
			if _, eerr := tx.Exec(ctx, insertEventSQL, j.ID, model.EventStageEnqueued, p.enqueuedEvent(), p.Now); eerr != nil {
				return fmt.Errorf("insert enqueued event: %w", eerr)
			}
			if _, nerr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel(j.Kind), j.ID); nerr != nil {
				return fmt.Errorf("send job notification: %w", nerr)
			}
			created = j
			return nil
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return created, nil
}

// CreateInTx inserts a job within an existing SQL transaction. The
// notification is delivered only if the transaction commits.
func (r *JobRepo) CreateInTx(ctx context.Context, sqlTx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error) {
	if sqlTx == nil {
		return nil, ErrTxRequired
	}
	p, err := r.prepareInsert(req)
	if err != nil {
		return nil, err
	}

	j, err := scanJobFromRow(sqlTx.QueryRowContext(ctx, insertJobSQL+jobColumns, p.args()...))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, insertEventSQL, j.ID, model.EventStageEnqueued, p.enqueuedEvent(), p.Now); err != nil {
		return nil, fmt.Errorf("insert enqueued event: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel(j.Kind), j.ID); err != nil {
		return nil, fmt.Errorf("send job notification: %w", err)
	}
	return j, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrJobNotFound
	}
	j, err := scanJobFromRow(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListEvents returns a job's events oldest first.
func (r *JobRepo) ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, job_id, stage, data, created_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		var ev model.JobEvent
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Stage, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.Data = cloneJSON(data)
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return events, nil
}

// Stats returns per-state counts, for one tenant or for every tenant when tenantID is empty.
func (r *JobRepo) Stats(ctx context.Context, tenantID string) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE state = 'queued')      AS queued,
    count(*) FILTER (WHERE state = 'running')     AS running,
    count(*) FILTER (WHERE state = 'dead_letter') AS dead_letter,
    count(*) FILTER (WHERE state = 'succeeded')   AS succeeded,
    count(*) FILTER (WHERE state = 'failed')      AS failed
  FROM jobs
  WHERE $1 = '' OR tenant_id = $1
  `, tenantID).Scan(&s.Queued, &s.Running, &s.DeadLetter, &s.Succeeded, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a job of kind is announced or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context, kind model.JobKind) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			r.logger.DebugContext(ctx, "close listen conn failed", "error", cerr)
		}
	}()

	channel := NotifyChannel(kind)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			r.logger.DebugContext(ctx, "unlisten failed", "channel", channel, "error", execErr)
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
