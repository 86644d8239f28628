// Package core defines the ports between the job coordination services and
// their storage and delivery adapters.
package core

import (
	"time"

	"github.com/target/jobcoord/internal/domain/model"
)

// ReclaimStaleParams groups parameters for StaleLeaseRepository.ReclaimStaleBatch.
type ReclaimStaleParams struct {
	Threshold time.Duration
	BatchSize int
}

// ReclaimResult reports one stale-lease sweep batch.
type ReclaimResult struct {
	// Recovered counts jobs moved out of running, whether requeued or dead-lettered.
	Recovered int64
	// DeadLettered holds the jobs whose attempt budget was exhausted.
	DeadLettered []*model.Job
}

// PurgeParams groups parameters for retention deletes.
type PurgeParams struct {
	MaxAge    time.Duration
	BatchSize int
}
