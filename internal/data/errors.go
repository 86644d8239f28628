package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrIdempotencyRecordNotFound is returned when a dedupe key has no stored response.
	ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")
	// ErrIdempotencyKeyTaken is returned when a concurrent request stored the key first.
	ErrIdempotencyKeyTaken = errors.New("idempotency key already stored")
	// ErrTxRequired is returned by *InTx methods called without a transaction.
	ErrTxRequired = errors.New("transaction is required")
)
