package model

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord stores the first response produced for a dedupe key.
type IdempotencyRecord struct {
	TenantID       string          `json:"tenant_id"       db:"tenant_id"`
	Route          string          `json:"route"           db:"route"`
	KeyHash        string          `json:"key_hash"        db:"key_hash"`
	RequestHash    string          `json:"request_hash"    db:"request_hash"`
	StoredResponse json.RawMessage `json:"stored_response" db:"stored_response"`
	CreatedAt      time.Time       `json:"created_at"      db:"created_at"`
}

// IdempotencyKey addresses a record.
type IdempotencyKey struct {
	TenantID string
	Route    string
	KeyHash  string
}
