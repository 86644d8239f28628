package model

import "time"

// PostingRecord is one prior publish used by the posting rate guard.
type PostingRecord struct {
	TenantID  string    `json:"tenant_id"`
	AccountID string    `json:"account_id"`
	Platform  string    `json:"platform"`
	ClipID    string    `json:"clip_id"`
	PostedAt  time.Time `json:"posted_at"`
}

// PostingScope addresses the history of one account on one platform.
type PostingScope struct {
	TenantID  string
	AccountID string
	Platform  string
}
