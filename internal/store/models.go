package store

import "time"

type SavedQuery struct {
	ID        string    `json:"id"` // UUID
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	QueryText string    `json:"query_text"`
	Platform  string    `json:"platform,omitempty"` // Optional explicit platform hint
	CreatedAt time.Time `json:"created_at"`
}

type QueryHistoryEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	QueryText string    `json:"query_text"`
	Platform  string    `json:"platform,omitempty"` // Primary target, empty when none was resolved
	Succeeded bool      `json:"succeeded"`
	Timestamp time.Time `json:"timestamp"`
}
