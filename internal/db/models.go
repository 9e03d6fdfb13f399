package db

import "time"

// Entry is a highlight the sink has accepted, as recorded locally.
type Entry struct {
	HighlightURL  string    `json:"highlight_url"`
	Source        string    `json:"source"` // weread, dedao
	Title         string    `json:"title"`
	Author        string    `json:"author,omitempty"`
	Text          string    `json:"text"`
	Note          string    `json:"note,omitempty"`
	HighlightedAt time.Time `json:"highlighted_at"`
	SyncedAt      time.Time `json:"synced_at"`
	RunID         string    `json:"run_id"`
}

// Run is one sync invocation.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"` // success, empty, dry_run, failed
	DryRun     bool      `json:"dry_run"`
	Submitted  int       `json:"submitted"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
}
