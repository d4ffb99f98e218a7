package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Checkpoint records the durable resume state of one relay task.
//
// LastID is the highest source id whose outcome is fully committed;
// resuming restarts at LastID+1. Keep it compact and schema-stable.
type Checkpoint struct {
	TaskID     string    `json:"task_id"`
	Principal  string    `json:"principal,omitempty"`
	SourceFeed string    `json:"source_feed"`
	TargetFeed string    `json:"target_feed"`
	StartID    int64     `json:"start_id"`
	EndID      int64     `json:"end_id"`
	LastID     int64     `json:"last_id"`
	Processed  int64     `json:"processed"`
	Failed     int64     `json:"failed"`
	Skipped    int64     `json:"skipped"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}
