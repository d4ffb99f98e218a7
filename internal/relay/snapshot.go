package relay

import "time"

// TaskSnapshot is a point-in-time view of one task for status reporting.
type TaskSnapshot struct {
	ID        string  `json:"id"`
	Principal string  `json:"principal,omitempty"`
	Source    FeedRef `json:"source"`
	Target    FeedRef `json:"target"`
	StartID   int64   `json:"start_id"`
	EndID     int64   `json:"end_id"`
	LastID    int64   `json:"last_id"`
	Status    Status  `json:"status"`

	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`

	// Delivery units planned and resolved so far. Planned is revised
	// upward when an oversized group splits.
	UnitsPlanned int64 `json:"units_planned"`
	UnitsDone    int64 `json:"units_done"`

	WindowSize int             `json:"window_size,omitempty"`
	Limiter    LimiterSnapshot `json:"limiter"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Remaining estimates how many items are left in a bounded range. Tail-mode
// tasks return -1.
func (s TaskSnapshot) Remaining() int64 {
	if s.EndID == 0 {
		return -1
	}
	n := s.EndID - s.LastID
	if n < 0 {
		n = 0
	}
	return n
}

// EngineSnapshot summarizes the scheduler for status surfaces.
type EngineSnapshot struct {
	Active    int            `json:"active"`
	MaxTasks  int            `json:"max_tasks"`
	Tasks     []TaskSnapshot `json:"tasks"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
}
