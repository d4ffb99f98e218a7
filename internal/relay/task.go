package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/storage"
)

// Status is the lifecycle state of a relay task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the task occupies an admission slot.
func (s Status) Active() bool { return !s.Terminal() }

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

// TaskConfig carries the per-task tuning knobs. Zero values fall back to the
// component defaults.
type TaskConfig struct {
	Limiter  LimiterConfig
	Batch    BatchConfig
	Delivery DeliveryConfig

	// CheckpointEvery bounds how much progress a crash can lose while a
	// task runs (default 10s). Terminal transitions and pause/cancel
	// always persist immediately.
	CheckpointEvery time.Duration

	// Deadline aborts the task after this wall-clock run time. Zero means
	// no ceiling.
	Deadline time.Duration
}

const defaultCheckpointEvery = 10 * time.Second

func (c TaskConfig) withDefaults() TaskConfig {
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = defaultCheckpointEvery
	}
	return c
}

// TaskSpec is an admission request for one relay task. An EndID of 0 selects
// tail mode: the task relays from StartID until it catches up with the feed
// head. Config overrides the engine defaults when non-nil.
type TaskSpec struct {
	ID        string
	Principal string
	Source    FeedRef
	Target    FeedRef
	StartID   int64
	EndID     int64
	Config    *TaskConfig
}

func (s TaskSpec) validate() error {
	if s.Source == (FeedRef{}) || s.Target == (FeedRef{}) {
		return fmt.Errorf("%w: source and target feeds are required", ErrBadRange)
	}
	if s.StartID < 1 {
		return fmt.Errorf("%w: start id %d", ErrBadRange, s.StartID)
	}
	if s.EndID != 0 && s.EndID < s.StartID {
		return fmt.Errorf("%w: end id %d before start id %d", ErrBadRange, s.EndID, s.StartID)
	}
	return nil
}

// task is the mutable runtime state behind one TaskSpec. All fields below mu
// are guarded by it; the run loop is the only writer of progress counters.
type task struct {
	mu sync.Mutex

	spec TaskSpec
	cfg  TaskConfig

	status    Status
	stop      stopReason
	cancelRun context.CancelFunc

	createdAt time.Time
	startedAt time.Time

	lastID       int64 // highest fully committed source id
	processed    int64
	failed       int64
	skipped      int64
	unitsPlanned int64
	unitsDone    int64
	lastErr      string
	lastSavedAt  time.Time

	// live components, present only while running
	fetcher  *Fetcher
	pipeline *Pipeline
}

func newTask(spec TaskSpec, cfg TaskConfig) *task {
	return &task{
		spec:      spec,
		cfg:       cfg.withDefaults(),
		status:    StatusPending,
		createdAt: time.Now(),
		lastID:    spec.StartID - 1,
	}
}

// nextID is the first id the next run segment must fetch.
func (t *task) nextID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID + 1
}

func (t *task) getStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// activateFromPaused claims a paused task for relaunch. Exactly one caller
// wins when Resume races.
func (t *task) activateFromPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPaused {
		return false
	}
	t.status = StatusPending
	return true
}

func (t *task) setRunning(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// stop is not reset here: a stop requested between launch and this
	// point must survive. finalize clears it.
	t.status = StatusRunning
	t.cancelRun = cancel
	t.startedAt = time.Now()
	t.lastErr = ""
}

func (t *task) attach(f *Fetcher, p *Pipeline) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetcher = f
	t.pipeline = p
}

func (t *task) detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetcher = nil
	t.pipeline = nil
	t.cancelRun = nil
}

// requestStop records why the run loop is being interrupted and cancels it.
// Pause loses to an earlier cancel; cancel upgrades an earlier pause.
func (t *task) requestStop(r stopReason) {
	t.mu.Lock()
	if r > t.stop {
		t.stop = r
	}
	cancel := t.cancelRun
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *task) stopRequested() stopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop
}

// apply folds one delivery result into the progress counters. The checkpoint
// id advances only when the final sub-unit of a parent group resolves, so a
// resume never restarts inside a split group.
func (t *task) apply(r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed += int64(r.Delivered)
	t.failed += int64(r.Failed)
	t.skipped += int64(r.Skipped)
	t.unitsDone++
	if r.Batch.Index == 1 && r.Batch.Of > 1 {
		t.unitsPlanned += int64(r.Batch.Of - 1)
	}
	if r.Batch.Index == r.Batch.Of && r.Batch.LastID > t.lastID {
		t.lastID = r.Batch.LastID
	}
	if r.Err != nil {
		t.lastErr = r.Err.Error()
	}
}

func (t *task) addPlanned(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unitsPlanned += n
}

func (t *task) addSkipped(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped += n
}

func (t *task) finalize(st Status, lastErr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = st
	t.stop = stopNone
	if lastErr != "" {
		t.lastErr = lastErr
	}
}

// checkpointDue reports whether the periodic persistence interval elapsed,
// and claims the slot when it did.
func (t *task) checkpointDue(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastSavedAt) < t.cfg.CheckpointEvery {
		return false
	}
	t.lastSavedAt = now
	return true
}

func (t *task) checkpoint() storage.Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return storage.Checkpoint{
		TaskID:     t.spec.ID,
		Principal:  t.spec.Principal,
		SourceFeed: encodeFeed(t.spec.Source),
		TargetFeed: encodeFeed(t.spec.Target),
		StartID:    t.spec.StartID,
		EndID:      t.spec.EndID,
		LastID:     t.lastID,
		Processed:  t.processed,
		Failed:     t.failed,
		Skipped:    t.skipped,
		Status:     string(t.status),
		UpdatedAt:  time.Now(),
	}
}

func (t *task) snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TaskSnapshot{
		ID:           t.spec.ID,
		Principal:    t.spec.Principal,
		Source:       t.spec.Source,
		Target:       t.spec.Target,
		StartID:      t.spec.StartID,
		EndID:        t.spec.EndID,
		LastID:       t.lastID,
		Status:       t.status,
		Processed:    t.processed,
		Failed:       t.failed,
		Skipped:      t.skipped,
		UnitsPlanned: t.unitsPlanned,
		UnitsDone:    t.unitsDone,
		CreatedAt:    t.createdAt,
		StartedAt:    t.startedAt,
		LastError:    t.lastErr,
	}
	if t.fetcher != nil {
		s.WindowSize = t.fetcher.WindowSize()
	}
	if t.pipeline != nil {
		s.Limiter = t.pipeline.Limiter().Snapshot(time.Now())
	}
	return s
}

// encodeFeed packs a FeedRef into the flat string the checkpoint schema
// stores, "<id>|<name>".
func encodeFeed(f FeedRef) string {
	if f.Name == "" {
		return strconv.FormatInt(f.ID, 10)
	}
	return strconv.FormatInt(f.ID, 10) + "|" + f.Name
}

func decodeFeed(s string) (FeedRef, error) {
	idPart, name, _ := strings.Cut(s, "|")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return FeedRef{}, errors.New("malformed feed reference: " + s)
	}
	return FeedRef{ID: id, Name: name}, nil
}
