package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// Event types published on the bus as tasks move through their lifecycle.
// Data is always a TaskSnapshot.
const (
	EventTaskAdmitted  = "relay.task.admitted"
	EventTaskStarted   = "relay.task.started"
	EventTaskPaused    = "relay.task.paused"
	EventTaskResumed   = "relay.task.resumed"
	EventTaskCancelled = "relay.task.cancelled"
	EventTaskCompleted = "relay.task.completed"
	EventTaskFailed    = "relay.task.failed"
)

// SchedulerConfig tunes admission control and the per-task defaults.
type SchedulerConfig struct {
	MaxTasks        int // global active-task cap (default 20)
	MaxPerPrincipal int // active tasks per principal (default 3)
	Defaults        TaskConfig
	HistorySize     int // terminal snapshots kept in memory (default 100)
}

const (
	defaultMaxTasks     = 20
	defaultPerPrincipal = 3
	defaultHistorySize  = 100
)

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.MaxTasks <= 0 {
		c.MaxTasks = defaultMaxTasks
	}
	if c.MaxPerPrincipal <= 0 {
		c.MaxPerPrincipal = defaultPerPrincipal
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Deps are the scheduler's collaborators. Store and Bus may be nil;
// Processor defaults to PassProcessor.
type Deps struct {
	Source    Source
	Sink      Sink
	Processor Processor
	Store     storage.Store
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Service owns the task registry: admission, the per-task run loops, the
// state machine transitions, and checkpoint persistence.
type Service struct {
	cfg  SchedulerConfig
	deps Deps
	log  logx.Logger
	sup  *supervisor.Supervisor

	mu      sync.Mutex
	tasks   map[string]*task
	history []TaskSnapshot
	done    struct{ completed, failed, cancelled int }
	started bool
	stopped bool

	seq atomic.Uint64
}

func NewService(cfg SchedulerConfig, deps Deps) *Service {
	if deps.Processor == nil {
		deps.Processor = PassProcessor
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		log:   deps.Log.With(logx.String("component", "relay")),
		tasks: make(map[string]*task),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.started = true
	s.log.Info("relay engine started",
		logx.Int("max_tasks", s.cfg.MaxTasks),
		logx.Int("per_principal", s.cfg.MaxPerPrincipal))
	return nil
}

// Stop winds the engine down: run loops are interrupted and running tasks
// persist a paused checkpoint so a later Restore can pick them back up.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)
	s.log.Info("relay engine stopped")
	return err
}

// Apply replaces the admission caps and per-task defaults. Running tasks
// keep the config they started with.
func (s *Service) Apply(cfg SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
}

// Admit validates the task spec, enforces the admission caps and schedules the
// task. The returned snapshot reflects the pending task; the run loop starts
// asynchronously.
func (s *Service) Admit(ctx context.Context, spec TaskSpec) (TaskSnapshot, error) {
	if err := spec.validate(); err != nil {
		return TaskSnapshot{}, err
	}

	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return TaskSnapshot{}, ErrEngineStopped
	}
	if spec.ID == "" {
		spec.ID = s.newTaskID()
	} else if _, exists := s.tasks[spec.ID]; exists {
		s.mu.Unlock()
		return TaskSnapshot{}, fmt.Errorf("relay: task %s already exists", spec.ID)
	}
	if err := s.admissionLocked(spec.Principal); err != nil {
		s.mu.Unlock()
		return TaskSnapshot{}, err
	}
	cfg := s.cfg.Defaults
	if spec.Config != nil {
		cfg = *spec.Config
	}
	t := newTask(spec, cfg)
	s.tasks[spec.ID] = t
	s.mu.Unlock()

	s.publish(EventTaskAdmitted, t.snapshot())
	s.log.Info("task admitted",
		logx.String("task", spec.ID),
		logx.String("principal", spec.Principal),
		logx.String("source", spec.Source.String()),
		logx.String("target", spec.Target.String()),
		logx.Int64("start_id", spec.StartID),
		logx.Int64("end_id", spec.EndID))

	s.launch(t, EventTaskStarted)
	return t.snapshot(), nil
}

func (s *Service) admissionLocked(principal string) error {
	active, perPrincipal := 0, 0
	for _, t := range s.tasks {
		if !t.getStatus().Active() {
			continue
		}
		active++
		if t.spec.Principal == principal {
			perPrincipal++
		}
	}
	if active >= s.cfg.MaxTasks {
		return ErrTooManyTasks
	}
	if principal != "" && perPrincipal >= s.cfg.MaxPerPrincipal {
		return ErrPrincipalBusy
	}
	return nil
}

func (s *Service) newTaskID() string {
	return fmt.Sprintf("t%d-%d", time.Now().Unix(), s.seq.Add(1))
}

// Pause interrupts a running task. Progress up to the last committed unit is
// persisted; the task keeps its admission slot until cancelled or resumed.
func (s *Service) Pause(id string) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch t.getStatus() {
	case StatusRunning, StatusPending:
	case StatusPaused:
		return nil
	default:
		return fmt.Errorf("relay: task %s is %s", id, t.getStatus())
	}
	t.requestStop(stopPause)
	return nil
}

// Resume restarts a paused task from its checkpoint.
func (s *Service) Resume(ctx context.Context, id string) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrEngineStopped
	}
	s.mu.Unlock()
	if !t.activateFromPaused() {
		return fmt.Errorf("%w: task %s is %s", ErrNotPaused, id, t.getStatus())
	}
	s.launch(t, EventTaskResumed)
	return nil
}

// Cancel stops a task for good. A paused task transitions directly; a
// running one is interrupted and finalizes once its in-flight unit resolves.
func (s *Service) Cancel(id string) error {
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch t.getStatus() {
	case StatusPaused:
		if !t.activateFromPaused() {
			// Lost a race with Resume; interrupt the relaunched loop.
			t.requestStop(stopCancel)
			return nil
		}
		t.finalize(StatusCancelled, "")
		s.persist(t)
		s.retire(t, EventTaskCancelled)
		return nil
	case StatusRunning, StatusPending:
		t.requestStop(stopCancel)
		return nil
	default:
		return fmt.Errorf("relay: task %s is %s", id, t.getStatus())
	}
}

// GetStatus returns the task snapshot, consulting retired tasks too.
func (s *Service) GetStatus(id string) (TaskSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.snapshot(), true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i], true
		}
	}
	return TaskSnapshot{}, false
}

// ListActive returns snapshots of every task still holding an admission
// slot.
func (s *Service) ListActive() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

func (s *Service) Snapshot() EngineSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	es := EngineSnapshot{
		MaxTasks:  s.cfg.MaxTasks,
		Completed: s.done.completed,
		Failed:    s.done.failed,
		Cancelled: s.done.cancelled,
	}
	for _, t := range s.tasks {
		snap := t.snapshot()
		es.Tasks = append(es.Tasks, snap)
		if snap.Status.Active() {
			es.Active++
		}
	}
	return es
}

// FlushCheckpoints persists the current progress of every running task.
// Used by the periodic maintenance job as a safety net on top of the
// per-task cadence.
func (s *Service) FlushCheckpoints(ctx context.Context) error {
	s.mu.Lock()
	running := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.getStatus() == StatusRunning {
			running = append(running, t)
		}
	}
	s.mu.Unlock()
	var errs []error
	for _, t := range running {
		if err := s.save(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore loads non-terminal checkpoints from the store and registers them
// as paused tasks so the owner can resume them after a restart. It returns
// the number of tasks restored.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.deps.Store == nil {
		return 0, nil
	}
	cps, err := s.deps.Store.ListCheckpoints(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, cp := range cps {
		if Status(cp.Status).Terminal() {
			continue
		}
		src, err := decodeFeed(cp.SourceFeed)
		if err != nil {
			s.log.Warn("restore: skipping checkpoint", logx.String("task", cp.TaskID), logx.Err(err))
			continue
		}
		dst, err := decodeFeed(cp.TargetFeed)
		if err != nil {
			s.log.Warn("restore: skipping checkpoint", logx.String("task", cp.TaskID), logx.Err(err))
			continue
		}
		t := newTask(TaskSpec{
			ID:        cp.TaskID,
			Principal: cp.Principal,
			Source:    src,
			Target:    dst,
			StartID:   cp.StartID,
			EndID:     cp.EndID,
		}, s.cfg.Defaults)
		t.mu.Lock()
		t.status = StatusPaused
		t.lastID = cp.LastID
		t.processed = cp.Processed
		t.failed = cp.Failed
		t.skipped = cp.Skipped
		t.mu.Unlock()

		s.mu.Lock()
		if _, exists := s.tasks[cp.TaskID]; !exists {
			s.tasks[cp.TaskID] = t
			restored++
		}
		s.mu.Unlock()
	}
	if restored > 0 {
		s.log.Info("restored paused tasks from checkpoints", logx.Int("tasks", restored))
	}
	return restored, nil
}

// SweepStore deletes terminal checkpoints older than keep from the store.
func (s *Service) SweepStore(ctx context.Context, keep time.Duration) (int, error) {
	if s.deps.Store == nil {
		return 0, nil
	}
	cps, err := s.deps.Store.ListCheckpoints(ctx)
	if err != nil {
		return 0, err
	}
	cut := time.Now().Add(-keep)
	swept := 0
	for _, cp := range cps {
		if !Status(cp.Status).Terminal() || cp.UpdatedAt.After(cut) {
			continue
		}
		if err := s.deps.Store.DeleteCheckpoint(ctx, cp.TaskID); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func (s *Service) lookup(id string) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// launch starts (or restarts) the run loop for t under the supervisor.
func (s *Service) launch(t *task, startEvent string) {
	name := "task/" + t.spec.ID
	s.sup.Go0(name, func(ctx context.Context) {
		s.runTask(ctx, t, startEvent)
	})
}

// runTask is one run segment of a task: from start or resume until
// completion, pause, cancellation or failure.
func (s *Service) runTask(ctx context.Context, t *task, startEvent string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if t.cfg.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, t.cfg.Deadline)
		defer cancel()
	}

	t.setRunning(cancel)
	if t.stopRequested() != stopNone {
		cancel()
	}
	s.publish(startEvent, t.snapshot())
	log := s.log.With(logx.String("task", t.spec.ID))
	log.Info("task running", logx.Int64("from_id", t.nextID()), logx.Int64("end_id", t.spec.EndID))

	fetcher := NewFetcher(s.deps.Source, t.spec.Source, t.cfg.Batch, log)
	limiter := NewRateLimiter(t.cfg.Limiter)
	pipeline := NewPipeline(s.deps.Sink, t.spec.Target, t.cfg.Delivery, limiter, log)
	t.attach(fetcher, pipeline)
	defer t.detach()

	windows := make(chan Window, 1)
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- fetcher.Run(runCtx, t.nextID(), t.spec.EndID, windows)
	}()

	groups := make(chan ItemGroup)
	results := pipeline.Run(runCtx, groups)
	go s.feed(runCtx, t, fetcher, windows, groups)

	var fatal error
	for r := range results {
		t.apply(r)
		if r.Err != nil && IsFatal(r.Err) {
			fatal = r.Err
		}
		if s.deps.Store != nil && t.checkpointDue(time.Now()) {
			if err := s.save(context.Background(), t); err != nil {
				log.Warn("checkpoint save failed", logx.Err(err))
			}
		}
	}
	// Delivery has stopped. Release the fetch side before waiting on it: a
	// fatal result leaves the producer parked behind a full queue, and only
	// cancellation unblocks it.
	ctxErr := runCtx.Err()
	cancel()
	ferr := <-fetchErr
	if fatal == nil && ferr != nil && IsFatal(ferr) {
		fatal = ferr
	}

	s.finalizeRun(t, ctxErr, fatal, ferr, log)
}

// feed turns fetched windows into ordered item groups on the pipeline's
// input, applying the processor and reporting per-window processing time
// back to the fetcher.
func (s *Service) feed(ctx context.Context, t *task, fetcher *Fetcher, windows <-chan Window, groups chan<- ItemGroup) {
	defer close(groups)
	for w := range windows {
		began := time.Now()
		for _, g := range groupify(w.Items) {
			g, dropped := s.transformGroup(g)
			t.addSkipped(int64(dropped))
			t.addPlanned(1)
			select {
			case groups <- g:
			case <-ctx.Done():
				return
			}
		}
		fetcher.Observe(time.Since(began))
	}
}

// transformGroup runs the processor over a group. Items it rejects are
// dropped; a fully rejected group becomes a Drop unit that keeps its place
// in the stream. The returned count covers items dropped from a group that
// still delivers.
func (s *Service) transformGroup(g ItemGroup) (ItemGroup, int) {
	kept := make([]*Item, 0, len(g.Items))
	for _, it := range g.Items {
		if out, ok := s.deps.Processor.Transform(it); ok && out != nil {
			kept = append(kept, out)
		}
	}
	if len(kept) == 0 {
		g.Drop = true
		return g, 0
	}
	dropped := len(g.Items) - len(kept)
	g.Items = kept
	return g, dropped
}

// finalizeRun settles the task after a run segment. ctxErr is the run
// context's state captured before runTask's own teardown cancel, so an
// engine shutdown is still distinguishable from a self-inflicted cancel.
func (s *Service) finalizeRun(t *task, ctxErr, fatal, fetchErr error, log logx.Logger) {
	var (
		final Status
		event string
		msg   string
	)
	switch {
	case t.stopRequested() == stopCancel:
		final, event = StatusCancelled, EventTaskCancelled
	case t.stopRequested() == stopPause:
		final, event = StatusPaused, EventTaskPaused
	case fatal != nil:
		final, event, msg = StatusFailed, EventTaskFailed, fatal.Error()
	case errors.Is(ctxErr, context.DeadlineExceeded):
		final, event, msg = StatusFailed, EventTaskFailed, "task deadline exceeded"
	case ctxErr != nil:
		// Engine shutdown: park the task so Restore can resume it.
		final, event = StatusPaused, EventTaskPaused
	case fetchErr != nil && !interrupted(fetchErr):
		// The fetch side gave up (tail-mode retry exhaustion). The
		// checkpoint stays where delivery left it.
		final, event, msg = StatusFailed, EventTaskFailed, fetchErr.Error()
	default:
		final, event = StatusCompleted, EventTaskCompleted
	}

	t.finalize(final, msg)
	s.persist(t)

	snap := t.snapshot()
	s.publish(event, snap)
	log.Info("task "+string(final),
		logx.Int64("processed", snap.Processed),
		logx.Int64("failed", snap.Failed),
		logx.Int64("skipped", snap.Skipped),
		logx.Int64("last_id", snap.LastID))

	if final.Terminal() {
		s.retire(t, "")
	}
}

// persist writes the task's checkpoint with a short grace context, so state
// survives even when the run context is already cancelled.
func (s *Service) persist(t *task) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.save(ctx, t); err != nil {
		s.log.Warn("final checkpoint save failed",
			logx.String("task", t.spec.ID), logx.Err(err))
	}
}

func (s *Service) save(ctx context.Context, t *task) error {
	if s.deps.Store == nil {
		return nil
	}
	return s.deps.Store.SaveCheckpoint(ctx, t.checkpoint())
}

// retire moves a terminal task from the registry into bounded history.
// event may be empty when the caller already published one.
func (s *Service) retire(t *task, event string) {
	snap := t.snapshot()
	s.mu.Lock()
	delete(s.tasks, t.spec.ID)
	s.history = append(s.history, snap)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	switch snap.Status {
	case StatusCompleted:
		s.done.completed++
	case StatusFailed:
		s.done.failed++
	case StatusCancelled:
		s.done.cancelled++
	}
	s.mu.Unlock()
	if event != "" {
		s.publish(event, snap)
	}
}

func (s *Service) publish(typ string, snap TaskSnapshot) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: snap})
}

// groupify partitions a window's items into delivery groups: consecutive
// runs sharing a GroupID stay together, everything else becomes a
// singleton keyed by its own id.
func groupify(items []*Item) []ItemGroup {
	var out []ItemGroup
	for i := 0; i < len(items); {
		it := items[i]
		if it.GroupID == "" {
			out = append(out, ItemGroup{Key: strconv.FormatInt(it.ID, 10), Items: []*Item{it}})
			i++
			continue
		}
		j := i + 1
		for j < len(items) && items[j].GroupID == it.GroupID {
			j++
		}
		out = append(out, ItemGroup{Key: it.GroupID, Items: items[i:j]})
		i = j
	}
	return out
}
