package relay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

func fastTaskConfig() TaskConfig {
	return TaskConfig{
		Limiter: LimiterConfig{
			BaseDelay:    time.Microsecond,
			MinDelay:     time.Microsecond,
			MaxDelay:     time.Millisecond,
			MaxPerMinute: 100000,
		},
		Batch:           BatchConfig{First: 10, Min: 10, RetryBase: time.Millisecond},
		Delivery:        DeliveryConfig{RetryBase: time.Millisecond},
		CheckpointEvery: time.Millisecond,
	}
}

func newTestService(t *testing.T, src Source, sink Sink, opts ...func(*SchedulerConfig, *Deps)) *Service {
	t.Helper()
	cfg := SchedulerConfig{Defaults: fastTaskConfig()}
	deps := Deps{Source: src, Sink: sink, Log: logx.Nop()}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	svc := NewService(cfg, deps)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func waitStatus(t *testing.T, svc *Service, id string, want Status) TaskSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := svc.GetStatus(id); ok && snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := svc.GetStatus(id)
	t.Fatalf("task %s status = %s, want %s", id, snap.Status, want)
	return TaskSnapshot{}
}

// gatedSink blocks every delivery until released, so tests can hold a task
// mid-run.
type gatedSink struct {
	*fakeSink
	gate chan struct{}
}

func newGatedSink() *gatedSink {
	return &gatedSink{fakeSink: newFakeSink(), gate: make(chan struct{})}
}

func (s *gatedSink) wait(ctx context.Context) error {
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *gatedSink) DeliverItem(ctx context.Context, feed FeedRef, p Payload) (int64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	return s.fakeSink.DeliverItem(ctx, feed, p)
}

func (s *gatedSink) DeliverGroup(ctx context.Context, feed FeedRef, ps []Payload) ([]int64, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.fakeSink.DeliverGroup(ctx, feed, ps)
}

func (s *gatedSink) release(n int) {
	for i := 0; i < n; i++ {
		s.gate <- struct{}{}
	}
}

func simpleSpec(id string) TaskSpec {
	return TaskSpec{
		ID:      id,
		Source:  FeedRef{ID: 100},
		Target:  FeedRef{ID: 200},
		StartID: 1,
		EndID:   5,
	}
}

func TestSchedulerRunsTaskToCompletion(t *testing.T) {
	t.Parallel()
	src := newFakeSource(
		textItem(1, "a"), textItem(2, "b"), textItem(3, "c"),
		textItem(4, "d"), textItem(5, "e"),
	)
	sink := newFakeSink()
	svc := newTestService(t, src, sink)

	snap, err := svc.Admit(context.Background(), simpleSpec("job"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if snap.ID != "job" {
		t.Fatalf("snapshot id = %q", snap.ID)
	}

	done := waitStatus(t, svc, "job", StatusCompleted)
	if done.Processed != 5 || done.Failed != 0 || done.LastID != 5 {
		t.Fatalf("final snapshot = %+v", done)
	}
	if len(svc.ListActive()) != 0 {
		t.Fatal("completed task still active")
	}
}

func TestSchedulerValidatesSpec(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, newFakeSource(), newFakeSink())
	cases := []TaskSpec{
		{Source: FeedRef{ID: 1}, Target: FeedRef{ID: 2}, StartID: 0},
		{Source: FeedRef{ID: 1}, Target: FeedRef{ID: 2}, StartID: 10, EndID: 5},
		{Target: FeedRef{ID: 2}, StartID: 1, EndID: 5},
	}
	for i, spec := range cases {
		if _, err := svc.Admit(context.Background(), spec); !errors.Is(err, ErrBadRange) {
			t.Fatalf("case %d: err = %v, want ErrBadRange", i, err)
		}
	}
}

func TestSchedulerAdmissionCaps(t *testing.T) {
	t.Parallel()
	src := newFakeSource(textItem(1, "a"))
	sink := newGatedSink()
	svc := newTestService(t, src, sink, func(cfg *SchedulerConfig, _ *Deps) {
		cfg.MaxTasks = 2
		cfg.MaxPerPrincipal = 1
	})

	spec := simpleSpec("a1")
	spec.Principal = "alice"
	if _, err := svc.Admit(context.Background(), spec); err != nil {
		t.Fatalf("first admit: %v", err)
	}

	spec2 := simpleSpec("a2")
	spec2.Principal = "alice"
	if _, err := svc.Admit(context.Background(), spec2); !errors.Is(err, ErrPrincipalBusy) {
		t.Fatalf("per-principal cap: err = %v", err)
	}

	spec3 := simpleSpec("b1")
	spec3.Principal = "bob"
	if _, err := svc.Admit(context.Background(), spec3); err != nil {
		t.Fatalf("second admit: %v", err)
	}

	spec4 := simpleSpec("c1")
	spec4.Principal = "carol"
	if _, err := svc.Admit(context.Background(), spec4); !errors.Is(err, ErrTooManyTasks) {
		t.Fatalf("global cap: err = %v", err)
	}
}

func TestSchedulerPauseResume(t *testing.T) {
	t.Parallel()
	src := newFakeSource(
		textItem(1, "a"), textItem(2, "b"), textItem(3, "c"),
		textItem(4, "d"), textItem(5, "e"),
	)
	sink := newGatedSink()
	svc := newTestService(t, src, sink)

	if _, err := svc.Admit(context.Background(), simpleSpec("job")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	sink.release(2)
	if err := svc.Pause("job"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused := waitStatus(t, svc, "job", StatusPaused)
	if paused.Processed < 2 {
		t.Fatalf("paused snapshot = %+v, want >= 2 processed", paused)
	}

	if err := svc.Resume(context.Background(), "job"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	go sink.release(5 - int(paused.Processed))
	done := waitStatus(t, svc, "job", StatusCompleted)
	if done.Processed != 5 {
		t.Fatalf("final processed = %d, want 5", done.Processed)
	}
	// No item is delivered twice across the pause boundary.
	seen := map[int64]int{}
	for _, p := range sink.single {
		seen[p.SourceID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %d delivered %d times", id, n)
		}
	}
}

func TestSchedulerResumeRequiresPaused(t *testing.T) {
	t.Parallel()
	src := newFakeSource(textItem(1, "a"))
	sink := newGatedSink()
	svc := newTestService(t, src, sink)

	if _, err := svc.Admit(context.Background(), simpleSpec("job")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := svc.Resume(context.Background(), "job"); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume on running task: err = %v", err)
	}
}

func TestSchedulerCancelStopsPromptly(t *testing.T) {
	t.Parallel()
	src := newFakeSource(
		textItem(1, "a"), textItem(2, "b"), textItem(3, "c"),
	)
	sink := newGatedSink()
	svc := newTestService(t, src, sink)

	if _, err := svc.Admit(context.Background(), simpleSpec("job")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	sink.release(1)
	began := time.Now()
	if err := svc.Cancel("job"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitStatus(t, svc, "job", StatusCancelled)
	if elapsed := time.Since(began); elapsed > 2*time.Second {
		t.Fatalf("cancel took %s", elapsed)
	}
	if _, err := svc.Admit(context.Background(), simpleSpec("job")); err != nil {
		t.Fatalf("re-admit after cancel: %v", err)
	}
}

func TestSchedulerFatalFailsTask(t *testing.T) {
	t.Parallel()
	src := newFakeSource(textItem(1, "a"), textItem(2, "b"))
	sink := newFakeSink()
	sink.failWith(1, WrapFatal(errors.New("bot kicked from target")))
	svc := newTestService(t, src, sink)

	if _, err := svc.Admit(context.Background(), simpleSpec("job")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	snap := waitStatus(t, svc, "job", StatusFailed)
	if snap.LastError == "" {
		t.Fatal("failed task has no last error")
	}
}

// A fatal delivery must fail the task even when the fetch side is far ahead:
// the producer sits blocked on a full queue and only the run teardown can
// release it.
func TestSchedulerFatalFailsTaskWithBacklog(t *testing.T) {
	t.Parallel()
	items := make([]*Item, 0, 60)
	for id := int64(1); id <= 60; id++ {
		items = append(items, textItem(id, "x"))
	}
	src := newFakeSource(items...)
	sink := newFakeSink()
	sink.failWith(1, WrapFatal(errors.New("bot kicked from target")))
	svc := newTestService(t, src, sink, func(cfg *SchedulerConfig, _ *Deps) {
		cfg.Defaults.Delivery.QueueSize = 2
	})

	spec := simpleSpec("job")
	spec.EndID = 60
	if _, err := svc.Admit(context.Background(), spec); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	snap := waitStatus(t, svc, "job", StatusFailed)
	if snap.Processed != 0 {
		t.Fatalf("processed = %d, want 0", snap.Processed)
	}
}

// Tail mode has no range end to confirm against, so an unreachable source
// must surface as a failure instead of finalizing the task as caught up.
func TestSchedulerTailFetchExhaustionFails(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.failures = 1 << 20
	svc := newTestService(t, src, newFakeSink())

	spec := simpleSpec("job")
	spec.EndID = 0
	if _, err := svc.Admit(context.Background(), spec); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	snap := waitStatus(t, svc, "job", StatusFailed)
	if snap.LastError == "" {
		t.Fatal("failed task has no last error")
	}
	if snap.LastID != 0 {
		t.Fatalf("last_id = %d, want 0 (checkpoint untouched)", snap.LastID)
	}
}

func TestSchedulerProcessorDropsItems(t *testing.T) {
	t.Parallel()
	src := newFakeSource(
		textItem(1, "keep"), textItem(2, "drop"), textItem(3, "keep"),
	)
	sink := newFakeSink()
	drop := ProcessorFunc(func(it *Item) (*Item, bool) {
		return it, it.Text != "drop"
	})
	svc := newTestService(t, src, sink, func(_ *SchedulerConfig, deps *Deps) {
		deps.Processor = drop
	})

	spec := simpleSpec("job")
	spec.EndID = 3
	if _, err := svc.Admit(context.Background(), spec); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	done := waitStatus(t, svc, "job", StatusCompleted)
	if done.Processed != 2 || done.Skipped != 1 {
		t.Fatalf("final snapshot = %+v, want 2 processed 1 skipped", done)
	}
}

func TestSchedulerEventsPublished(t *testing.T) {
	t.Parallel()
	src := newFakeSource(textItem(1, "a"))
	bus := eventbus.New()
	events, cancel := bus.Subscribe(16)
	defer cancel()
	svc := newTestService(t, src, newFakeSink(), func(_ *SchedulerConfig, deps *Deps) {
		deps.Bus = bus
	})

	spec := simpleSpec("job")
	spec.EndID = 1
	if _, err := svc.Admit(context.Background(), spec); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitStatus(t, svc, "job", StatusCompleted)

	want := map[string]bool{
		EventTaskAdmitted:  false,
		EventTaskStarted:   false,
		EventTaskCompleted: false,
	}
	deadline := time.After(3 * time.Second)
	for {
		missing := 0
		for _, seen := range want {
			if !seen {
				missing++
			}
		}
		if missing == 0 {
			return
		}
		select {
		case ev := <-events:
			if _, ok := want[ev.Type]; ok {
				want[ev.Type] = true
			}
		case <-deadline:
			t.Fatalf("missing events: %+v", want)
		}
	}
}

func TestSchedulerCheckpointRestore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	openStore := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "relay")}, logx.Nop())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		return st
	}

	src := newFakeSource(
		textItem(1, "a"), textItem(2, "b"), textItem(3, "c"),
		textItem(4, "d"), textItem(5, "e"),
	)
	sink := newGatedSink()
	store := openStore()
	svc := newTestService(t, src, sink, func(_ *SchedulerConfig, deps *Deps) {
		deps.Store = store
	})

	if _, err := svc.Admit(context.Background(), simpleSpec("job")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	sink.release(2)
	if err := svc.Pause("job"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused := waitStatus(t, svc, "job", StatusPaused)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// A fresh engine restores the paused task from its checkpoint and
	// resumes from the committed id.
	store2 := openStore()
	defer store2.Close()
	svc2 := newTestService(t, src, newFakeSink(), func(_ *SchedulerConfig, deps *Deps) {
		deps.Store = store2
	})
	n, err := svc2.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	snap, ok := svc2.GetStatus("job")
	if !ok || snap.Status != StatusPaused {
		t.Fatalf("restored snapshot = %+v", snap)
	}
	if snap.LastID != paused.LastID {
		t.Fatalf("restored last id = %d, want %d", snap.LastID, paused.LastID)
	}
	if err := svc2.Resume(context.Background(), "job"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// Restored counters carry over, so the total includes the first run.
	done := waitStatus(t, svc2, "job", StatusCompleted)
	if done.Processed != 5 || done.LastID != 5 {
		t.Fatalf("final snapshot = %+v, want 5 processed through id 5", done)
	}
}

func TestGroupify(t *testing.T) {
	t.Parallel()
	items := []*Item{
		textItem(1, "solo"),
		item(2, "g1"), item(3, "g1"),
		textItem(4, "solo2"),
		item(5, "g2"),
	}
	got := groupify(items)
	if len(got) != 4 {
		t.Fatalf("groups = %d, want 4", len(got))
	}
	if got[1].Key != "g1" || got[1].Size() != 2 {
		t.Fatalf("group 1 = %+v", got[1])
	}
	if got[3].Key != "g2" || got[3].Size() != 1 {
		t.Fatalf("group 3 = %+v", got[3])
	}
	if got[0].Key != "1" || got[2].Key != "4" {
		t.Fatalf("singleton keys = %q, %q", got[0].Key, got[2].Key)
	}
}
