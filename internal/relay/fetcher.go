package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"relaybot/pkg/logx"
)

// BatchConfig tunes the streaming fetcher. Zero fields take the defaults
// below.
type BatchConfig struct {
	First       int           // first window size (default 500)
	Min         int           // lower window clamp (default 200)
	Max         int           // upper window clamp (default 1000)
	Step        int           // per-adjustment window delta (default 100)
	GroupProbe  int           // ids probed past a boundary to close a media group (default 50)
	SparseProbe int           // sub-range size when a window comes back empty (default 100)
	FastWindow  time.Duration // avg processing time below this grows the window (default 2s)
	SlowWindow  time.Duration // avg processing time above this shrinks it (default 5s)
	RetryMax    int           // fetch attempts per range (default 3)
	RetryBase   time.Duration // backoff base between fetch attempts (default 500ms)
}

const (
	defaultBatchFirst  = 500
	defaultBatchMin    = 200
	defaultBatchMax    = 1000
	defaultBatchStep   = 100
	defaultGroupProbe  = 50
	defaultSparseProbe = 100
	defaultFastWindow  = 2 * time.Second
	defaultSlowWindow  = 5 * time.Second
	defaultFetchRetry  = 3
	defaultFetchBack   = 500 * time.Millisecond

	observeSamples = 5
)

func (c BatchConfig) withDefaults() BatchConfig {
	if c.First <= 0 {
		c.First = defaultBatchFirst
	}
	if c.Min <= 0 {
		c.Min = defaultBatchMin
	}
	if c.Max <= 0 {
		c.Max = defaultBatchMax
	}
	if c.Step <= 0 {
		c.Step = defaultBatchStep
	}
	if c.GroupProbe <= 0 {
		c.GroupProbe = defaultGroupProbe
	}
	if c.SparseProbe <= 0 {
		c.SparseProbe = defaultSparseProbe
	}
	if c.FastWindow <= 0 {
		c.FastWindow = defaultFastWindow
	}
	if c.SlowWindow <= 0 {
		c.SlowWindow = defaultSlowWindow
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultFetchRetry
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultFetchBack
	}
	return c
}

// Window is one fetched id window with media groups fully contained: a group
// never straddles two windows.
type Window struct {
	Start int64 // first id covered, inclusive
	End   int64 // last id covered after group extension, inclusive
	Items []*Item
}

// Fetcher streams a feed's id range in adaptively sized windows. Window size
// tracks downstream processing speed reported through Observe, media groups
// at window boundaries are closed by forward probing, and empty windows are
// re-checked in sparse sub-probes before being declared absent.
type Fetcher struct {
	src  Source
	feed FeedRef
	cfg  BatchConfig
	log  logx.Logger

	mu    sync.Mutex
	size  int
	times []time.Duration
}

func NewFetcher(src Source, feed FeedRef, cfg BatchConfig, log logx.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	return &Fetcher{src: src, feed: feed, cfg: cfg, log: log, size: cfg.First}
}

// Run streams windows covering [start, end] into out, closing out on
// return. An end of 0 selects tail mode: streaming continues until a window
// and its sparse sub-probes confirm no further items exist. The first
// window also completes a media group backward when start lands inside one.
// A bounded-range window that keeps failing is logged as a gap and skipped;
// Run returns nil on normal completion, ctx.Err on cancellation, and a
// fatal error when the source reports one.
//
// out should have capacity 1 so the next window is fetched while the
// current one is still being processed.
func (f *Fetcher) Run(ctx context.Context, start, end int64, out chan<- Window) error {
	defer close(out)
	cur := start
	first := true
	for end == 0 || cur <= end {
		w, err := f.fetchWindow(ctx, cur, end)
		if err != nil {
			if IsFatal(err) || ctx.Err() != nil || end == 0 {
				return err
			}
			gapEnd := cur + int64(f.WindowSize()) - 1
			if gapEnd > end {
				gapEnd = end
			}
			f.log.Warn("fetch: window abandoned, continuing past gap",
				logx.String("feed", f.feed.String()),
				logx.Int64("gap_start", cur),
				logx.Int64("gap_end", gapEnd),
				logx.Err(err))
			cur = gapEnd + 1
			continue
		}
		if first && len(w.Items) > 0 {
			first = false
			head := w.Items[0]
			if head.GroupID != "" && head.ID == start {
				prev, err := f.extendBackward(ctx, head, start)
				if err != nil {
					return err
				}
				if len(prev) > 0 {
					w.Items = append(prev, w.Items...)
					w.Start = prev[0].ID
				}
			}
		}
		if len(w.Items) == 0 {
			if end == 0 {
				// Tail mode: an empty, fully probed stretch means we
				// caught up with the feed head.
				return nil
			}
			f.log.Debug("fetch: empty window",
				logx.String("feed", f.feed.String()),
				logx.Int64("start", w.Start),
				logx.Int64("end", w.End))
			cur = w.End + 1
			continue
		}
		select {
		case out <- w:
		case <-ctx.Done():
			return ctx.Err()
		}
		cur = w.End + 1
	}
	return nil
}

// Observe feeds back how long downstream processing of one window took.
// Once enough samples exist their average steers the window size: fast
// processing grows it by Step, slow processing shrinks it, both clamped to
// [Min, Max].
func (f *Fetcher) Observe(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = append(f.times, d)
	if len(f.times) > observeSamples {
		f.times = f.times[len(f.times)-observeSamples:]
	}
	if len(f.times) < observeSamples {
		return
	}
	var sum time.Duration
	for _, t := range f.times {
		sum += t
	}
	avg := sum / observeSamples
	switch {
	case avg < f.cfg.FastWindow:
		f.size = min(f.size+f.cfg.Step, f.cfg.Max)
	case avg > f.cfg.SlowWindow:
		f.size = max(f.size-f.cfg.Step, f.cfg.Min)
	}
}

// WindowSize reports the current adaptive window size.
func (f *Fetcher) WindowSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// fetchWindow fetches one window starting at cur, sub-probing when empty and
// extending forward past the boundary while the last item's media group is
// still open. The returned Window.End is the last id actually covered.
func (f *Fetcher) fetchWindow(ctx context.Context, cur, end int64) (Window, error) {
	last := cur + int64(f.WindowSize()) - 1
	if end > 0 && last > end {
		last = end
	}
	items, err := f.fetchRange(ctx, cur, last)
	if err != nil {
		return Window{}, err
	}
	if len(items) == 0 {
		items, err = f.sparseProbe(ctx, cur, last)
		if err != nil {
			return Window{}, err
		}
		if len(items) == 0 {
			return Window{Start: cur, End: last}, nil
		}
	}
	w := Window{Start: cur, End: last, Items: items}
	tail := items[len(items)-1]
	if tail.GroupID == "" {
		return w, nil
	}
	ext, err := f.extendForward(ctx, tail, last, end)
	if err != nil {
		return Window{}, err
	}
	if len(ext) > 0 {
		w.Items = append(w.Items, ext...)
		w.End = ext[len(ext)-1].ID
	}
	return w, nil
}

// extendForward probes up to GroupProbe ids past boundary and returns the
// contiguous run that still belongs to tail's media group.
func (f *Fetcher) extendForward(ctx context.Context, tail *Item, boundary, end int64) ([]*Item, error) {
	probeEnd := boundary + int64(f.cfg.GroupProbe)
	if end > 0 && probeEnd > end {
		probeEnd = end
	}
	if probeEnd <= boundary {
		return nil, nil
	}
	probe, err := f.fetchRange(ctx, boundary+1, probeEnd)
	if err != nil {
		return nil, err
	}
	byID := indexByID(probe)
	var ext []*Item
	for id := boundary + 1; id <= probeEnd; id++ {
		it, ok := byID[id]
		if !ok || it.GroupID != tail.GroupID {
			break
		}
		ext = append(ext, it)
	}
	if len(ext) > 0 {
		f.log.Debug("fetch: extended media group",
			logx.String("group", tail.GroupID),
			logx.Int("items", len(ext)))
	}
	return ext, nil
}

// extendBackward probes up to GroupProbe ids below start and returns the
// earlier members of head's media group, in ascending id order.
func (f *Fetcher) extendBackward(ctx context.Context, head *Item, start int64) ([]*Item, error) {
	probeStart := start - int64(f.cfg.GroupProbe)
	if probeStart < 1 {
		probeStart = 1
	}
	if probeStart >= start {
		return nil, nil
	}
	probe, err := f.fetchRange(ctx, probeStart, start-1)
	if err != nil {
		return nil, err
	}
	byID := indexByID(probe)
	var rev []*Item
	for id := start - 1; id >= probeStart; id-- {
		it, ok := byID[id]
		if !ok || it.GroupID != head.GroupID {
			break
		}
		rev = append(rev, it)
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev, nil
}

// sparseProbe re-checks an empty window in SparseProbe-sized sub-ranges so a
// deleted stretch at the front does not hide items further in.
func (f *Fetcher) sparseProbe(ctx context.Context, start, end int64) ([]*Item, error) {
	var all []*Item
	for cur := start; cur <= end; cur += int64(f.cfg.SparseProbe) {
		subEnd := cur + int64(f.cfg.SparseProbe) - 1
		if subEnd > end {
			subEnd = end
		}
		items, err := f.fetchRange(ctx, cur, subEnd)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	if len(all) > 0 {
		f.log.Debug("fetch: sparse probe recovered items",
			logx.String("feed", f.feed.String()),
			logx.Int("items", len(all)))
	}
	return all, nil
}

// fetchRange fetches [start, end] inclusive, retrying transient source
// errors. Fatal errors and cancellation abort immediately. Absent ids are
// dropped; the result is sorted ascending by id.
func (f *Fetcher) fetchRange(ctx context.Context, start, end int64) ([]*Item, error) {
	ids := make([]int64, 0, end-start+1)
	for id := start; id <= end; id++ {
		ids = append(ids, id)
	}
	var lastErr error
	for attempt := 1; attempt <= f.cfg.RetryMax; attempt++ {
		items, err := f.src.FetchItems(ctx, f.feed, ids)
		if err == nil {
			out := items[:0]
			for _, it := range items {
				if it != nil {
					out = append(out, it)
				}
			}
			sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
			return out, nil
		}
		if IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		f.log.Warn("fetch: range failed, retrying",
			logx.String("feed", f.feed.String()),
			logx.Int64("start", start),
			logx.Int64("end", end),
			logx.Int("attempt", attempt),
			logx.Err(err))
		if attempt < f.cfg.RetryMax {
			if err := sleepCtx(ctx, time.Duration(attempt)*f.cfg.RetryBase); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func indexByID(items []*Item) map[int64]*Item {
	m := make(map[int64]*Item, len(items))
	for _, it := range items {
		m[it.ID] = it
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
