package relay

import (
	"sync"
	"time"
)

// LimiterConfig tunes the adaptive send limiter. Zero fields take the
// defaults below.
type LimiterConfig struct {
	BaseDelay    time.Duration // initial pacing delay (default 6s)
	MinDelay     time.Duration // lower clamp (default 3s)
	MaxDelay     time.Duration // upper clamp (default 30s)
	MaxPerMinute int           // hard send cap per sliding minute (default 6)
}

const (
	defaultBaseDelay = 6 * time.Second
	defaultMinDelay  = 3 * time.Second
	defaultMaxDelay  = 30 * time.Second
	defaultPerMinute = 6

	// Throttle reaction tiers by mandated wait.
	moderateWaitAt = 100 * time.Second
	severeWaitAt   = 1000 * time.Second
	minorFactor    = 1.5
	moderateFactor = 2.0
	severeFactor   = 2.5

	// Extra growth after consecutive throttles.
	streakAt     = 2
	streakFactor = 1.3

	// Gradual recovery after an unbroken run of clean sends.
	decayAfter  = 5
	decayFactor = 0.95

	// Preventive slow-down while throttles are recent.
	preventiveWindow = 5 * time.Minute
	preventiveFactor = 1.5

	capWindow = time.Minute
)

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MinDelay <= 0 {
		c.MinDelay = defaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = defaultPerMinute
	}
	return c
}

// RateLimiter adapts pacing delay to observed platform pushback. Delay grows
// multiplicatively on throttles, tiered by the mandated wait, and decays
// slowly again after unbroken runs of clean sends. A sliding per-minute send
// cap bounds burst rate independently of the adaptive delay.
//
// All methods are safe for concurrent use, though each pipeline owns its own
// limiter instance.
type RateLimiter struct {
	mu sync.Mutex

	cfg   LimiterConfig
	delay time.Duration

	sends     []time.Time // send timestamps inside capWindow
	throttles []time.Time // throttle timestamps inside preventiveWindow

	streak     int // consecutive throttles without a clean send between
	cleanSends int // consecutive clean sends since the last throttle
}

func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	cfg = cfg.withDefaults()
	return &RateLimiter{cfg: cfg, delay: cfg.BaseDelay}
}

// Delay returns the pacing delay to sleep before the next send. While any
// throttle is inside the preventive window the returned delay carries an
// extra multiplier so pacing slows before the platform pushes back again.
func (r *RateLimiter) Delay(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneThrottles(now)
	d := r.delay
	if len(r.throttles) > 0 {
		d = clampDelay(scaleDelay(d, preventiveFactor), r.cfg)
	}
	return d
}

// CheckCap reports how long the caller must wait before the next send to
// stay under the per-minute cap. Zero means the send may go out now.
func (r *RateLimiter) CheckCap(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneSends(now)
	if len(r.sends) < r.cfg.MaxPerMinute {
		return 0
	}
	// Oldest tracked send ages out of the window first.
	wait := capWindow - now.Sub(r.sends[0])
	if wait < 0 {
		wait = 0
	}
	return wait
}

// RecordSend registers a clean send. Every decayAfter-th consecutive clean
// send shrinks the delay by decayFactor, floored at MinDelay.
func (r *RateLimiter) RecordSend(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneSends(now)
	r.sends = append(r.sends, now)
	r.streak = 0
	r.cleanSends++
	if r.cleanSends >= decayAfter {
		r.cleanSends = 0
		r.delay = clampDelay(scaleDelay(r.delay, decayFactor), r.cfg)
	}
}

// RecordThrottle registers platform pushback with the mandated wait and
// grows the delay by the tier factor for that wait. A second or later
// consecutive throttle grows it further.
func (r *RateLimiter) RecordThrottle(wait time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneThrottles(now)
	r.throttles = append(r.throttles, now)
	r.cleanSends = 0
	r.streak++

	factor := minorFactor
	switch {
	case wait >= severeWaitAt:
		factor = severeFactor
	case wait >= moderateWaitAt:
		factor = moderateFactor
	}
	d := scaleDelay(r.delay, factor)
	if r.streak >= streakAt {
		d = scaleDelay(d, streakFactor)
	}
	r.delay = clampDelay(d, r.cfg)
}

// Severe reports whether the mandated wait is long enough that the caller
// must sit out the full duration before retrying the same unit.
func (r *RateLimiter) Severe(wait time.Duration) bool {
	return wait >= severeWaitAt
}

// LimiterSnapshot is a point-in-time view for status reporting.
type LimiterSnapshot struct {
	CurrentDelay    time.Duration `json:"current_delay"`
	RecentThrottles int           `json:"recent_throttles"`
	SendsLastMinute int           `json:"sends_last_minute"`
}

func (r *RateLimiter) Snapshot(now time.Time) LimiterSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneSends(now)
	r.pruneThrottles(now)
	return LimiterSnapshot{
		CurrentDelay:    r.delay,
		RecentThrottles: len(r.throttles),
		SendsLastMinute: len(r.sends),
	}
}

func (r *RateLimiter) pruneSends(now time.Time) {
	cut := now.Add(-capWindow)
	r.sends = pruneBefore(r.sends, cut)
}

func (r *RateLimiter) pruneThrottles(now time.Time) {
	cut := now.Add(-preventiveWindow)
	r.throttles = pruneBefore(r.throttles, cut)
}

func pruneBefore(ts []time.Time, cut time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cut) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func scaleDelay(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

func clampDelay(d time.Duration, cfg LimiterConfig) time.Duration {
	if d < cfg.MinDelay {
		return cfg.MinDelay
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}
