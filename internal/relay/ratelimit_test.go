package relay

import (
	"testing"
	"time"
)

func TestLimiterTieredGrowth(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		wait time.Duration
		want time.Duration
	}{
		{"minor", 30 * time.Second, 9 * time.Second},
		{"moderate", 120 * time.Second, 12 * time.Second},
		{"severe", 2000 * time.Second, 15 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rl := NewRateLimiter(LimiterConfig{MaxDelay: time.Hour})
			now := time.Now()
			rl.RecordThrottle(tc.wait, now)
			if got := rl.Snapshot(now).CurrentDelay; got != tc.want {
				t.Fatalf("delay after %s throttle = %s, want %s", tc.name, got, tc.want)
			}
		})
	}
}

func TestLimiterConsecutiveThrottleBonus(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(LimiterConfig{MaxDelay: time.Hour})
	now := time.Now()
	rl.RecordThrottle(10*time.Second, now)
	rl.RecordThrottle(10*time.Second, now.Add(time.Second))

	// 6s * 1.5, then * 1.5 * 1.3.
	want := time.Duration(float64(9*time.Second) * 1.5 * 1.3)
	got := rl.Snapshot(now.Add(time.Second)).CurrentDelay
	if got != want {
		t.Fatalf("delay after consecutive throttles = %s, want %s", got, want)
	}

	// A clean send breaks the streak: the next throttle gets no bonus.
	rl.RecordSend(now.Add(2 * time.Second))
	before := rl.Snapshot(now.Add(2 * time.Second)).CurrentDelay
	rl.RecordThrottle(10*time.Second, now.Add(3*time.Second))
	after := rl.Snapshot(now.Add(3 * time.Second)).CurrentDelay
	if want := scaleDelay(before, minorFactor); after != want {
		t.Fatalf("delay after streak break = %s, want %s", after, want)
	}
}

func TestLimiterDecayAfterCleanSends(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(LimiterConfig{BaseDelay: 10 * time.Second, MaxPerMinute: 100})
	now := time.Now()
	for i := 0; i < 4; i++ {
		rl.RecordSend(now.Add(time.Duration(i) * time.Second))
	}
	if got := rl.Snapshot(now).CurrentDelay; got != 10*time.Second {
		t.Fatalf("delay decayed too early: %s", got)
	}
	rl.RecordSend(now.Add(5 * time.Second))
	if got, want := rl.Snapshot(now).CurrentDelay, 9500*time.Millisecond; got != want {
		t.Fatalf("delay after fifth clean send = %s, want %s", got, want)
	}
}

func TestLimiterClampBounds(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(LimiterConfig{})
	now := time.Now()
	for i := 0; i < 10; i++ {
		rl.RecordThrottle(2000*time.Second, now.Add(time.Duration(i)*time.Second))
	}
	if got := rl.Snapshot(now).CurrentDelay; got != defaultMaxDelay {
		t.Fatalf("delay not clamped at max: %s", got)
	}

	rl2 := NewRateLimiter(LimiterConfig{BaseDelay: 3100 * time.Millisecond, MaxPerMinute: 1000})
	for i := 0; i < 100; i++ {
		rl2.RecordSend(now.Add(time.Duration(i) * time.Second))
	}
	if got := rl2.Snapshot(now.Add(100 * time.Second)).CurrentDelay; got != defaultMinDelay {
		t.Fatalf("delay not floored at min: %s", got)
	}
}

func TestLimiterPreventiveDelay(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(LimiterConfig{BaseDelay: 10 * time.Second, MaxDelay: time.Hour})
	now := time.Now()
	if got := rl.Delay(now); got != 10*time.Second {
		t.Fatalf("baseline delay = %s", got)
	}
	rl.RecordThrottle(10*time.Second, now)
	base := rl.Snapshot(now).CurrentDelay
	if got, want := rl.Delay(now.Add(time.Minute)), scaleDelay(base, preventiveFactor); got != want {
		t.Fatalf("preventive delay = %s, want %s", got, want)
	}
	// Outside the preventive window the boost disappears.
	if got := rl.Delay(now.Add(preventiveWindow + time.Second)); got != base {
		t.Fatalf("delay after window = %s, want %s", got, base)
	}
}

func TestLimiterPerMinuteCap(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(LimiterConfig{})
	now := time.Now()
	for i := 0; i < defaultPerMinute; i++ {
		if wait := rl.CheckCap(now); wait != 0 {
			t.Fatalf("send %d blocked early: %s", i, wait)
		}
		rl.RecordSend(now)
	}
	if wait := rl.CheckCap(now); wait != capWindow {
		t.Fatalf("cap wait = %s, want %s", wait, capWindow)
	}
	// After the oldest send ages out a slot frees up.
	if wait := rl.CheckCap(now.Add(capWindow + time.Second)); wait != 0 {
		t.Fatalf("cap still blocking after window: %s", wait)
	}
}

func TestLimiterThrottleSequenceMonotonic(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(LimiterConfig{})
	now := time.Now()
	waits := []time.Duration{50 * time.Second, 50 * time.Second, 50 * time.Second, 1200 * time.Second}
	prev := rl.Snapshot(now).CurrentDelay
	for i, w := range waits {
		rl.RecordThrottle(w, now.Add(time.Duration(i)*time.Second))
		cur := rl.Snapshot(now.Add(time.Duration(i) * time.Second)).CurrentDelay
		if cur < prev {
			t.Fatalf("delay shrank across throttle %d: %s -> %s", i, prev, cur)
		}
		if cur > defaultMaxDelay {
			t.Fatalf("delay past max after throttle %d: %s", i, cur)
		}
		prev = cur
	}
	if prev != defaultMaxDelay {
		t.Fatalf("delay after escalating throttles = %s, want clamp at %s", prev, defaultMaxDelay)
	}
}

func TestLimiterSevere(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(LimiterConfig{})
	if rl.Severe(999 * time.Second) {
		t.Fatal("999s counted as severe")
	}
	if !rl.Severe(1000 * time.Second) {
		t.Fatal("1000s not counted as severe")
	}
}
