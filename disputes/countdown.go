package disputes

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"jurywatch/ledger"
)

// VotingClosedText is rendered once a dispute's voting window has elapsed.
const VotingClosedText = "Voting closed"

// DefaultTick is the countdown refresh interval.
const DefaultTick = time.Second

// VotingDeadlineMillis returns the end of the voting window in unix
// milliseconds: start plus the standard and extension durations. Overflowing
// timers saturate at math.MaxInt64.
func VotingDeadlineMillis(timer ledger.DisputeTimer) int64 {
	const limit = math.MaxInt64 / 1000
	total := timer.Start + timer.StandardDuration
	if total < timer.Start {
		return math.MaxInt64
	}
	total += timer.ExtensionDuration
	if total < timer.ExtensionDuration || total > limit {
		return math.MaxInt64
	}
	return int64(total) * 1000
}

// RemainingMillis returns the voting time left at nowMillis, never negative.
// The timer is the only clock input besides now.
func RemainingMillis(nowMillis int64, timer ledger.DisputeTimer) int64 {
	remaining := VotingDeadlineMillis(timer) - nowMillis
	if nowMillis < 0 && remaining < 0 {
		// Subtracting a negative now overflowed.
		return math.MaxInt64
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Remaining is RemainingMillis as a duration.
func Remaining(now time.Time, timer ledger.DisputeTimer) time.Duration {
	ms := RemainingMillis(now.UnixMilli(), timer)
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// FormatRemaining renders d as "2d 03h 04m 05s", omitting days when zero, or
// VotingClosedText when nothing remains.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return VotingClosedText
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	hours := secs % 86400 / 3600
	minutes := secs % 3600 / 60
	seconds := secs % 60
	if days > 0 {
		return fmt.Sprintf("%dd %02dh %02dm %02ds", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02dh %02dm %02ds", hours, minutes, seconds)
}

// Countdown recomputes the remaining voting time of one timer on a fixed tick.
type Countdown struct {
	mu     sync.Mutex
	timer  ledger.DisputeTimer
	source func() (ledger.DisputeTimer, bool)
	tick   time.Duration
	now    func() time.Time
}

// CountdownOption customises a Countdown.
type CountdownOption func(*Countdown)

// WithTick sets the refresh interval.
func WithTick(d time.Duration) CountdownOption {
	return func(c *Countdown) {
		if d > 0 {
			c.tick = d
		}
	}
}

// WithCountdownClock sets the clock.
func WithCountdownClock(now func() time.Time) CountdownOption {
	return func(c *Countdown) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTimerSource re-reads the timer before every recomputation. A source that
// reports false leaves the last known timer in place, so an extension becomes
// visible on the next tick without the countdown touching the ledger itself.
func WithTimerSource(src func() (ledger.DisputeTimer, bool)) CountdownOption {
	return func(c *Countdown) {
		c.source = src
	}
}

// NewCountdown builds a countdown over an already-read timer. It performs no
// ledger reads; use WithTimerSource to follow timer changes.
func NewCountdown(timer ledger.DisputeTimer, opts ...CountdownOption) *Countdown {
	c := &Countdown{timer: timer, tick: DefaultTick, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Remaining returns the time left now.
func (c *Countdown) Remaining() time.Duration {
	return Remaining(c.now(), c.Timer())
}

// Timer returns the current timer, refreshed from the source when one is set.
func (c *Countdown) Timer() ledger.DisputeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source != nil {
		if timer, ok := c.source(); ok {
			c.timer = timer
		}
	}
	return c.timer
}

// Run calls fn with the remaining time immediately and then on every tick. It
// returns when ctx ends, after reporting zero once the window has closed, or
// when fn returns an error. The ticker is released on return.
func (c *Countdown) Run(ctx context.Context, fn func(remaining time.Duration) error) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		remaining := c.Remaining()
		if err := fn(remaining); err != nil {
			return err
		}
		if remaining <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
