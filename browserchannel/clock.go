package browserchannel

import (
	"sort"
	"sync"
	"time"
)

// Timer is the subset of *time.Timer behavior the session state machine
// relies on: a cancellable, one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It returns true if the call
	// stops the timer, false if the timer has already expired or been
	// stopped.
	Stop() bool
}

// Clock abstracts time so that the session state machine's heartbeat and
// session-timeout timers can be driven deterministically in tests. The
// zero value is not usable; use RealClock for production and
// NewVirtualClock for tests.
type Clock interface {
	Now() time.Time
	// AfterFunc arranges for f to run after d has elapsed. RealClock runs
	// it in its own goroutine, as time.AfterFunc does; VirtualClock runs
	// it on the goroutine that calls Advance. The returned Timer can
	// cancel that.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is the production Clock, backed by the runtime's timers.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// VirtualClock is a test clock whose timers only fire when Advance is
// called, in the order they're due. It's safe for concurrent use.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*virtualTimer
	seq     int
}

type virtualTimer struct {
	clock   *VirtualClock
	seq     int
	due     time.Time
	f       func()
	stopped bool
}

func (t *virtualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	return true
}

// NewVirtualClock returns a VirtualClock initialized to the given time (or
// the real current time if zero).
func NewVirtualClock(start time.Time) *VirtualClock {
	if start.IsZero() {
		start = time.Now()
	}
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &virtualTimer{clock: c, seq: c.seq, due: c.now.Add(d), f: f}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d and synchronously runs every timer
// that becomes due, in due-time (then submission) order. Callbacks run on
// the calling goroutine, unlike the real clock's background goroutines --
// tests that need to observe side effects don't need extra synchronization.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	var due []*virtualTimer
	var remaining []*virtualTimer
	for _, t := range c.pending {
		if !t.due.After(target) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}
