// Package clock supplies the time source used by consensus deadlines, block
// timestamps and intake validation. Live nodes use the system clock; the
// in-process bus drives a Logical clock so that harness runs are reproducible.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}

// Logical is a manually advanced clock shared by every node of one simulated
// cluster.
type Logical struct {
	mtx sync.RWMutex
	now time.Time
}

func NewLogical(start time.Time) *Logical {
	return &Logical{now: start}
}

func (l *Logical) Now() time.Time {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.now
}

// Advance moves the clock forward by d and returns the new time. Negative
// durations are ignored, time never goes back.
func (l *Logical) Advance(d time.Duration) time.Time {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if d > 0 {
		l.now = l.now.Add(d)
	}
	return l.now
}

// Since is Now().Sub(t).
func (l *Logical) Since(t time.Time) time.Duration {
	return l.Now().Sub(t)
}

// Millis returns unix milliseconds of c.Now().
func Millis(c Clock) int64 {
	return c.Now().UnixNano() / int64(time.Millisecond)
}
