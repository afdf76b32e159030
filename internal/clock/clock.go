// Package clock abstracts wall time and timers so lease expiry, retry
// backoff, and debounce behavior are testable without real waits.
package clock

import "time"

// Clock supplies the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a scheduled callback that can be stopped or rescheduled.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// New returns a Clock backed by the time package.
func New() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
