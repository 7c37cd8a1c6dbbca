// Package clock abstracts single-shot timers so that state machines can be
// driven deterministically in tests.
package clock

import "time"

// Scheduler runs f once after d. The returned stop function cancels the
// timer and reports whether it did so before f ran.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Real schedules on the runtime timer heap.
type Real struct{}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(d time.Duration, f func()) func() bool

// AfterFunc calls fn(d, f).
func (fn SchedulerFunc) AfterFunc(d time.Duration, f func()) func() bool {
	return fn(d, f)
}
