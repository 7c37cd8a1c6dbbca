// Package tap reconstructs single and double taps from the undifferentiated
// trigger notifications of V1 clickers.
package tap

import (
	"log/slog"
	"time"

	"github.com/chaz8081/clickerd/internal/clock"
)

// DefaultWindow is the inter-tap window. A second trigger inside it makes a
// double tap.
const DefaultWindow = 1500 * time.Millisecond

// Gesture is a classified tap.
type Gesture int

const (
	None Gesture = iota
	SingleTap
	DoubleTap
)

func (g Gesture) String() string {
	switch g {
	case SingleTap:
		return "single"
	case DoubleTap:
		return "double"
	default:
		return "none"
	}
}

// Debouncer is the IDLE/ARMED state machine. It is not safe for concurrent
// use; the scheduler must run expiries on the same goroutine that calls
// Trigger and Reset.
type Debouncer struct {
	sched  clock.Scheduler
	window time.Duration
	emit   func(Gesture)

	pending bool
	armedAt time.Time
	gen     uint64
	stop    func() bool
}

// New creates a debouncer. A non-positive window selects DefaultWindow.
func New(sched clock.Scheduler, window time.Duration, emit func(Gesture)) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{sched: sched, window: window, emit: emit}
}

// Trigger feeds one raw notification.
func (d *Debouncer) Trigger() {
	if d.pending {
		d.cancel()
		slog.Debug("[TAP] double tap", "after", time.Since(d.armedAt))
		d.emit(DoubleTap)
		return
	}

	d.pending = true
	d.armedAt = time.Now()
	gen := d.gen
	d.stop = d.sched.AfterFunc(d.window, func() { d.expire(gen) })
}

func (d *Debouncer) expire(gen uint64) {
	if gen != d.gen || !d.pending {
		return
	}
	d.pending = false
	d.stop = nil
	d.gen++
	d.emit(SingleTap)
}

// Reset cancels a running window and returns to IDLE without emitting.
func (d *Debouncer) Reset() {
	if d.pending {
		d.cancel()
	}
}

func (d *Debouncer) cancel() {
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	d.gen++
	d.pending = false
	d.armedAt = time.Time{}
}

// Pending reports whether a first tap is waiting for its window to close.
func (d *Debouncer) Pending() bool {
	return d.pending
}
