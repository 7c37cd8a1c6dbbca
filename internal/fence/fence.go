// Package fence raises a proximity alert on the accessory when its signal
// strength says it has been left behind.
package fence

import (
	"log/slog"
	"time"

	"github.com/chaz8081/clickerd/internal/ble/protocol"
	"github.com/chaz8081/clickerd/internal/clock"
)

// Polling defaults.
const (
	Threshold    = -90 // dBm
	FirstPoll    = 100 * time.Millisecond
	PollInterval = 2000 * time.Millisecond
)

// Link is what the monitor needs from the session: RSSI requests whose
// results come back through Sample, and immediate alert writes.
type Link interface {
	RequestRSSI() error
	WriteAlertLevel(level protocol.AlertLevel) error
}

// Monitor polls RSSI while enabled and writes the immediate alert level on
// threshold crossings. It is not safe for concurrent use.
type Monitor struct {
	link  Link
	sched clock.Scheduler

	enabled  bool
	alerting bool
	lastRSSI int

	gen  uint64
	stop func() bool
}

// New creates a disabled monitor.
func New(link Link, sched clock.Scheduler) *Monitor {
	return &Monitor{link: link, sched: sched}
}

// Enable starts polling. The first sample is requested after FirstPoll.
func (m *Monitor) Enable() {
	if m.enabled {
		return
	}
	m.enabled = true
	slog.Debug("[FENCE] enabled")
	m.schedule(FirstPoll)
}

// Disable stops polling. The last written alert level is left in place.
func (m *Monitor) Disable() {
	if !m.enabled {
		return
	}
	m.halt()
	slog.Debug("[FENCE] disabled", "alerting", m.alerting)
}

// Fail stops polling after a transport failure. The key path is unaffected.
func (m *Monitor) Fail(err error) {
	if !m.enabled {
		return
	}
	m.halt()
	slog.Warn("[FENCE] rssi unavailable, proximity alert stopped", "error", err)
}

// Reset forgets all state. Used on disconnect, where the accessory no
// longer holds an alert level.
func (m *Monitor) Reset() {
	m.halt()
	m.alerting = false
	m.lastRSSI = 0
}

func (m *Monitor) halt() {
	m.enabled = false
	m.gen++
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}

func (m *Monitor) schedule(d time.Duration) {
	gen := m.gen
	m.stop = m.sched.AfterFunc(d, func() { m.poll(gen) })
}

func (m *Monitor) poll(gen uint64) {
	if gen != m.gen || !m.enabled {
		return
	}
	m.stop = nil
	if err := m.link.RequestRSSI(); err != nil {
		m.Fail(err)
		return
	}
	m.schedule(PollInterval)
}

// Sample applies one RSSI reading. Below the threshold raises the alert,
// above it clears the alert, exactly at the threshold holds. Only
// transitions are written. Samples arriving while disabled are ignored.
func (m *Monitor) Sample(rssi int) {
	if !m.enabled {
		return
	}
	m.lastRSSI = rssi

	switch {
	case rssi < Threshold && !m.alerting:
		if m.write(protocol.AlertHigh, rssi) {
			m.alerting = true
		}
	case rssi > Threshold && m.alerting:
		if m.write(protocol.AlertNone, rssi) {
			m.alerting = false
		}
	}
}

func (m *Monitor) write(level protocol.AlertLevel, rssi int) bool {
	if err := m.link.WriteAlertLevel(level); err != nil {
		slog.Warn("[FENCE] alert write failed", "level", level, "rssi", rssi, "error", err)
		return false
	}
	slog.Info("[FENCE] alert level changed", "level", level, "rssi", rssi)
	return true
}

// Resync rewrites the current alert level, for when the accessory may have
// lost it.
func (m *Monitor) Resync() {
	level := protocol.AlertNone
	if m.alerting {
		level = protocol.AlertHigh
	}
	if err := m.link.WriteAlertLevel(level); err != nil {
		slog.Warn("[FENCE] alert resync failed", "level", level, "error", err)
	}
}

// Enabled reports whether polling is active.
func (m *Monitor) Enabled() bool { return m.enabled }

// Alerting reports whether the high alert level is the last one written.
func (m *Monitor) Alerting() bool { return m.alerting }

// LastRSSI returns the most recent sample, or 0 if none.
func (m *Monitor) LastRSSI() int { return m.lastRSSI }
