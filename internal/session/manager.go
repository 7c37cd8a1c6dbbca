// Package session owns the lifetime of one clicker connection: protocol
// negotiation, key handling, the proximity fence and the phone locator.
//
// All session state is mutated on the goroutine running Manager.Run. Link
// callbacks, timers, configuration changes and user commands are turned
// into events and processed in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/clickerd/internal/ble"
	"github.com/chaz8081/clickerd/internal/ble/protocol"
	"github.com/chaz8081/clickerd/internal/clock"
	"github.com/chaz8081/clickerd/internal/eventlog"
	"github.com/chaz8081/clickerd/internal/fence"
	"github.com/chaz8081/clickerd/internal/locator"
	"github.com/chaz8081/clickerd/internal/tap"
)

// DefaultConnectTimeout bounds CONNECTING and DISCOVERING.
const DefaultConnectTimeout = 10 * time.Second

// linkLossAttempts is the number of tries for the link loss level sync.
const linkLossAttempts = 2

const queueSize = 64

// Transport is the link the manager drives. Calls return once the request
// is queued; results arrive through the ble.LinkHandler methods.
type Transport interface {
	Connect(address string) error
	Disconnect() error
	DiscoverServices() error
	WriteCharacteristic(id protocol.CharID, data []byte) error
	SetNotify(id protocol.CharID, enable bool) error
	ReadRSSI() error
}

// KeyInjector synthesizes the camera shutter key press.
type KeyInjector interface {
	TapShutter() error
}

// Deps are the external capabilities. Any of them may be nil.
type Deps struct {
	Player   locator.Player
	Notifier locator.Notifier
	Injector KeyInjector
	Recorder eventlog.Recorder
}

// Options configures a Manager.
type Options struct {
	TapWindow        time.Duration
	ConnectTimeout   time.Duration
	FenceEnabled     bool
	DisconnectAlert  bool
	ConnectionParams protocol.ConnectionParams
}

// DefaultOptions returns the accessory defaults.
func DefaultOptions() Options {
	return Options{
		TapWindow:        tap.DefaultWindow,
		ConnectTimeout:   DefaultConnectTimeout,
		FenceEnabled:     false,
		DisconnectAlert:  true,
		ConnectionParams: protocol.DefaultConnectionParams(),
	}
}

// Status is a snapshot of the session.
type Status struct {
	State         State
	Identity      Identity
	Variant       protocol.Variant
	FenceEnabled  bool
	FencePolling  bool
	Alerting      bool
	LastRSSI      int
	LocatorActive bool
	TapPending    bool
}

// Manager is the session orchestrator.
type Manager struct {
	transport Transport
	injector  KeyInjector
	recorder  eventlog.Recorder
	opts      Options
	sched     clock.Scheduler

	events chan event
	done   chan struct{}
	state  atomic.Int32

	obsMu     sync.Mutex
	observers []func(StateChange)

	// Owned by the Run goroutine.
	id              Identity
	profile         protocol.Profile
	tap             *tap.Debouncer
	fence           *fence.Monitor
	locator         *locator.Controller
	fenceEnabled    bool
	disconnectAlert bool
	linkLossTries   int
	connectGen      uint64
	connectStop     func() bool
}

// New creates a manager over transport. Run must be running for the
// request methods to return.
func New(transport Transport, deps Deps, opts Options) *Manager {
	return newManager(transport, deps, opts, clock.Real{})
}

func newManager(transport Transport, deps Deps, opts Options, sched clock.Scheduler) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ConnectionParams == (protocol.ConnectionParams{}) {
		opts.ConnectionParams = protocol.DefaultConnectionParams()
	}

	m := &Manager{
		transport:       transport,
		injector:        deps.Injector,
		recorder:        deps.Recorder,
		opts:            opts,
		events:          make(chan event, queueSize),
		done:            make(chan struct{}),
		fenceEnabled:    opts.FenceEnabled,
		disconnectAlert: opts.DisconnectAlert,
	}
	// Timer expiries re-enter the queue so they run on the loop.
	m.sched = clock.SchedulerFunc(func(d time.Duration, f func()) func() bool {
		return sched.AfterFunc(d, func() { m.post(timerFired{after: d, fire: f}) })
	})
	m.tap = tap.New(m.sched, opts.TapWindow, m.onGesture)
	m.fence = fence.New(fenceLink{m}, m.sched)
	m.locator = locator.New(deps.Player, deps.Notifier)
	return m
}

var _ ble.LinkHandler = (*Manager)(nil)

// Run processes events until ctx is canceled. An active session is torn
// down before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.stop()
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// post enqueues ev. It reports false once Run has returned.
func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) handle(ev event) {
	if rec, ok := ev.record(); ok {
		m.record(rec)
	}

	switch ev := ev.(type) {
	case startRequested:
		ev.reply <- m.start(ev.id)
	case stopRequested:
		m.stop()
		close(ev.done)
	case linkConnected:
		m.onLinkConnected()
	case linkDisconnected:
		m.onLinkDisconnected(ev.err)
	case servicesDiscovered:
		m.onServicesDiscovered(ev.services, ev.err)
	case characteristicChanged:
		m.onCharacteristicChanged(ev.id, ev.value)
	case characteristicWritten:
		m.onCharacteristicWrite(ev.id, ev.err)
	case rssiRead:
		m.onRSSIRead(ev.rssi, ev.err)
	case timerFired:
		ev.fire()
	case configChanged:
		m.onConfigChanged(ev.setting, ev.value)
	case cancelLocator:
		m.stopLocator()
	case statusRequested:
		ev.reply <- m.status()
	default:
		slog.Warn("[SESSION] unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

// Start begins a session with id. From DISCONNECTED it issues the connect
// and returns CONNECTING; in any other state it returns the current state.
func (m *Manager) Start(id Identity) State {
	reply := make(chan State, 1)
	if !m.post(startRequested{id: id, reply: reply}) {
		return m.State()
	}
	select {
	case st := <-reply:
		return st
	case <-m.done:
		return m.State()
	}
}

// Stop tears the session down. It returns once teardown has been processed;
// timers that fire afterwards observe the ended session. Safe to call in
// any state and any number of times.
func (m *Manager) Stop() {
	done := make(chan struct{})
	if !m.post(stopRequested{done: done}) {
		return
	}
	select {
	case <-done:
	case <-m.done:
	}
}

// Status returns a consistent snapshot taken on the event loop.
func (m *Manager) Status() Status {
	reply := make(chan Status, 1)
	if !m.post(statusRequested{reply: reply}) {
		return Status{State: m.State()}
	}
	select {
	case st := <-reply:
		return st
	case <-m.done:
		return Status{State: m.State()}
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Observe registers fn for state changes. fn runs on the event loop and
// must not block or call the synchronous Manager methods.
func (m *Manager) Observe(fn func(StateChange)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// SetFenceEnabled turns the proximity fence on or off at runtime.
func (m *Manager) SetFenceEnabled(enabled bool) {
	m.post(configChanged{setting: settingFence, value: enabled})
}

// SetDisconnectAlert changes the link loss alert and rewrites it when ready.
func (m *Manager) SetDisconnectAlert(enabled bool) {
	m.post(configChanged{setting: settingDisconnectAlert, value: enabled})
}

// CancelLocator stops the phone locator, e.g. from a notification action.
func (m *Manager) CancelLocator() {
	m.post(cancelLocator{})
}

// OnConnectionStateChange implements ble.LinkHandler.
func (m *Manager) OnConnectionStateChange(connected bool, err error) {
	if connected {
		m.post(linkConnected{})
		return
	}
	m.post(linkDisconnected{err: err})
}

// OnServicesDiscovered implements ble.LinkHandler.
func (m *Manager) OnServicesDiscovered(services []protocol.Service, err error) {
	m.post(servicesDiscovered{services: services, err: err})
}

// OnCharacteristicChanged implements ble.LinkHandler.
func (m *Manager) OnCharacteristicChanged(id protocol.CharID, value []byte) {
	m.post(characteristicChanged{id: id, value: value})
}

// OnCharacteristicWrite implements ble.LinkHandler.
func (m *Manager) OnCharacteristicWrite(id protocol.CharID, err error) {
	m.post(characteristicWritten{id: id, err: err})
}

// OnRSSIRead implements ble.LinkHandler.
func (m *Manager) OnRSSIRead(rssi int, err error) {
	m.post(rssiRead{rssi: rssi, err: err})
}

// --- event loop handlers ---

func (m *Manager) start(id Identity) State {
	if st := m.State(); st != StateDisconnected {
		slog.Debug("[SESSION] start ignored", "state", st)
		return st
	}

	m.id = id
	m.profile = protocol.Profile{}
	m.linkLossTries = 0

	if err := m.transport.Connect(string(id)); err != nil {
		slog.Error("[SESSION] connect failed", "address", id, "error", err)
		m.setState(StateDisconnected, err)
		return StateDisconnected
	}
	m.setState(StateConnecting, nil)
	m.armConnectTimer()
	return StateConnecting
}

func (m *Manager) armConnectTimer() {
	m.connectGen++
	gen := m.connectGen
	m.connectStop = m.sched.AfterFunc(m.opts.ConnectTimeout, func() {
		if gen != m.connectGen {
			return
		}
		m.connectStop = nil
		switch m.State() {
		case StateConnecting, StateDiscovering:
			m.fail(ErrConnectTimeout)
		}
	})
}

func (m *Manager) cancelConnectTimer() {
	m.connectGen++
	if m.connectStop != nil {
		m.connectStop()
		m.connectStop = nil
	}
}

func (m *Manager) onLinkConnected() {
	if m.State() != StateConnecting {
		slog.Debug("[SESSION] stale connect callback", "state", m.State())
		return
	}
	m.setState(StateDiscovering, nil)
	if err := m.transport.DiscoverServices(); err != nil {
		m.fail(err)
	}
}

func (m *Manager) onLinkDisconnected(err error) {
	if m.State() == StateDisconnected {
		return
	}
	slog.Info("[SESSION] link lost", "address", m.id, "error", err)
	m.teardown()
	m.setState(StateDisconnected, err)
}

func (m *Manager) onServicesDiscovered(services []protocol.Service, err error) {
	if m.State() != StateDiscovering {
		return
	}
	if err != nil {
		m.fail(err)
		return
	}

	profile, err := protocol.Classify(services)
	if err != nil {
		m.fail(err)
		return
	}
	m.profile = profile
	slog.Info("[SESSION] accessory classified",
		"variant", profile.Variant,
		"immediate_alert", profile.ImmediateAlert,
		"link_loss", profile.LinkLoss,
	)

	if err := m.transport.SetNotify(profile.Key, true); err != nil {
		m.fail(fmt.Errorf("session: enable notifications: %w", err))
		return
	}

	m.cancelConnectTimer()
	m.setState(StateReady, nil)

	if profile.Variant == protocol.VariantV2Structured {
		if err := m.write(profile.Key, protocol.EncodeConnectionParams(m.opts.ConnectionParams)); err != nil {
			slog.Warn("[SESSION] connection parameter update failed", "error", err)
		}
	}
	m.syncLinkLoss()
	if m.fenceEnabled {
		m.armFence()
	}
}

func (m *Manager) onCharacteristicChanged(id protocol.CharID, value []byte) {
	if m.State() != StateReady {
		return
	}
	if id != m.profile.Key {
		slog.Debug("[SESSION] notification from unexpected characteristic", "characteristic", id)
		return
	}

	switch m.profile.Variant {
	case protocol.VariantV1Trigger:
		m.tap.Trigger()
	case protocol.VariantV2Structured:
		msg, err := protocol.Decode(value)
		if err != nil {
			slog.Debug("[SESSION] frame ignored", "frame", fmt.Sprintf("%x", value), "error", err)
			return
		}
		key, ok := msg.Key()
		if !ok {
			slog.Debug("[SESSION] message ignored", "class", msg.Class, "type", msg.Type)
			return
		}
		m.onKey(key)
	}
}

func (m *Manager) onKey(key protocol.KeyEvent) {
	slog.Debug("[SESSION] key", "event", key)
	if key.Code != protocol.KeyMiddle {
		return
	}
	switch key.Type {
	case protocol.KeyDouble:
		m.toggleLocator()
	case protocol.KeyShort:
		m.tapShutter()
	}
}

func (m *Manager) onGesture(g tap.Gesture) {
	slog.Debug("[SESSION] gesture", "gesture", g)
	switch g {
	case tap.SingleTap:
		m.tapShutter()
	case tap.DoubleTap:
		m.toggleLocator()
	}
}

func (m *Manager) onCharacteristicWrite(id protocol.CharID, err error) {
	if m.State() != StateReady {
		return
	}
	if id != protocol.LinkLossChar {
		if err != nil {
			slog.Warn("[SESSION] write failed", "characteristic", id, "error", err)
		}
		return
	}

	if err != nil {
		m.retryLinkLoss(err)
		return
	}
	m.linkLossTries = 0
	if m.profile.ImmediateAlert {
		m.fence.Resync()
	}
}

func (m *Manager) onRSSIRead(rssi int, err error) {
	if m.State() != StateReady {
		return
	}
	if err != nil {
		m.fence.Fail(err)
		return
	}
	m.fence.Sample(rssi)
}

func (m *Manager) onConfigChanged(s setting, value bool) {
	switch s {
	case settingFence:
		m.fenceEnabled = value
		if m.State() != StateReady {
			return
		}
		if value {
			m.armFence()
		} else {
			m.fence.Disable()
		}
	case settingDisconnectAlert:
		m.disconnectAlert = value
		if m.State() == StateReady {
			m.linkLossTries = 0
			m.syncLinkLoss()
		}
	}
}

func (m *Manager) syncLinkLoss() {
	if !m.profile.LinkLoss {
		return
	}
	m.linkLossTries++
	level := protocol.LinkLossLevel(m.disconnectAlert)
	if err := m.write(protocol.LinkLossChar, level.Bytes()); err != nil {
		m.retryLinkLoss(err)
	}
}

func (m *Manager) retryLinkLoss(err error) {
	if m.linkLossTries >= linkLossAttempts {
		slog.Warn("[SESSION] link loss alert sync failed", "attempts", m.linkLossTries, "error", err)
		return
	}
	slog.Debug("[SESSION] retrying link loss alert sync", "error", err)
	m.syncLinkLoss()
}

func (m *Manager) armFence() {
	if !m.profile.ImmediateAlert {
		slog.Info("[SESSION] accessory has no immediate alert service, fence unavailable")
		return
	}
	m.fence.Enable()
}

func (m *Manager) toggleLocator() {
	if err := m.locator.Toggle(); err != nil {
		slog.Warn("[SESSION] locator toggle failed", "error", err)
	}
}

func (m *Manager) stopLocator() {
	err := m.locator.Stop()
	switch {
	case errors.Is(err, locator.ErrNotReady):
		slog.Debug("[SESSION] locator not ready")
	case err != nil:
		slog.Warn("[SESSION] locator stop failed", "error", err)
	}
}

func (m *Manager) tapShutter() {
	if m.injector == nil {
		return
	}
	if err := m.injector.TapShutter(); err != nil {
		slog.Warn("[SESSION] shutter key injection failed", "error", err)
	}
}

// stop handles an explicit stop request.
func (m *Manager) stop() {
	if m.State() == StateDisconnected {
		return
	}
	m.setState(StateDisconnecting, nil)
	m.teardown()
	if err := m.transport.Disconnect(); err != nil {
		slog.Warn("[SESSION] disconnect failed", "error", err)
	}
	m.setState(StateDisconnected, nil)
}

// fail ends the session because of err.
func (m *Manager) fail(err error) {
	slog.Error("[SESSION] session failed", "address", m.id, "state", m.State(), "error", err)
	m.teardown()
	if derr := m.transport.Disconnect(); derr != nil {
		slog.Warn("[SESSION] disconnect failed", "error", derr)
	}
	m.setState(StateDisconnected, err)
}

// teardown resets every session-scoped component.
func (m *Manager) teardown() {
	m.cancelConnectTimer()
	m.tap.Reset()
	m.stopLocator()
	m.fence.Reset()
	m.profile = protocol.Profile{}
	m.linkLossTries = 0
}

// write is the only path to characteristic writes.
func (m *Manager) write(id protocol.CharID, data []byte) error {
	if m.State() != StateReady {
		return ErrNotReady
	}
	m.record(eventlog.Record{
		Kind:           eventlog.KindWrite,
		Characteristic: id.String(),
		Data:           data,
		Detail:         "request",
	})
	return m.transport.WriteCharacteristic(id, data)
}

func (m *Manager) setState(to State, err error) {
	from := State(m.state.Swap(int32(to)))
	if from == to && err == nil {
		return
	}

	attrs := []any{"from", from, "to", to}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	slog.Info("[SESSION] state changed", attrs...)
	m.record(eventlog.Record{Kind: eventlog.KindState, State: to.String(), Error: errString(err)})

	change := StateChange{From: from, To: to, Err: err}
	m.obsMu.Lock()
	observers := slices.Clone(m.observers)
	m.obsMu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}

func (m *Manager) status() Status {
	return Status{
		State:         m.State(),
		Identity:      m.id,
		Variant:       m.profile.Variant,
		FenceEnabled:  m.fenceEnabled,
		FencePolling:  m.fence.Enabled(),
		Alerting:      m.fence.Alerting(),
		LastRSSI:      m.fence.LastRSSI(),
		LocatorActive: m.locator.Active(),
		TapPending:    m.tap.Pending(),
	}
}

func (m *Manager) record(r eventlog.Record) {
	if m.recorder == nil {
		return
	}
	if r.Address == "" {
		r.Address = string(m.id)
	}
	r.Time = time.Now()
	m.recorder.Record(r)
}

// fenceLink routes fence traffic through the manager's write checks.
type fenceLink struct {
	m *Manager
}

func (l fenceLink) RequestRSSI() error {
	if l.m.State() != StateReady {
		return ErrNotReady
	}
	return l.m.transport.ReadRSSI()
}

func (l fenceLink) WriteAlertLevel(level protocol.AlertLevel) error {
	return l.m.write(protocol.ImmediateAlertChar, level.Bytes())
}
