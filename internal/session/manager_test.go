package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chaz8081/clickerd/internal/ble/protocol"
	"github.com/chaz8081/clickerd/internal/clock/clocktest"
	"github.com/chaz8081/clickerd/internal/eventlog"
	"github.com/chaz8081/clickerd/internal/fence"
	"github.com/chaz8081/clickerd/internal/tap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

var triggerChar = protocol.CharID{Service: protocol.TriggerServiceUUID, Char: protocol.TriggerCharUUID}

type write struct {
	id   protocol.CharID
	data []byte
}

// fakeTransport records every call. Callbacks are delivered by the test.
type fakeTransport struct {
	mu         sync.Mutex
	calls      []string
	writes     []write
	connectErr error
	writeErr   error
}

func (f *fakeTransport) call(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeTransport) Connect(string) error {
	f.call("connect")
	return f.connectErr
}

func (f *fakeTransport) Disconnect() error {
	f.call("disconnect")
	return nil
}

func (f *fakeTransport) DiscoverServices() error {
	f.call("discover")
	return nil
}

func (f *fakeTransport) WriteCharacteristic(id protocol.CharID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "write")
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, write{id: id, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) SetNotify(id protocol.CharID, enable bool) error {
	f.call("notify")
	return nil
}

func (f *fakeTransport) ReadRSSI() error {
	f.call("rssi")
	return nil
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) count(name string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeTransport) writesTo(id protocol.CharID) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, w := range f.writes {
		if w.id == id {
			out = append(out, w.data)
		}
	}
	return out
}

type fakePlayer struct {
	mu      sync.Mutex
	playing bool
	plays   int
}

func (p *fakePlayer) SetMaxVolume() error { return nil }

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = true
	p.plays++
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	return nil
}

func (p *fakePlayer) isPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

type fakeInjector struct {
	mu   sync.Mutex
	taps int
}

func (i *fakeInjector) TapShutter() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.taps++
	return nil
}

func (i *fakeInjector) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.taps
}

type memRecorder struct {
	mu      sync.Mutex
	records []eventlog.Record
}

func (r *memRecorder) Record(rec eventlog.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *memRecorder) kinds() []eventlog.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventlog.Kind
	for _, rec := range r.records {
		out = append(out, rec.Kind)
	}
	return out
}

type harness struct {
	t         *testing.T
	m         *Manager
	transport *fakeTransport
	player    *fakePlayer
	injector  *fakeInjector
	recorder  *memRecorder
	sched     *clocktest.Scheduler

	mu      sync.Mutex
	changes []StateChange
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		player:    &fakePlayer{},
		injector:  &fakeInjector{},
		recorder:  &memRecorder{},
		sched:     clocktest.New(),
	}
	deps := Deps{Player: h.player, Injector: h.injector, Recorder: h.recorder}
	h.m = newManager(h.transport, deps, opts, h.sched)
	h.m.Observe(func(c StateChange) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.changes = append(h.changes, c)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// sync waits until every event posted so far has been processed.
func (h *harness) sync() Status {
	return h.m.Status()
}

func (h *harness) stateChanges() []StateChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StateChange(nil), h.changes...)
}

func (h *harness) states() []State {
	var out []State
	for _, c := range h.stateChanges() {
		out = append(out, c.To)
	}
	return out
}

func v1Services() []protocol.Service {
	return []protocol.Service{
		{UUID: protocol.TriggerServiceUUID, Characteristics: []uuid.UUID{protocol.TriggerCharUUID}},
		{UUID: protocol.ImmediateAlertServiceUUID, Characteristics: []uuid.UUID{protocol.AlertLevelCharUUID}},
		{UUID: protocol.LinkLossServiceUUID, Characteristics: []uuid.UUID{protocol.AlertLevelCharUUID}},
	}
}

func v2Services() []protocol.Service {
	return []protocol.Service{
		{UUID: protocol.KeyServiceUUID, Characteristics: []uuid.UUID{protocol.KeyCharUUID}},
	}
}

// ready drives a session to READY with the given services.
func (h *harness) ready(services []protocol.Service) {
	h.t.Helper()
	require.Equal(h.t, StateConnecting, h.m.Start(testAddress))
	h.m.OnConnectionStateChange(true, nil)
	h.m.OnServicesDiscovered(services, nil)
	require.Equal(h.t, StateReady, h.sync().State)
}

func TestStartReachesReady(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	assert.Equal(t, StateConnecting, h.m.Start(testAddress))
	h.m.OnConnectionStateChange(true, nil)
	assert.Equal(t, StateDiscovering, h.sync().State)
	h.m.OnServicesDiscovered(v1Services(), nil)

	st := h.sync()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, protocol.VariantV1Trigger, st.Variant)
	assert.Equal(t, Identity(testAddress), st.Identity)
	assert.Equal(t, []State{StateConnecting, StateDiscovering, StateReady}, h.states())
	assert.Equal(t, []string{"connect", "discover", "notify", "write"}, h.transport.callLog())
	assert.Equal(t, [][]byte{{0x02}}, h.transport.writesTo(protocol.LinkLossChar), "disconnect alert enabled by default")
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	assert.Equal(t, StateConnecting, h.m.Start(testAddress))
	assert.Equal(t, StateConnecting, h.m.Start(testAddress))
	assert.Equal(t, 1, h.transport.count("connect"))

	h.m.OnConnectionStateChange(true, nil)
	assert.Equal(t, StateDiscovering, h.m.Start(testAddress))
	assert.Equal(t, 1, h.transport.count("connect"))
}

func TestStartConnectError(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.transport.connectErr = errors.New("adapter off")

	assert.Equal(t, StateDisconnected, h.m.Start(testAddress))
	changes := h.stateChanges()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Ended())
	assert.Error(t, changes[0].Err)
}

func TestObserversSeeEveryChange(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	var mu sync.Mutex
	var second []State
	h.m.Observe(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, c.To)
	})

	h.ready(v1Services())
	h.m.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, h.states(), second)
	assert.Equal(t, []State{StateConnecting, StateDiscovering, StateReady, StateDisconnecting, StateDisconnected}, second)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v1Services())

	h.m.Stop()
	assert.Equal(t, StateDisconnected, h.m.State())
	calls := h.transport.callLog()
	changes := h.stateChanges()
	assert.Equal(t, "disconnect", calls[len(calls)-1])

	h.m.Stop()
	assert.Equal(t, calls, h.transport.callLog(), "second stop must not touch the transport")
	assert.Equal(t, changes, h.stateChanges(), "second stop must not change state")
	assert.Equal(t, []State{StateConnecting, StateDiscovering, StateReady, StateDisconnecting, StateDisconnected}, h.states())
}

func TestStopWhileConnecting(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.m.Start(testAddress)

	h.m.Stop()
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Equal(t, 1, h.transport.count("disconnect"))

	// A connect callback racing the stop is dropped.
	h.m.OnConnectionStateChange(true, nil)
	assert.Equal(t, StateDisconnected, h.sync().State)
	assert.Zero(t, h.transport.count("discover"))
}

func TestUnsupportedAccessoryFails(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.m.Start(testAddress)
	h.m.OnConnectionStateChange(true, nil)
	h.m.OnServicesDiscovered([]protocol.Service{
		{UUID: protocol.ImmediateAlertServiceUUID, Characteristics: []uuid.UUID{protocol.AlertLevelCharUUID}},
	}, nil)

	assert.Equal(t, StateDisconnected, h.sync().State)
	changes := h.stateChanges()
	last := changes[len(changes)-1]
	assert.ErrorIs(t, last.Err, protocol.ErrProtocolUnsupported)
	assert.True(t, last.Ended())
	assert.Equal(t, 1, h.transport.count("disconnect"))
	assert.Zero(t, h.transport.count("write"))
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.m.Start(testAddress)
	h.m.OnConnectionStateChange(true, nil)
	h.sync()

	h.sched.Advance(DefaultConnectTimeout)

	assert.Equal(t, StateDisconnected, h.sync().State)
	changes := h.stateChanges()
	assert.ErrorIs(t, changes[len(changes)-1].Err, ErrConnectTimeout)
	assert.Equal(t, 1, h.transport.count("disconnect"))
}

func TestConnectTimerCancelledWhenReady(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v1Services())

	h.sched.Advance(2 * DefaultConnectTimeout)
	assert.Equal(t, StateReady, h.sync().State)
}

func TestV2ConnectionParamsWritten(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v2Services())

	writes := h.transport.writesTo(protocol.KeyChar)
	require.Len(t, writes, 1)
	assert.Equal(t, protocol.EncodeConnectionParams(protocol.DefaultConnectionParams()), writes[0])
	assert.Empty(t, h.transport.writesTo(protocol.LinkLossChar), "no link loss service on this accessory")
}

func TestV2MiddleDoubleTogglesLocator(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v2Services())

	h.m.OnCharacteristicChanged(protocol.KeyChar, []byte{0x05, 0x00, 0x12})
	assert.True(t, h.sync().LocatorActive)
	assert.True(t, h.player.isPlaying())

	h.m.OnCharacteristicChanged(protocol.KeyChar, []byte{0x05, 0x00, 0x12})
	assert.False(t, h.sync().LocatorActive)
	assert.False(t, h.player.isPlaying())
}

func TestV2MiddleShortTapsShutter(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v2Services())

	h.m.OnCharacteristicChanged(protocol.KeyChar, protocol.EncodeKey(protocol.KeyEvent{Code: protocol.KeyMiddle, Type: protocol.KeyShort}))
	h.m.OnCharacteristicChanged(protocol.KeyChar, protocol.EncodeKey(protocol.KeyEvent{Code: protocol.KeyUp, Type: protocol.KeyShort}))
	h.sync()

	assert.Equal(t, 1, h.injector.count())
}

func TestMalformedFramesIgnored(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v2Services())

	for _, frame := range [][]byte{
		{0x09, 0x00, 0x12},
		{0x05},
		nil,
		{0x05, 0x00, 0x12, 0xff},
		{0x03, 0x01},
	} {
		h.m.OnCharacteristicChanged(protocol.KeyChar, frame)
	}

	st := h.sync()
	assert.Equal(t, StateReady, st.State)
	assert.False(t, st.LocatorActive)
	assert.False(t, st.TapPending)
	assert.Zero(t, h.injector.count())
}

func TestV1SingleTapTapsShutter(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v1Services())

	h.m.OnCharacteristicChanged(triggerChar, []byte{0x01})
	assert.True(t, h.sync().TapPending)

	h.sched.Advance(tap.DefaultWindow)
	st := h.sync()
	assert.False(t, st.TapPending)
	assert.Equal(t, 1, h.injector.count())
	assert.False(t, st.LocatorActive)
}

func TestV1DoubleTapTogglesLocator(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v1Services())

	h.m.OnCharacteristicChanged(triggerChar, []byte{0x01})
	h.sync()
	h.sched.Advance(tap.DefaultWindow / 2)
	h.m.OnCharacteristicChanged(triggerChar, []byte{0x01})

	st := h.sync()
	assert.True(t, st.LocatorActive)
	assert.False(t, st.TapPending)

	h.sched.Advance(tap.DefaultWindow)
	h.sync()
	assert.Zero(t, h.injector.count(), "double tap must not also produce a single tap")
}

func TestDisconnectClearsLocatorAndFence(t *testing.T) {
	opts := DefaultOptions()
	opts.FenceEnabled = true
	h := newHarness(t, opts)
	h.ready(v1Services())

	h.m.OnCharacteristicChanged(triggerChar, nil)
	h.m.OnCharacteristicChanged(triggerChar, nil)
	require.True(t, h.sync().LocatorActive)

	h.sched.Advance(fence.FirstPoll)
	h.sync()
	h.m.OnRSSIRead(-95, nil)
	require.True(t, h.sync().Alerting)
	alertWrites := len(h.transport.writesTo(protocol.ImmediateAlertChar))

	h.m.OnConnectionStateChange(false, nil)
	st := h.sync()
	assert.Equal(t, StateDisconnected, st.State)
	assert.False(t, st.LocatorActive)
	assert.False(t, st.Alerting)
	assert.False(t, h.player.isPlaying())

	// Late traffic from the dropped link.
	h.m.OnRSSIRead(-60, nil)
	h.m.OnCharacteristicChanged(triggerChar, nil)
	h.sched.Advance(10 * fence.PollInterval)
	h.sync()

	assert.Len(t, h.transport.writesTo(protocol.ImmediateAlertChar), alertWrites, "no alert writes after teardown")
	assert.Zero(t, h.transport.count("disconnect"), "remote disconnect needs no local disconnect")
	changes := h.stateChanges()
	assert.True(t, changes[len(changes)-1].Ended())
}

func TestFenceHysteresis(t *testing.T) {
	opts := DefaultOptions()
	opts.FenceEnabled = true
	h := newHarness(t, opts)
	h.ready(v1Services())

	h.sched.Advance(fence.FirstPoll)
	h.sync()
	assert.Equal(t, 1, h.transport.count("rssi"))

	for _, rssi := range []int{-85, -95, -85, -90, -90} {
		h.m.OnRSSIRead(rssi, nil)
	}
	h.sync()

	assert.Equal(t, [][]byte{{0x02}, {0x00}}, h.transport.writesTo(protocol.ImmediateAlertChar))

	h.sched.Advance(fence.PollInterval)
	h.sync()
	assert.Equal(t, 2, h.transport.count("rssi"))
}

func TestFenceRSSIErrorStopsPolling(t *testing.T) {
	opts := DefaultOptions()
	opts.FenceEnabled = true
	h := newHarness(t, opts)
	h.ready(v1Services())

	h.sched.Advance(fence.FirstPoll)
	h.sync()
	h.m.OnRSSIRead(0, errors.New("rssi unsupported"))
	st := h.sync()
	assert.False(t, st.FencePolling)
	assert.Equal(t, StateReady, st.State, "fence failure is not fatal")

	h.sched.Advance(fence.PollInterval)
	h.sync()
	assert.Equal(t, 1, h.transport.count("rssi"))
}

func TestFenceDisableKeepsAlertLevel(t *testing.T) {
	opts := DefaultOptions()
	opts.FenceEnabled = true
	h := newHarness(t, opts)
	h.ready(v1Services())
	h.sched.Advance(fence.FirstPoll)
	h.sync()
	h.m.OnRSSIRead(-95, nil)
	h.sync()

	h.m.SetFenceEnabled(false)
	st := h.sync()
	assert.False(t, st.FenceEnabled)
	assert.False(t, st.FencePolling)
	assert.True(t, st.Alerting)
	assert.Equal(t, [][]byte{{0x02}}, h.transport.writesTo(protocol.ImmediateAlertChar))

	h.m.SetFenceEnabled(true)
	assert.True(t, h.sync().FencePolling)
}

func TestLinkLossWriteRetriedOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v1Services())
	require.Len(t, h.transport.writesTo(protocol.LinkLossChar), 1)

	writeErr := errors.New("gatt error")
	h.m.OnCharacteristicWrite(protocol.LinkLossChar, writeErr)
	h.sync()
	assert.Len(t, h.transport.writesTo(protocol.LinkLossChar), 2)

	h.m.OnCharacteristicWrite(protocol.LinkLossChar, writeErr)
	st := h.sync()
	assert.Len(t, h.transport.writesTo(protocol.LinkLossChar), 2, "no third attempt")
	assert.Equal(t, StateReady, st.State)
}

func TestLinkLossWriteResyncsImmediateAlert(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v1Services())

	h.m.OnCharacteristicWrite(protocol.LinkLossChar, nil)
	h.sync()

	assert.Equal(t, [][]byte{{0x00}}, h.transport.writesTo(protocol.ImmediateAlertChar))
}

func TestSetDisconnectAlertRewritesLinkLoss(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v1Services())

	h.m.SetDisconnectAlert(false)
	h.sync()

	assert.Equal(t, [][]byte{{0x02}, {0x00}}, h.transport.writesTo(protocol.LinkLossChar))
}

func TestCancelLocator(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v2Services())
	h.m.OnCharacteristicChanged(protocol.KeyChar, []byte{0x05, 0x00, 0x12})
	require.True(t, h.sync().LocatorActive)

	h.m.CancelLocator()
	assert.False(t, h.sync().LocatorActive)
	h.m.CancelLocator()
	assert.False(t, h.sync().LocatorActive)
}

func TestStopWithoutPlayerDoesNotCrash(t *testing.T) {
	transport := &fakeTransport{}
	m := newManager(transport, Deps{}, DefaultOptions(), clocktest.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	m.Start(testAddress)
	m.OnConnectionStateChange(true, nil)
	m.OnServicesDiscovered(v2Services(), nil)
	m.OnCharacteristicChanged(protocol.KeyChar, []byte{0x05, 0x00, 0x12})
	m.CancelLocator()
	assert.False(t, m.Status().LocatorActive)

	m.Stop()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestWriteRequiresReady(t *testing.T) {
	m := newManager(&fakeTransport{}, Deps{}, DefaultOptions(), clocktest.New())
	assert.ErrorIs(t, m.write(protocol.ImmediateAlertChar, protocol.AlertHigh.Bytes()), ErrNotReady)
	assert.ErrorIs(t, fenceLink{m}.RequestRSSI(), ErrNotReady)
}

func TestRunCancelTearsDown(t *testing.T) {
	transport := &fakeTransport{}
	m := newManager(transport, Deps{}, DefaultOptions(), clocktest.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Start(testAddress)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, transport.count("disconnect"))

	// Requests after Run returned do not block.
	assert.Equal(t, StateDisconnected, m.Start(testAddress))
	m.Stop()
}

func TestEventsRecorded(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v2Services())
	h.m.OnCharacteristicChanged(protocol.KeyChar, []byte{0x05, 0x00, 0x11})
	h.m.Stop()

	kinds := h.recorder.kinds()
	assert.Contains(t, kinds, eventlog.KindStart)
	assert.Contains(t, kinds, eventlog.KindServices)
	assert.Contains(t, kinds, eventlog.KindNotification)
	assert.Contains(t, kinds, eventlog.KindWrite)
	assert.Contains(t, kinds, eventlog.KindStop)
	assert.Contains(t, kinds, eventlog.KindState)
}

func TestTimerFiresRecorded(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.ready(v1Services())

	h.m.OnCharacteristicChanged(triggerChar, []byte{0x01})
	h.sync()
	assert.NotContains(t, h.recorder.kinds(), eventlog.KindTimer)

	h.sched.Advance(tap.DefaultWindow)
	h.sync()

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	var timers []eventlog.Record
	for _, rec := range h.recorder.records {
		if rec.Kind == eventlog.KindTimer {
			timers = append(timers, rec)
		}
	}
	require.Len(t, timers, 1)
	assert.Equal(t, "after="+tap.DefaultWindow.String(), timers[0].Detail)
}
