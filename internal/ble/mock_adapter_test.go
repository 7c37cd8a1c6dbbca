package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/chaz8081/clickerd/internal/ble/protocol"
	"github.com/google/uuid"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	writeErr error
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

func (c *mockCharacteristic) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// mockConnection simulates a BLE connection to a V1 clicker.
type mockConnection struct {
	mu           sync.Mutex
	services     []protocol.Service
	chars        map[protocol.CharID]*mockCharacteristic
	rssi         int
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	trigger := protocol.CharID{Service: protocol.TriggerServiceUUID, Char: protocol.TriggerCharUUID}
	return &mockConnection{
		services: []protocol.Service{
			{UUID: protocol.TriggerServiceUUID, Characteristics: []uuid.UUID{protocol.TriggerCharUUID}},
			{UUID: protocol.ImmediateAlertServiceUUID, Characteristics: []uuid.UUID{protocol.AlertLevelCharUUID}},
			{UUID: protocol.LinkLossServiceUUID, Characteristics: []uuid.UUID{protocol.AlertLevelCharUUID}},
		},
		chars: map[protocol.CharID]*mockCharacteristic{
			trigger:                     {},
			protocol.ImmediateAlertChar: {},
			protocol.LinkLossChar:       {},
		},
		rssi: -60,
	}
}

func (c *mockConnection) DiscoverServices() ([]protocol.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.services, nil
}

func (c *mockConnection) Characteristic(id protocol.CharID) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chars[id]
	if !ok {
		return nil, fmt.Errorf("mock: unknown characteristic %s", id)
	}
	return ch, nil
}

func (c *mockConnection) char(id protocol.CharID) *mockCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars[id]
}

func (c *mockConnection) ReadRSSI() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rssi, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	connection *mockConnection // most recent connection for test assertions
	connectErr error
	connects   int
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{
		devices:    devices,
		connection: newMockConnection(),
	}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context) ([]Device, error) {
	return a.devices, nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := newMockConnection()
	a.connection = conn
	return conn, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
