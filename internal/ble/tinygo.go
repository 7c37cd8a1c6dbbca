package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/clickerd/internal/ble/protocol"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; the Address field of config
// and Device structs stores whichever string the platform reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates a BLE adapter on the platform default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral disconnects through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context) ([]Device, error) {
	var mu sync.Mutex
	var devices []Device
	index := make(map[string]int)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		name := result.LocalName()
		mu.Lock()
		defer mu.Unlock()
		if i, seen := index[addr]; seen {
			// Names often arrive in the scan response after the first advertisement.
			if devices[i].Name == "" && name != "" {
				devices[i].Name = name
			}
			devices[i].RSSI = int(result.RSSI)
			return
		}
		index[addr] = len(devices)
		devices = append(devices, Device{
			Name:    name,
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	device, err := awaitConnect(ctx,
		func() (bluetooth.Device, error) {
			return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		},
		func(d bluetooth.Device) {
			if err := d.Disconnect(); err != nil {
				slog.Warn("[BLE] releasing abandoned connection failed", "address", address, "error", err)
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	conn := &tinyGoConnection{
		device:  device,
		address: address,
		chars:   make(map[protocol.CharID]*tinyGoCharacteristic),
	}

	a.mu.Lock()
	a.connections[strings.ToUpper(address)] = conn
	a.mu.Unlock()

	return conn, nil
}

type connectResult[D any] struct {
	device D
	err    error
}

// awaitConnect runs connect, which blocks with the stack's own timeout,
// and returns early when ctx is done. A connection that completes after
// ctx is done is handed to release.
func awaitConnect[D any](ctx context.Context, connect func() (D, error), release func(D)) (D, error) {
	ch := make(chan connectResult[D], 1)
	go func() {
		device, err := connect()
		ch <- connectResult[D]{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				release(result.device)
			}
		}()
		var zero D
		return zero, ctx.Err()
	case result := <-ch:
		return result.device, result.err
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device  bluetooth.Device
	address string

	mu           sync.Mutex
	chars        map[protocol.CharID]*tinyGoCharacteristic
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverServices() ([]protocol.Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	out := make([]protocol.Service, 0, len(svcs))
	chars := make(map[protocol.CharID]*tinyGoCharacteristic)
	for i := range svcs {
		dchars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID(), err)
		}
		names := make([]string, 0, len(dchars))
		for j := range dchars {
			names = append(names, dchars[j].UUID().String())
		}
		svc, err := protocol.ParseService(svcs[i].UUID().String(), names)
		if err != nil {
			return nil, err
		}
		for j, id := range svc.Characteristics {
			chars[protocol.CharID{Service: svc.UUID, Char: id}] = &tinyGoCharacteristic{char: &dchars[j]}
		}
		out = append(out, svc)
	}

	c.mu.Lock()
	c.chars = chars
	c.mu.Unlock()
	return out, nil
}

func (c *tinyGoConnection) Characteristic(id protocol.CharID) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chars[id]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not found", id)
	}
	return ch, nil
}

func (c *tinyGoConnection) ReadRSSI() (int, error) {
	return readRSSI(c.address)
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// gattCharacteristic is the subset of bluetooth.DeviceCharacteristic that
// is available on every platform.
type gattCharacteristic interface {
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

var _ gattCharacteristic = (*bluetooth.DeviceCharacteristic)(nil)

type tinyGoCharacteristic struct {
	char gattCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
