// Package ble provides the Bluetooth Low Energy link to a clicker accessory.
// It hides the platform stack behind small interfaces and turns blocking GATT
// operations into asynchronous LinkHandler callbacks.
package ble

import (
	"context"
	"errors"

	"github.com/chaz8081/clickerd/internal/ble/protocol"
)

var (
	// ErrNotConnected is returned by link operations issued without a connection.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrRSSIUnsupported is returned where the platform cannot sample the
	// signal strength of a connected peripheral.
	ErrRSSIUnsupported = errors.New("ble: rssi read not supported on this platform")
)

// TransportError wraps a failed link operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "ble: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// wrapErr returns nil for a nil err.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices enumerates every service and characteristic.
	DiscoverServices() ([]protocol.Service, error)
	// Characteristic returns a characteristic found by DiscoverServices.
	Characteristic(id protocol.CharID) (Characteristic, error)
	// ReadRSSI samples the signal strength of the connection in dBm.
	ReadRSSI() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan collects advertising peripherals until ctx is done.
	Scan(ctx context.Context) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
