package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chaz8081/clickerd/internal/ble/protocol"
)

// LinkHandler receives asynchronous link callbacks. Implementations must
// not block; the session manager only enqueues events.
type LinkHandler interface {
	OnConnectionStateChange(connected bool, err error)
	OnServicesDiscovered(services []protocol.Service, err error)
	OnCharacteristicChanged(id protocol.CharID, value []byte)
	OnCharacteristicWrite(id protocol.CharID, err error)
	OnRSSIRead(rssi int, err error)
}

// LinkOptions configures the link behavior.
type LinkOptions struct {
	QueueSize int // max pending GATT operations
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{QueueSize: 16}
}

var errQueueFull = errors.New("ble: gatt operation queue full")

// Link drives one accessory connection over an Adapter. Calls return
// immediately; results arrive on the LinkHandler. GATT operations are
// serialized on a worker goroutine because peripherals accept one
// outstanding request at a time.
type Link struct {
	adapter Adapter
	opts    LinkOptions

	mu      sync.Mutex
	handler LinkHandler
	conn    Connection
	cancel  context.CancelFunc // non-nil while connecting or connected
	ops     chan func()
}

// NewLink creates a link over adapter. SetHandler must be called before Connect.
func NewLink(adapter Adapter, opts LinkOptions) *Link {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	return &Link{adapter: adapter, opts: opts}
}

// SetHandler registers the callback receiver.
func (l *Link) SetHandler(h LinkHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Link) callbacks() LinkHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

// Connect starts connecting to address. The outcome is reported through
// OnConnectionStateChange.
func (l *Link) Connect(address string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler == nil {
		return &TransportError{Op: "connect", Err: errors.New("no link handler")}
	}
	if l.cancel != nil {
		return &TransportError{Op: "connect", Err: errors.New("already connecting or connected")}
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.connect(ctx, address)
	return nil
}

func (l *Link) connect(ctx context.Context, address string) {
	h := l.callbacks()
	if err := l.adapter.Enable(); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.abort(ctx)
		h.OnConnectionStateChange(false, wrapErr("enable adapter", err))
		return
	}

	conn, err := l.adapter.Connect(ctx, address)
	if err != nil {
		if ctx.Err() != nil {
			// Disconnect was called while connecting; the caller already
			// considers the link down.
			return
		}
		l.abort(ctx)
		h.OnConnectionStateChange(false, wrapErr("connect", err))
		return
	}

	l.mu.Lock()
	if ctx.Err() != nil {
		l.mu.Unlock()
		_ = conn.Disconnect()
		return
	}
	l.conn = conn
	l.ops = make(chan func(), l.opts.QueueSize)
	go worker(l.ops)
	l.mu.Unlock()

	conn.OnDisconnect(func() {
		if !l.release(conn) {
			return
		}
		slog.Warn("[BLE] link dropped", "address", address)
		h.OnConnectionStateChange(false, nil)
	})

	slog.Info("[BLE] connected", "address", address)
	h.OnConnectionStateChange(true, nil)
}

// abort clears connecting state if ctx still belongs to the current attempt.
func (l *Link) abort(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() == nil && l.conn == nil && l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// release forgets conn if it is still current. It reports whether it did.
func (l *Link) release(conn Connection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != conn || conn == nil {
		return false
	}
	l.conn = nil
	close(l.ops)
	l.ops = nil
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	return true
}

func worker(ops <-chan func()) {
	for op := range ops {
		op()
	}
}

// Disconnect aborts a pending connect or drops the connection. No callback
// is delivered for a disconnect the caller asked for.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		if l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if !l.release(conn) {
		return nil
	}
	return wrapErr("disconnect", conn.Disconnect())
}

// Connected reports whether a connection is established.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// enqueue schedules op against the current connection.
func (l *Link) enqueue(name string, op func(conn Connection, h LinkHandler)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return &TransportError{Op: name, Err: ErrNotConnected}
	}
	conn, h := l.conn, l.handler
	select {
	case l.ops <- func() { op(conn, h) }:
		return nil
	default:
		return &TransportError{Op: name, Err: errQueueFull}
	}
}

// current reports whether conn is still the live connection. Callbacks from
// a connection that has been released are dropped.
func (l *Link) current(conn Connection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn == conn
}

// DiscoverServices enumerates services; results arrive on OnServicesDiscovered.
func (l *Link) DiscoverServices() error {
	return l.enqueue("discover services", func(conn Connection, h LinkHandler) {
		svcs, err := conn.DiscoverServices()
		if !l.current(conn) {
			return
		}
		h.OnServicesDiscovered(svcs, wrapErr("discover services", err))
	})
}

// WriteCharacteristic writes data; completion arrives on OnCharacteristicWrite.
func (l *Link) WriteCharacteristic(id protocol.CharID, data []byte) error {
	value := make([]byte, len(data))
	copy(value, data)
	return l.enqueue("write "+id.String(), func(conn Connection, h LinkHandler) {
		ch, err := conn.Characteristic(id)
		if err == nil {
			err = ch.Write(value)
		}
		if !l.current(conn) {
			return
		}
		h.OnCharacteristicWrite(id, wrapErr("write "+id.String(), err))
	})
}

// SetNotify enables or disables notifications. Notifications arrive on
// OnCharacteristicChanged; failures are logged.
func (l *Link) SetNotify(id protocol.CharID, enable bool) error {
	return l.enqueue("set notify "+id.String(), func(conn Connection, h LinkHandler) {
		ch, err := conn.Characteristic(id)
		if err == nil {
			if enable {
				err = ch.Subscribe(func(data []byte) {
					if !l.current(conn) {
						return
					}
					value := make([]byte, len(data))
					copy(value, data)
					h.OnCharacteristicChanged(id, value)
				})
			} else {
				err = ch.Unsubscribe()
			}
		}
		if err != nil {
			slog.Warn("[BLE] set notify failed", "characteristic", id, "enable", enable, "error", err)
		}
	})
}

// ReadRSSI samples signal strength; the value arrives on OnRSSIRead.
func (l *Link) ReadRSSI() error {
	return l.enqueue("read rssi", func(conn Connection, h LinkHandler) {
		rssi, err := conn.ReadRSSI()
		if !l.current(conn) {
			return
		}
		h.OnRSSIRead(rssi, wrapErr("read rssi", err))
	})
}
