// Package notify posts the locator notification through the freedesktop
// notification service on the session bus.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	busName   = "org.freedesktop.Notifications"
	busPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	iface     = "org.freedesktop.Notifications"
	appName   = "clickerd"
	actionKey = "cancel"

	signalActionInvoked = iface + ".ActionInvoked"
	signalClosed        = iface + ".NotificationClosed"

	// closedByUser is the NotificationClosed reason for a dismissal.
	closedByUser = uint32(2)
)

// Notifier posts a single persistent notification with a Stop action.
type Notifier struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	cancels chan struct{}
	done    chan struct{}

	mu sync.Mutex
	id uint32
}

// New connects to the session bus and listens for user responses.
func New() (*Notifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("notify: session bus: %w", err)
	}

	rule := fmt.Sprintf("type='signal',interface='%s',path='%s'", iface, busPath)
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return nil, fmt.Errorf("notify: add match rule: %w", err)
	}

	n := &Notifier{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
		cancels: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	conn.Signal(n.signals)
	go n.listen()
	return n, nil
}

// Cancels delivers a value each time the user stops the locator from the
// notification.
func (n *Notifier) Cancels() <-chan struct{} {
	return n.cancels
}

// Post shows or replaces the notification.
func (n *Notifier) Post(title, body string) error {
	n.mu.Lock()
	replaces := n.id
	n.mu.Unlock()

	obj := n.conn.Object(busName, busPath)
	hints := map[string]dbus.Variant{
		"urgency":  dbus.MakeVariant(byte(2)),
		"resident": dbus.MakeVariant(true),
	}
	call := obj.Call(iface+".Notify", 0,
		appName, replaces, "", title, body,
		[]string{actionKey, "Stop"}, hints, int32(0))
	if call.Err != nil {
		return fmt.Errorf("notify: post: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: decode notification id: %w", err)
	}
	n.mu.Lock()
	n.id = id
	n.mu.Unlock()
	slog.Debug("[NOTIFY] posted", "id", id)
	return nil
}

// Cancel removes the notification if one is showing.
func (n *Notifier) Cancel() error {
	n.mu.Lock()
	id := n.id
	n.id = 0
	n.mu.Unlock()
	if id == 0 {
		return nil
	}

	obj := n.conn.Object(busName, busPath)
	if err := obj.Call(iface+".CloseNotification", 0, id).Err; err != nil {
		return fmt.Errorf("notify: close %d: %w", id, err)
	}
	return nil
}

// Close stops listening for signals. The shared session bus stays open.
func (n *Notifier) Close() error {
	select {
	case <-n.done:
		return nil
	default:
	}
	close(n.done)
	n.conn.RemoveSignal(n.signals)
	return nil
}

func (n *Notifier) listen() {
	for {
		select {
		case <-n.done:
			return
		case sig, ok := <-n.signals:
			if !ok {
				return
			}
			n.mu.Lock()
			id := n.id
			n.mu.Unlock()
			if !cancelRequested(sig, id) {
				continue
			}
			n.mu.Lock()
			n.id = 0
			n.mu.Unlock()
			slog.Info("[NOTIFY] locator dismissed from notification", "id", id)
			select {
			case n.cancels <- struct{}{}:
			default:
			}
		}
	}
}

// cancelRequested reports whether sig is the user pressing Stop on, or
// dismissing, notification id.
func cancelRequested(sig *dbus.Signal, id uint32) bool {
	if sig == nil || id == 0 || len(sig.Body) < 2 {
		return false
	}
	sigID, ok := sig.Body[0].(uint32)
	if !ok || sigID != id {
		return false
	}
	switch sig.Name {
	case signalActionInvoked:
		action, ok := sig.Body[1].(string)
		return ok && action == actionKey
	case signalClosed:
		reason, ok := sig.Body[1].(uint32)
		return ok && reason == closedByUser
	}
	return false
}
