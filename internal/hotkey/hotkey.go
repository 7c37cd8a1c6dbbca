// Package hotkey provides a global hotkey listener using gohook. Each press
// of the combination emits one event; clickerd uses it to silence the
// phone locator.
package hotkey

import (
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// Event is emitted on the channel returned by Events.
type Event struct {
	Keys string // the combination, e.g. "ctrl+shift+x"
}

// Listener manages a global hotkey and emits one Event per key press.
type Listener struct {
	keys []string
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewListener creates a Listener for the given key combo.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "x"]).
func NewListener(keys []string) *Listener {
	return &Listener{
		keys: keys,
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener exits.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	combo := strings.Join(l.keys, "+")
	hook.Register(hook.KeyDown, l.keys, func(e hook.Event) {
		l.emit(Event{Keys: combo})
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit delivers ev without blocking the hook goroutine.
func (l *Listener) emit(ev Event) {
	select {
	case l.ch <- ev:
	default: // don't block if channel is full
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
