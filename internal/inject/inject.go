// Package inject synthesizes the camera shutter key press in the active
// application using robotgo.
package inject

import (
	"fmt"
	"log/slog"

	"github.com/go-vgo/robotgo"
)

// DefaultShutterKey is the key most camera apps treat as a shutter.
const DefaultShutterKey = "audio_vol_up"

// KeyInjector taps one key, optionally with modifiers held.
type KeyInjector struct {
	key       string
	modifiers []string
	tap       func(key string, args ...interface{}) error
}

// NewKeyInjector creates an injector for key. An empty key selects
// DefaultShutterKey. modifiers are robotgo names such as "ctrl" or "cmd".
func NewKeyInjector(key string, modifiers ...string) *KeyInjector {
	if key == "" {
		key = DefaultShutterKey
	}
	return &KeyInjector{key: key, modifiers: modifiers, tap: robotgo.KeyTap}
}

// TapShutter sends the configured key to the active application.
func (k *KeyInjector) TapShutter() error {
	args := make([]interface{}, len(k.modifiers))
	for i, m := range k.modifiers {
		args[i] = m
	}
	if err := k.tap(k.key, args...); err != nil {
		return fmt.Errorf("inject: key tap %s: %w", k.describe(), err)
	}
	slog.Debug("[INJECT] shutter", "key", k.describe())
	return nil
}

// describe renders the combination as "ctrl+space".
func (k *KeyInjector) describe() string {
	s := ""
	for _, m := range k.modifiers {
		s += m + "+"
	}
	return s + k.key
}
