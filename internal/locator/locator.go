// Package locator drives the "find my phone" alert: a looping sound at
// full volume plus a cancelable desktop notification.
package locator

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotReady is returned when the alert is operated before its player exists.
var ErrNotReady = errors.New("locator: player not ready")

// Player plays the alert sound.
type Player interface {
	SetMaxVolume() error
	Play() error
	Stop() error
}

// Notifier posts and withdraws the user-visible notification.
type Notifier interface {
	Post(title, body string) error
	Cancel() error
}

// Notification text.
const (
	Title = "Clicker"
	Body  = "Locating phone. Tap to stop."
)

// Controller owns the active flag. It is not safe for concurrent use.
type Controller struct {
	player   Player
	notifier Notifier
	active   bool
}

// New creates an inactive controller. player may be nil until audio is
// available; notifier may be nil to run without notifications.
func New(player Player, notifier Notifier) *Controller {
	return &Controller{player: player, notifier: notifier}
}

// Start begins the alert. It is a no-op when already active.
func (c *Controller) Start() error {
	if c.active {
		return nil
	}
	if c.player == nil {
		return ErrNotReady
	}
	if err := c.player.SetMaxVolume(); err != nil {
		slog.Warn("[LOCATOR] could not raise volume", "error", err)
	}
	if err := c.player.Play(); err != nil {
		return fmt.Errorf("locator: play: %w", err)
	}
	if c.notifier != nil {
		if err := c.notifier.Post(Title, Body); err != nil {
			slog.Warn("[LOCATOR] notification failed", "error", err)
		}
	}
	c.active = true
	slog.Info("[LOCATOR] started")
	return nil
}

// Stop ends the alert. It is a no-op when inactive. Without a player it
// returns ErrNotReady and changes nothing.
func (c *Controller) Stop() error {
	if c.player == nil {
		return ErrNotReady
	}
	if !c.active {
		return nil
	}
	c.active = false
	var errs []error
	if err := c.player.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("locator: stop playback: %w", err))
	}
	if c.notifier != nil {
		if err := c.notifier.Cancel(); err != nil {
			errs = append(errs, fmt.Errorf("locator: cancel notification: %w", err))
		}
	}
	slog.Info("[LOCATOR] stopped")
	return errors.Join(errs...)
}

// Toggle starts an inactive alert or stops an active one.
func (c *Controller) Toggle() error {
	if c.active {
		return c.Stop()
	}
	return c.Start()
}

// Active reports whether the alert is running.
func (c *Controller) Active() bool {
	return c.active
}
