package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/clickerd/internal/audio"
	"github.com/chaz8081/clickerd/internal/ble"
	"github.com/chaz8081/clickerd/internal/config"
	"github.com/chaz8081/clickerd/internal/console"
	"github.com/chaz8081/clickerd/internal/eventlog"
	"github.com/chaz8081/clickerd/internal/hotkey"
	"github.com/chaz8081/clickerd/internal/inject"
	"github.com/chaz8081/clickerd/internal/notify"
	"github.com/chaz8081/clickerd/internal/session"
)

func newRunCmd() *cobra.Command {
	var address string
	var interactive bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the clicker and handle its keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadValidConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Device.Address = strings.ToUpper(strings.TrimSpace(address))
			}
			if cfg.Device.Address == "" {
				return errors.New("no device address configured; run 'clickerd scan' and set device.address")
			}
			return run(cfg, path, interactive)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "accessory address (overrides device.address)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "start the interactive console")
	return cmd
}

// sessionOptions maps the clicker config onto manager options.
func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.TapWindow = cfg.Clicker.TapWindow
	opts.ConnectTimeout = cfg.Clicker.ConnectTimeout
	opts.FenceEnabled = cfg.Clicker.Fence
	opts.DisconnectAlert = cfg.Clicker.DisconnectAlert
	return opts
}

// loadSound reads the configured WAV file, falling back to the built-in tone.
func loadSound(path string) audio.Sound {
	if path == "" {
		return audio.DefaultTone()
	}
	sound, err := audio.LoadWAV(path)
	if err != nil {
		slog.Warn("[AUDIO] using built-in tone", "error", err)
		return audio.DefaultTone()
	}
	return sound
}

func run(cfg *config.Config, path string, interactive bool) error {
	printBanner(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var deps session.Deps
	deps.Injector = inject.NewKeyInjector(cfg.Inject.ShutterKey, cfg.Inject.Modifiers...)

	if cfg.EventLog != "" {
		rec, err := eventlog.Create(cfg.EventLog)
		if err != nil {
			return err
		}
		defer rec.Close()
		deps.Recorder = rec
		slog.Info("[EVENTLOG] recording", "path", cfg.EventLog)
	}

	// Interface fields stay nil when a capability is unavailable.
	player, err := audio.NewPlayer(loadSound(cfg.Locator.Sound), cfg.Locator.Volume)
	if err != nil {
		slog.Warn("[AUDIO] locator sound unavailable", "error", err)
	} else {
		defer player.Close()
		deps.Player = player
	}

	notifier, err := notify.New()
	if err != nil {
		slog.Warn("[NOTIFY] desktop notifications unavailable", "error", err)
	} else {
		defer notifier.Close()
		deps.Notifier = notifier
	}

	link := ble.NewLink(ble.NewTinyGoAdapter(), ble.DefaultLinkOptions())
	mgr := session.New(link, deps, sessionOptions(cfg))
	link.SetHandler(mgr)

	var mu sync.Mutex
	var sessionErr error
	mgr.Observe(func(c session.StateChange) {
		if !c.Ended() {
			return
		}
		mu.Lock()
		sessionErr = c.Err
		mu.Unlock()
		if c.Err != nil {
			slog.Error("[SESSION] ended", "error", c.Err)
		} else {
			slog.Info("[SESSION] ended")
		}
		if !interactive {
			cancel()
		}
	})

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run(ctx) }()

	if notifier != nil {
		go forward(ctx, notifier.Cancels(), mgr.CancelLocator)
	}

	if len(cfg.Hotkey.Cancel) > 0 {
		listener := hotkey.NewListener(cfg.Hotkey.Cancel)
		go listener.Start()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-listener.Events():
					if !ok {
						return
					}
					mgr.CancelLocator()
				}
			}
		}()
		// The hook is not ended on shutdown; gohook's C cleanup can crash
		// and the OS reclaims the event hook on process exit.
		slog.Info("[HOTKEY] locator cancel", "keys", strings.Join(cfg.Hotkey.Cancel, "+"))
	}

	if path != "" {
		watcher, err := config.Watch(path, cfg)
		if err != nil {
			slog.Warn("[CONFIG] live reload disabled", "error", err)
		} else {
			defer watcher.Close()
			go applyChanges(watcher.Changes(), mgr)
		}
	}

	mgr.Start(session.Identity(cfg.Device.Address))

	if interactive {
		con, err := console.New(mgr, session.Identity(cfg.Device.Address))
		if err != nil {
			return err
		}
		setupLogging(con.Stdout(), cfg.LogLevel)
		con.Run(ctx, cancel)
	}

	<-ctx.Done()
	cancel()
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Goodbye!")

	mu.Lock()
	defer mu.Unlock()
	if sessionErr != nil && !interactive {
		return fmt.Errorf("session: %w", sessionErr)
	}
	return nil
}

// forward calls fn for every value on ch until ctx is done.
func forward(ctx context.Context, ch <-chan struct{}, fn func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			fn()
		}
	}
}

// changeApplier is the part of the manager that accepts live setting changes.
type changeApplier interface {
	SetFenceEnabled(enabled bool)
	SetDisconnectAlert(enabled bool)
}

// applyChanges pushes reloaded clicker settings to the session.
func applyChanges(changes <-chan config.Change, mgr changeApplier) {
	for c := range changes {
		if c.FenceChanged() {
			mgr.SetFenceEnabled(c.New.Clicker.Fence)
		}
		if c.DisconnectAlertChanged() {
			mgr.SetDisconnectAlert(c.New.Clicker.DisconnectAlert)
		}
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== clickerd ===")
	fmt.Printf("  Device:  %s\n", cfg.Device.Address)
	fmt.Printf("  Fence:   %t\n", cfg.Clicker.Fence)
	fmt.Printf("  Alert:   %t (on disconnect)\n", cfg.Clicker.DisconnectAlert)
	fmt.Printf("  Shutter: %s\n", cfg.Inject.ShutterKey)
	if cfg.EventLog != "" {
		fmt.Printf("  Events:  %s\n", cfg.EventLog)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}
