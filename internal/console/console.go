// Package console provides the interactive command prompt for a running
// session.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/chaz8081/clickerd/internal/session"
)

// Controller is the part of the session manager the console drives.
type Controller interface {
	Start(id session.Identity) session.State
	Stop()
	Status() session.Status
	SetFenceEnabled(enabled bool)
	SetDisconnectAlert(enabled bool)
	CancelLocator()
}

// Console reads commands from the terminal.
type Console struct {
	ctl     Controller
	address session.Identity
	rl      *readline.Instance
}

// New creates a console that starts sessions against address.
func New(ctl Controller, address session.Identity) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "clicker> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{ctl: ctl, address: address, rl: rl}, nil
}

// Stdout returns a writer that coordinates with the prompt. Route log
// output through it.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is cancelled.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	// Readline blocks on the terminal; closing it unblocks the loop.
	defer closeOnDone(ctx, c.rl)()

	printHelp(c.rl.Stdout())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		if quit := c.handleLine(c.rl.Stdout(), line); quit {
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}
	}
}

// closeOnDone closes c once ctx is done. The returned func stops the watch.
func closeOnDone(ctx context.Context, c io.Closer) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// handleLine executes one command. It reports whether the console should exit.
func (c *Console) handleLine(w io.Writer, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		printHelp(w)

	case "status", "s":
		printStatus(w, c.ctl.Status())

	case "start", "connect":
		state := c.ctl.Start(c.address)
		fmt.Fprintf(w, "state: %s\n", state)

	case "stop", "disconnect":
		c.ctl.Stop()
		fmt.Fprintln(w, "state: DISCONNECTED")

	case "fence":
		on, ok := parseSwitch(w, cmd, args)
		if ok {
			c.ctl.SetFenceEnabled(on)
			fmt.Fprintf(w, "fence: %s\n", onOff(on))
		}

	case "alert":
		on, ok := parseSwitch(w, cmd, args)
		if ok {
			c.ctl.SetDisconnectAlert(on)
			fmt.Fprintf(w, "disconnect alert: %s\n", onOff(on))
		}

	case "cancel":
		c.ctl.CancelLocator()

	case "quit", "exit", "q":
		return true

	default:
		fmt.Fprintf(w, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func parseSwitch(w io.Writer, cmd string, args []string) (bool, bool) {
	if len(args) != 1 {
		fmt.Fprintf(w, "Usage: %s on|off\n", cmd)
		return false, false
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	fmt.Fprintf(w, "Usage: %s on|off\n", cmd)
	return false, false
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printStatus(w io.Writer, s session.Status) {
	fmt.Fprintf(w, "state:     %s\n", s.State)
	if s.Identity != "" {
		fmt.Fprintf(w, "device:    %s\n", s.Identity)
	}
	if s.State == session.StateReady {
		fmt.Fprintf(w, "protocol:  %s\n", s.Variant)
	}
	fmt.Fprintf(w, "fence:     %s", onOff(s.FenceEnabled))
	if s.FencePolling {
		fmt.Fprintf(w, " (polling, last rssi %d dBm)", s.LastRSSI)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "alerting:  %s\n", onOff(s.Alerting))
	fmt.Fprintf(w, "locator:   %s\n", onOff(s.LocatorActive))
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `
Clicker Commands:
  status           - Show session status
  start            - Connect to the configured clicker
  stop             - Disconnect
  fence on|off     - Enable or disable the proximity fence
  alert on|off     - Enable or disable the disconnect alert
  cancel           - Stop the phone locator
  help             - Show this help
  quit             - Exit`)
}
