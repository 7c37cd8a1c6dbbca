package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Clicker  ClickerConfig `yaml:"clicker"`
	Locator  LocatorConfig `yaml:"locator"`
	Hotkey   HotkeyConfig  `yaml:"hotkey"`
	Inject   InjectConfig  `yaml:"inject"`
	EventLog string        `yaml:"event_log"` // empty disables the event log
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the paired accessory.
type DeviceConfig struct {
	Address     string        `yaml:"address"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// ClickerConfig holds the accessory settings read at discovery time and on change.
type ClickerConfig struct {
	Fence           bool          `yaml:"fence"`
	DisconnectAlert bool          `yaml:"disconnect_alert"`
	TapWindow       time.Duration `yaml:"tap_window"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// LocatorConfig holds the phone locator alert settings.
type LocatorConfig struct {
	Sound  string  `yaml:"sound"`  // WAV file; empty plays a generated tone
	Volume float64 `yaml:"volume"` // 0 < volume <= 1
}

// HotkeyConfig holds the global hotkey that cancels the locator.
type HotkeyConfig struct {
	Cancel []string `yaml:"cancel"` // empty disables the hotkey
}

// InjectConfig holds the key synthesized for the camera shutter.
type InjectConfig struct {
	ShutterKey string   `yaml:"shutter_key"`
	Modifiers  []string `yaml:"modifiers"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "clickerd")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ScanTimeout: 10 * time.Second,
		},
		Clicker: ClickerConfig{
			Fence:           true,
			DisconnectAlert: true,
			TapWindow:       1500 * time.Millisecond,
			ConnectTimeout:  10 * time.Second,
		},
		Locator: LocatorConfig{
			Volume: 1.0,
		},
		Hotkey: HotkeyConfig{
			Cancel: []string{"ctrl", "shift", "x"},
		},
		Inject: InjectConfig{
			ShutterKey: "audio_vol_up",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in sound and event_log paths is expanded to the
// user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Locator.Sound = expandTilde(cfg.Locator.Sound)
	cfg.EventLog = expandTilde(cfg.EventLog)
	cfg.Device.Address = strings.ToUpper(strings.TrimSpace(cfg.Device.Address))

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}

	if c.Clicker.TapWindow <= 0 || c.Clicker.TapWindow > 5*time.Second {
		return fmt.Errorf("clicker.tap_window must be in (0, 5s], got %s", c.Clicker.TapWindow)
	}

	if c.Clicker.ConnectTimeout <= 0 {
		return fmt.Errorf("clicker.connect_timeout must be > 0")
	}

	if c.Locator.Volume <= 0 || c.Locator.Volume > 1 {
		return fmt.Errorf("locator.volume must be in (0, 1], got %g", c.Locator.Volume)
	}

	if c.Inject.ShutterKey == "" {
		return fmt.Errorf("inject.shutter_key must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const header = `# clickerd configuration
#
# device.address      accessory to connect to ("clickerd scan" lists candidates)
# clicker.fence       raise the accessory alarm when the phone walks away
# clicker.disconnect_alert  accessory alarm on link loss
# locator.sound       WAV file for the phone locator (empty: built-in tone)
# hotkey.cancel       global hotkey that silences the locator
# inject.shutter_key  key sent for a single tap (robotgo key name)

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// default to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
