// Command clickerd connects to a BLE clicker accessory and turns its key
// presses into camera shutter taps and phone locator alerts.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/clickerd/internal/config"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clickerd",
		Short: "Clicker accessory daemon",
		Long: `clickerd keeps a session with a BLE clicker accessory.

A single tap fires the camera shutter, a double tap (or the accessory's
locate key) rings the phone, and the optional proximity fence sounds the
accessory alarm when the phone moves out of range.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default: ~/.config/clickerd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd(), newScanCmd(), newLogCmd(), newInitCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also returns the
// path that was read, or "" for built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("[CONFIG] loaded", "path", defaultPath)
		return cfg, defaultPath, nil
	}

	// No config file, use defaults
	slog.Info("[CONFIG] no config file found, using defaults")
	return config.Default(), "", nil
}

// loadValidConfig applies the --log-level override and validates.
func loadValidConfig() (*config.Config, string, error) {
	cfg, path, err := loadConfig(flagConfig)
	if err != nil {
		return nil, "", fmt.Errorf("config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.LogLevel = strings.ToLower(flagLogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("config validation: %w", err)
	}
	setupLogging(os.Stderr, cfg.LogLevel)
	return cfg, path, nil
}

// setupLogging installs the default slog handler.
func setupLogging(w io.Writer, level string) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(level)})
	slog.SetDefault(slog.New(handler))
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
}
