package ble

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// IsClicker reports whether an advertised name belongs to a supported
// clicker accessory.
func IsClicker(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	return strings.Contains(n, "oppo b") || strings.HasPrefix(n, "o-click")
}

// ScanForClickers scans for timeout and returns the clicker accessories seen.
func ScanForClickers(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	var clickers []Device
	for _, d := range devices {
		if IsClicker(d.Name) {
			clickers = append(clickers, d)
		}
	}
	return clickers, nil
}
