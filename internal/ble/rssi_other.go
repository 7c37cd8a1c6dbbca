//go:build !linux

package ble

func readRSSI(string) (int, error) {
	return 0, ErrRSSIUnsupported
}
