//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BlueZAdapterPath is the D-Bus object of the controller tinygo/bluetooth uses.
var BlueZAdapterPath = "/org/bluez/hci0"

// readRSSI reads the RSSI property BlueZ keeps for the device object.
func readRSSI(address string) (int, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return 0, fmt.Errorf("ble: system bus: %w", err)
	}
	obj := conn.Object("org.bluez", bluezDevicePath(address))
	v, err := obj.GetProperty("org.bluez.Device1.RSSI")
	if err != nil {
		return 0, fmt.Errorf("ble: read rssi of %s: %w", address, err)
	}
	rssi, ok := v.Value().(int16)
	if !ok {
		return 0, fmt.Errorf("ble: rssi of %s has type %s", address, v.Signature())
	}
	return int(rssi), nil
}

// bluezDevicePath maps AA:BB:CC:DD:EE:FF to <adapter>/dev_AA_BB_CC_DD_EE_FF.
func bluezDevicePath(address string) dbus.ObjectPath {
	return dbus.ObjectPath(BlueZAdapterPath + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}
