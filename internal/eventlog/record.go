// Package eventlog records session events to a CBOR file for later
// inspection with "clickerd log".
package eventlog

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a record.
type Kind uint8

const (
	KindStart Kind = iota + 1
	KindStop
	KindConnected
	KindDisconnected
	KindServices
	KindNotification
	KindWrite
	KindRSSI
	KindTimer
	KindConfig
	KindCancel
	KindState
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "START"
	case KindStop:
		return "STOP"
	case KindConnected:
		return "CONNECTED"
	case KindDisconnected:
		return "DISCONNECTED"
	case KindServices:
		return "SERVICES"
	case KindNotification:
		return "NOTIFY"
	case KindWrite:
		return "WRITE"
	case KindRSSI:
		return "RSSI"
	case KindTimer:
		return "TIMER"
	case KindConfig:
		return "CONFIG"
	case KindCancel:
		return "CANCEL"
	case KindState:
		return "STATE"
	default:
		return "UNKNOWN"
	}
}

// Record is one session event. CBOR encoding uses integer keys.
type Record struct {
	Time           time.Time `cbor:"1,keyasint"`
	Kind           Kind      `cbor:"2,keyasint"`
	Address        string    `cbor:"3,keyasint,omitempty"`
	State          string    `cbor:"4,keyasint,omitempty"`
	Characteristic string    `cbor:"5,keyasint,omitempty"`
	Data           []byte    `cbor:"6,keyasint,omitempty"`
	RSSI           int       `cbor:"7,keyasint,omitempty"`
	Error          string    `cbor:"8,keyasint,omitempty"`
	Detail         string    `cbor:"9,keyasint,omitempty"`
}

// String formats the record as one log line.
func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-12s", r.Time.Format("15:04:05.000"), r.Kind)
	if r.Address != "" {
		fmt.Fprintf(&b, " addr=%s", r.Address)
	}
	if r.State != "" {
		fmt.Fprintf(&b, " state=%s", r.State)
	}
	if r.Characteristic != "" {
		fmt.Fprintf(&b, " char=%s", r.Characteristic)
	}
	if len(r.Data) > 0 {
		fmt.Fprintf(&b, " data=%s", hex.EncodeToString(r.Data))
	}
	if r.RSSI != 0 {
		fmt.Fprintf(&b, " rssi=%d", r.RSSI)
	}
	if r.Detail != "" {
		fmt.Fprintf(&b, " %s", r.Detail)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, " error=%q", r.Error)
	}
	return b.String()
}

// Recorder receives session records.
type Recorder interface {
	Record(r Record)
}
