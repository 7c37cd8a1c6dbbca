package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/clickerd/internal/ble/protocol"
	"github.com/chaz8081/clickerd/internal/eventlog"
)

// event is one entry of the session queue. Every producer (link callbacks,
// timers, configuration, console, hotkey) enqueues one of these types.
type event interface {
	record() (eventlog.Record, bool)
}

type startRequested struct {
	id    Identity
	reply chan State
}

type stopRequested struct {
	done chan struct{}
}

type linkConnected struct{}

type linkDisconnected struct {
	err error
}

type servicesDiscovered struct {
	services []protocol.Service
	err      error
}

type characteristicChanged struct {
	id    protocol.CharID
	value []byte
}

type characteristicWritten struct {
	id  protocol.CharID
	err error
}

type rssiRead struct {
	rssi int
	err  error
}

type timerFired struct {
	after time.Duration
	fire  func()
}

type setting int

const (
	settingFence setting = iota
	settingDisconnectAlert
)

func (s setting) String() string {
	if s == settingFence {
		return "fence"
	}
	return "disconnect_alert"
}

type configChanged struct {
	setting setting
	value   bool
}

type cancelLocator struct{}

type statusRequested struct {
	reply chan Status
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e startRequested) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindStart, Address: string(e.id)}, true
}

func (stopRequested) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindStop}, true
}

func (linkConnected) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindConnected}, true
}

func (e linkDisconnected) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindDisconnected, Error: errString(e.err)}, true
}

func (e servicesDiscovered) record() (eventlog.Record, bool) {
	ids := make([]string, 0, len(e.services))
	for _, s := range e.services {
		ids = append(ids, s.UUID.String())
	}
	return eventlog.Record{
		Kind:   eventlog.KindServices,
		Detail: strings.Join(ids, ","),
		Error:  errString(e.err),
	}, true
}

func (e characteristicChanged) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindNotification, Characteristic: e.id.String(), Data: e.value}, true
}

func (e characteristicWritten) record() (eventlog.Record, bool) {
	return eventlog.Record{
		Kind:           eventlog.KindWrite,
		Characteristic: e.id.String(),
		Detail:         "complete",
		Error:          errString(e.err),
	}, true
}

func (e rssiRead) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindRSSI, RSSI: e.rssi, Error: errString(e.err)}, true
}

func (e timerFired) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindTimer, Detail: "after=" + e.after.String()}, true
}

func (e configChanged) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindConfig, Detail: fmt.Sprintf("%s=%t", e.setting, e.value)}, true
}

func (cancelLocator) record() (eventlog.Record, bool) {
	return eventlog.Record{Kind: eventlog.KindCancel}, true
}

func (statusRequested) record() (eventlog.Record, bool) {
	return eventlog.Record{}, false
}
