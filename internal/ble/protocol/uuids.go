package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// GATT services and characteristics used by clicker accessories.
var (
	// TriggerServiceUUID carries the single undifferentiated trigger (V1).
	TriggerServiceUUID = uuid.MustParse("0000ffe0-0000-1000-8000-00805f9b34fb")
	// TriggerCharUUID is the standard V1 trigger characteristic.
	TriggerCharUUID = uuid.MustParse("0000ffe1-0000-1000-8000-00805f9b34fb")
	// TriggerCharAltUUID is the trigger characteristic exposed by accessories
	// built on the TI reference firmware.
	TriggerCharAltUUID = uuid.MustParse("f000ffe1-0451-4000-b000-000000000000")

	// KeyServiceUUID carries structured messages (V2).
	KeyServiceUUID = uuid.MustParse("00002200-0000-1000-8000-00805f9b34fb")
	// KeyCharUUID is the V2 message characteristic.
	KeyCharUUID = uuid.MustParse("00002201-0000-1000-8000-00805f9b34fb")

	ImmediateAlertServiceUUID = uuid.MustParse("00001802-0000-1000-8000-00805f9b34fb")
	LinkLossServiceUUID       = uuid.MustParse("00001803-0000-1000-8000-00805f9b34fb")
	// AlertLevelCharUUID is shared by the immediate alert and link loss services.
	AlertLevelCharUUID = uuid.MustParse("00002a06-0000-1000-8000-00805f9b34fb")
)

// CharID addresses a characteristic within a service. Characteristic UUIDs
// alone are ambiguous: both alert services expose an Alert Level characteristic.
type CharID struct {
	Service uuid.UUID
	Char    uuid.UUID
}

// String returns "service/characteristic".
func (c CharID) String() string {
	return fmt.Sprintf("%s/%s", c.Service, c.Char)
}

var (
	ImmediateAlertChar = CharID{Service: ImmediateAlertServiceUUID, Char: AlertLevelCharUUID}
	LinkLossChar       = CharID{Service: LinkLossServiceUUID, Char: AlertLevelCharUUID}
	KeyChar            = CharID{Service: KeyServiceUUID, Char: KeyCharUUID}
)

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            uuid.UUID
	Characteristics []uuid.UUID
}

// Has reports whether the service exposes the characteristic.
func (s Service) Has(char uuid.UUID) bool {
	for _, c := range s.Characteristics {
		if c == char {
			return true
		}
	}
	return false
}

// ParseService builds a Service from textual UUIDs as reported by the
// platform stack.
func ParseService(service string, chars []string) (Service, error) {
	svc, err := uuid.Parse(service)
	if err != nil {
		return Service{}, fmt.Errorf("protocol: parse service uuid %q: %w", service, err)
	}
	out := Service{UUID: svc, Characteristics: make([]uuid.UUID, 0, len(chars))}
	for _, c := range chars {
		id, err := uuid.Parse(c)
		if err != nil {
			return Service{}, fmt.Errorf("protocol: parse characteristic uuid %q: %w", c, err)
		}
		out.Characteristics = append(out.Characteristics, id)
	}
	return out, nil
}
