package protocol

import "errors"

// ErrProtocolUnsupported is returned when discovery finds neither a V1
// trigger nor a V2 key characteristic.
var ErrProtocolUnsupported = errors.New("protocol: no supported clicker service")

// Variant identifies the wire protocol spoken by an accessory.
type Variant uint8

const (
	VariantUnknown Variant = iota
	// VariantV1Trigger exposes a trigger characteristic with no payload structure.
	VariantV1Trigger
	// VariantV2Structured exposes a message characteristic carrying
	// (class, type, payload) frames.
	VariantV2Structured
)

func (v Variant) String() string {
	switch v {
	case VariantV1Trigger:
		return "v1-trigger"
	case VariantV2Structured:
		return "v2-structured"
	default:
		return "unknown"
	}
}

// Profile is the result of classifying an accessory's services.
type Profile struct {
	Variant Variant
	// Key is the characteristic that delivers key or trigger notifications.
	Key CharID
	// ImmediateAlert and LinkLoss report the presence of the standard
	// alert level characteristics.
	ImmediateAlert bool
	LinkLoss       bool
}

// Classify picks the protocol variant from discovered services. The V2 key
// characteristic takes precedence over the V1 trigger.
func Classify(services []Service) (Profile, error) {
	var p Profile
	var trigger *CharID

	for _, svc := range services {
		switch svc.UUID {
		case KeyServiceUUID:
			if svc.Has(KeyCharUUID) {
				p.Variant = VariantV2Structured
				p.Key = KeyChar
			}
		case TriggerServiceUUID:
			switch {
			case svc.Has(TriggerCharUUID):
				trigger = &CharID{Service: TriggerServiceUUID, Char: TriggerCharUUID}
			case svc.Has(TriggerCharAltUUID):
				trigger = &CharID{Service: TriggerServiceUUID, Char: TriggerCharAltUUID}
			}
		case ImmediateAlertServiceUUID:
			p.ImmediateAlert = svc.Has(AlertLevelCharUUID)
		case LinkLossServiceUUID:
			p.LinkLoss = svc.Has(AlertLevelCharUUID)
		}
	}

	if p.Variant == VariantUnknown && trigger != nil {
		p.Variant = VariantV1Trigger
		p.Key = *trigger
	}
	if p.Variant == VariantUnknown {
		return Profile{}, ErrProtocolUnsupported
	}
	return p, nil
}
