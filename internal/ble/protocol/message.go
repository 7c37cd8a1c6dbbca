// Package protocol implements the clicker wire protocol: service
// classification and the framing of V2 structured messages.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned for frames that cannot carry a message
// header or name an unknown message class. Callers log and drop them.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Class is byte 0 of a V2 frame.
type Class uint8

const (
	ClassCall       Class = 1
	ClassMessage    Class = 2
	ClassLED        Class = 3
	ClassKey        Class = 5
	ClassConnection Class = 7
	ClassLinkLoss   Class = 8
	ClassRSSI       Class = 11
)

func (c Class) known() bool {
	switch c {
	case ClassCall, ClassMessage, ClassLED, ClassKey, ClassConnection, ClassLinkLoss, ClassRSSI:
		return true
	}
	return false
}

func (c Class) String() string {
	switch c {
	case ClassCall:
		return "call"
	case ClassMessage:
		return "message"
	case ClassLED:
		return "led"
	case ClassKey:
		return "key"
	case ClassConnection:
		return "connection"
	case ClassLinkLoss:
		return "linkloss"
	case ClassRSSI:
		return "rssi"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Message types per class.
const (
	TypeCallSetIncoming = 1
	TypeCallSetMissed   = 2
	TypeCallSetRead     = 3

	TypeMessageUnread = 1
	TypeMessageRead   = 2

	TypeLEDOn    = 1
	TypeLEDFlash = 2
	TypeLEDOff   = 3

	TypeConnectionGetParams = 1
	TypeConnectionSetParams = 2

	TypeLinkLossGetLevel = 1
	TypeLinkLossSetLevel = 2

	TypeRSSIReadRateGet = 1
	TypeRSSIReadRateSet = 2
	TypeRSSIGet         = 3
)

// KeyCode is the upper nibble of a key frame's third byte.
type KeyCode uint8

const (
	KeyMiddle KeyCode = 0x10
	KeyUp     KeyCode = 0x20
	KeyRight  KeyCode = 0x30
	KeyDown   KeyCode = 0x40
	KeyLeft   KeyCode = 0x50

	keyCodeMask = 0xf0
)

func (k KeyCode) String() string {
	switch k {
	case KeyMiddle:
		return "middle"
	case KeyUp:
		return "up"
	case KeyRight:
		return "right"
	case KeyDown:
		return "down"
	case KeyLeft:
		return "left"
	default:
		return fmt.Sprintf("key(0x%02x)", uint8(k))
	}
}

// KeyType is the lower nibble of a key frame's third byte.
type KeyType uint8

const (
	KeyLongRelease KeyType = 0
	KeyShort       KeyType = 1
	KeyDouble      KeyType = 2
	KeyLongPress   KeyType = 3

	keyTypeMask = 0x0f
)

func (k KeyType) String() string {
	switch k {
	case KeyLongRelease:
		return "long-release"
	case KeyShort:
		return "short"
	case KeyDouble:
		return "double"
	case KeyLongPress:
		return "long-press"
	default:
		return fmt.Sprintf("type(%d)", uint8(k))
	}
}

// KeyEvent is a decoded key frame.
type KeyEvent struct {
	Code KeyCode
	Type KeyType
}

func (k KeyEvent) String() string {
	return k.Code.String() + "/" + k.Type.String()
}

// Message is a decoded V2 frame.
//
//	byte 0: class
//	byte 1: type (reserved for key frames)
//	byte 2..: payload
type Message struct {
	Class   Class
	Type    uint8
	Payload []byte
}

// Decode parses a V2 frame. Frames shorter than the two header bytes and
// frames of unknown class return ErrMalformedMessage.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 2 {
		return Message{}, fmt.Errorf("%w: %d byte frame", ErrMalformedMessage, len(frame))
	}
	class := Class(frame[0])
	if !class.known() {
		return Message{}, fmt.Errorf("%w: unknown class %d", ErrMalformedMessage, frame[0])
	}
	msg := Message{Class: class, Type: frame[1]}
	if len(frame) > 2 {
		msg.Payload = make([]byte, len(frame)-2)
		copy(msg.Payload, frame[2:])
	}
	return msg, nil
}

// Key interprets the message as a key event. It reports false for anything
// that is not a well-formed three byte key frame; such frames are ignored
// rather than treated as errors.
func (m Message) Key() (KeyEvent, bool) {
	if m.Class != ClassKey || len(m.Payload) != 1 {
		return KeyEvent{}, false
	}
	ev := KeyEvent{
		Code: KeyCode(m.Payload[0] & keyCodeMask),
		Type: KeyType(m.Payload[0] & keyTypeMask),
	}
	switch ev.Code {
	case KeyMiddle, KeyUp, KeyRight, KeyDown, KeyLeft:
	default:
		return KeyEvent{}, false
	}
	if ev.Type > KeyLongPress {
		return KeyEvent{}, false
	}
	return ev, true
}

// Encode builds a V2 frame.
func Encode(class Class, typ uint8, payload []byte) []byte {
	buf := make([]byte, 0, 2+len(payload))
	buf = append(buf, byte(class), typ)
	return append(buf, payload...)
}

// EncodeKey builds a key frame. Used by tests and simulators.
func EncodeKey(ev KeyEvent) []byte {
	return Encode(ClassKey, 0, []byte{byte(ev.Code) | byte(ev.Type)})
}

// ConnectionParams are the link parameters requested from V2 accessories
// after discovery. Intervals are in 1.25ms units, the supervision timeout
// in 10ms units, as on the air.
type ConnectionParams struct {
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

// DefaultConnectionParams returns the parameters the accessory firmware expects.
func DefaultConnectionParams() ConnectionParams {
	return ConnectionParams{
		IntervalMin:        200,
		IntervalMax:        400,
		Latency:            1,
		SupervisionTimeout: 1000,
	}
}

// EncodeConnectionParams builds a CONNECTION/SET_PARAMS frame with
// little-endian 16 bit fields.
func EncodeConnectionParams(p ConnectionParams) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:], p.IntervalMin)
	binary.LittleEndian.PutUint16(payload[2:], p.IntervalMax)
	binary.LittleEndian.PutUint16(payload[4:], p.Latency)
	binary.LittleEndian.PutUint16(payload[6:], p.SupervisionTimeout)
	return Encode(ClassConnection, TypeConnectionSetParams, payload)
}

// AlertLevel is the single byte value of an Alert Level characteristic.
type AlertLevel uint8

const (
	AlertNone AlertLevel = 0
	AlertHigh AlertLevel = 2
)

// Bytes returns the characteristic value.
func (l AlertLevel) Bytes() []byte {
	return []byte{byte(l)}
}

// LinkLossLevel maps the disconnect-alert setting to the level written to
// the link loss characteristic.
func LinkLossLevel(enabled bool) AlertLevel {
	if enabled {
		return AlertHigh
	}
	return AlertNone
}
