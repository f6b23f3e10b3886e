package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType is a Channel message's static 2-byte type tag.
type MsgType uint16

// SystemMsgTypeFloor is the lowest MSGTYPE reserved for this module's own
// system messages (StreamDataMessage and anything future). Callers
// registering their own application message types below this floor need no
// special call; at or above it requires RegisterSystemMessageType, matching
// spec.md §4.6's "System types (MSGTYPE >= 0xFF00) are forbidden unless
// explicitly marked."
const SystemMsgTypeFloor MsgType = 0xFF00

// envelopeHeaderSize is MSGTYPE(2) + SEQUENCE(2) + LENGTH(2).
const envelopeHeaderSize = 6

var (
	ErrUnknownType    = errors.New("channel: unknown message type")
	ErrTooBig         = errors.New("channel: packed message exceeds link mdu")
	ErrLinkNotReady   = errors.New("channel: link not ready")
	ErrClosed         = errors.New("channel: shut down")
	ErrSystemType     = errors.New("channel: message type is in the system range")
	ErrNotRegistered  = errors.New("channel: message type already registered")
	ErrShortEnvelope  = errors.New("channel: envelope too short")
	ErrEnvelopeLength = errors.New("channel: envelope length field mismatch")
)

// Message is anything a Channel can send and receive: a static type tag plus
// a self-contained wire encoding.
type Message interface {
	MsgType() MsgType
	Pack() ([]byte, error)
}

// Unpacker reconstructs a registered Message type from its packed body.
type Unpacker func(body []byte) (Message, error)

// envelope is the wire frame a Channel wraps every Message in: spec.md §6
// "MSGTYPE(big-endian u16) || SEQUENCE(u16) || LENGTH(u16) || body".
type envelope struct {
	msgType MsgType
	seq     uint16
	body    []byte
}

func (e *envelope) marshal() []byte {
	out := make([]byte, envelopeHeaderSize+len(e.body))
	binary.BigEndian.PutUint16(out[0:2], uint16(e.msgType))
	binary.BigEndian.PutUint16(out[2:4], e.seq)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(e.body)))
	copy(out[envelopeHeaderSize:], e.body)
	return out
}

func unmarshalEnvelope(raw []byte) (*envelope, error) {
	if len(raw) < envelopeHeaderSize {
		return nil, ErrShortEnvelope
	}
	e := &envelope{
		msgType: MsgType(binary.BigEndian.Uint16(raw[0:2])),
		seq:     binary.BigEndian.Uint16(raw[2:4]),
	}
	length := int(binary.BigEndian.Uint16(raw[4:6]))
	if len(raw)-envelopeHeaderSize != length {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrEnvelopeLength, length, len(raw)-envelopeHeaderSize)
	}
	e.body = append([]byte(nil), raw[envelopeHeaderSize:]...)
	return e, nil
}

// HandlerFunc is a Channel message handler. Returning true consumes the
// message, stopping dispatch to any handler registered after it (spec.md
// §4.6: "a handler returning consumed halts further dispatch").
type HandlerFunc func(Message) bool
