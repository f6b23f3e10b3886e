// Package packet implements Reticulum's on-wire packet framing: the
// header byte's bitfields, the routing tag (a Destination hash or a Link
// ID), and the packet hash a Proof covers. It has no notion of Link or
// Channel semantics — those layers build their payloads and hand them to
// this package for framing, mirroring the teacher's separation between
// rpc (what goes in a message) and the lower net.Conn/session framing
// (how bytes hit the wire).
package packet

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// HeaderType distinguishes a plain single-hop packet from one carrying an
// extra transport-path hash. Multi-hop path routing itself is out of
// scope (spec.md §1 Non-goals); HeaderType2 is represented so the framing
// is wire-complete, but this module never constructs one.
type HeaderType uint8

const (
	HeaderType1 HeaderType = 0 // single destination/link hash
	HeaderType2 HeaderType = 1 // transport_id(10) || destination_hash(10)
)

// Type is the 2-bit PACKET_TYPE field.
type Type uint8

const (
	TypeData Type = iota
	TypeAnnounce
	TypeLinkRequest
	TypeProof
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeAnnounce:
		return "announce"
	case TypeLinkRequest:
		return "linkrequest"
	case TypeProof:
		return "proof"
	default:
		return "unknown"
	}
}

// DestType is the 2-bit DESTINATION_TYPE field. Single/Group/Plain mirror
// destination.Type; Link marks a packet routed to an active Link by its
// 16-byte Link ID rather than a 10-byte Destination hash.
type DestType uint8

const (
	DestSingle DestType = iota
	DestGroup
	DestPlain
	DestLink
)

// Propagation is the 1-bit PROPAGATION_TYPE field.
type Propagation uint8

const (
	PropagationBroadcast Propagation = 0
	PropagationTransport Propagation = 1
)

// Context values occupy the packet's dedicated context byte (spec.md §3:
// "a context byte, then payload"). NONE is a plain data packet; the rest
// let Link/Channel/Resource disambiguate payload shape without a type
// registry.
type Context byte

const (
	ContextNone Context = iota
	ContextLinkRequest
	ContextLinkProof
	ContextKeepalive
	ContextChannel
	ContextResourceAdvertise
	ContextResourceSegment
	ContextResourceProof
	ContextTeardown
)

const (
	// DestinationHashSize is the routing tag size for Single/Group/Plain
	// destinations.
	DestinationHashSize = 10
	// LinkIDSize is the routing tag size for Link-addressed packets.
	LinkIDSize = 16
	// HashSize is the length of the packet hash a Proof covers.
	HashSize = 16

	headerFixedSize = 1 /* header byte */ + 1 /* hops */ + 1 /* context */
)

var (
	ErrTooShort        = errors.New("packet: buffer too short")
	ErrBadRoutingTag   = errors.New("packet: routing tag has the wrong length")
	ErrExceedsMTU      = errors.New("packet: serialized packet exceeds MTU")
)

// Packet is a parsed or to-be-serialized Reticulum packet.
type Packet struct {
	IFACFlag        bool
	HeaderType      HeaderType
	ContextFlag     bool
	PropagationType Propagation
	DestType        DestType
	PacketType      Type

	Hops int

	// RoutingTag is the Destination hash (10 bytes) or Link ID (16
	// bytes) this packet is addressed to. For HeaderType2 it is
	// transport_id(10) || destination_hash(10); that path is parsed
	// but never constructed by this module.
	RoutingTag []byte

	Context Context

	// Ciphertext is the already-encrypted (or, for PLAIN destinations,
	// plaintext) payload. Encryption is the caller's responsibility —
	// see destination.Destination.Encrypt and token.Token.
	Ciphertext []byte
}

func headerByte(p *Packet) byte {
	var b byte
	if p.IFACFlag {
		b |= 1 << 7
	}
	if p.HeaderType == HeaderType2 {
		b |= 1 << 6
	}
	if p.ContextFlag {
		b |= 1 << 5
	}
	if p.PropagationType == PropagationTransport {
		b |= 1 << 4
	}
	b |= byte(p.DestType&0x3) << 2
	b |= byte(p.PacketType & 0x3)
	return b
}

func parseHeaderByte(b byte) (ifac bool, ht HeaderType, ctxFlag bool, prop Propagation, dt DestType, pt Type) {
	ifac = b&(1<<7) != 0
	if b&(1<<6) != 0 {
		ht = HeaderType2
	}
	ctxFlag = b&(1<<5) != 0
	if b&(1<<4) != 0 {
		prop = PropagationTransport
	}
	dt = DestType((b >> 2) & 0x3)
	pt = Type(b & 0x3)
	return
}

func routingTagSize(ht HeaderType, dt DestType) int {
	single := DestinationHashSize
	if dt == DestLink {
		single = LinkIDSize
	}
	if ht == HeaderType2 {
		return DestinationHashSize + single
	}
	return single
}

// Marshal serializes the packet per spec.md §6: header_byte(1) || hops(1)
// || routing_tag(10|16|20) || context(1) || ciphertext.
func (p *Packet) Marshal() ([]byte, error) {
	wantLen := routingTagSize(p.HeaderType, p.DestType)
	if len(p.RoutingTag) != wantLen {
		return nil, fmt.Errorf("%w: want %d got %d", ErrBadRoutingTag, wantLen, len(p.RoutingTag))
	}
	out := make([]byte, 0, headerFixedSize+len(p.RoutingTag)+len(p.Ciphertext))
	out = append(out, headerByte(p))
	out = append(out, byte(p.Hops))
	out = append(out, p.RoutingTag...)
	out = append(out, byte(p.Context))
	out = append(out, p.Ciphertext...)
	return out, nil
}

// MarshalChecked is Marshal plus an MTU bound check, used by senders right
// before handing bytes to an Interface.
func (p *Packet) MarshalChecked(mtu int) ([]byte, error) {
	raw, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	if len(raw) > mtu {
		return nil, fmt.Errorf("%w: %d > %d", ErrExceedsMTU, len(raw), mtu)
	}
	return raw, nil
}

// Unmarshal parses raw wire bytes into a Packet.
func Unmarshal(raw []byte) (*Packet, error) {
	if len(raw) < headerFixedSize {
		return nil, ErrTooShort
	}
	ifac, ht, ctxFlag, prop, dt, pt := parseHeaderByte(raw[0])
	hops := int(raw[1])

	tagSize := routingTagSize(ht, dt)
	if len(raw) < headerFixedSize+tagSize {
		return nil, ErrTooShort
	}

	tag := append([]byte(nil), raw[2:2+tagSize]...)
	context := Context(raw[2+tagSize])
	ciphertext := append([]byte(nil), raw[3+tagSize:]...)

	return &Packet{
		IFACFlag:        ifac,
		HeaderType:      ht,
		ContextFlag:     ctxFlag,
		PropagationType: prop,
		DestType:        dt,
		PacketType:      pt,
		Hops:            hops,
		RoutingTag:      tag,
		Context:         context,
		Ciphertext:      ciphertext,
	}, nil
}

// Hash returns the truncated SHA-256 a Proof covers: SHA256 of the
// packet's header (excluding the hops byte, which increments across
// forwarding and is deliberately not covered) concatenated with the
// ciphertext, truncated to 16 bytes (spec.md §4.4).
func (p *Packet) Hash() ([HashSize]byte, error) {
	var out [HashSize]byte
	wantLen := routingTagSize(p.HeaderType, p.DestType)
	if len(p.RoutingTag) != wantLen {
		return out, fmt.Errorf("%w: want %d got %d", ErrBadRoutingTag, wantLen, len(p.RoutingTag))
	}
	h := sha256.New()
	h.Write([]byte{headerByte(p)})
	h.Write(p.RoutingTag)
	h.Write([]byte{byte(p.Context)})
	h.Write(p.Ciphertext)
	sum := h.Sum(nil)
	copy(out[:], sum[:HashSize])
	return out, nil
}
