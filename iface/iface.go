// Package iface implements the concrete Interface carriers spec.md §6
// describes abstractly: something that hands a Transport raw framed bytes
// up to MTU and a callback to push inbound bytes back down. Loopback is an
// in-memory pair for tests and the demo binary; TCP frames a net.Conn with
// go-xdr's opaque-byte-slice marshaling, the same length-prefixing the
// teacher's session.KX uses for its own net.Conn traffic
// (companyzero/zkc/session/kx.go's xdr.Marshal(conn, payload)) — adapted
// here from an encrypted secretbox payload to a raw Reticulum packet.
package iface

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/davecgh/go-xdr/xdr2"
)

// Interface is the abstract carrier a Transport sends and receives raw,
// already-framed packets over.
type Interface interface {
	Name() string
	SendRaw(raw []byte) error
	MTU() int
	// SetReceiveCallback registers the function called with every inbound
	// raw packet. Must be called before Start.
	SetReceiveCallback(cb func([]byte))
	Close() error
}

var ErrClosed = errors.New("iface: interface closed")

// Loopback is an in-memory Interface. Pairing two Loopbacks with Connect
// lets a single process drive both ends of a Link without real I/O.
type Loopback struct {
	mu     sync.Mutex
	name   string
	mtu    int
	peer   *Loopback
	cb     func([]byte)
	closed bool
}

// NewLoopback constructs an unpaired Loopback interface with the given MTU.
func NewLoopback(name string, mtu int) *Loopback {
	return &Loopback{name: name, mtu: mtu}
}

// ConnectLoopback pairs a and b so each one's SendRaw calls the other's
// receive callback.
func ConnectLoopback(a, b *Loopback) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (l *Loopback) Name() string { return l.name }
func (l *Loopback) MTU() int     { return l.mtu }

func (l *Loopback) SetReceiveCallback(cb func([]byte)) {
	l.mu.Lock()
	l.cb = cb
	l.mu.Unlock()
}

func (l *Loopback) SendRaw(raw []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		return nil
	}

	peer.mu.Lock()
	cb := peer.cb
	peer.mu.Unlock()
	if cb != nil {
		// Deliver asynchronously: a real Interface never calls back into
		// the sender's own call stack, and callers (Transport.OpenLink in
		// particular) register state after a Send returns, not before.
		go cb(append([]byte(nil), raw...))
	}
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// TCP frames raw packets over a net.Conn with go-xdr's length-prefixed
// opaque encoding: one xdr.Marshal per outbound packet, one xdr.Unmarshal
// per inbound packet, read in a dedicated goroutine.
type TCP struct {
	mu     sync.Mutex
	name   string
	conn   net.Conn
	mtu    int
	cb     func([]byte)
	closed bool
}

// NewTCP wraps conn as an Interface with the given MTU ceiling.
func NewTCP(name string, conn net.Conn, mtu int) *TCP {
	return &TCP{name: name, conn: conn, mtu: mtu}
}

func (t *TCP) Name() string { return t.name }
func (t *TCP) MTU() int     { return t.mtu }

func (t *TCP) SetReceiveCallback(cb func([]byte)) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

// Start launches the read loop. Call after SetReceiveCallback.
func (t *TCP) Start() {
	go t.readLoop()
}

func (t *TCP) readLoop() {
	for {
		var payload []byte
		if _, err := xdr.Unmarshal(t.conn, &payload); err != nil {
			t.Close()
			return
		}
		if len(payload) > t.mtu {
			continue
		}

		t.mu.Lock()
		cb := t.cb
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if cb != nil {
			cb(payload)
		}
	}
}

func (t *TCP) SendRaw(raw []byte) error {
	if len(raw) > t.mtu {
		return fmt.Errorf("iface: packet of %d bytes exceeds mtu %d", len(raw), t.mtu)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	if _, err := xdr.Marshal(t.conn, raw); err != nil {
		return fmt.Errorf("iface: marshal: %w", err)
	}
	return nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
