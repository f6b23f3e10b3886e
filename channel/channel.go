// Package channel implements Reticulum's ordered, at-least-once, typed
// message delivery atop a Link: a message-type registry, in-registration-
// order handler dispatch, a one-envelope-at-a-time outbound side with
// receipt-driven retry, and a duplicate-dropping inbound side. It is
// grounded directly on original_source/RNS/Channel.py — register_message_type,
// add_message_handler/remove_message_handler, send, receive, the TX/RX
// ring and the retry-then-escalate-to-teardown policy below are this
// package's Go rendering of that file's Channel class, in the style the
// teacher's rpc package uses for its own command-dispatch registry
// (companyzero/zkc/rpc).
package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/companyzero/rns/link"
	"github.com/companyzero/rns/metrics"
	"github.com/companyzero/rns/packet"
	"github.com/companyzero/rns/rlog"
	"github.com/companyzero/rns/rnsconfig"
)

// outbound tracks the single in-flight envelope a Channel may have.
type outbound struct {
	envelope *envelope
	receipt  *link.Receipt
	tries    int
}

// Channel is the one message-oriented substream a Link owns.
type Channel struct {
	mu sync.Mutex

	l   *link.Link
	cfg rnsconfig.Config
	log *rlog.Logger
	m   *metrics.Metrics

	types    map[MsgType]Unpacker
	handlers []HandlerFunc

	txSeq uint16
	inFl  *outbound

	rxHasLast bool
	rxLastSeq uint16

	closed bool
}

// New creates a Channel bound to l. The Channel is not usable for receiving
// until attached to the Link with l.AttachChannel(ch).
func New(l *link.Link, cfg rnsconfig.Config, log *rlog.Logger, m *metrics.Metrics) *Channel {
	if log == nil {
		log = rlog.Default
	}
	return &Channel{
		l:     l,
		cfg:   cfg,
		log:   log,
		m:     m,
		types: make(map[MsgType]Unpacker),
	}
}

// RegisterMessageType binds an Unpacker to t so inbound envelopes of that
// type can be reconstructed. t must be below SystemMsgTypeFloor; use
// RegisterSystemMessageType for the reserved range.
func (c *Channel) RegisterMessageType(t MsgType, u Unpacker) error {
	if t >= SystemMsgTypeFloor {
		return fmt.Errorf("%w: %#04x", ErrSystemType, t)
	}
	return c.registerMessageType(t, u)
}

// RegisterSystemMessageType is RegisterMessageType without the system-range
// floor check, for this module's own reserved message types (e.g.
// StreamDataMessage in the buffer package).
func (c *Channel) RegisterSystemMessageType(t MsgType, u Unpacker) error {
	return c.registerMessageType(t, u)
}

func (c *Channel) registerMessageType(t MsgType, u Unpacker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.types[t]; ok {
		return fmt.Errorf("%w: %#04x", ErrNotRegistered, t)
	}
	c.types[t] = u
	return nil
}

// AddMessageHandler appends cb to the dispatch chain.
func (c *Channel) AddMessageHandler(cb HandlerFunc) {
	c.mu.Lock()
	c.handlers = append(c.handlers, cb)
	c.mu.Unlock()
}

// RemoveMessageHandler removes the first handler pointer-equal to cb. Go has
// no function identity comparison across closures, so callers that need
// removal should keep a named function value and pass that same value to
// both Add and Remove.
func (c *Channel) RemoveMessageHandler(cb HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := fmt.Sprintf("%p", cb)
	for i, h := range c.handlers {
		if fmt.Sprintf("%p", h) == target {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

// MDU is the space available to a packed envelope body: the Link's MDU
// minus the 6-byte envelope header.
func (c *Channel) MDU() int {
	return c.l.MDU() - envelopeHeaderSize
}

// Send packs message, frames it as a Channel envelope with the next
// sequence number, and hands it to the Link. It fails fast with
// ErrLinkNotReady if an earlier envelope is still unacknowledged — a
// Channel carries exactly one in-flight envelope at a time.
func (c *Channel) Send(msg Message) error {
	body, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("channel: pack: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.inFl != nil {
		c.mu.Unlock()
		return ErrLinkNotReady
	}
	seq := c.txSeq
	c.mu.Unlock()

	env := &envelope{msgType: msg.MsgType(), seq: seq, body: body}
	raw := env.marshal()
	if len(raw) > c.l.MDU() {
		return fmt.Errorf("%w: %d > %d", ErrTooBig, len(raw), c.l.MDU())
	}

	receipt, err := c.l.Send(raw, packet.ContextChannel)
	if err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}

	ob := &outbound{envelope: env, receipt: receipt}

	c.mu.Lock()
	c.txSeq++
	c.inFl = ob
	c.mu.Unlock()

	receipt.OnDelivered(func(_ time.Duration) {
		c.mu.Lock()
		if c.inFl == ob {
			c.inFl = nil
		}
		c.mu.Unlock()
	})
	receipt.OnTimeout(func() {
		c.handleTimeout(ob)
	})
	return nil
}

func (c *Channel) handleTimeout(ob *outbound) {
	c.mu.Lock()
	if c.closed || c.inFl != ob {
		c.mu.Unlock()
		return
	}
	ob.tries++
	tries := ob.tries
	c.mu.Unlock()

	if tries < c.cfg.ChannelMaxTries {
		if err := c.l.Resend(ob.receipt); err != nil {
			c.log.Warn("channel", "resend failed: %v", err)
			c.doShutdown("resend_failed")
			return
		}
		c.m.IncChannelRetries()
		return
	}
	c.log.Warn("channel", "envelope seq=%d exhausted %d tries, shutting down", ob.envelope.seq, tries)
	c.doShutdown("retries_exhausted")
	c.l.Teardown("channel_retries_exhausted")
}

// Receive implements link.ChannelOwner: Link calls this with the decrypted
// plaintext of every inbound ContextChannel packet.
func (c *Channel) Receive(raw []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	env, err := unmarshalEnvelope(raw)
	if err != nil {
		c.log.Debug("channel", "malformed envelope: %v", err)
		return
	}

	c.mu.Lock()
	unpacker, known := c.types[env.msgType]
	if !known {
		c.mu.Unlock()
		c.log.Debug("channel", "unknown msgtype %#04x, discarding", env.msgType)
		return
	}
	duplicate := c.rxHasLast && env.seq == c.rxLastSeq
	if !duplicate {
		c.rxHasLast = true
		c.rxLastSeq = env.seq
	}
	handlers := append([]HandlerFunc(nil), c.handlers...)
	c.mu.Unlock()

	if duplicate {
		c.log.Extreme("channel", "dropping duplicate seq=%d", env.seq)
		return
	}

	msg, err := unpacker(env.body)
	if err != nil {
		c.log.Debug("channel", "unpack failed for msgtype %#04x: %v", env.msgType, err)
		return
	}

	for _, h := range handlers {
		if h(msg) {
			return
		}
	}
}

// Shutdown implements link.ChannelOwner: it fails the in-flight envelope's
// further callbacks and clears both rings. Called by Link.Teardown, and by
// the Channel itself on retry exhaustion before escalating.
func (c *Channel) Shutdown() {
	c.doShutdown("link_teardown")
}

func (c *Channel) doShutdown(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.inFl = nil
	c.rxHasLast = false
	c.handlers = nil
	c.mu.Unlock()
	c.m.IncChannelShutdowns()
	c.log.Info("channel", "shutdown reason=%s", reason)
}
