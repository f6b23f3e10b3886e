// Package transport is the minimum external-collaborator surface spec.md
// §1 says Link needs: a registry of Interfaces, a table of locally owned
// Destinations and active Links, and the packet dispatch that routes an
// inbound Interface callback to the right Link (for Link-addressed
// packets), the right Destination (for a fresh LINKREQUEST, an announce or
// a non-Link Data packet) or the pending data receipt (for a non-Link
// Proof). Multi-hop
// path discovery and announce propagation are the Non-goals spec.md
// excludes; this package only does the single-hop routing Link itself
// consumes. It is grounded on the teacher's zkserver, which keeps exactly
// this shape of registry — a process-wide table guarded by one lock,
// mapping identities to live sessions — for its connected clients.
package transport

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/companyzero/rns/destination"
	"github.com/companyzero/rns/identity"
	"github.com/companyzero/rns/iface"
	"github.com/companyzero/rns/link"
	"github.com/companyzero/rns/metrics"
	"github.com/companyzero/rns/packet"
	"github.com/companyzero/rns/rlog"
	"github.com/companyzero/rns/rnsconfig"
)

var (
	ErrUnknownDestination = errors.New("transport: no local destination for link request")
	ErrUnknownLink        = errors.New("transport: no active link for routing tag")
	ErrNotSingleIn        = errors.New("transport: destination is not a single-in destination")
	ErrDuplicateInterface = errors.New("transport: interface name already registered")
	ErrUnknownInterface   = errors.New("transport: unknown interface")
	ErrSenderRequired     = errors.New("transport: sender identity required to encrypt toward a single-out destination")
)

// DataReceiptState mirrors link.ReceiptState for a non-Link Data packet's
// SINGLE-signed proof (spec.md §3: "PacketReceipt... DELIVERED when a PROOF
// matching the packet's hash arrives signed (for SINGLE)... by the peer").
type DataReceiptState int

const (
	DataSent DataReceiptState = iota
	DataDelivered
)

// DataReceipt tracks one outbound non-Link Data packet awaiting its
// SINGLE-signed Proof.
type DataReceipt struct {
	mu          sync.Mutex
	state       DataReceiptState
	peer        *identity.PublicIdentity
	onDelivered func()
}

// State returns the receipt's current lifecycle state.
func (r *DataReceipt) State() DataReceiptState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnDelivered registers the callback fired when a matching, signature
// verified Proof arrives.
func (r *DataReceipt) OnDelivered(cb func()) {
	r.mu.Lock()
	already := r.state == DataDelivered
	if !already {
		r.onDelivered = cb
	}
	r.mu.Unlock()
	if already && cb != nil {
		cb()
	}
}

func (r *DataReceipt) markDelivered() {
	r.mu.Lock()
	if r.state == DataDelivered {
		r.mu.Unlock()
		return
	}
	r.state = DataDelivered
	cb := r.onDelivered
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// announceWatch is one registered interest in announces for a given
// app_name/aspects namespace, matching spec.md §4.1's validate_announce
// needing the namespace to re-derive a candidate destination hash.
type announceWatch struct {
	appName string
	aspects []string
	cb      func(pub *identity.PublicIdentity, destHash [destination.HashSize]byte, appData []byte)
}

// Transport owns every registered Interface, every locally announced
// in-bound Destination, and every Link (inbound or outbound) currently
// live on this process.
type Transport struct {
	mu sync.Mutex

	cfg rnsconfig.Config
	log *rlog.Logger
	m   *metrics.Metrics

	interfaces   map[string]iface.Interface
	destinations map[[10]byte]*destination.Destination
	links        map[[16]byte]*link.Link
	receipts     map[[packet.HashSize]byte]*DataReceipt

	onNewLink func(l *link.Link, outlet link.Outlet)
	onData    func(dest *destination.Destination, plaintext []byte)

	announceWatches []announceWatch
}

// New constructs an empty Transport.
func New(cfg rnsconfig.Config, log *rlog.Logger, m *metrics.Metrics) *Transport {
	if log == nil {
		log = rlog.Default
	}
	return &Transport{
		cfg:          cfg,
		log:          log,
		m:            m,
		interfaces:   make(map[string]iface.Interface),
		destinations: make(map[[10]byte]*destination.Destination),
		links:        make(map[[16]byte]*link.Link),
		receipts:     make(map[[packet.HashSize]byte]*DataReceipt),
	}
}

// OnNewLink registers cb to run every time a LINKREQUEST is accepted on a
// local Destination, so the caller can attach a Channel or ResourceSink
// before any data arrives.
func (t *Transport) OnNewLink(cb func(l *link.Link, outlet link.Outlet)) {
	t.mu.Lock()
	t.onNewLink = cb
	t.mu.Unlock()
}

// RegisterInterface wires i's receive callback into the Transport's
// dispatch and makes it available as an outlet for Links accepted on it.
func (t *Transport) RegisterInterface(i iface.Interface) error {
	t.mu.Lock()
	if _, dup := t.interfaces[i.Name()]; dup {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateInterface, i.Name())
	}
	t.interfaces[i.Name()] = i
	t.mu.Unlock()

	i.SetReceiveCallback(func(raw []byte) {
		t.handleRaw(i, raw)
	})
	return nil
}

// RegisterDestination announces a locally owned SINGLE/IN destination so
// inbound LINKREQUESTs addressed to its hash are accepted.
func (t *Transport) RegisterDestination(d *destination.Destination) error {
	if d.Direction != destination.In || d.OwnIdentity() == nil {
		return ErrNotSingleIn
	}
	t.mu.Lock()
	t.destinations[d.Hash] = d
	t.mu.Unlock()
	return nil
}

// OnData registers cb to run for every Data packet (SINGLE/GROUP/PLAIN
// addressed, delivered outside a Link) that decrypts successfully against a
// locally registered Destination.
func (t *Transport) OnData(cb func(dest *destination.Destination, plaintext []byte)) {
	t.mu.Lock()
	t.onData = cb
	t.mu.Unlock()
}

// OnAnnounce registers interest in announces for the app_name/aspects
// namespace, calling cb with the announcer's public identity, destination
// hash, and app_data once a matching, self-consistent announce arrives.
// spec.md §4.1's validate_announce needs the namespace to re-derive a
// candidate destination hash from the announce's embedded identity, so
// watches are namespace-scoped rather than global.
func (t *Transport) OnAnnounce(appName string, aspects []string, cb func(pub *identity.PublicIdentity, destHash [destination.HashSize]byte, appData []byte)) {
	t.mu.Lock()
	t.announceWatches = append(t.announceWatches, announceWatch{appName: appName, aspects: aspects, cb: cb})
	t.mu.Unlock()
}

// SendData encrypts plaintext for dest and sends it as a non-Link Data
// packet over outletName — the dispatch path handleData answers on the
// receiving side. For a SINGLE destination it returns a DataReceipt that
// moves to DataDelivered once the peer's signed Proof arrives and verifies;
// other destination types return a nil receipt since only SINGLE proofs are
// signed (spec.md §3's PacketReceipt).
//
// sender supplies the local identity an OUT SINGLE destination encrypts
// from: destination.Destination has no local identity of its own for the
// OUT direction (only the remote peer's), so spec.md §4.3's
// "SINGLE.encrypt delegates to Identity.encrypt_for" is carried out here
// exactly as destination_test.go's TestSingleDestinationRoundTrip documents
// it must be — via the sender's own EncryptFor, not Destination.Encrypt.
// sender is unused for GROUP/PLAIN and for an IN (self-addressed) SINGLE
// destination, which already owns the identity Destination.Encrypt needs.
func (t *Transport) SendData(outletName string, sender *identity.PrivateIdentity, dest *destination.Destination, plaintext []byte) (*DataReceipt, error) {
	var ciphertext []byte
	var err error
	if dest.Type == destination.Single && dest.PeerIdentity() != nil {
		if sender == nil {
			return nil, ErrSenderRequired
		}
		ciphertext, err = sender.EncryptFor(dest.PeerIdentity(), plaintext)
	} else {
		ciphertext, err = dest.Encrypt(plaintext)
	}
	if err != nil {
		return nil, err
	}

	var destType packet.DestType
	switch dest.Type {
	case destination.Single:
		destType = packet.DestSingle
	case destination.Group:
		destType = packet.DestGroup
	case destination.Plain:
		destType = packet.DestPlain
	}
	pkt := &packet.Packet{
		DestType:   destType,
		PacketType: packet.TypeData,
		RoutingTag: append([]byte(nil), dest.Hash[:]...),
		Context:    packet.ContextNone,
		Ciphertext: ciphertext,
	}
	hash, err := pkt.Hash()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	o, ok := t.interfaces[outletName]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInterface, outletName)
	}
	out, err := pkt.MarshalChecked(o.MTU())
	if err != nil {
		return nil, err
	}

	var receipt *DataReceipt
	if dest.Type == destination.Single && dest.PeerIdentity() != nil {
		receipt = &DataReceipt{peer: dest.PeerIdentity()}
		t.mu.Lock()
		t.receipts[hash] = receipt
		t.mu.Unlock()
	}

	if err := o.SendRaw(out); err != nil {
		return nil, err
	}
	t.m.IncPacketsSent()
	return receipt, nil
}

// Announce builds and broadcasts d's announce payload over outletName.
func (t *Transport) Announce(outletName string, d *destination.Destination, appData []byte) error {
	raw, err := d.BuildAnnounce(appData)
	if err != nil {
		return err
	}
	pkt := &packet.Packet{
		DestType:   packet.DestSingle,
		PacketType: packet.TypeAnnounce,
		RoutingTag: append([]byte(nil), d.Hash[:]...),
		Context:    packet.ContextNone,
		Ciphertext: raw,
	}

	t.mu.Lock()
	o, ok := t.interfaces[outletName]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownInterface, outletName)
	}

	out, err := pkt.MarshalChecked(o.MTU())
	if err != nil {
		return err
	}
	if err := o.SendRaw(out); err != nil {
		return err
	}
	t.m.IncPacketsSent()
	return nil
}

// Link returns the active Link for a routing tag, if any.
func (t *Transport) Link(id [16]byte) (*link.Link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[id]
	return l, ok
}

// OpenLink initiates a Link to dest over outletName, registering it in the
// Transport's link table under the id the handshake assigns.
func (t *Transport) OpenLink(outletName string, dest *destination.Destination) (*link.Link, error) {
	t.mu.Lock()
	o, ok := t.interfaces[outletName]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown interface %q", outletName)
	}

	l, err := link.NewInitiator(o, dest, t.cfg, t.log, t.m)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.links[l.ID()] = l
	t.mu.Unlock()
	return l, nil
}

func (t *Transport) handleRaw(from iface.Interface, raw []byte) {
	pkt, err := packet.Unmarshal(raw)
	if err != nil {
		t.m.IncPacketsDropped("malformed")
		t.log.Debug("transport", "unmarshal failed on %s: %v", from.Name(), err)
		return
	}
	t.m.IncPacketsReceived()

	if pkt.DestType == packet.DestLink {
		var id [16]byte
		copy(id[:], pkt.RoutingTag)
		t.mu.Lock()
		l, ok := t.links[id]
		t.mu.Unlock()
		if !ok {
			t.m.IncPacketsDropped("unknown_link")
			t.log.Debug("transport", "%v: %x", ErrUnknownLink, id)
			return
		}
		if err := l.Deliver(raw); err != nil {
			t.log.Debug("transport", "deliver failed: %v", err)
		}
		return
	}

	if pkt.PacketType == packet.TypeLinkRequest && pkt.DestType == packet.DestSingle {
		t.handleLinkRequest(from, pkt, raw)
		return
	}

	if pkt.PacketType == packet.TypeAnnounce && pkt.DestType == packet.DestSingle {
		t.handleAnnounce(pkt)
		return
	}

	if pkt.PacketType == packet.TypeData {
		t.handleData(from, pkt)
		return
	}

	if pkt.PacketType == packet.TypeProof {
		t.handleDataProof(pkt)
		return
	}

	t.m.IncPacketsDropped("unroutable")
}

func (t *Transport) handleAnnounce(pkt *packet.Packet) {
	var hash [destination.HashSize]byte
	copy(hash[:], pkt.RoutingTag)

	t.mu.Lock()
	watches := append([]announceWatch(nil), t.announceWatches...)
	t.mu.Unlock()

	for _, w := range watches {
		pub, appData, err := destination.ValidateAnnounce(hash, w.appName, w.aspects, pkt.Ciphertext)
		if err != nil {
			continue
		}
		w.cb(pub, hash, appData)
		return
	}
	t.m.IncPacketsDropped("unmatched_announce")
	t.log.Debug("transport", "announce %x matched no registered watch", hash)
}

// handleData routes a non-Link Data packet (SINGLE/GROUP/PLAIN addressed,
// delivered outside any Link) to the locally owned Destination it names,
// decrypting it with Destination.Decrypt and, for a SINGLE destination
// with a proof strategy that permits it, replying with a signed Proof
// packet over the same interface the Data packet arrived on — the
// non-Link half of spec.md §3's PacketReceipt ("signed for SINGLE").
func (t *Transport) handleData(from iface.Interface, pkt *packet.Packet) {
	var hash [destination.HashSize]byte
	copy(hash[:], pkt.RoutingTag)

	t.mu.Lock()
	dest, ok := t.destinations[hash]
	t.mu.Unlock()
	if !ok {
		t.m.IncPacketsDropped("unknown_destination")
		t.log.Debug("transport", "data packet for unknown destination %x", hash)
		return
	}

	plaintext, err := dest.Decrypt(pkt.Ciphertext)
	if err != nil {
		t.m.IncPacketsDropped("decrypt_failed")
		t.log.Debug("transport", "decrypt failed for %x: %v", hash, err)
		return
	}

	t.mu.Lock()
	cb := t.onData
	t.mu.Unlock()
	if cb != nil {
		cb(dest, plaintext)
	}

	t.sendDataProof(from, dest, pkt)
}

// sendDataProof answers pkt with a SINGLE-signed Proof packet over the
// interface it arrived on, when dest's proof strategy calls for one
// (spec.md §4.5 step 3: "if proof strategy permits"). GROUP/PLAIN
// destinations have no private identity to sign with and are never proved
// at this layer.
func (t *Transport) sendDataProof(from iface.Interface, dest *destination.Destination, pkt *packet.Packet) {
	if dest.Type != destination.Single || dest.ProofStrategy == destination.ProveNone {
		return
	}
	own := dest.OwnIdentity()
	if own == nil {
		return
	}

	pktHash, err := pkt.Hash()
	if err != nil {
		return
	}
	sig := own.Sign(pktHash[:])

	body := make([]byte, 0, len(pktHash)+len(sig))
	body = append(body, pktHash[:]...)
	body = append(body, sig[:]...)

	proof := &packet.Packet{
		DestType:   pkt.DestType,
		PacketType: packet.TypeProof,
		RoutingTag: append([]byte(nil), pkt.RoutingTag...),
		Context:    packet.ContextNone,
		Ciphertext: body,
	}
	out, err := proof.MarshalChecked(from.MTU())
	if err != nil {
		return
	}
	if err := from.SendRaw(out); err != nil {
		return
	}
	t.m.IncPacketsSent()
}

// handleDataProof matches an inbound non-Link Proof packet against a
// pending DataReceipt by target packet hash and verifies the sender's
// Ed25519 signature over that hash, mirroring link.go's HMAC-based
// sendDeliveryProof/handleDeliveryProof pair but with the SINGLE-signed
// variant spec.md §3's PacketReceipt describes for proofs sent outside a
// Link.
func (t *Transport) handleDataProof(pkt *packet.Packet) {
	if len(pkt.Ciphertext) != packet.HashSize+ed25519.SignatureSize {
		t.m.IncPacketsDropped("malformed_proof")
		return
	}
	var targetHash [packet.HashSize]byte
	copy(targetHash[:], pkt.Ciphertext[:packet.HashSize])
	var sig [ed25519.SignatureSize]byte
	copy(sig[:], pkt.Ciphertext[packet.HashSize:])

	t.mu.Lock()
	r, ok := t.receipts[targetHash]
	t.mu.Unlock()
	if !ok {
		t.m.IncPacketsDropped("unmatched_proof")
		return
	}
	if r.peer == nil || !r.peer.Verify(targetHash[:], sig) {
		t.m.IncPacketsDropped("invalid_proof_signature")
		return
	}

	t.mu.Lock()
	delete(t.receipts, targetHash)
	t.mu.Unlock()
	r.markDelivered()
}

func (t *Transport) handleLinkRequest(from iface.Interface, pkt *packet.Packet, raw []byte) {
	var hash [10]byte
	copy(hash[:], pkt.RoutingTag)

	t.mu.Lock()
	dest, ok := t.destinations[hash]
	t.mu.Unlock()
	if !ok {
		t.m.IncPacketsDropped("unknown_destination")
		t.log.Debug("transport", "%v: %x", ErrUnknownDestination, hash)
		return
	}

	l, err := link.AcceptLinkRequest(from, dest, raw, t.cfg, t.log, t.m)
	if err != nil {
		t.log.Warn("transport", "link request from %s rejected: %v", from.Name(), err)
		return
	}

	t.mu.Lock()
	t.links[l.ID()] = l
	cb := t.onNewLink
	t.mu.Unlock()

	if cb != nil {
		cb(l, from)
	}
}
