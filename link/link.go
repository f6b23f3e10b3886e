// Package link implements Reticulum's two-party authenticated, encrypted
// Link session: an ephemeral-key handshake atop a Destination, a derived
// session Token, per-packet delivery receipts, an RTT estimate, and
// teardown. It owns exactly one Channel (attached after ACTIVE, spec.md
// §3/§4.5).
//
// The handshake choreography — generate an ephemeral key, exchange it,
// derive a shared secret, exchange a signed/HMAC'd proof, and only then
// trust the channel — is grounded on the teacher's sigma.SigmaKX
// (companyzero/zkc/sigma), whose Initiator/Target split this package's
// NewInitiator/AcceptLinkRequest mirror. Where spec.md §4.5/§6 prescribes a
// different cryptographic shape than sigma's (Reticulum's Link derives its
// ECDH from one side's ephemeral key and the other's long-term identity
// key, not two ephemerals, and authenticates with an Ed25519 signature
// rather than sigma's HMAC-over-secretbox proofs) the shape is adapted
// rather than copied: same choreography, spec-mandated math.
package link

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/companyzero/rns/destination"
	"github.com/companyzero/rns/identity"
	"github.com/companyzero/rns/metrics"
	"github.com/companyzero/rns/packet"
	"github.com/companyzero/rns/rlog"
	"github.com/companyzero/rns/rnsconfig"
	"github.com/companyzero/rns/token"
)

// State is the Link lifecycle state (spec.md §4.5).
type State int

const (
	Pending State = iota
	Handshake
	Active
	Stale
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Handshake:
		return "handshake"
	case Active:
		return "active"
	case Stale:
		return "stale"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// IDSize is the length, in bytes, of a Link ID.
const IDSize = 16

// linkHeaderOverhead is the fixed packet framing overhead
// (header+hops+linkid+context) for every packet this package emits.
const linkHeaderOverhead = 1 + 1 + packet.LinkIDSize + 1

// tokenWorstCaseOverhead is Token's IV+HMAC plus one full AES block of
// PKCS7 padding, the worst case MDU must budget for.
const tokenWorstCaseOverhead = 16 + 32 + 16

var (
	ErrNotActive         = errors.New("link: not active")
	ErrClosed            = errors.New("link: closed")
	ErrInvalidProof      = errors.New("link: invalid proof")
	ErrExceedsMDU        = errors.New("link: payload exceeds mdu")
	ErrWrongPacketType   = errors.New("link: unexpected packet type")
	ErrUnknownPeer       = errors.New("link: destination has no known peer identity")
	ErrProofNotPermitted = errors.New("link: destination's proof strategy forbids a link proof")
)

// Outlet is the abstract carrier a Link sends raw framed bytes over and
// reads its MTU from — the minimal slice of the Interface contract (spec.md
// §6) that Link needs, so this package never imports the concrete iface
// package.
type Outlet interface {
	SendRaw(raw []byte) error
	MTU() int
}

// ChannelOwner is the one Channel a Link owns. Defined here (rather than
// importing the channel package) so link and channel have no import cycle:
// the channel package imports link for Receipt, and wiring code attaches a
// *channel.Channel to a *Link through this interface.
type ChannelOwner interface {
	Receive(raw []byte)
	Shutdown()
}

// ResourceSink receives non-Channel payloads addressed to context bytes in
// the Resource range (ContextResourceAdvertise/Segment/Proof). A Link may
// have many concurrent Resource transfers; demultiplexing by transfer id is
// the sink's job, not Link's.
type ResourceSink interface {
	Receive(ctx packet.Context, payload []byte)
}

// Link is a two-party authenticated, encrypted session established over a
// Destination.
type Link struct {
	mu sync.Mutex

	id    [IDSize]byte
	state State

	outlet Outlet
	cfg    rnsconfig.Config
	log    *rlog.Logger
	m      *metrics.Metrics

	sessionToken *token.Token
	sigKey       []byte // HMAC key for Link-context delivery proofs

	localIdentity  *identity.PrivateIdentity // ours, when we are the IN/responder side
	remoteIdentity *identity.PublicIdentity  // known peer long-term identity

	outboundSeq uint64
	receipts    map[[packet.HashSize]byte]*Receipt

	rtt      time.Duration
	rttKnown bool

	channel      ChannelOwner
	resourceSink ResourceSink

	lastActivity time.Time
	done         chan struct{}
	stopOnce     sync.Once

	// initiator-only handshake state, held until the proof arrives.
	hsEphPriv [32]byte
	hsSentAt  time.Time // when the LINKREQUEST went out, for the handshake RTT sample
}

func newLink(outlet Outlet, cfg rnsconfig.Config, log *rlog.Logger, m *metrics.Metrics) *Link {
	if log == nil {
		log = rlog.Default
	}
	return &Link{
		outlet:       outlet,
		cfg:          cfg,
		log:          log,
		m:            m,
		receipts:     make(map[[packet.HashSize]byte]*Receipt),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// ID returns the Link's 16-byte identifier.
func (l *Link) ID() [IDSize]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RTT returns the current round-trip estimate. Zero until seeded by the
// handshake proof.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// MDU is the interface MTU minus Link's fixed framing and Token overhead —
// the space available to whatever sits on top of Link (Channel, Resource).
func (l *Link) MDU() int {
	return l.outlet.MTU() - linkHeaderOverhead - tokenWorstCaseOverhead
}

// AttachChannel binds the single Channel this Link owns. Teardown shuts it
// down.
func (l *Link) AttachChannel(ch ChannelOwner) {
	l.mu.Lock()
	l.channel = ch
	l.mu.Unlock()
}

// AttachResourceSink binds the receiver for Resource-context payloads.
func (l *Link) AttachResourceSink(s ResourceSink) {
	l.mu.Lock()
	l.resourceSink = s
	l.mu.Unlock()
}

func hkdfExpand(secret, salt []byte, info string, n int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("link: hkdf: %w", err)
	}
	return out, nil
}

// NewInitiator begins a handshake to dest: it generates the ephemeral
// keypairs, builds and sends the LINKREQUEST packet (spec.md §4.5 step 1),
// and returns a Link in HANDSHAKE state. Call Deliver with the peer's
// eventual PROOF reply to complete it.
func NewInitiator(outlet Outlet, dest *destination.Destination, cfg rnsconfig.Config, log *rlog.Logger, m *metrics.Metrics) (*Link, error) {
	if dest.PeerIdentity() == nil {
		return nil, ErrUnknownPeer
	}
	l := newLink(outlet, cfg, log, m)
	l.remoteIdentity = dest.PeerIdentity()

	if _, err := io.ReadFull(rand.Reader, l.hsEphPriv[:]); err != nil {
		return nil, fmt.Errorf("link: ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(l.hsEphPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("link: ephemeral public: %w", err)
	}
	// The ephemeral Ed25519 key is wire-mandated (spec.md §6 "Link request
	// payload") but unused by this implementation's key derivation, the
	// same wire-complete-but-unconstructed posture packet.go takes with
	// HeaderType2.
	_, ephEdPub, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("link: ephemeral ed25519 key: %w", err)
	}

	// The link request envelope is wrapped the same way
	// identity.EncryptFor wraps any anonymous-sender payload — ECDH the
	// ephemeral key against the peer's long-term X25519 key, HKDF a Token
	// key salted with the peer's identity hash — but inlined here rather
	// than routed through Destination.Encrypt, because that call requires
	// a bound local identity to encrypt from and an initiator need not
	// have one yet. The resulting shared secret is reused below to derive
	// the session keys too: ECDH(initiator_ephemeral, responder_longterm)
	// is the one shared value both the envelope wrapping and the session
	// itself are built from.
	shared, err := curve25519.X25519(l.hsEphPriv[:], l.remoteIdentity.X25519Pub[:])
	if err != nil {
		return nil, fmt.Errorf("link: ecdh: %w", err)
	}
	wrapKey, err := hkdfExpand(shared, l.remoteIdentity.Hash[:], "rns-identity-encrypt", 32)
	if err != nil {
		return nil, err
	}
	wrapped, err := token.New(wrapKey).Encrypt(ephEdPub)
	if err != nil {
		return nil, fmt.Errorf("link: encrypt link request: %w", err)
	}
	ciphertext := make([]byte, 0, len(ephPub)+len(wrapped))
	ciphertext = append(ciphertext, ephPub...)
	ciphertext = append(ciphertext, wrapped...)

	pkt := &packet.Packet{
		PacketType: packet.TypeLinkRequest,
		DestType:   packet.DestSingle,
		RoutingTag: append([]byte(nil), dest.Hash[:]...),
		Context:    packet.ContextLinkRequest,
		Ciphertext: ciphertext,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("link: marshal link request: %w", err)
	}
	sum := sha256.Sum256(raw)
	copy(l.id[:], sum[:IDSize])

	l.state = Handshake
	if err := outlet.SendRaw(raw); err != nil {
		return nil, fmt.Errorf("link: send link request: %w", err)
	}
	l.touch()
	l.mu.Lock()
	l.hsSentAt = l.lastActivity
	l.mu.Unlock()
	return l, nil
}

// AcceptLinkRequest parses an inbound LINKREQUEST addressed to ownDest,
// completes the responder half of the handshake (ECDH against the
// initiator's ephemeral key, HKDF session keys, a signed proof), sends the
// PROOF, and returns an ACTIVE Link.
// spec.md §4.5 step 3 gates the whole responder side of the handshake on
// the owning destination's proof strategy ("if proof strategy permits").
// ProveNone and ProveApp both withhold the link-level proof — ProveApp
// limits signed proofs to application Data packets sent to the destination
// outside any Link (see transport.sendDataProof), while only ProveAll also
// proves the handshake itself.
func AcceptLinkRequest(outlet Outlet, ownDest *destination.Destination, raw []byte, cfg rnsconfig.Config, log *rlog.Logger, m *metrics.Metrics) (*Link, error) {
	if ownDest.OwnIdentity() == nil {
		return nil, destination.ErrNoKeys
	}
	if ownDest.ProofStrategy != destination.ProveAll {
		return nil, ErrProofNotPermitted
	}
	pkt, err := packet.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("link: unmarshal link request: %w", err)
	}
	if pkt.PacketType != packet.TypeLinkRequest {
		return nil, ErrWrongPacketType
	}

	if len(pkt.Ciphertext) < 32 {
		return nil, fmt.Errorf("%w: link request payload too short", ErrInvalidProof)
	}
	var initEphPub [32]byte
	copy(initEphPub[:], pkt.Ciphertext[:32])
	wrapped := pkt.Ciphertext[32:]

	l := newLink(outlet, cfg, log, m)
	l.localIdentity = ownDest.OwnIdentity()

	sum := sha256.Sum256(raw)
	copy(l.id[:], sum[:IDSize])

	// Symmetric to the initiator's wrapping ECDH: ECDH(responder_longterm,
	// initiator_ephemeral) == ECDH(initiator_ephemeral, responder_longterm).
	shared, err := l.localIdentity.ECDH(initEphPub)
	if err != nil {
		return nil, err
	}
	wrapKey, err := hkdfExpand(shared, l.localIdentity.Public.Hash[:], "rns-identity-encrypt", 32)
	if err != nil {
		return nil, err
	}
	if _, err := token.New(wrapKey).Decrypt(wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	sessionKeys, err := hkdfExpand(shared, l.id[:], "rns-link-session", 64)
	if err != nil {
		return nil, err
	}
	sigKey, err := hkdfExpand(shared, l.id[:], "rns-link-delivery-proof", 32)
	if err != nil {
		return nil, err
	}

	_, respEphPub, err := newEphemeralX25519()
	if err != nil {
		return nil, err
	}
	_, respEdPub, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("link: responder ephemeral ed25519: %w", err)
	}

	sig := l.localIdentity.Sign(append(append([]byte(nil), l.id[:]...), shared...))

	proofPayload := make([]byte, 0, 32+32+64)
	proofPayload = append(proofPayload, respEphPub...)
	proofPayload = append(proofPayload, respEdPub...)
	proofPayload = append(proofPayload, sig[:]...)

	proofPkt := &packet.Packet{
		PacketType: packet.TypeProof,
		DestType:   packet.DestLink,
		RoutingTag: append([]byte(nil), l.id[:]...),
		Context:    packet.ContextLinkProof,
		Ciphertext: proofPayload,
	}
	proofRaw, err := proofPkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("link: marshal proof: %w", err)
	}
	if err := outlet.SendRaw(proofRaw); err != nil {
		return nil, fmt.Errorf("link: send proof: %w", err)
	}

	l.sessionToken = token.New(sessionKeys)
	l.sigKey = sigKey
	l.state = Active
	l.touch()
	l.m.IncLinkHandshakes()
	return l, nil
}

func newEphemeralX25519() (priv [32]byte, pub []byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, nil, fmt.Errorf("link: ephemeral key: %w", err)
	}
	pub, err = curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, nil, fmt.Errorf("link: ephemeral public: %w", err)
	}
	return priv, pub, nil
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

// Deliver hands the Link a raw inbound packet addressed to it (by link id).
// Transport calls this once it has routed a buffer to this Link.
func (l *Link) Deliver(raw []byte) error {
	pkt, err := packet.Unmarshal(raw)
	if err != nil {
		return err
	}
	l.touch()

	switch {
	case pkt.PacketType == packet.TypeData && pkt.Context == packet.ContextTeardown:
		// Unencrypted by construction (see Teardown): this side may
		// still be mid-handshake, with no session Token yet, when an
		// ACTIVE peer tears down.
		l.Teardown("peer_teardown")
		return nil
	case pkt.PacketType == packet.TypeProof && pkt.Context == packet.ContextLinkProof:
		return l.handleHandshakeProof(pkt)
	case pkt.PacketType == packet.TypeProof:
		return l.handleDeliveryProof(pkt)
	case pkt.PacketType == packet.TypeData:
		return l.handleData(pkt)
	default:
		return ErrWrongPacketType
	}
}

func (l *Link) handleHandshakeProof(pkt *packet.Packet) error {
	l.mu.Lock()
	if l.state != Handshake {
		l.mu.Unlock()
		return nil // stale/duplicate proof
	}
	peerIdentity := l.remoteIdentity
	ephPriv := l.hsEphPriv
	linkID := l.id
	l.mu.Unlock()

	if len(pkt.Ciphertext) != 32+32+64 {
		return fmt.Errorf("%w: bad proof length", ErrInvalidProof)
	}
	sig := pkt.Ciphertext[64:]

	shared, err := curve25519.X25519(ephPriv[:], peerIdentity.X25519Pub[:])
	if err != nil {
		return fmt.Errorf("link: ecdh: %w", err)
	}
	signed := append(append([]byte(nil), linkID[:]...), shared...)
	var sigArr [64]byte
	copy(sigArr[:], sig)
	if !peerIdentity.Verify(signed, sigArr) {
		return ErrInvalidProof
	}

	sessionKeys, err := hkdfExpand(shared, linkID[:], "rns-link-session", 64)
	if err != nil {
		return err
	}
	sigKey, err := hkdfExpand(shared, linkID[:], "rns-link-delivery-proof", 32)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.sessionToken = token.New(sessionKeys)
	l.sigKey = sigKey
	l.state = Active
	sentAt := l.hsSentAt
	l.mu.Unlock()

	l.observeRTT(time.Since(sentAt))
	l.m.IncLinkHandshakes()
	return nil
}

func (l *Link) observeRTT(sample time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m.ObserveLinkRTT(sample.Seconds())
	if !l.rttKnown {
		l.rtt = sample
		l.rttKnown = true
		return
	}
	// EWMA, alpha = 7/8, the same smoothing constant TCP's RTO estimator
	// uses.
	l.rtt = l.rtt - l.rtt/8 + sample/8
}

// Send encrypts payload with the session Token, frames it as a Link-context
// Data packet requesting a delivery proof, and returns a Receipt the caller
// can attach delivered/timeout callbacks to.
func (l *Link) Send(payload []byte, ctx packet.Context) (*Receipt, error) {
	return l.send(payload, ctx, true)
}

func (l *Link) send(payload []byte, ctx packet.Context, wantProof bool) (*Receipt, error) {
	l.mu.Lock()
	if l.state == Closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	// STALE still accepts sends: a keepalive is exactly what is meant to
	// bring a stale Link back to ACTIVE.
	if l.state != Active && l.state != Stale {
		l.mu.Unlock()
		return nil, ErrNotActive
	}
	tok := l.sessionToken
	id := l.id
	l.mu.Unlock()

	if len(payload) > l.MDU() {
		return nil, ErrExceedsMDU
	}
	ciphertext, err := tok.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("link: encrypt: %w", err)
	}
	pkt := &packet.Packet{
		PacketType:  packet.TypeData,
		DestType:    packet.DestLink,
		ContextFlag: wantProof,
		RoutingTag:  append([]byte(nil), id[:]...),
		Context:     ctx,
		Ciphertext:  ciphertext,
	}
	raw, err := pkt.MarshalChecked(l.outlet.MTU())
	if err != nil {
		return nil, fmt.Errorf("link: marshal: %w", err)
	}
	hash, err := pkt.Hash()
	if err != nil {
		return nil, err
	}

	r := newReceipt(l, hash, raw)
	l.mu.Lock()
	l.receipts[hash] = r
	l.mu.Unlock()

	if err := l.outlet.SendRaw(raw); err != nil {
		l.mu.Lock()
		delete(l.receipts, hash)
		l.mu.Unlock()
		return nil, fmt.Errorf("link: send: %w", err)
	}
	l.touch()
	if l.m != nil {
		l.m.IncPacketsSent()
	}
	if wantProof {
		r.arm(l.backoff(0))
	}
	return r, nil
}

// Resend retransmits a Receipt's original packet bytes unchanged (same
// hash, so a delayed proof for the first attempt still matches) and rearms
// its timeout with exponential back-off. Channel uses this for its own
// envelope retry policy (spec.md §4.6).
func (l *Link) Resend(r *Receipt) error {
	l.mu.Lock()
	if l.state != Active {
		l.mu.Unlock()
		return ErrNotActive
	}
	l.mu.Unlock()

	if err := l.outlet.SendRaw(r.raw); err != nil {
		return fmt.Errorf("link: resend: %w", err)
	}
	l.touch()
	if l.m != nil {
		l.m.IncPacketsSent()
	}
	r.mu.Lock()
	r.state = Sent
	r.mu.Unlock()
	r.arm(l.backoff(r.tries()))
	return nil
}

// backoff computes the per-spec "f(tries, rtt) with exponential back-off"
// receipt timeout, clamped to the configured [min, max] window.
func (l *Link) backoff(tries int) time.Duration {
	l.mu.Lock()
	rtt := l.rtt
	l.mu.Unlock()
	base := rtt * 2
	if base < l.cfg.ReceiptTimeoutMin {
		base = l.cfg.ReceiptTimeoutMin
	}
	for i := 0; i < tries; i++ {
		base *= 2
	}
	if base > l.cfg.ReceiptTimeoutMax {
		base = l.cfg.ReceiptTimeoutMax
	}
	return base
}

func (l *Link) handleData(pkt *packet.Packet) error {
	l.mu.Lock()
	if l.state != Active && l.state != Stale {
		l.mu.Unlock()
		return ErrNotActive
	}
	l.state = Active // any inbound traffic revives a STALE link
	tok := l.sessionToken
	l.mu.Unlock()

	plaintext, err := tok.Decrypt(pkt.Ciphertext)
	if err != nil {
		if l.m != nil {
			l.m.IncPacketsDropped("invalid_token")
		}
		return fmt.Errorf("link: decrypt: %w", err)
	}
	if l.m != nil {
		l.m.IncPacketsReceived()
	}

	if pkt.ContextFlag {
		hash, err := pkt.Hash()
		if err == nil {
			l.sendDeliveryProof(hash)
		}
	}

	switch pkt.Context {
	case packet.ContextKeepalive:
		return nil
	case packet.ContextChannel:
		l.mu.Lock()
		ch := l.channel
		l.mu.Unlock()
		if ch != nil {
			ch.Receive(plaintext)
		}
		return nil
	case packet.ContextResourceAdvertise, packet.ContextResourceSegment, packet.ContextResourceProof:
		l.mu.Lock()
		sink := l.resourceSink
		l.mu.Unlock()
		if sink != nil {
			sink.Receive(pkt.Context, plaintext)
		}
		return nil
	default:
		return nil
	}
}

func (l *Link) sendDeliveryProof(targetHash [packet.HashSize]byte) {
	l.mu.Lock()
	sigKey := l.sigKey
	id := l.id
	l.mu.Unlock()

	mac := hmac.New(sha256.New, sigKey)
	mac.Write(targetHash[:])
	sum := mac.Sum(nil)

	payload := make([]byte, 0, len(targetHash)+len(sum))
	payload = append(payload, targetHash[:]...)
	payload = append(payload, sum...)

	pkt := &packet.Packet{
		PacketType: packet.TypeProof,
		DestType:   packet.DestLink,
		RoutingTag: append([]byte(nil), id[:]...),
		Context:    packet.ContextNone,
		Ciphertext: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}
	_ = l.outlet.SendRaw(raw)
}

func (l *Link) handleDeliveryProof(pkt *packet.Packet) error {
	if len(pkt.Ciphertext) < packet.HashSize+32 {
		return fmt.Errorf("%w: short delivery proof", ErrInvalidProof)
	}
	var targetHash [packet.HashSize]byte
	copy(targetHash[:], pkt.Ciphertext[:packet.HashSize])
	mac := pkt.Ciphertext[packet.HashSize : packet.HashSize+32]

	l.mu.Lock()
	sigKey := l.sigKey
	r, ok := l.receipts[targetHash]
	l.mu.Unlock()
	if !ok {
		return nil // spurious/duplicate proof
	}

	expected := hmac.New(sha256.New, sigKey)
	expected.Write(targetHash[:])
	if subtle.ConstantTimeCompare(mac, expected.Sum(nil)) != 1 {
		return ErrInvalidProof
	}

	r.markDelivered()
	l.mu.Lock()
	delete(l.receipts, targetHash)
	sentAt := r.sentAt
	l.mu.Unlock()
	l.observeRTT(time.Since(sentAt))
	return nil
}

// Teardown transitions the Link to CLOSED: all outstanding receipts fail,
// the owned Channel shuts down, and a TEARDOWN packet is sent best-effort
// so the peer closes promptly too.
func (l *Link) Teardown(reason string) {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		if l.state == Closed {
			l.mu.Unlock()
			return
		}
		wasActive := l.state == Active
		l.state = Closed
		id := l.id
		ch := l.channel
		receipts := l.receipts
		l.receipts = make(map[[packet.HashSize]byte]*Receipt)
		l.mu.Unlock()

		close(l.done)

		for _, r := range receipts {
			r.markFailed()
		}
		if ch != nil {
			ch.Shutdown()
		}
		if wasActive {
			teardownPkt := &packet.Packet{
				PacketType: packet.TypeData,
				DestType:   packet.DestLink,
				RoutingTag: append([]byte(nil), id[:]...),
				Context:    packet.ContextTeardown,
			}
			if raw, err := teardownPkt.Marshal(); err == nil {
				_ = l.outlet.SendRaw(raw)
			}
		}
		if l.m != nil {
			l.m.IncLinkTeardowns(reason)
		}
		l.log.Info("link", "teardown id=%x reason=%s", id, reason)
	})
}

// StartKeepalive launches the background goroutine that sends keepalives
// when idle and tears the Link down after two missed keepalive windows.
// Callers that don't need real-time liveness (most tests) can skip calling
// this.
func (l *Link) StartKeepalive() {
	go l.keepaliveLoop()
}

func (l *Link) keepaliveLoop() {
	interval := l.cfg.KeepaliveTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			idle := time.Since(l.lastActivity)
			state := l.state
			l.mu.Unlock()

			switch {
			case state == Closed:
				return
			case idle > 2*l.cfg.KeepaliveTimeout:
				l.Teardown("keepalive_timeout")
				return
			case idle > l.cfg.KeepaliveTimeout:
				l.mu.Lock()
				l.state = Stale
				l.mu.Unlock()
				_, _ = l.send(nil, packet.ContextKeepalive, false)
			}
		}
	}
}
