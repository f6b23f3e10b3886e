// Package identity implements Reticulum's dual key pair identities: one
// X25519 scalar for ECDH, one Ed25519 key for signing, combined into a
// 16-byte truncated hash used everywhere else in the stack as a compact
// handle. It is the structural analogue of the teacher's zkidentity
// package (companyzero/zkc/zkidentity), adapted from zkc's
// Ed25519+NTRU-Prime pairing to Reticulum's Ed25519+X25519 pairing.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/companyzero/rns/token"
)

const (
	timingPadMinDefault = 2 * time.Millisecond
	timingPadMaxDefault = 500 * time.Millisecond
)

func nsToDuration(ns int64) time.Duration {
	if ns <= 0 {
		return 0
	}
	return time.Duration(ns)
}

const (
	// HashSize is the length, in bytes, of an Identity's truncated hash.
	HashSize = 16
	// PublicSize is the length of the concatenated public form
	// (X25519 public || Ed25519 public).
	PublicSize = 32 + ed25519.PublicKeySize
	// PrivateSize is the length of the on-disk private form
	// (X25519 private || Ed25519 seed).
	PrivateSize = 32 + ed25519.SeedSize
)

var (
	ErrInvalidLength     = errors.New("identity: invalid byte length")
	ErrInvalidCiphertext = errors.New("identity: invalid ciphertext")
	ErrInvalidSignature  = errors.New("identity: invalid signature")
	ErrInvalidAnnounce   = errors.New("identity: malformed announce")
)

// announceAppDataMax bounds app_data to what a u16 length prefix can encode.
const announceAppDataMax = 0xffff

// PublicIdentity is the shareable half of an Identity: the two public keys
// plus their derived hash. It is safe to marshal and send over the wire.
type PublicIdentity struct {
	X25519Pub [32]byte
	Ed25519Pub [ed25519.PublicKeySize]byte
	Hash      [HashSize]byte
}

// PrivateIdentity owns both private keys. Callers should persist only
// PrivateBytes(); PrivateIdentity itself is not intended to cross a wire.
type PrivateIdentity struct {
	Public PublicIdentity

	x25519Priv [32]byte
	edPriv     ed25519.PrivateKey // 64 bytes: seed(32) || public(32)

	signGuard   *timingGuard
	ecdhGuard   *timingGuard
}

func hashOf(publicForm []byte) [HashSize]byte {
	sum := sha256.Sum256(publicForm)
	var h [HashSize]byte
	copy(h[:], sum[:HashSize])
	return h
}

func publicForm(x25519Pub [32]byte, edPub [ed25519.PublicKeySize]byte) []byte {
	buf := make([]byte, 0, PublicSize)
	buf = append(buf, x25519Pub[:]...)
	buf = append(buf, edPub[:]...)
	return buf
}

// New generates a fresh PrivateIdentity from the system CSPRNG.
func New() (*PrivateIdentity, error) {
	var x25519Priv [32]byte
	if _, err := io.ReadFull(rand.Reader, x25519Priv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate x25519 key: %w", err)
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate ed25519 key: %w", err)
	}
	return newPrivateIdentity(x25519Priv, edPriv, edPub)
}

// FromPrivateBytes reconstructs a PrivateIdentity from its PrivateSize-byte
// on-disk form (X25519 private || Ed25519 seed), per spec.md §6.
func FromPrivateBytes(b []byte) (*PrivateIdentity, error) {
	if len(b) != PrivateSize {
		return nil, fmt.Errorf("%w: want %d got %d", ErrInvalidLength, PrivateSize, len(b))
	}
	var x25519Priv [32]byte
	copy(x25519Priv[:], b[:32])
	seed := b[32:PrivateSize]
	edPriv := ed25519.NewKeyFromSeed(seed)
	edPub := edPriv.Public().(ed25519.PublicKey)
	return newPrivateIdentity(x25519Priv, edPriv, edPub)
}

func newPrivateIdentity(x25519Priv [32]byte, edPriv ed25519.PrivateKey, edPub ed25519.PublicKey) (*PrivateIdentity, error) {
	x25519Pub, err := curve25519.X25519(x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive x25519 public key: %w", err)
	}
	pi := &PrivateIdentity{
		x25519Priv: x25519Priv,
		edPriv:     edPriv,
		signGuard:  newTimingGuard(defaultTimingMin, defaultTimingMax),
		ecdhGuard:  newTimingGuard(defaultTimingMin, defaultTimingMax),
	}
	copy(pi.Public.X25519Pub[:], x25519Pub)
	copy(pi.Public.Ed25519Pub[:], edPub)
	pi.Public.Hash = hashOf(publicForm(pi.Public.X25519Pub, pi.Public.Ed25519Pub))
	return pi, nil
}

var (
	defaultTimingMin = timingPadMinDefault
	defaultTimingMax = timingPadMaxDefault
)

// SetTimingBounds overrides the rolling-maximum window bounds used by Sign
// and EncryptFor/Decrypt's ECDH step. It exists so callers wire
// rnsconfig.Config.TimingPadMin/Max through without this package importing
// rnsconfig (which would create an import cycle with higher layers).
func (pi *PrivateIdentity) SetTimingBounds(min, max int64) {
	pi.signGuard = newTimingGuard(nsToDuration(min), nsToDuration(max))
	pi.ecdhGuard = newTimingGuard(nsToDuration(min), nsToDuration(max))
}

// PrivateBytes returns the PrivateSize-byte persistable form.
func (pi *PrivateIdentity) PrivateBytes() []byte {
	out := make([]byte, 0, PrivateSize)
	out = append(out, pi.x25519Priv[:]...)
	out = append(out, pi.edPriv.Seed()...)
	return out
}

// Sign produces an Ed25519 signature over msg, with execution time padded
// to the rolling maximum observed over the last 10 seconds (min 2ms, max
// 500ms), per spec.md §4.1.
func (pi *PrivateIdentity) Sign(msg []byte) [ed25519.SignatureSize]byte {
	var sig [ed25519.SignatureSize]byte
	pi.signGuard.run(func() {
		copy(sig[:], ed25519.Sign(pi.edPriv, msg))
	})
	return sig
}

// Verify checks an Ed25519 signature against the public identity's signing
// key.
func (p *PublicIdentity) Verify(msg []byte, sig [ed25519.SignatureSize]byte) bool {
	return ed25519.Verify(p.Ed25519Pub[:], msg, sig[:])
}

// deriveSharedKey runs ECDH and HKDF-SHA256(shared, salt) to a 32-byte key,
// matching spec.md §4.1's "derive 32-byte key = HKDF(shared, salt=...)".
func deriveSharedKey(priv [32]byte, peerPub [32]byte, salt []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("identity: ecdh: %w", err)
	}
	kdf := hkdf.New(sha256.New, shared, salt, []byte("rns-identity-encrypt"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("identity: hkdf: %w", err)
	}
	return key, nil
}

// EncryptFor asymmetrically encrypts plaintext for the holder of peerPub:
// sample an ephemeral X25519 keypair, ECDH against peerPub, derive a 32-byte
// key salted with the peer's identity hash, and Token-encrypt the
// plaintext. Output is ephemeral_pub(32) || Token(plaintext, key).
func (pi *PrivateIdentity) EncryptFor(peerPub *PublicIdentity, plaintext []byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: ephemeral key: %w", err)
	}
	ephPubBytes, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: ephemeral public: %w", err)
	}

	var key []byte
	pi.ecdhGuard.run(func() {
		key, err = deriveSharedKey(ephPriv, peerPub.X25519Pub, peerPub.Hash[:])
	})
	if err != nil {
		return nil, err
	}

	tok := token.New(key)
	ct, err := tok.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("identity: token encrypt: %w", err)
	}

	out := make([]byte, 0, len(ephPubBytes)+len(ct))
	out = append(out, ephPubBytes...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt reverses EncryptFor: split the leading 32-byte ephemeral public
// key, ECDH with our own X25519 private key, derive the same 32-byte key
// (salted with our own identity hash), and Token-decrypt the remainder.
func (pi *PrivateIdentity) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 32 {
		return nil, ErrInvalidCiphertext
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	rest := ciphertext[32:]

	var key []byte
	var err error
	pi.ecdhGuard.run(func() {
		key, err = deriveSharedKey(pi.x25519Priv, ephPub, pi.Public.Hash[:])
	})
	if err != nil {
		return nil, err
	}

	tok := token.New(key)
	pt, err := tok.Decrypt(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return pt, nil
}

// ECDH performs a raw X25519 scalar multiply between our private key and
// peerPub, padded through the same rolling-maximum timing guard used by
// EncryptFor/Decrypt. Unlike EncryptFor/Decrypt it returns the bare shared
// secret rather than an HKDF-derived Token key: callers that need a
// different salt/info than identity's own encrypt_for scheme (the link
// package's handshake, which salts with the link id instead of an identity
// hash) call this directly rather than duplicating the ECDH+timing-pad
// plumbing.
func (pi *PrivateIdentity) ECDH(peerPub [32]byte) ([]byte, error) {
	var shared []byte
	var err error
	pi.ecdhGuard.run(func() {
		var s []byte
		s, err = curve25519.X25519(pi.x25519Priv[:], peerPub[:])
		shared = s
	})
	if err != nil {
		return nil, fmt.Errorf("identity: ecdh: %w", err)
	}
	return shared, nil
}

// BuildAnnounce constructs the signed announce payload spec.md §6 defines:
// `public_keys(64) ‖ app_data_len(u16) ‖ app_data ‖ signature(64)`, with the
// signature covering `destHash ‖ public_keys ‖ app_data`. destHash binds the
// announce to one Destination's hash; Identity has no notion of a
// Destination's app_name/aspects, so callers that own that context
// (destination.Destination.BuildAnnounce) supply the hash directly.
func (pi *PrivateIdentity) BuildAnnounce(destHash []byte, appData []byte) ([]byte, error) {
	if len(appData) > announceAppDataMax {
		return nil, fmt.Errorf("%w: app_data exceeds %d bytes", ErrInvalidLength, announceAppDataMax)
	}
	pubKeys := publicForm(pi.Public.X25519Pub, pi.Public.Ed25519Pub)

	signed := make([]byte, 0, len(destHash)+len(pubKeys)+len(appData))
	signed = append(signed, destHash...)
	signed = append(signed, pubKeys...)
	signed = append(signed, appData...)
	sig := pi.Sign(signed)

	out := make([]byte, 0, len(pubKeys)+2+len(appData)+len(sig))
	out = append(out, pubKeys...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(appData)))
	out = append(out, lenBuf[:]...)
	out = append(out, appData...)
	out = append(out, sig[:]...)
	return out, nil
}

// ValidateAnnounce parses raw (the wire form BuildAnnounce produces) and
// verifies the signature covers destHash ‖ public_keys ‖ app_data — the
// "signature covers the announce payload" half of spec.md §4.1's
// validate_announce. Callers that know the destination's app_name/aspects
// (destination.ValidateAnnounce) additionally re-derive the destination hash
// from the returned PublicIdentity to check the "identity hash matches
// destination hash derivation" half; Identity itself has no name/aspects to
// do that with.
func ValidateAnnounce(destHash []byte, raw []byte) (*PublicIdentity, []byte, error) {
	if len(raw) < PublicSize+2+ed25519.SignatureSize {
		return nil, nil, ErrInvalidAnnounce
	}
	var x25519Pub [32]byte
	copy(x25519Pub[:], raw[:32])
	var edPub [ed25519.PublicKeySize]byte
	copy(edPub[:], raw[32:PublicSize])

	appDataLen := int(binary.BigEndian.Uint16(raw[PublicSize : PublicSize+2]))
	appDataStart := PublicSize + 2
	appDataEnd := appDataStart + appDataLen
	if appDataEnd+ed25519.SignatureSize != len(raw) {
		return nil, nil, ErrInvalidAnnounce
	}
	appData := append([]byte(nil), raw[appDataStart:appDataEnd]...)
	var sig [ed25519.SignatureSize]byte
	copy(sig[:], raw[appDataEnd:])

	pub := &PublicIdentity{X25519Pub: x25519Pub, Ed25519Pub: edPub}
	pub.Hash = hashOf(publicForm(x25519Pub, edPub))

	signed := make([]byte, 0, len(destHash)+PublicSize+appDataLen)
	signed = append(signed, destHash...)
	signed = append(signed, raw[:PublicSize]...)
	signed = append(signed, appData...)
	if !pub.Verify(signed, sig) {
		return nil, nil, ErrInvalidSignature
	}
	return pub, appData, nil
}

// wireIdentity is the xdr-marshaled form of PublicIdentity, grounded on
// zkidentity.PublicIdentity's own xdr-tagged struct.
type wireIdentity struct {
	X25519Pub  [32]byte
	Ed25519Pub [ed25519.PublicKeySize]byte
	Hash       [HashSize]byte
}

// Marshal serializes the public identity with XDR, the same encoding the
// teacher's zkidentity package uses for its on-disk/on-wire identity
// structs.
func (p *PublicIdentity) Marshal() ([]byte, error) {
	w := wireIdentity{X25519Pub: p.X25519Pub, Ed25519Pub: p.Ed25519Pub, Hash: p.Hash}
	b := &bytes.Buffer{}
	if _, err := xdr.Marshal(b, w); err != nil {
		return nil, fmt.Errorf("identity: marshal: %w", err)
	}
	return b.Bytes(), nil
}

// UnmarshalPublicIdentity parses the XDR form produced by Marshal and
// verifies the hash is self-consistent.
func UnmarshalPublicIdentity(data []byte) (*PublicIdentity, error) {
	var w wireIdentity
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &w); err != nil {
		return nil, fmt.Errorf("identity: unmarshal: %w", err)
	}
	p := &PublicIdentity{X25519Pub: w.X25519Pub, Ed25519Pub: w.Ed25519Pub, Hash: w.Hash}
	want := hashOf(publicForm(p.X25519Pub, p.Ed25519Pub))
	if want != p.Hash {
		return nil, fmt.Errorf("identity: %w: hash mismatch", ErrInvalidSignature)
	}
	return p, nil
}
