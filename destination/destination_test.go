package destination

import (
	"bytes"
	"testing"

	"github.com/companyzero/rns/identity"
	"github.com/stretchr/testify/require"
)

func TestJoinRejectsDots(t *testing.T) {
	_, err := Join("example.app", "aspect")
	require.ErrorIs(t, err, ErrDotInComponent)

	name, err := Join("example", "aspect.one")
	require.Error(t, err)
	require.Empty(t, name)
}

func TestJoinBuildsDottedName(t *testing.T) {
	name, err := Join("example", "one", "two")
	require.NoError(t, err)
	require.Equal(t, "example.one.two", name)
}

func TestHashOfIsDeterministicAndIdentityBound(t *testing.T) {
	h1, err := HashOf("example", []byte("identity-a"), "aspect")
	require.NoError(t, err)
	h2, err := HashOf("example", []byte("identity-a"), "aspect")
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	h3, err := HashOf("example", []byte("identity-b"), "aspect")
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestSingleDestinationRoundTrip(t *testing.T) {
	alice, err := identity.New()
	require.NoError(t, err)
	bob, err := identity.New()
	require.NoError(t, err)

	bobIn, err := NewSingleIn(bob, ProveApp, "example", "chat")
	require.NoError(t, err)

	aliceOut, err := NewSingleOut(&bob.Public, "example", "chat")
	require.NoError(t, err)
	require.Equal(t, bobIn.Hash, aliceOut.Hash)

	// SINGLE-OUT traffic is encrypted via the sending Identity directly
	// (Destination.Encrypt alone has no local private identity to encrypt
	// from toward a remote peer); this is the path link construction uses.
	plaintext := []byte("hello bob")
	ct, err := alice.EncryptFor(&bob.Public, plaintext)
	require.NoError(t, err)

	pt, err := bobIn.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestGroupDestinationRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)

	out, err := NewGroup(Out, key, "example", "group")
	require.NoError(t, err)
	in, err := NewGroup(In, key, "example", "group")
	require.NoError(t, err)
	require.Equal(t, out.Hash, in.Hash)

	ct, err := out.Encrypt([]byte("group message"))
	require.NoError(t, err)

	pt, err := in.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("group message"), pt)
}

func TestGroupDestinationIsNotBase64Wrapped(t *testing.T) {
	// spec.md §9: the GROUP path must emit a plain Token envelope, not a
	// base64-encoded one. A base64 encoding of a >=80 byte binary token
	// would be pure printable ASCII; real Token output will not be.
	key := bytes.Repeat([]byte{0x77}, 32)
	d, err := NewGroup(Out, key, "example", "group")
	require.NoError(t, err)

	ct, err := d.Encrypt([]byte("some plaintext long enough to matter"))
	require.NoError(t, err)

	allPrintable := true
	for _, b := range ct {
		if b < 0x20 || b > 0x7e {
			allPrintable = false
			break
		}
	}
	require.False(t, allPrintable, "ciphertext looks base64-wrapped, expected raw bytes")
}

func TestPlainDestinationIsIdentity(t *testing.T) {
	out, err := NewPlain(Out, "example", "broadcast")
	require.NoError(t, err)
	in, err := NewPlain(In, "example", "broadcast")
	require.NoError(t, err)
	require.Equal(t, out.Hash, in.Hash)

	plaintext := []byte("plain payload")
	ct, err := out.Encrypt(plaintext)
	require.NoError(t, err)
	require.Equal(t, plaintext, ct)

	pt, err := in.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestSingleDestinationWithoutKeysFails(t *testing.T) {
	bob, err := identity.New()
	require.NoError(t, err)
	out, err := NewSingleOut(&bob.Public, "example", "chat")
	require.NoError(t, err)

	_, err = out.Encrypt([]byte("no local identity"))
	require.ErrorIs(t, err, ErrNoKeys)
}

func TestBuildAnnounceValidateRoundTrip(t *testing.T) {
	bob, err := identity.New()
	require.NoError(t, err)
	bobIn, err := NewSingleIn(bob, ProveApp, "example", "announce")
	require.NoError(t, err)

	raw, err := bobIn.BuildAnnounce([]byte("here I am"))
	require.NoError(t, err)

	pub, appData, err := ValidateAnnounce(bobIn.Hash, "example", []string{"announce"}, raw)
	require.NoError(t, err)
	require.Equal(t, bob.Public.Hash, pub.Hash)
	require.Equal(t, []byte("here I am"), appData)
}

func TestValidateAnnounceRejectsWrongNamespace(t *testing.T) {
	bob, err := identity.New()
	require.NoError(t, err)
	bobIn, err := NewSingleIn(bob, ProveApp, "example", "announce")
	require.NoError(t, err)

	raw, err := bobIn.BuildAnnounce(nil)
	require.NoError(t, err)

	_, _, err = ValidateAnnounce(bobIn.Hash, "example", []string{"other"}, raw)
	require.ErrorIs(t, err, ErrAnnounceMismatch)
}

func TestBuildAnnounceRequiresSingleInDestination(t *testing.T) {
	bob, err := identity.New()
	require.NoError(t, err)
	out, err := NewSingleOut(&bob.Public, "example", "announce")
	require.NoError(t, err)

	_, err = out.BuildAnnounce(nil)
	require.ErrorIs(t, err, ErrNoKeys)
}

func TestGroupKeyWrongSizeRejected(t *testing.T) {
	_, err := NewGroup(Out, []byte("too short"), "example", "group")
	require.Error(t, err)
}
