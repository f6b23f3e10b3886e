package identity

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	msg := []byte("reticulum unit test message")
	sig := id.Sign(msg)
	require.True(t, id.Public.Verify(msg, sig))

	sig[0] ^= 0xff
	require.False(t, id.Public.Verify(msg, sig))
}

func TestBuildAnnounceValidateRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	destHash := bytes.Repeat([]byte{0x7a}, 10)
	appData := []byte("chat node")

	raw, err := id.BuildAnnounce(destHash, appData)
	require.NoError(t, err)

	pub, gotAppData, err := ValidateAnnounce(destHash, raw)
	require.NoError(t, err)
	require.Equal(t, id.Public.Hash, pub.Hash)
	require.Equal(t, appData, gotAppData)
}

func TestValidateAnnounceRejectsTamperedDestHash(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	destHash := bytes.Repeat([]byte{0x7a}, 10)
	raw, err := id.BuildAnnounce(destHash, []byte("hi"))
	require.NoError(t, err)

	wrongHash := bytes.Repeat([]byte{0x7b}, 10)
	_, _, err = ValidateAnnounce(wrongHash, raw)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateAnnounceRejectsTruncatedPayload(t *testing.T) {
	_, _, err := ValidateAnnounce(bytes.Repeat([]byte{0x01}, 10), []byte("too short"))
	require.ErrorIs(t, err, ErrInvalidAnnounce)
}

func TestEncryptForDecryptRoundTrip(t *testing.T) {
	alice, err := New()
	require.NoError(t, err)
	bob, err := New()
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte{0x41}, 256)
	ct, err := alice.EncryptFor(&bob.Public, plaintext)
	require.NoError(t, err)

	// 32-byte ephemeral pub + 16 IV + padded ciphertext + 32 HMAC.
	require.Greater(t, len(ct), 32+16+len(plaintext)+32-1)

	pt, err := bob.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestDecryptWrongRecipientFails(t *testing.T) {
	alice, err := New()
	require.NoError(t, err)
	bob, err := New()
	require.NoError(t, err)
	eve, err := New()
	require.NoError(t, err)

	ct, err := alice.EncryptFor(&bob.Public, []byte("for bob only"))
	require.NoError(t, err)

	_, err = eve.Decrypt(ct)
	require.Error(t, err)
}

func TestPrivateBytesRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	b := id.PrivateBytes()
	require.Len(t, b, PrivateSize)

	restored, err := FromPrivateBytes(b)
	require.NoError(t, err)
	require.Equal(t, id.Public.Hash, restored.Public.Hash)
	require.Equal(t, id.Public.X25519Pub, restored.Public.X25519Pub)
	require.Equal(t, id.Public.Ed25519Pub, restored.Public.Ed25519Pub)
}

func TestPublicIdentityMarshalRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	b, err := id.Public.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalPublicIdentity(b)
	require.NoError(t, err)
	require.Equal(t, id.Public, *parsed)
}

func TestUnmarshalPublicIdentityRejectsTamperedHash(t *testing.T) {
	id, err := New()
	require.NoError(t, err)
	b, err := id.Public.Marshal()
	require.NoError(t, err)
	b[len(b)-1] ^= 0xff
	_, err = UnmarshalPublicIdentity(b)
	require.Error(t, err)
}
