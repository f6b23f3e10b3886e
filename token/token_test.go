package token

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, mode := range []Mode{AES128CBC, AES256CBC} {
		key, err := GenerateKey(mode)
		require.NoError(t, err)

		tok := New(key)
		plaintext := bytes.Repeat([]byte{0x41}, 256)

		ct, err := tok.Encrypt(plaintext)
		require.NoError(t, err)

		pt, err := tok.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, plaintext, pt)
	}
}

func TestDecryptFlippedBitFailsHMAC(t *testing.T) {
	key, err := GenerateKey(AES256CBC)
	require.NoError(t, err)
	tok := New(key)

	ct, err := tok.Encrypt([]byte("hello, reticulum"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01

	_, err = tok.Decrypt(ct)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDecryptShortTokenRejected(t *testing.T) {
	key, _ := GenerateKey(AES128CBC)
	tok := New(key)
	_, err := tok.Decrypt(make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmptyPlaintextRoundTrip(t *testing.T) {
	key, _ := GenerateKey(AES128CBC)
	tok := New(key)
	ct, err := tok.Encrypt(nil)
	require.NoError(t, err)
	require.Len(t, ct, MinLength)
	pt, err := tok.Decrypt(ct)
	require.NoError(t, err)
	require.Empty(t, pt)
}

func TestInvalidKeySize(t *testing.T) {
	tok := New(make([]byte, 10))
	_, err := tok.Encrypt([]byte("x"))
	require.ErrorIs(t, err, ErrInvalidKeySize)
}
