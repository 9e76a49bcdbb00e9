package kurir

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustKey(t testing.TB, id string) Key {
	t.Helper()
	k, err := NewKey(id, bytes.Repeat([]byte(id[:1]), 32), time.Time{})
	require.NoError(t, err)
	return k
}

func verificationReason(t *testing.T, err error) string {
	t.Helper()
	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, errors.Is(err, ErrVerification))
	return ve.Reason
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := mustKey(t, "k1")
	sealed, err := Seal([]byte("hello"), key)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hello")

	plain, err := Open(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
}

func TestSealUsesFreshNonces(t *testing.T) {
	key := mustKey(t, "k1")
	a, err := Seal([]byte("same"), key)
	require.NoError(t, err)
	b, err := Seal([]byte("same"), key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenDetectsTampering(t *testing.T) {
	key := mustKey(t, "k1")
	sealed, err := Seal([]byte("payload to protect"), key)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		reason string
	}{
		{"version", func(b []byte) []byte { b[0] = 9; return b }, "unsupported version 9"},
		{"key id", func(b []byte) []byte { b[2] = 'x'; return b }, ReasonKeyMismatch},
		{"nonce", func(b []byte) []byte { b[5] ^= 0xff; return b }, ReasonBadTag},
		{"ciphertext", func(b []byte) []byte { b[len(b)-20] ^= 0x01; return b }, ReasonBadTag},
		{"tag", func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }, ReasonBadTag},
		{"truncated", func(b []byte) []byte { return b[:20] }, ReasonTruncated},
		{"empty", func(b []byte) []byte { return nil }, ReasonTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain, err := Open(tt.mutate(bytes.Clone(sealed)), key)
			assert.Nil(t, plain)
			assert.Equal(t, tt.reason, verificationReason(t, err))
		})
	}
}

func TestOpenWithWrongSecret(t *testing.T) {
	key := mustKey(t, "k1")
	sealed, err := Seal([]byte("x"), key)
	require.NoError(t, err)

	impostor, err := NewKey("k1", bytes.Repeat([]byte{7}, 32), time.Time{})
	require.NoError(t, err)
	_, err = Open(sealed, impostor)
	assert.Equal(t, ReasonBadTag, verificationReason(t, err))
}

func TestExpiredKey(t *testing.T) {
	key, err := NewKey("old", bytes.Repeat([]byte{1}, 32), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = Seal([]byte("x"), key)
	assert.Error(t, err)

	live := key
	live.NotAfter = time.Time{}
	sealed, err := Seal([]byte("x"), live)
	require.NoError(t, err)

	_, err = Open(sealed, key)
	assert.Equal(t, ReasonKeyExpired, verificationReason(t, err))
}

func TestNewKeyValidation(t *testing.T) {
	_, err := NewKey("", bytes.Repeat([]byte{1}, 32), time.Time{})
	assert.Error(t, err)
	_, err = NewKey("short", []byte("tiny"), time.Time{})
	assert.Error(t, err)

	k, err := GenerateKey("gen", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "gen", k.ID)
}

func TestKeyringRotation(t *testing.T) {
	k1 := mustKey(t, "k1")
	k2 := mustKey(t, "k2")

	kr, err := NewKeyring(k1)
	require.NoError(t, err)
	old, err := kr.Seal([]byte("before"))
	require.NoError(t, err)

	require.NoError(t, kr.Rotate(k2))
	assert.Equal(t, "k2", kr.ActiveID())
	fresh, err := kr.Seal([]byte("after"))
	require.NoError(t, err)

	plain, err := kr.Open(old)
	require.NoError(t, err)
	assert.Equal(t, "before", string(plain))
	plain, err = kr.Open(fresh)
	require.NoError(t, err)
	assert.Equal(t, "after", string(plain))

	assert.Error(t, kr.Remove("k2"))
	require.NoError(t, kr.Remove("k1"))
	_, err = kr.Open(old)
	assert.Equal(t, ReasonUnknownKey, verificationReason(t, err))
}

func TestSealOpenProperty(t *testing.T) {
	key := mustKey(t, "prop")
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOf(rapid.Byte()).Draw(t, "payload")
		sealed, err := Seal(payload, key)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		plain, err := Open(sealed, key)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(plain, payload) {
			t.Fatalf("round trip mismatch")
		}

		i := rapid.IntRange(0, len(sealed)-1).Draw(t, "flip")
		sealed[i] ^= 0x80
		if _, err := Open(sealed, key); !errors.Is(err, ErrVerification) {
			t.Fatalf("flipped byte %d accepted", i)
		}
	})
}
