package keystore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = bytes.Repeat([]byte("k"), 32)

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer(testSecret)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("root key"), []byte("root-1"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "root key")

	plain, err := s.Open(sealed, []byte("root-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("root key"), plain)
}

func TestSealerUsesFreshNonces(t *testing.T) {
	s, err := NewSealer(testSecret)
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"), nil)
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealerRejectsTampering(t *testing.T) {
	s, err := NewSealer(testSecret)
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("root key"), []byte("root-1"))
	require.NoError(t, err)

	t.Run("wrong additional data", func(t *testing.T) {
		_, err := s.Open(sealed, []byte("root-2"))
		assert.ErrorIs(t, err, ErrSealedDataInvalid)
	})

	t.Run("flipped byte", func(t *testing.T) {
		tampered := bytes.Clone(sealed)
		tampered[len(tampered)-1] ^= 0xff
		_, err := s.Open(tampered, []byte("root-1"))
		assert.ErrorIs(t, err, ErrSealedDataInvalid)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := s.Open(sealed[:10], []byte("root-1"))
		assert.ErrorIs(t, err, ErrSealedDataInvalid)
	})

	t.Run("different master secret", func(t *testing.T) {
		other, err := NewSealer(bytes.Repeat([]byte("x"), 32))
		require.NoError(t, err)
		_, err = other.Open(sealed, []byte("root-1"))
		assert.ErrorIs(t, err, ErrSealedDataInvalid)
	})
}

func TestNewSealerRequiresLongSecret(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}
