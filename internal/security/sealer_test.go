package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "0123456789abcdef-master-key"

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer("short")
	assert.ErrorIs(t, err, ErrMasterKeyTooShort)
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(testMasterKey)
	require.NoError(t, err)

	sealed, err := s.Seal("per-key-secret", "key-1")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "per-key-secret")

	opened, err := s.Open(sealed, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "per-key-secret", opened)
}

func TestSealIsRandomized(t *testing.T) {
	s, err := NewSealer(testMasterKey)
	require.NoError(t, err)

	a, err := s.Seal("same", "key-1")
	require.NoError(t, err)
	b, err := s.Seal("same", "key-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenFailures(t *testing.T) {
	s, err := NewSealer(testMasterKey)
	require.NoError(t, err)
	sealed, err := s.Seal("secret", "key-1")
	require.NoError(t, err)

	other, err := NewSealer("another-master-key-000")
	require.NoError(t, err)

	tests := []struct {
		name   string
		sealer *Sealer
		value  string
		id     string
	}{
		{"wrong row id", s, sealed, "key-2"},
		{"wrong master key", other, sealed, "key-1"},
		{"tampered", s, tamper(sealed), "key-1"},
		{"truncated", s, "v1.AAAA", "key-1"},
		{"bad encoding", s, "v1.!!!", "key-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.sealer.Open(tt.value, tt.id)
			assert.Error(t, err)
		})
	}

	_, err = s.Open("plaintext", "key-1")
	assert.ErrorIs(t, err, ErrNotSealed)
}

func TestOpenOrPlain(t *testing.T) {
	s, err := NewSealer(testMasterKey)
	require.NoError(t, err)

	v, err := s.OpenOrPlain("legacy-plaintext", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", v)

	sealed, err := s.Seal("sealed-secret", "key-1")
	require.NoError(t, err)
	v, err = s.OpenOrPlain(sealed, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "sealed-secret", v)

	var none *Sealer
	v, err = none.OpenOrPlain(sealed, "key-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(v, "v1."))
}

// tamper flips one character well inside the ciphertext
func tamper(v string) string {
	b := []byte(v)
	i := len(b) - 10
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}
