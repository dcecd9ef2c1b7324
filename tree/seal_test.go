package tree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealDeterministic(t *testing.T) {
	assert := assert.New(t)

	secrets, err := RandomSecrets()
	require.NoError(t, err)
	kr, err := newKeyring(secrets, unitNonce)
	require.NoError(t, err)

	plain := []byte("some payload")
	a := kr.leafValues.seal(plain)
	b := kr.leafValues.seal(plain)
	assert.Equal(a, b)
	assert.False(bytes.Contains(a, plain))

	out, err := kr.leafValues.open(a)
	require.NoError(t, err)
	assert.Equal(plain, out)

	// payload kinds are not interchangeable, even under one key
	_, err = kr.leafIndex.open(a)
	assert.Error(err)

	c := kr.leafValues.seal([]byte("some payloae"))
	assert.NotEqual(a[:24], c[:24])

	_, err = kr.leafValues.open(a[:10])
	assert.Error(err)
}

func TestSealIsolation(t *testing.T) {
	assert := assert.New(t)

	s1 := NewSecrets([32]byte{1}, [32]byte{2})
	s2 := NewSecrets([32]byte{1}, [32]byte{3})
	plain := []byte("payload")

	k1, err := newKeyring(s1, unitNonce)
	require.NoError(t, err)
	k2, err := newKeyring(s2, unitNonce)
	require.NoError(t, err)
	k3, err := newKeyring(s1, keyedNonce)
	require.NoError(t, err)

	// index keys match, value keys do not
	sealed := k1.leafIndex.seal(plain)
	_, err = k2.leafIndex.open(sealed)
	assert.NoError(err)
	_, err = k2.leafValues.open(k1.leafValues.seal(plain))
	assert.Error(err)

	// same secrets, other nonce
	_, err = k3.leafIndex.open(sealed)
	assert.Error(err)

	assert.Equal(k1.fingerprint, k2.fingerprint)
	assert.NotEqual(k1.fingerprint, k3.fingerprint)
}

func TestCompressRoundTrip(t *testing.T) {
	assert := assert.New(t)

	data := bytes.Repeat([]byte("abcdefgh"), 1000)
	for _, level := range []int{1, 3, 10, 19} {
		c, err := compress(level, data)
		require.NoError(t, err)
		assert.Less(len(c), len(data))

		again, err := compress(level, data)
		require.NoError(t, err)
		assert.Equal(c, again)

		out, err := decompress(c)
		require.NoError(t, err)
		assert.Equal(data, out)
	}

	_, err := decompress([]byte("definitely not zstd"))
	assert.Error(err)
}
