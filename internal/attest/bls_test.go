package attest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generate(t *testing.T) *KeyPair {
	t.Helper()

	key, _, err := Generate()
	require.NoError(t, err)

	return key
}

// TestSignVerify tests basic sign and verify.
func TestSignVerify(t *testing.T) {
	key := generate(t)

	message := []byte("checkpoint digest")
	signature := key.Sign(message)

	assert.Len(t, signature, SignatureSize)
	assert.NoError(t, Verify(signature, message, key.PublicKey()))
}

// TestVerifyWrongMessage tests verification with a tampered message.
func TestVerifyWrongMessage(t *testing.T) {
	key := generate(t)

	signature := key.Sign([]byte("round 10"))

	assert.ErrorIs(t, Verify(signature, []byte("round 11"), key.PublicKey()), ErrBadSignature)
}

// TestVerifyWrongKey tests verification with another signer's key.
func TestVerifyWrongKey(t *testing.T) {
	key1, key2 := generate(t), generate(t)

	message := []byte("checkpoint digest")
	signature := key1.Sign(message)

	assert.Error(t, Verify(signature, message, key2.PublicKey()))
}

// TestVerifyMalformedInput tests size checks.
func TestVerifyMalformedInput(t *testing.T) {
	key := generate(t)

	assert.Error(t, Verify([]byte{1, 2, 3}, []byte("m"), key.PublicKey()), "short signature")
	assert.Error(t, Verify(make([]byte, SignatureSize), []byte("m"), []byte{1}), "short public key")
}

// TestFromSeedDeterministic tests that a seed produces the same key.
func TestFromSeedDeterministic(t *testing.T) {
	seed := make([]byte, SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	k1, err := FromSeed(seed)
	require.NoError(t, err)

	k2, err := FromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, k1.PublicKey(), k2.PublicKey())

	_, err = FromSeed(seed[:16])
	assert.Error(t, err, "short seed")
}

// TestLoadOrGeneratePersists tests the on-disk seed round trip.
func TestLoadOrGeneratePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attest.key")

	k1, err := LoadOrGenerate(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	k2, err := LoadOrGenerate(path)
	require.NoError(t, err)

	assert.Equal(t, k1.PublicKey(), k2.PublicKey())
}

func TestBitmapRoundTrip(t *testing.T) {
	indices := []int{0, 3, 8, 17}
	bitmap := BuildBitmap(append(indices, -1, 40), 20)

	require.Len(t, bitmap, 3)
	assert.Equal(t, indices, ParseBitmap(bitmap))
}
