package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"anvil/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) [KeySize]byte {
	var k [KeySize]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

func TestCodec_EncodeDecodeRoundtrip(t *testing.T) {
	for _, alg := range []AEADAlgorithm{AlgorithmAESGCM, AlgorithmChaCha20Poly1305} {
		t.Run(string(alg), func(t *testing.T) {
			key := testKey(t)
			c, err := New(Params{Key: key, Algorithm: alg, DataShards: 4, ParityShards: 2, StripeSize: DefaultStripeSize})
			require.NoError(t, err)

			plaintext := []byte("Hello, Anvil!\n")
			nonce, err := NewNonce()
			require.NoError(t, err)

			encoded, err := c.EncodeStripe(plaintext, nonce, "bucket", "key")
			require.NoError(t, err)
			assert.Len(t, encoded.Shards, 6)

			got, err := c.DecodeStripe(encoded.Shards, nonce, encoded.CiphertextLen, encoded.PlaintextLen, "bucket", "key")
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestCodec_DecodeWithMissingParityShards(t *testing.T) {
	key := testKey(t)
	c, err := New(Params{Key: key, Algorithm: AlgorithmAESGCM, DataShards: 4, ParityShards: 2, StripeSize: DefaultStripeSize})
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("x"), 10000)
	nonce, err := NewNonce()
	require.NoError(t, err)

	encoded, err := c.EncodeStripe(plaintext, nonce, "b", "k")
	require.NoError(t, err)

	// Drop up to m=2 shards; reconstruction must still succeed.
	partial := make([][]byte, len(encoded.Shards))
	copy(partial, encoded.Shards)
	partial[0] = nil
	partial[3] = nil

	got, err := c.DecodeStripe(partial, nonce, encoded.CiphertextLen, encoded.PlaintextLen, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCodec_DecodeFailsWithFewerThanKShards(t *testing.T) {
	key := testKey(t)
	c, err := New(Params{Key: key, Algorithm: AlgorithmAESGCM, DataShards: 4, ParityShards: 2, StripeSize: DefaultStripeSize})
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("y"), 5000)
	nonce, err := NewNonce()
	require.NoError(t, err)

	encoded, err := c.EncodeStripe(plaintext, nonce, "b", "k")
	require.NoError(t, err)

	partial := make([][]byte, len(encoded.Shards))
	copy(partial, encoded.Shards)
	// Drop three of six shards (m+1) — below k.
	partial[0] = nil
	partial[3] = nil
	partial[4] = nil

	_, err = c.DecodeStripe(partial, nonce, encoded.CiphertextLen, encoded.PlaintextLen, "b", "k")
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))
}

func TestCodec_WrongAssociatedDataFailsAuth(t *testing.T) {
	key := testKey(t)
	c, err := New(Params{Key: key, Algorithm: AlgorithmAESGCM, DataShards: 4, ParityShards: 2, StripeSize: DefaultStripeSize})
	require.NoError(t, err)

	plaintext := []byte("secret stripe")
	nonce, err := NewNonce()
	require.NoError(t, err)

	encoded, err := c.EncodeStripe(plaintext, nonce, "bucket-a", "key-a")
	require.NoError(t, err)

	_, err = c.DecodeStripe(encoded.Shards, nonce, encoded.CiphertextLen, encoded.PlaintextLen, "bucket-b", "key-a")
	require.Error(t, err)
	assert.Equal(t, errs.Corrupt, errs.KindOf(err))
}

func TestContentHash_MatchesStreamingHasher(t *testing.T) {
	plaintext := []byte("some plaintext bytes")

	h := NewHasher()
	h.Write(plaintext)
	sum := h.Sum(nil)

	single := ContentHash(plaintext)
	decoded, err := hex.DecodeString(single.String())
	require.NoError(t, err)
	assert.Equal(t, sum, decoded)
}

func TestDeriveStripeNonce_VariesByIndex(t *testing.T) {
	base, err := NewNonce()
	require.NoError(t, err)

	n0 := DeriveStripeNonce(base, 0)
	n1 := DeriveStripeNonce(base, 1)
	assert.NotEqual(t, n0, n1)
	// Index 0 XORs in zero, so it must reproduce the base nonce.
	assert.Equal(t, base, n0)
}
