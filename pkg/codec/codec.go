// Package codec implements the Shard Codec (C1): per-stripe AEAD encryption,
// streaming BLAKE3 content hashing, and Reed-Solomon erasure coding.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"anvil/pkg/errs"
	"anvil/pkg/types"

	"github.com/klauspost/reedsolomon"
	"lukechampine.com/blake3"
)

// AEAD algorithm selector. AES-256-GCM is the default per §4.1; ChaCha20-Poly1305
// is the "equivalent AEAD" alternative the same section allows.
type AEADAlgorithm string

const (
	AlgorithmAESGCM           AEADAlgorithm = "aes-gcm"
	AlgorithmChaCha20Poly1305 AEADAlgorithm = "chacha20poly1305"

	// NonceSize is the AEAD nonce length used by both supported algorithms.
	NonceSize = 12
	// KeySize is the required at-rest encryption key length.
	KeySize = 32
)

// Params configures a Codec instance. DataShards+ParityShards is N, the
// replica count the Placement Engine is asked for.
type Params struct {
	Key         [KeySize]byte
	Algorithm   AEADAlgorithm
	DataShards  int
	ParityShards int
	StripeSize  int // plaintext bytes per stripe, default 256 KiB
}

// DefaultStripeSize is the §4.1 default stripe size.
const DefaultStripeSize = 256 * 1024

// DefaultParams returns the (k=4, m=2) default profile over AES-256-GCM.
func DefaultParams(key [KeySize]byte) Params {
	return Params{
		Key:          key,
		Algorithm:    AlgorithmAESGCM,
		DataShards:   4,
		ParityShards: 2,
		StripeSize:   DefaultStripeSize,
	}
}

// N is the total shard count per stripe (k+m).
func (p Params) N() int { return p.DataShards + p.ParityShards }

// Codec bundles an AEAD cipher with a Reed-Solomon encoder built for one
// (k, m) profile. It is safe for concurrent use.
type Codec struct {
	params Params
	aead   cipher.AEAD
	rs     reedsolomon.Encoder
}

// New builds a Codec for the given parameters.
func New(p Params) (*Codec, error) {
	aead, err := newAEAD(p.Algorithm, p.Key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	rs, err := reedsolomon.New(p.DataShards, p.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("codec: building reed-solomon encoder: %w", err)
	}
	return &Codec{params: p, aead: aead, rs: rs}, nil
}

func newAEAD(alg AEADAlgorithm, key [KeySize]byte) (cipher.AEAD, error) {
	switch alg {
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key[:])
	case AlgorithmAESGCM, "":
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("creating aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("unknown AEAD algorithm %q", alg)
	}
}

// Params returns the codec's configuration.
func (c *Codec) Params() Params { return c.params }

// NewHasher returns a fresh streaming BLAKE3 hasher over the plaintext. The
// Ingest Coordinator feeds every stripe of plaintext through one hasher for
// the lifetime of a single write and finalizes it once the input stream is
// exhausted; the Read Coordinator does the same in reverse while
// reconstructing.
func NewHasher() *blake3.Hasher { return blake3.New(32, nil) }

// ContentHash hashes a complete plaintext buffer in one call. Used for
// single-node-mode objects small enough to sit in memory, and by tests.
func ContentHash(plaintext []byte) types.Hash {
	sum := blake3.Sum256(plaintext)
	return types.Hash(fmt.Sprintf("%x", sum))
}

// EncodedStripe is the output of EncodeStripe: the shard payloads plus the
// bookkeeping the Read Coordinator needs to invert the transform.
type EncodedStripe struct {
	Shards        [][]byte // length N = k+m; data shards first, then parity
	Nonce         [NonceSize]byte
	PlaintextLen  int // true plaintext length of this stripe (last stripe may be short)
	CiphertextLen int // ciphertext length before erasure padding
}

// EncodeStripe encrypts plaintext with a per-object nonce and associated
// data binding the ciphertext to (bucket, key), then erasure-codes the
// result into k data shards and m parity shards of equal length.
func (c *Codec) EncodeStripe(plaintext []byte, nonce [NonceSize]byte, bucket, key string) (*EncodedStripe, error) {
	ad := associatedData(bucket, key)
	ciphertext := c.aead.Seal(nil, nonce[:], plaintext, ad)

	shards, err := c.rs.Split(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("codec: splitting stripe: %w", err)
	}
	if err := c.rs.Encode(shards); err != nil {
		return nil, fmt.Errorf("codec: encoding parity: %w", err)
	}

	return &EncodedStripe{
		Shards:        shards,
		Nonce:         nonce,
		PlaintextLen:  len(plaintext),
		CiphertextLen: len(ciphertext),
	}, nil
}

// DecodeStripe reconstructs a stripe from a partial shard set (nil entries
// are absent shards) and returns the original plaintext. It requires at
// least k of the k+m shards to be non-nil.
func (c *Codec) DecodeStripe(shards [][]byte, nonce [NonceSize]byte, ciphertextLen, plaintextLen int, bucket, key string) ([]byte, error) {
	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < c.params.DataShards {
		return nil, errs.New(errs.Unavailable, "fewer than k shards available for stripe")
	}

	if err := c.rs.Reconstruct(shards); err != nil {
		return nil, errs.Wrap(errs.Internal, "reed-solomon reconstruction failed", err)
	}

	buf := make([]byte, 0, ciphertextLen)
	writer := &sliceWriter{buf: &buf}
	if err := c.rs.Join(writer, shards, ciphertextLen); err != nil {
		return nil, errs.Wrap(errs.Internal, "reassembling stripe", err)
	}

	ad := associatedData(bucket, key)
	plaintext, err := c.aead.Open(nil, nonce[:], buf, ad)
	if err != nil {
		return nil, errs.Wrap(errs.Corrupt, "AEAD verification failed", err)
	}
	if len(plaintext) < plaintextLen {
		return nil, errs.New(errs.Corrupt, "decoded stripe shorter than recorded plaintext length")
	}
	return plaintext[:plaintextLen], nil
}

// NewNonce draws a fresh random nonce. Callers must use a distinct nonce per
// object; reusing one under the same key breaks AEAD confidentiality.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("codec: drawing nonce: %w", err)
	}
	return n, nil
}

// DeriveStripeNonce mixes a per-object base nonce (the one persisted on
// the object row, per §4.1's "fresh nonce is derived per object") with a
// stripe index so every stripe's AEAD call still uses a distinct nonce:
// reusing one nonce across every Seal call for the same key would break
// AEAD confidentiality even though only one nonce is stored per object.
func DeriveStripeNonce(base [NonceSize]byte, stripeIndex int) [NonceSize]byte {
	n := base
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(stripeIndex))
	for i := 0; i < 4; i++ {
		n[NonceSize-4+i] ^= idx[i]
	}
	return n
}

func associatedData(bucket, key string) []byte {
	return []byte(bucket + "\x00" + key)
}

// sliceWriter adapts a *[]byte to io.Writer for reedsolomon.Encoder.Join,
// which otherwise wants a destination stream.
type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
