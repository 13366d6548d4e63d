// Package read implements the Read Coordinator (C8): metadata lookup,
// concurrent shard collection from local storage and peers, codec
// reconstruction, and hash verification, per §4.8.
package read

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"anvil/pkg/codec"
	"anvil/pkg/errs"
	"anvil/pkg/metastore"
	"anvil/pkg/shardstore"
	"anvil/pkg/transport"
	"anvil/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// ObjectMeta is returned alongside a GetObject/HeadObject call.
type ObjectMeta struct {
	Size        int64
	ContentHash types.Hash
	ETag        string
	ContentType string
}

// shardMapEntry mirrors the layout the Ingest Coordinator writes into
// ObjectModel.ShardMap; the per-stripe nonce is not stored directly but
// re-derived from the object's base nonce via codec.DeriveStripeNonce.
type shardMapEntry struct {
	StripeIndex   int            `cbor:"stripe_index"`
	Peers         []types.PeerID `cbor:"peers"`
	PlaintextLen  int            `cbor:"plaintext_len"`
	CiphertextLen int            `cbor:"ciphertext_len"`
}

// ObjectLookuper resolves an object row for (region, bucketID, key).
// *metastore.Repository satisfies it directly; metastore/cache.CachedLookup
// satisfies it too, letting callers drop a Redis read-through cache in
// front of the lookup path (§4.6) without this package knowing about Redis.
type ObjectLookuper interface {
	LookupObject(ctx context.Context, region, bucketID, key string) (*metastore.ObjectModel, error)
}

// PeerAddrResolver resolves a peer id to its current transport address,
// typically backed by the same membership.Table the Ingest Coordinator
// reads so address changes are picked up without rebuilding the
// Coordinator.
type PeerAddrResolver func(types.PeerID) (string, bool)

// Coordinator drives GetObject/HeadObject.
type Coordinator struct {
	repo      *metastore.Repository
	lookup    ObjectLookuper
	store     shardstore.Backend
	codec     *codec.Codec
	pool      *transport.Pool
	localID   types.PeerID
	peerAddrs PeerAddrResolver
	logger    *slog.Logger
}

// New builds a Read Coordinator. lookup resolves object rows and may be repo
// itself or a cache.CachedLookup wrapping it.
func New(repo *metastore.Repository, lookup ObjectLookuper, store shardstore.Backend, cdc *codec.Codec, pool *transport.Pool, localID types.PeerID, peerAddrs PeerAddrResolver, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if lookup == nil {
		lookup = repo
	}
	return &Coordinator{repo: repo, lookup: lookup, store: store, codec: cdc, pool: pool, localID: localID, peerAddrs: peerAddrs, logger: logger}
}

// HeadObject resolves metadata without reading any shard bytes.
func (c *Coordinator) HeadObject(ctx context.Context, bucket, key string) (ObjectMeta, error) {
	bucketRow, err := c.repo.ResolveBucket(ctx, bucket)
	if err != nil {
		return ObjectMeta{}, err
	}
	row, err := c.lookup.LookupObject(ctx, bucketRow.Region, bucketRow.ID, key)
	if err != nil {
		return ObjectMeta{}, err
	}
	return toMeta(row), nil
}

// GetObject resolves metadata, reconstructs the object's bytes (from local
// disk in single-node mode, or by fetching and decoding shards
// otherwise), and streams them to w.
func (c *Coordinator) GetObject(ctx context.Context, bucket, key string, version *string, w io.Writer) (ObjectMeta, error) {
	bucketRow, err := c.repo.ResolveBucket(ctx, bucket)
	if err != nil {
		return ObjectMeta{}, err
	}
	row, err := c.lookup.LookupObject(ctx, bucketRow.Region, bucketRow.ID, key)
	if err != nil {
		return ObjectMeta{}, err
	}
	meta := toMeta(row)

	if row.ShardMap == "" {
		return meta, c.readSingleNode(ctx, row, w)
	}
	return meta, c.readDistributed(ctx, bucketRow, row, w)
}

func (c *Coordinator) readSingleNode(ctx context.Context, row *metastore.ObjectModel, w io.Writer) error {
	contentHash := types.Hash(row.ContentHash)
	rc, err := c.store.Read(ctx, contentHash, 0)
	if err != nil {
		if err == shardstore.ErrNotFound {
			return errs.New(errs.Corrupt, "object row has no matching local shard")
		}
		return errs.Wrap(errs.Internal, "reading single-node object", err)
	}
	defer rc.Close()

	hasher := codec.NewHasher()
	mw := io.MultiWriter(w, hasher)
	if _, err := io.Copy(mw, rc); err != nil {
		return errs.Wrap(errs.Internal, "streaming single-node object", err)
	}
	if hex.EncodeToString(hasher.Sum(nil)) != row.ContentHash {
		return errs.New(errs.Corrupt, "reconstructed content hash does not match stored hash")
	}
	return nil
}

func (c *Coordinator) readDistributed(ctx context.Context, bucketRow *metastore.BucketModel, row *metastore.ObjectModel, w io.Writer) error {
	var entries []shardMapEntry
	raw, err := hex.DecodeString(row.ShardMap)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "decoding shard map hex", err)
	}
	if err := cbor.Unmarshal(raw, &entries); err != nil {
		return errs.Wrap(errs.Corrupt, "decoding shard map", err)
	}

	baseNonceRaw, err := hex.DecodeString(row.Nonce)
	if err != nil || len(baseNonceRaw) != codec.NonceSize {
		return errs.Wrap(errs.Corrupt, "decoding object base nonce", err)
	}
	var baseNonce [codec.NonceSize]byte
	copy(baseNonce[:], baseNonceRaw)

	contentHash := types.Hash(row.ContentHash)
	n := c.codec.Params().N()
	k := c.codec.Params().DataShards
	hasher := codec.NewHasher()

	for _, entry := range entries {
		if len(entry.Peers) != n {
			return errs.New(errs.Corrupt, "shard map stripe has wrong peer count")
		}
		stripeNonce := codec.DeriveStripeNonce(baseNonce, entry.StripeIndex)
		stripeBytes, err := c.fetchAndDecodeStripe(ctx, contentHash, entry, stripeNonce, k, bucketRow.Name, row.Key)
		if err != nil {
			return err
		}
		if _, err := w.Write(stripeBytes); err != nil {
			return fmt.Errorf("read: writing stripe to caller: %w", err)
		}
		hasher.Write(stripeBytes)
	}

	if hex.EncodeToString(hasher.Sum(nil)) != row.ContentHash {
		return errs.New(errs.Corrupt, "reconstructed content hash does not match stored hash")
	}
	return nil
}

// fetchAndDecodeStripe launches up to k+1 concurrent shard fetches
// (local-first, then remote in shard-map order), stopping as soon as k
// succeed, then reconstructs the stripe.
func (c *Coordinator) fetchAndDecodeStripe(ctx context.Context, contentHash types.Hash, entry shardMapEntry, nonce [codec.NonceSize]byte, k int, bucket, key string) ([]byte, error) {
	n := len(entry.Peers)
	shards := make([][]byte, n)

	type fetchResult struct {
		index int
		data  []byte
		err   error
	}
	results := make(chan fetchResult, n)

	fetchOne := func(idx int, peer types.PeerID) {
		globalIndex := entry.StripeIndex*n + idx
		if peer == c.localID {
			rc, err := c.store.Read(ctx, contentHash, globalIndex)
			if err != nil {
				results <- fetchResult{idx, nil, err}
				return
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			results <- fetchResult{idx, data, err}
			return
		}

		addr, ok := c.peerAddrs(peer)
		if !ok {
			results <- fetchResult{idx, nil, fmt.Errorf("no known address for peer %s", peer)}
			return
		}
		cli, err := c.pool.ClientFor(ctx, addr)
		if err != nil {
			results <- fetchResult{idx, nil, err}
			return
		}
		var buf bytes.Buffer
		err = cli.FetchShard(ctx, &transport.FetchShardRequest{
			ContentHash: transport.HashToWire(contentHash),
			Index:       int32(globalIndex),
		}, func(chunk []byte) error {
			_, werr := buf.Write(chunk)
			return werr
		})
		results <- fetchResult{idx, buf.Bytes(), err}
	}

	// Fetch order prefers the local shard (free, no RPC) before any remote
	// peer, then falls back to the remaining peers in shard-map order.
	order := make([]int, 0, n)
	localIdx := -1
	for idx, peer := range entry.Peers {
		if peer == c.localID {
			localIdx = idx
			continue
		}
		order = append(order, idx)
	}
	if localIdx >= 0 {
		order = append([]int{localIdx}, order...)
	}

	launched := 0
	for launched < k+1 && launched < len(order) {
		idx := order[launched]
		go fetchOne(idx, entry.Peers[idx])
		launched++
	}

	present := 0
	received := 0
	nextToLaunch := launched
	for received < launched {
		res := <-results
		received++
		if res.err == nil {
			shards[res.index] = res.data
			present++
		} else {
			c.logger.Debug("shard fetch failed", "index", res.index, "error", res.err)
			if nextToLaunch < len(order) {
				idx := order[nextToLaunch]
				go fetchOne(idx, entry.Peers[idx])
				nextToLaunch++
				launched++
			}
		}
		if present >= k {
			break
		}
	}

	if present < k {
		return nil, errs.New(errs.Unavailable, "fewer than k shards reachable for stripe")
	}

	return c.codec.DecodeStripe(shards, nonce, entry.CiphertextLen, entry.PlaintextLen, bucket, key)
}

func toMeta(row *metastore.ObjectModel) ObjectMeta {
	return ObjectMeta{
		Size:        row.Size,
		ContentHash: types.Hash(row.ContentHash),
		ETag:        row.ETag,
		ContentType: row.ContentType,
	}
}
