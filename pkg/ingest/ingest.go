// Package ingest implements the Ingest Coordinator (C7): the write-path
// state machine that takes a caller's byte stream through AUTHZ, PLACE,
// STAGE, COMMIT, and RECORD, per §4.7.
package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"anvil/pkg/codec"
	"anvil/pkg/errs"
	"anvil/pkg/membership"
	"anvil/pkg/metastore"
	"anvil/pkg/placement"
	"anvil/pkg/shardstore"
	"anvil/pkg/transport"
	"anvil/pkg/types"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"
)

// AuthContext is the minimal caller identity and scope set AUTHZ consults;
// full policy evaluation is out of scope (§1), so this is intentionally
// thin rather than a modeled Policy table.
type AuthContext struct {
	TenantID string
	AppID    string
	Scopes   []string
}

// CanWrite reports whether the context carries a write scope. A zero-value
// AuthContext is treated as a trusted internal caller (e.g. the Task
// Worker), since the excluded gateway is responsible for turning
// end-user credentials into an AuthContext before reaching this layer.
func (a AuthContext) CanWrite() bool {
	if a.TenantID == "" && len(a.Scopes) == 0 {
		return true
	}
	for _, s := range a.Scopes {
		if s == "write" || s == "*" {
			return true
		}
	}
	return false
}

// ObjectMeta carries the caller-supplied attributes of a write.
type ObjectMeta struct {
	ContentType string
	Auth        AuthContext
}

// PutResult is returned on a successful write.
type PutResult struct {
	Size        int64
	ContentHash types.Hash
	ETag        string
}

// bufferDepth bounds the number of stripes the coordinator keeps in
// flight ahead of the slowest peer (§4.7 step 3's default of 4).
const bufferDepth = 4

// Invalidator evicts a cached metadata lookup, implemented by
// pkg/metastore/cache.CachedLookup. Left nil when no cache sits in front of
// LookupObject.
type Invalidator interface {
	Invalidate(ctx context.Context, region, bucketID, key string)
}

// Coordinator drives PutObject/DeleteObject.
type Coordinator struct {
	repo       *metastore.Repository
	store      *shardstore.Store
	codec      *codec.Codec
	placement  *placement.Engine
	table      *membership.Table
	pool       *transport.Pool
	invalidate Invalidator
	logger     *slog.Logger
}

// New builds an Ingest Coordinator.
func New(repo *metastore.Repository, store *shardstore.Store, cdc *codec.Codec, placer *placement.Engine, table *membership.Table, pool *transport.Pool, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{repo: repo, store: store, codec: cdc, placement: placer, table: table, pool: pool, logger: logger}
}

// WithInvalidator attaches the metadata cache so DeleteObject evicts the
// soft-deleted row instead of leaving it to linger for the cache TTL.
func (c *Coordinator) WithInvalidator(inv Invalidator) *Coordinator {
	c.invalidate = inv
	return c
}

type stripePayload struct {
	index   int
	encoded *codec.EncodedStripe
}

// stripeLen records the plaintext/ciphertext lengths of one stripe so the
// shard map can carry them for the Read Coordinator, which needs the exact
// lengths to trim erasure-coding padding and AEAD-open each stripe.
type stripeLen struct {
	PlaintextLen  int
	CiphertextLen int
}

// PutObject runs the full AUTHZ -> PLACE -> STAGE -> COMMIT -> RECORD state
// machine for one write.
func (c *Coordinator) PutObject(ctx context.Context, bucket, key string, meta ObjectMeta, r io.Reader) (PutResult, error) {
	if !meta.Auth.CanWrite() {
		return PutResult{}, errs.New(errs.Forbidden, "caller lacks write scope")
	}
	if !isValidBucketName(bucket) {
		return PutResult{}, errs.New(errs.InvalidArgument, "invalid bucket name")
	}
	if !isValidObjectKey(key) {
		return PutResult{}, errs.New(errs.InvalidArgument, "invalid object key")
	}

	bucketRow, err := c.repo.ResolveBucket(ctx, bucket)
	if err != nil {
		return PutResult{}, err
	}

	n := c.codec.Params().N()
	live := c.table.Live(time.Now())
	peerIDs := make([]types.PeerID, len(live))
	addrByID := make(map[types.PeerID]string, len(live))
	for i, p := range live {
		peerIDs[i] = p.ID
		if len(p.TransportAddrs) > 0 {
			addrByID[p.ID] = p.TransportAddrs[0]
		}
	}
	placed := c.placement.Place(key, peerIDs, n)

	if len(placed) < n {
		c.logger.Info("placement shortfall, falling back to single-node mode", "key", key, "have", len(placed), "want", n)
		return c.putSingleNode(ctx, bucketRow, key, meta, r)
	}

	addrs := make([]string, 0, n)
	for _, p := range placed {
		addr, ok := addrByID[p]
		if !ok {
			c.logger.Warn("placed peer has no known address, falling back to single-node mode", "peer", p)
			return c.putSingleNode(ctx, bucketRow, key, meta, r)
		}
		addrs = append(addrs, addr)
	}

	return c.putDistributed(ctx, bucketRow, key, meta, r, placed, addrs)
}

func (c *Coordinator) putSingleNode(ctx context.Context, bucketRow *metastore.BucketModel, key string, meta ObjectMeta, r io.Reader) (PutResult, error) {
	var uploadID types.UploadID
	if _, err := rand.Read(uploadID[:]); err != nil {
		return PutResult{}, errs.Wrap(errs.Internal, "drawing upload id", err)
	}

	hasher := codec.NewHasher()
	pr, pw := io.Pipe()
	go func() {
		mw := io.MultiWriter(pw, hasher)
		_, err := io.Copy(mw, r)
		pw.CloseWithError(err)
	}()

	handle, err := c.store.Stage(ctx, uploadID, 0, pr)
	if err != nil {
		return PutResult{}, errs.Wrap(errs.StageFailed, "staging single-node object", err)
	}
	size := handle.Length

	sum := hasher.Sum(nil)
	contentHash := types.Hash(hex.EncodeToString(sum))

	if err := c.store.Commit(ctx, uploadID, contentHash, []int{0}); err != nil {
		c.store.Abort(ctx, uploadID, []int{0})
		return PutResult{}, errs.Wrap(errs.CommitFailed, "committing single-node object", err)
	}

	return c.record(ctx, bucketRow, key, meta, contentHash, size, "", [codec.NonceSize]byte{})
}

func (c *Coordinator) putDistributed(ctx context.Context, bucketRow *metastore.BucketModel, key string, meta ObjectMeta, r io.Reader, placed []types.PeerID, addrs []string) (PutResult, error) {
	var uploadID types.UploadID
	if _, err := rand.Read(uploadID[:]); err != nil {
		return PutResult{}, errs.Wrap(errs.Internal, "drawing upload id", err)
	}

	writers := make([]*transport.ShardWriter, len(addrs))
	for i, addr := range addrs {
		cli, err := c.pool.ClientFor(ctx, addr)
		if err != nil {
			c.closeAll(writers)
			return PutResult{}, errs.Wrap(errs.StageFailed, "connecting to peer", err)
		}
		w, err := cli.StageShard(ctx)
		if err != nil {
			c.closeAll(writers)
			return PutResult{}, errs.Wrap(errs.StageFailed, "opening stage stream", err)
		}
		writers[i] = w
	}

	baseNonce, err := codec.NewNonce()
	if err != nil {
		c.closeAll(writers)
		return PutResult{}, errs.Wrap(errs.Internal, "drawing nonce", err)
	}

	hasher := codec.NewHasher()
	var size int64
	var stripeLens []stripeLen

	stripes := make(chan stripePayload, bufferDepth)
	readErrCh := make(chan error, 1)

	go func() {
		defer close(stripes)
		stripeSize := c.codec.Params().StripeSize
		buf := make([]byte, stripeSize)
		idx := 0
		for {
			nRead, readErr := io.ReadFull(r, buf)
			if nRead > 0 {
				hasher.Write(buf[:nRead])
				size += int64(nRead)
				stripeNonce := codec.DeriveStripeNonce(baseNonce, idx)
				encoded, encErr := c.codec.EncodeStripe(buf[:nRead], stripeNonce, bucketRow.Name, key)
				if encErr != nil {
					readErrCh <- encErr
					return
				}
				stripes <- stripePayload{index: idx, encoded: encoded}
				idx++
			}
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				readErrCh <- nil
				return
			}
			if readErr != nil {
				readErrCh <- readErr
				return
			}
		}
	}()

	for payload := range stripes {
		stripeLens = append(stripeLens, stripeLen{
			PlaintextLen:  payload.encoded.PlaintextLen,
			CiphertextLen: payload.encoded.CiphertextLen,
		})
		g, gctx := errgroup.WithContext(ctx)
		for i, w := range writers {
			i, w := i, w
			shardData := payload.encoded.Shards[i]
			globalIndex := payload.index*len(writers) + i
			g.Go(func() error {
				_ = gctx
				return w.Send(uploadID, int32(globalIndex), shardData)
			})
		}
		if err := g.Wait(); err != nil {
			c.closeAll(writers)
			return PutResult{}, errs.Wrap(errs.StageFailed, "staging stripe", err)
		}
	}

	if err := <-readErrCh; err != nil {
		c.closeAll(writers)
		return PutResult{}, errs.Wrap(errs.StageFailed, "reading input stream", err)
	}

	for _, w := range writers {
		if _, err := w.CloseAndRecv(); err != nil {
			c.closeAll(writers)
			return PutResult{}, errs.Wrap(errs.StageFailed, "closing stage stream", err)
		}
	}

	sum := hasher.Sum(nil)
	contentHash := types.Hash(hex.EncodeToString(sum))
	hashWire := transport.HashToWire(contentHash)

	totalShards := len(stripeLens) * len(addrs)
	commitGroup, commitCtx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		commitGroup.Go(func() error {
			cli, err := c.pool.ClientFor(commitCtx, addr)
			if err != nil {
				return err
			}
			for idx := i; idx < totalShards; idx += len(addrs) {
				if _, err := cli.CommitShard(commitCtx, &transport.CommitShardRequest{
					UploadID:         [16]byte(uploadID),
					FinalContentHash: hashWire,
					Index:            int32(idx),
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := commitGroup.Wait(); err != nil {
		c.abortShards(ctx, addrs, hashWire, totalShards)
		return PutResult{}, errs.Wrap(errs.StageFailed, "committing shards", err)
	}

	shardMap, err := encodeShardMap(stripeLens, placed)
	if err != nil {
		return PutResult{}, errs.Wrap(errs.Internal, "encoding shard map", err)
	}

	return c.record(ctx, bucketRow, key, meta, contentHash, size, shardMap, baseNonce)
}

func (c *Coordinator) closeAll(writers []*transport.ShardWriter) {
	for _, w := range writers {
		if w != nil {
			w.Close()
		}
	}
}

// abortShards best-effort removes any shards peers already committed
// before a sibling peer's CommitShard failed, per §5's ABORT step. Shards
// a peer only staged (never committed) are left alone; each peer's own
// staging-TTL sweep reclaims those without a second RPC.
func (c *Coordinator) abortShards(ctx context.Context, addrs []string, hashWire []byte, totalShards int) {
	var wg sync.WaitGroup
	for i, addr := range addrs {
		i, addr := i, addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			cli, err := c.pool.ClientFor(ctx, addr)
			if err != nil {
				c.logger.Debug("abort: dialing peer failed", "addr", addr, "error", err)
				return
			}
			for idx := i; idx < totalShards; idx += len(addrs) {
				if err := cli.RemoveShard(ctx, &transport.RemoveShardRequest{ContentHash: hashWire, Index: int32(idx)}); err != nil {
					c.logger.Debug("abort: removing shard failed", "addr", addr, "index", idx, "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

func (c *Coordinator) record(ctx context.Context, bucketRow *metastore.BucketModel, key string, meta ObjectMeta, contentHash types.Hash, size int64, shardMap string, nonce [codec.NonceSize]byte) (PutResult, error) {
	row := &metastore.ObjectModel{
		ID:          newID(),
		BucketID:    bucketRow.ID,
		Key:         key,
		ContentHash: contentHash.String(),
		Size:        size,
		ETag:        contentHash.String(),
		ContentType: meta.ContentType,
		ShardMap:    shardMap,
		Nonce:       hex.EncodeToString(nonce[:]),
		CreatedAt:   time.Now(),
	}

	inserted, err := c.repo.InsertObject(ctx, bucketRow.Region, row)
	if err != nil {
		return PutResult{}, err
	}

	return PutResult{Size: inserted.Size, ContentHash: types.Hash(inserted.ContentHash), ETag: inserted.ETag}, nil
}

// DeleteObject soft-deletes the row and enqueues asynchronous shard
// cleanup, per §4.9's DELETE_OBJECT task.
func (c *Coordinator) DeleteObject(ctx context.Context, bucket, key string) error {
	if !isValidBucketName(bucket) {
		return errs.New(errs.InvalidArgument, "invalid bucket name")
	}
	if !isValidObjectKey(key) {
		return errs.New(errs.InvalidArgument, "invalid object key")
	}

	bucketRow, err := c.repo.ResolveBucket(ctx, bucket)
	if err != nil {
		return err
	}
	row, err := c.repo.LookupObject(ctx, bucketRow.Region, bucketRow.ID, key)
	if err != nil {
		return err
	}
	if err := c.repo.SoftDeleteObject(ctx, bucketRow.Region, row.ID); err != nil {
		return err
	}
	if c.invalidate != nil {
		c.invalidate.Invalidate(ctx, bucketRow.Region, bucketRow.ID, key)
	}
	payload := fmt.Sprintf(`{"object_id":%q,"region":%q}`, row.ID, bucketRow.Region)
	return c.repo.EnqueueTask(ctx, metastore.TaskDeleteObject, payload, 5)
}

func newID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// shardMapEntry is one CBOR-encoded stripe's placement and framing. The
// placement decision is fixed for the whole object (§4.3's fallback is
// object-level, not per-stripe), so every entry repeats the same peer list
// under a distinct stripe index; PlaintextLen/CiphertextLen let the Read
// Coordinator trim erasure padding and size its AEAD-open buffer exactly,
// and the per-stripe nonce is re-derived from the object's base nonce via
// codec.DeriveStripeNonce rather than stored again.
type shardMapEntry struct {
	StripeIndex   int            `cbor:"stripe_index"`
	Peers         []types.PeerID `cbor:"peers"`
	PlaintextLen  int            `cbor:"plaintext_len"`
	CiphertextLen int            `cbor:"ciphertext_len"`
}

func encodeShardMap(stripeLens []stripeLen, placed []types.PeerID) (string, error) {
	entries := make([]shardMapEntry, len(stripeLens))
	for i, sl := range stripeLens {
		entries[i] = shardMapEntry{
			StripeIndex:   i,
			Peers:         placed,
			PlaintextLen:  sl.PlaintextLen,
			CiphertextLen: sl.CiphertextLen,
		}
	}
	b, err := cbor.Marshal(entries)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
