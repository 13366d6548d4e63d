// Package worker implements the Task Worker (C9): a background loop that
// claims due tasks from the durable queue and dispatches them to the
// DELETE_OBJECT / DELETE_BUCKET / REBALANCE_SHARD handlers, per §4.9.
package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"anvil/pkg/metastore"
	"anvil/pkg/transport"
	"anvil/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// maxAttempts bounds the exponential-backoff requeue loop for
// DELETE_OBJECT's peer shard removal, per §4.9's "up to the attempt limit".
const maxAttempts = 8

// deleteObjectPayload is the JSON body EnqueueTask stores for a
// DELETE_OBJECT task.
type deleteObjectPayload struct {
	ObjectID string `json:"object_id"`
	Region   string `json:"region"`
}

// deleteBucketPayload is the JSON body for a DELETE_BUCKET task.
type deleteBucketPayload struct {
	BucketID string `json:"bucket_id"`
	Region   string `json:"region"`
}

// shardMapEntry mirrors the ingest/read packages' on-disk shard map layout
// closely enough to recover which peers hold an object's shards; the
// worker only needs the peer list, not the per-stripe framing.
type shardMapEntry struct {
	StripeIndex int            `cbor:"stripe_index"`
	Peers       []types.PeerID `cbor:"peers"`
}

// PeerAddrResolver resolves a peer id to its transport address so the
// worker can issue shard-removal RPCs; deployments typically back this
// with the same membership.Table the coordinators read.
type PeerAddrResolver func(types.PeerID) (string, bool)

// Worker polls the durable task queue and executes due tasks one at a
// time, per node.
type Worker struct {
	repo       *metastore.Repository
	pool       *transport.Pool
	peerAddrs  PeerAddrResolver
	pollEvery  time.Duration
	logger     *slog.Logger
}

// Option configures optional Worker behavior.
type Option func(*Worker)

// WithPollInterval overrides the default 1s poll interval used when no
// task is currently due.
func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.pollEvery = d } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// New builds a Worker.
func New(repo *metastore.Repository, pool *transport.Pool, peerAddrs PeerAddrResolver, opts ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		pool:      pool,
		peerAddrs: peerAddrs,
		pollEvery: time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls for due tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for w.runOnce(ctx) {
				// drain every currently-due task before sleeping again
			}
		}
	}
}

// runOnce claims and executes a single due task. It returns true if a task
// was found (whether or not it succeeded), so Run can keep draining the
// queue without waiting out a full poll interval.
func (w *Worker) runOnce(ctx context.Context) bool {
	task, err := w.repo.FetchDueTask(ctx)
	if err != nil {
		w.logger.Error("fetching due task", "error", err)
		return false
	}
	if task == nil {
		return false
	}

	var dispatchErr error
	switch task.Kind {
	case metastore.TaskDeleteObject:
		dispatchErr = w.handleDeleteObject(ctx, task)
	case metastore.TaskDeleteBucket:
		dispatchErr = w.handleDeleteBucket(ctx, task)
	case metastore.TaskRebalanceShard:
		dispatchErr = nil // reserved; no-op per §1's explicit exclusion
	default:
		dispatchErr = errors.New("unknown task kind " + task.Kind)
	}

	if dispatchErr == nil {
		if err := w.repo.CompleteTask(ctx, task.ID); err != nil {
			w.logger.Error("marking task completed", "task_id", task.ID, "error", err)
		}
		return true
	}

	w.retryOrFail(ctx, task, dispatchErr)
	return true
}

func (w *Worker) retryOrFail(ctx context.Context, task *metastore.TaskModel, cause error) {
	w.logger.Warn("task failed", "task_id", task.ID, "kind", task.Kind, "attempts", task.Attempts, "error", cause)

	if task.Attempts+1 >= maxAttempts {
		if err := w.repo.FailTask(ctx, task.ID, cause.Error()); err != nil {
			w.logger.Error("marking task failed", "task_id", task.ID, "error", err)
		}
		return
	}

	backoff := time.Duration(1<<uint(task.Attempts)) * time.Second
	if err := w.repo.RequeueTask(ctx, task.ID, time.Now().Add(backoff), task.Attempts+1, cause.Error()); err != nil {
		w.logger.Error("requeueing task", "task_id", task.ID, "error", err)
	}
}

// handleDeleteObject removes the object's shards from every peer listed in
// its shard map (best-effort, idempotent on the receiving end per §4.5),
// then hard-deletes the row. A single-node object has no shard map, so only
// the row is deleted; its committed local file is not removed here, and
// the shard store's Sweep only reclaims staging files.
func (w *Worker) handleDeleteObject(ctx context.Context, task *metastore.TaskModel) error {
	var payload deleteObjectPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return err
	}

	row, err := w.repo.GetObjectByID(ctx, payload.Region, payload.ObjectID)
	if err != nil {
		return err
	}

	if row.ShardMap != "" {
		if err := w.removeShards(ctx, row); err != nil {
			return err
		}
	}

	return w.repo.HardDeleteObject(ctx, payload.Region, row.ID)
}

func (w *Worker) removeShards(ctx context.Context, row *metastore.ObjectModel) error {
	raw, err := hex.DecodeString(row.ShardMap)
	if err != nil {
		return err
	}
	var entries []shardMapEntry
	if err := cbor.Unmarshal(raw, &entries); err != nil {
		return err
	}

	hashWire := transport.HashToWire(types.Hash(row.ContentHash))
	for _, entry := range entries {
		n := len(entry.Peers)
		for i, peer := range entry.Peers {
			globalIndex := entry.StripeIndex*n + i
			addr, ok := w.peerAddrs(peer)
			if !ok {
				return errors.New("no known address for peer " + string(peer))
			}
			cli, err := w.pool.ClientFor(ctx, addr)
			if err != nil {
				return err
			}
			if err := cli.RemoveShard(ctx, &transport.RemoveShardRequest{
				ContentHash: hashWire,
				Index:       int32(globalIndex),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleDeleteBucket enumerates the bucket's remaining live object keys,
// enqueues a DELETE_OBJECT task per key, and removes the bucket row once
// every key has a cleanup task queued behind it.
func (w *Worker) handleDeleteBucket(ctx context.Context, task *metastore.TaskModel) error {
	var payload deleteBucketPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return err
	}

	rows, err := w.repo.ListAllObjectsInBucket(ctx, payload.Region, payload.BucketID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := w.repo.SoftDeleteObject(ctx, payload.Region, row.ID); err != nil {
			return err
		}
		objPayload, err := json.Marshal(deleteObjectPayload{ObjectID: row.ID, Region: payload.Region})
		if err != nil {
			return err
		}
		if err := w.repo.EnqueueTask(ctx, metastore.TaskDeleteObject, string(objPayload), 5); err != nil {
			return err
		}
	}

	return w.repo.HardDeleteBucket(ctx, payload.BucketID)
}
