package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"anvil/pkg/errs"
	"anvil/pkg/membership"
	"anvil/pkg/shardstore"
	"anvil/pkg/types"

	"google.golang.org/grpc"
)

// hashFromWire converts the raw 32-byte digest carried on the wire into
// the hex-string form types.Hash uses everywhere internally.
func hashFromWire(raw []byte) types.Hash { return types.Hash(hex.EncodeToString(raw)) }

// Server implements PeerServer against a local shard store and the node's
// live peer table.
type Server struct {
	store   *shardstore.Store
	table   *membership.Table
	secret  []byte
	logger  *slog.Logger
}

// NewServer builds a Server. secret is the cluster HMAC secret used to
// verify incoming heartbeats.
func NewServer(store *shardstore.Store, table *membership.Table, secret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, table: table, secret: secret, logger: logger}
}

// StageShard accumulates chunks for possibly several (index) shards of one
// upload and writes each to the local store as it completes. Because the
// wire protocol repeats upload_id/index on every chunk rather than
// assuming one index per stream, a single stream can carry every shard of
// an upload; this implementation treats a change in index as "previous
// shard complete" and stages it before continuing.
func (s *Server) StageShard(stream grpc.ClientStreamingServer[StageShardChunk, StageAck]) error {
	ctx := stream.Context()

	var (
		curIndex  int32 = -1
		buf       bytes.Buffer
		uploadID  types.UploadID
		total     int64
	)

	flush := func() error {
		if curIndex < 0 {
			return nil
		}
		h, err := s.store.Stage(ctx, uploadID, int(curIndex), bytes.NewReader(buf.Bytes()))
		if err != nil {
			return errs.Wrap(errs.StageFailed, fmt.Sprintf("staging shard %d", curIndex), err)
		}
		total = h.Length
		buf.Reset()
		return nil
	}

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if chunk.Index != curIndex {
			if err := flush(); err != nil {
				return err
			}
			curIndex = chunk.Index
			uploadID = types.UploadID(chunk.UploadID)
		}
		buf.Write(chunk.Data)
	}
	if err := flush(); err != nil {
		return err
	}

	return stream.SendAndClose(&StageAck{StagedLength: total})
}

// CommitShard renames the staged shard to its permanent name. Idempotent:
// Commit on an already-committed shard succeeds, per §4.5.
func (s *Server) CommitShard(ctx context.Context, req *CommitShardRequest) (*CommitAck, error) {
	hash := hashFromWire(req.FinalContentHash)
	if err := s.store.Commit(ctx, types.UploadID(req.UploadID), hash, []int{int(req.Index)}); err != nil {
		return nil, errs.Wrap(errs.CommitFailed, fmt.Sprintf("committing shard %d", req.Index), err)
	}
	return &CommitAck{}, nil
}

// FetchShard streams a shard's bytes back to the caller, honoring an
// optional byte range.
func (s *Server) FetchShard(req *FetchShardRequest, stream grpc.ServerStreamingServer[FetchShardChunk]) error {
	ctx := stream.Context()
	hash := hashFromWire(req.ContentHash)

	r, err := s.store.Read(ctx, hash, int(req.Index))
	if err != nil {
		if err == shardstore.ErrNotFound {
			return errs.New(errs.NotFound, fmt.Sprintf("shard %d of %s not found", req.Index, hash))
		}
		return errs.Wrap(errs.Internal, fmt.Sprintf("reading shard %d", req.Index), err)
	}
	defer r.Close()

	if req.Range != nil {
		if _, err := io.CopyN(io.Discard, r, int64(req.Range.Offset)); err != nil {
			return errs.Wrap(errs.Internal, fmt.Sprintf("seeking shard %d", req.Index), err)
		}
		r = struct {
			io.Reader
			io.Closer
		}{io.LimitReader(r, int64(req.Range.Length)), r}
	}

	const chunkSize = 64 * 1024
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := stream.Send(&FetchShardChunk{Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.Internal, fmt.Sprintf("streaming shard %d", req.Index), err)
		}
	}
}

// RemoveShard deletes one shard from local storage. Idempotent: removing an
// already-absent shard still succeeds, per §4.5.
func (s *Server) RemoveShard(ctx context.Context, req *RemoveShardRequest) (*RemoveAck, error) {
	hash := hashFromWire(req.ContentHash)
	if err := s.store.Remove(ctx, hash, []int{int(req.Index)}); err != nil {
		return nil, errs.Wrap(errs.Internal, fmt.Sprintf("removing shard %d", req.Index), err)
	}
	return &RemoveAck{}, nil
}

// Heartbeat verifies and upserts the sender into the live peer table, per
// §4.4. An invalid signature is not a transport error: the RPC succeeds
// with Accepted=false, matching S8's "receiver leaves the table
// unchanged" contract.
func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatAck, error) {
	accepted := s.table.Upsert(req.Heartbeat, time.Now())
	return &HeartbeatAck{Accepted: accepted}, nil
}

var _ PeerServer = (*Server)(nil)
