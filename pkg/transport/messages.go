package transport

import (
	"encoding/hex"

	"anvil/pkg/membership"
	"anvil/pkg/types"
)

// HashToWire converts the hex-string form of a content hash into the raw
// bytes the wire messages carry.
func HashToWire(h types.Hash) []byte {
	raw, _ := hex.DecodeString(string(h))
	return raw
}

// Wire messages for the five peer RPCs (§6). Field names are explicit
// cbor tags so the wire shape stays stable independent of Go field
// renames.

// StageShardChunk is one message of the StageShard client-streaming RPC.
// The upload id and index are repeated on every chunk so the server does
// not need to buffer stream state keyed only by the gRPC stream object.
type StageShardChunk struct {
	UploadID [16]byte `cbor:"upload_id"`
	Index    int32    `cbor:"index"`
	Data     []byte   `cbor:"data"`
}

// StageAck acknowledges a completed StageShard stream.
type StageAck struct {
	StagedLength int64 `cbor:"staged_length"`
}

// CommitShardRequest is the unary CommitShard payload.
type CommitShardRequest struct {
	UploadID        [16]byte `cbor:"upload_id"`
	FinalContentHash []byte  `cbor:"final_content_hash"`
	Index           int32    `cbor:"index"`
}

// CommitAck acknowledges a commit.
type CommitAck struct{}

// RemoveShardRequest is the unary request the Task Worker sends to a peer
// to clean up one shard of a deleted object (§4.9's DELETE_OBJECT task).
type RemoveShardRequest struct {
	ContentHash []byte `cbor:"content_hash"`
	Index       int32  `cbor:"index"`
}

// RemoveAck acknowledges a shard removal. Removal is idempotent: removing
// an already-absent shard still acknowledges success, per §4.5.
type RemoveAck struct{}

// ByteRange is an optional partial-read range for FetchShard.
type ByteRange struct {
	Offset uint64 `cbor:"offset"`
	Length uint64 `cbor:"length"`
}

// FetchShardRequest is the unary request that opens a FetchShard
// server-streaming response.
type FetchShardRequest struct {
	ContentHash []byte     `cbor:"content_hash"`
	Index       int32      `cbor:"index"`
	Range       *ByteRange `cbor:"byte_range,omitempty"`
}

// FetchShardChunk is one message of the FetchShard server stream.
type FetchShardChunk struct {
	Data []byte `cbor:"data"`
}

// HeartbeatAck acknowledges a processed heartbeat; Accepted is false when
// the signature failed verification or the message was stale, matching
// S8's "receiver leaves the table unchanged" contract without the RPC
// itself returning an error (an unsigned heartbeat isn't a transport
// failure, it's a no-op).
type HeartbeatAck struct {
	Accepted bool `cbor:"accepted"`
}

// HeartbeatRequest wraps the signed gossip message for transmission. It is
// a separate type (rather than sending membership.Heartbeat directly) so
// the wire message can evolve without coupling to the membership
// package's internal struct tags.
type HeartbeatRequest struct {
	Heartbeat membership.Heartbeat `cbor:"heartbeat"`
}
