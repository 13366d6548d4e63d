// Package transport implements the authenticated Peer Transport (C5):
// StageShard, CommitShard, FetchShard, and Heartbeat RPCs over
// google.golang.org/grpc. No protobuf compiler is available in this
// environment, so the wire codec is canonical CBOR (the same encoding the
// rest of the system uses for content hashing and gossip signing) rather
// than generated protobuf message types. The ServiceDesc/MethodDesc/
// StreamDesc values below are written by hand in place of what
// protoc-gen-go-grpc would otherwise emit.
package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

const codecName = "cbor"

// cborCodec implements encoding.Codec (formerly encoding.Codec's
// predecessor grpc.Codec) against fxamacker/cbor, registered under the
// content-subtype "cbor" so grpc.Dial/grpc.NewServer pick it up via
// grpc.CallContentSubtype / the server's default codec resolution.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: cbor marshal: %w", err)
	}
	return b, nil
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: cbor unmarshal: %w", err)
	}
	return nil
}

func (cborCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}
