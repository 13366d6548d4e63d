package shardstore

import (
	"context"
	"io"

	"anvil/pkg/types"
)

// Backend is the read-side contract shared by the local disk Store and any
// remote-tier backend (see pkg/shardstore/s3backend). The Ingest Coordinator
// talks to the local Store directly for its two-phase stage/commit
// lifecycle; the Read Coordinator talks to Backend, so a
// node can serve shards out of S3 exactly as it would out of local disk.
type Backend interface {
	Has(ctx context.Context, hash types.Hash, globalIndex int) (bool, error)
	Read(ctx context.Context, hash types.Hash, globalIndex int) (io.ReadCloser, error)
	Remove(ctx context.Context, hash types.Hash, globalIndices []int) error
}

var _ Backend = (*Store)(nil)
