// Package shardstore implements the Local Shard Store (C2): durable,
// content-addressed on-disk storage of shards, with a two-phase
// stage/commit lifecycle and a sweeper that reclaims abandoned staging
// files. The on-disk layout follows the teacher's disk adapter: a
// 2-character hash-prefix sharded directory tree, atomic rename on commit.
package shardstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"anvil/pkg/types"
)

// ErrNotFound is returned by Read when the requested shard does not exist.
var ErrNotFound = errors.New("shard not found")

const stagingDir = "staging"

// Store is the C2 Local Shard Store.
type Store struct {
	root       string
	stagingTTL time.Duration
	logger     *slog.Logger
}

// Handle identifies a shard staged under a given upload.
type Handle struct {
	UploadID types.UploadID
	Index    int
	Length   int64
}

// Option configures a Store.
type Option func(*Store)

// WithStagingTTL overrides the default staging-file sweep TTL.
func WithStagingTTL(d time.Duration) Option {
	return func(s *Store) { s.stagingTTL = d }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at root, ensuring both the object directory and
// the staging subdirectory exist.
func New(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("shardstore: creating root %s: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("shardstore: creating staging dir: %w", err)
	}
	s := &Store{
		root:       root,
		stagingTTL: 24 * time.Hour,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// layout returns the final (committed) path for a shard, sharded by the
// first two hex characters of its content hash, mirroring the disk
// adapter's "aa/bbcc..." convention.
func (s *Store) layout(hash types.Hash, globalIndex int) string {
	name := types.ShardName(hash, globalIndex)
	if len(hash) < 2 {
		return filepath.Join(s.root, name)
	}
	return filepath.Join(s.root, string(hash[:2]), name)
}

func (s *Store) stagingPath(uploadID types.UploadID, index int) string {
	return filepath.Join(s.root, stagingDir, fmt.Sprintf("%s-%06d", uploadID, index))
}

// Stage durably writes r under a temporary, upload-scoped name. The caller
// is expected to invoke Commit (to promote) or Abort (to discard) once the
// upload either succeeds or fails; an uncommitted staged file is reclaimed
// by the sweeper after stagingTTL.
func (s *Store) Stage(ctx context.Context, uploadID types.UploadID, index int, r io.Reader) (Handle, error) {
	path := s.stagingPath(uploadID, index)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Handle{}, fmt.Errorf("shardstore: opening staging file: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	if copyErr == nil {
		copyErr = f.Sync()
	}
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(path)
		return Handle{}, fmt.Errorf("shardstore: staging shard %d: %w", index, copyErr)
	}
	if closeErr != nil {
		os.Remove(path)
		return Handle{}, fmt.Errorf("shardstore: closing staged shard %d: %w", index, closeErr)
	}

	return Handle{UploadID: uploadID, Index: index, Length: n}, nil
}

// Commit renames every staged shard belonging to uploadID to its permanent,
// content-addressed name. indices lists the shard indices staged for this
// upload. Commit is idempotent: a shard already at its final path is left
// untouched.
func (s *Store) Commit(ctx context.Context, uploadID types.UploadID, finalHash types.Hash, indices []int) error {
	dirsTouched := map[string]struct{}{}

	for _, idx := range indices {
		src := s.stagingPath(uploadID, idx)
		dst := s.layout(finalHash, idx)

		if _, err := os.Stat(dst); err == nil {
			// Already committed (retry after a partial failure, or a
			// duplicate CommitShard call) — idempotent per §4.5.
			os.Remove(src)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("shardstore: preparing commit dir for shard %d: %w", idx, err)
		}
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("shardstore: staged shard %d missing for upload %s: %w", idx, uploadID, err)
			}
			return fmt.Errorf("shardstore: committing shard %d: %w", idx, err)
		}
		dirsTouched[filepath.Dir(dst)] = struct{}{}
	}

	for dir := range dirsTouched {
		fsyncDir(dir, s.logger)
	}
	return nil
}

// Abort discards every staged shard for uploadID. Safe to call even if some
// or all shards were never staged.
func (s *Store) Abort(ctx context.Context, uploadID types.UploadID, indices []int) error {
	var firstErr error
	for _, idx := range indices {
		path := s.stagingPath(uploadID, idx)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("shardstore: aborting shard %d: %w", idx, err)
		}
	}
	return firstErr
}

// Read opens a committed shard for streaming.
func (s *Store) Read(ctx context.Context, hash types.Hash, globalIndex int) (io.ReadCloser, error) {
	f, err := os.Open(s.layout(hash, globalIndex))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("shardstore: reading shard %d: %w", globalIndex, err)
	}
	return f, nil
}

// Has reports whether a committed shard exists.
func (s *Store) Has(ctx context.Context, hash types.Hash, globalIndex int) (bool, error) {
	_, err := os.Stat(s.layout(hash, globalIndex))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Remove deletes committed shards for hash at the given global indices.
// Missing shards are not an error: repair and deletion handlers must be
// idempotent per §4.9.
func (s *Store) Remove(ctx context.Context, hash types.Hash, globalIndices []int) error {
	var firstErr error
	for _, idx := range globalIndices {
		if err := os.Remove(s.layout(hash, idx)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("shardstore: removing shard %d: %w", idx, err)
		}
	}
	return firstErr
}

// Sweep removes staging files older than stagingTTL, reclaiming shards left
// behind by crashes between STAGE and COMMIT/ABORT. It is safe to run
// concurrently with Stage/Commit/Abort on unrelated uploads and is intended
// to be invoked periodically from a background loop at node startup.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	dir := filepath.Join(s.root, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("shardstore: listing staging dir: %w", err)
	}

	cutoff := time.Now().Add(-s.stagingTTL)
	swept := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err == nil {
			swept++
			s.logger.Info("swept orphan staging file", slog.String("path", path))
		}
	}
	return swept, nil
}

// ParseShardName extracts the content hash and global index out of a
// "<hash>-<index>" on-disk shard name.
func ParseShardName(name string) (types.Hash, int, error) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return "", 0, fmt.Errorf("shardstore: malformed shard name %q", name)
	}
	hash := types.Hash(name[:idx])
	var n int
	if _, err := fmt.Sscanf(name[idx+1:], "%d", &n); err != nil {
		return "", 0, fmt.Errorf("shardstore: malformed shard index in %q: %w", name, err)
	}
	return hash, n, nil
}

func fsyncDir(path string, logger *slog.Logger) {
	d, err := os.Open(path)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logger.Warn("directory fsync failed", slog.String("dir", path), slog.Any("err", err))
	}
}
