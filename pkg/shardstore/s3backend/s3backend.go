// Package s3backend adapts shardstore.Backend to an S3-compatible bucket,
// for peers that choose to back their shard directory with object storage
// instead of local disk. It mirrors the teacher's S3 adapter: path-style
// addressing for MinIO compatibility, a HeadObject-based existence check,
// and the same two-character hash-prefix sharding the local store uses.
package s3backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"anvil/pkg/shardstore"
	"anvil/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config configures the backend's connection to the object store.
type Config struct {
	Endpoint        string // non-empty for MinIO/compatible endpoints; empty for AWS S3
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Backend implements shardstore.Backend against an S3-compatible bucket.
type Backend struct {
	client *s3.Client
	bucket string
}

// New initializes the S3 client and, best-effort, ensures the target bucket
// exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3backend: loading SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// Path-style addressing is required by MinIO and most
		// self-hosted S3-compatible stores.
		o.UsePathStyle = true
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if _, createErr := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}); createErr != nil {
			// Bucket may already exist under concurrent startup, or the
			// credentials may lack CreateBucket; either way, defer the
			// real failure to the first Put/Get against it.
		}
	}

	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

func (b *Backend) key(hash types.Hash, globalIndex int) string {
	name := types.ShardName(hash, globalIndex)
	if len(hash) < 2 {
		return name
	}
	return string(hash[:2]) + "/" + name
}

// Put uploads a shard's bytes under its content-addressed key. Unlike the
// local store, S3 PUT is already atomic, so there is no separate
// stage/commit phase here. The Ingest Coordinator does not call Put; it
// writes shards through the local Store.
func (b *Backend) Put(ctx context.Context, hash types.Hash, globalIndex int, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(hash, globalIndex)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3backend: put shard %d: %w", globalIndex, err)
	}
	return nil
}

// Read implements shardstore.Backend.
func (b *Backend) Read(ctx context.Context, hash types.Hash, globalIndex int) (io.ReadCloser, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash, globalIndex)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, shardstore.ErrNotFound
		}
		return nil, fmt.Errorf("s3backend: get shard %d: %w", globalIndex, err)
	}
	return resp.Body, nil
}

// Has implements shardstore.Backend.
func (b *Backend) Has(ctx context.Context, hash types.Hash, globalIndex int) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash, globalIndex)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) || strings.Contains(err.Error(), "404") {
		return false, nil
	}
	return false, fmt.Errorf("s3backend: head shard %d: %w", globalIndex, err)
}

// Remove implements shardstore.Backend.
func (b *Backend) Remove(ctx context.Context, hash types.Hash, globalIndices []int) error {
	var firstErr error
	for _, idx := range globalIndices {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(hash, idx)),
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("s3backend: removing shard %d: %w", idx, err)
		}
	}
	return firstErr
}

var _ shardstore.Backend = (*Backend)(nil)
