package metastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"anvil/pkg/errs"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReservationToken is returned by BeginObjectWrite. It carries nothing in
// this implementation — object insertion is optimistic and relies on the
// (bucket_id, key, version_id) unique constraint rather than a prior
// reservation row — but it exists as an explicit step so the Ingest
// Coordinator's AUTHZ/PLACE phases can run before any row is touched.
type ReservationToken struct {
	BucketID string
	Key      string
}

// RegionResolver locates the *DB that owns object rows for a region. A
// cluster with a single region can supply a resolver that always returns
// the same handle.
type RegionResolver func(region string) (*DB, error)

// Repository implements the C6 Metadata Store Adapter operations.
type Repository struct {
	global    *DB
	resolver  RegionResolver
}

// NewRepository builds a Repository over the global store and a resolver
// that locates each region's regional store.
func NewRepository(global *DB, resolver RegionResolver) *Repository {
	return &Repository{global: global, resolver: resolver}
}

// SingleRegion returns a RegionResolver for deployments with exactly one
// regional store.
func SingleRegion(db *DB) RegionResolver {
	return func(string) (*DB, error) { return db, nil }
}

// -----------------------------------------------------------------------------
// Buckets
// -----------------------------------------------------------------------------

// ResolveBucket looks up a bucket by name. A soft-deleted bucket (deleted_at
// set) is treated as absent for all data-plane operations, per §9's Open
// Question resolution.
func (r *Repository) ResolveBucket(ctx context.Context, name string) (*BucketModel, error) {
	var b BucketModel
	err := r.global.Conn().WithContext(ctx).
		Where("name = ? AND deleted_at IS NULL", name).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.New(errs.NoSuchBucket, fmt.Sprintf("bucket %q not found", name))
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "resolving bucket", err)
	}
	return &b, nil
}

// CreateBucket inserts a new bucket row.
func (r *Repository) CreateBucket(ctx context.Context, b *BucketModel) error {
	if err := r.global.Conn().WithContext(ctx).Create(b).Error; err != nil {
		return errs.Wrap(errs.Internal, "creating bucket", err)
	}
	return nil
}

// SoftDeleteBucket marks a bucket as deleted without removing its row; the
// DELETE_BUCKET task handler enqueues per-object deletions before any
// physical cleanup.
func (r *Repository) SoftDeleteBucket(ctx context.Context, bucketID string) error {
	now := time.Now()
	res := r.global.Conn().WithContext(ctx).
		Model(&BucketModel{}).
		Where("id = ?", bucketID).
		Update("deleted_at", now)
	if res.Error != nil {
		return errs.Wrap(errs.Internal, "soft-deleting bucket", res.Error)
	}
	return nil
}

// HardDeleteBucket physically removes a bucket row once DELETE_BUCKET has
// finished enqueueing its objects' deletions.
func (r *Repository) HardDeleteBucket(ctx context.Context, bucketID string) error {
	if err := r.global.Conn().WithContext(ctx).Delete(&BucketModel{}, "id = ?", bucketID).Error; err != nil {
		return errs.Wrap(errs.Internal, "hard-deleting bucket", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Objects
// -----------------------------------------------------------------------------

// BeginObjectWrite is the optimistic pre-write step: no row is created and
// the returned token only echoes bucketID and key. The Ingest Coordinator
// does not call it; RECORD relies on InsertObject's unique constraint alone.
func (r *Repository) BeginObjectWrite(ctx context.Context, bucketID, key string) (ReservationToken, error) {
	return ReservationToken{BucketID: bucketID, Key: key}, nil
}

// InsertObject writes the object row. On a uniqueness violation for
// (bucket_id, key, version_id), it looks up the existing row: if its
// content_hash matches the one being inserted, the write is still
// considered successful (content is already durable and deduplicated) and
// the existing row is returned; otherwise it reports Conflict, per §4.7
// step RECORD.
func (r *Repository) InsertObject(ctx context.Context, region string, row *ObjectModel) (*ObjectModel, error) {
	db, err := r.resolver(region)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "resolving regional store", err)
	}

	row.KeyPrefix = prefixOf(row.Key)

	err = db.Conn().WithContext(ctx).Create(row).Error
	if err == nil {
		return row, nil
	}
	if !isUniqueViolation(err) {
		return nil, errs.Wrap(errs.Internal, "inserting object row", err)
	}

	existing, lookupErr := r.lookupActive(ctx, db, row.BucketID, row.Key)
	if lookupErr != nil {
		return nil, errs.Wrap(errs.Internal, "resolving conflicting object row", lookupErr)
	}
	if existing == nil {
		// The unique constraint fired on a row we can't see under READ
		// COMMITTED (e.g. a soft-deleted duplicate) — treat conservatively
		// as a conflict rather than silently succeeding.
		return nil, errs.New(errs.Conflict, "object row exists but could not be resolved")
	}
	if existing.ContentHash == row.ContentHash {
		return existing, nil
	}
	return nil, errs.New(errs.Conflict, "concurrent write with different content")
}

// LookupObject returns the latest non-deleted row for (bucketID, key).
func (r *Repository) LookupObject(ctx context.Context, region, bucketID, key string) (*ObjectModel, error) {
	db, err := r.resolver(region)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "resolving regional store", err)
	}
	row, err := r.lookupActive(ctx, db, bucketID, key)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "looking up object", err)
	}
	if row == nil {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("object %q not found", key))
	}
	return row, nil
}

func (r *Repository) lookupActive(ctx context.Context, db *DB, bucketID, key string) (*ObjectModel, error) {
	var row ObjectModel
	err := db.Conn().WithContext(ctx).
		Where("bucket_id = ? AND key = ? AND deleted_at IS NULL", bucketID, key).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetObjectByID fetches an object row regardless of its deleted_at state,
// used by the Task Worker's DELETE_OBJECT handler, which runs after
// SoftDeleteObject has already hidden the row from LookupObject.
func (r *Repository) GetObjectByID(ctx context.Context, region, id string) (*ObjectModel, error) {
	db, err := r.resolver(region)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "resolving regional store", err)
	}
	var row ObjectModel
	err = db.Conn().WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("object %q not found", id))
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "fetching object by id", err)
	}
	return &row, nil
}

// ListAllObjectsInBucket enumerates every non-deleted object row belonging
// to bucketID, used by the Task Worker's DELETE_BUCKET handler to fan out
// one DELETE_OBJECT task per key.
func (r *Repository) ListAllObjectsInBucket(ctx context.Context, region, bucketID string) ([]ObjectModel, error) {
	db, err := r.resolver(region)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "resolving regional store", err)
	}
	var rows []ObjectModel
	if err := db.Conn().WithContext(ctx).Where("bucket_id = ? AND deleted_at IS NULL", bucketID).Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.Internal, "listing bucket objects", err)
	}
	return rows, nil
}

// SoftDeleteObject sets deleted_at, making the object invisible to
// LookupObject immediately while the underlying shards await asynchronous
// removal by the Task Worker.
func (r *Repository) SoftDeleteObject(ctx context.Context, region, id string) error {
	db, err := r.resolver(region)
	if err != nil {
		return errs.Wrap(errs.Internal, "resolving regional store", err)
	}
	now := time.Now()
	res := db.Conn().WithContext(ctx).Model(&ObjectModel{}).Where("id = ?", id).Update("deleted_at", now)
	if res.Error != nil {
		return errs.Wrap(errs.Internal, "soft-deleting object", res.Error)
	}
	return nil
}

// HardDeleteObject physically removes the object row, called by the
// DELETE_OBJECT task handler once shard removal has been dispatched.
func (r *Repository) HardDeleteObject(ctx context.Context, region, id string) error {
	db, err := r.resolver(region)
	if err != nil {
		return errs.Wrap(errs.Internal, "resolving regional store", err)
	}
	if err := db.Conn().WithContext(ctx).Delete(&ObjectModel{}, "id = ?", id).Error; err != nil {
		return errs.Wrap(errs.Internal, "hard-deleting object", err)
	}
	return nil
}

// Page is the result of ListObjects: a batch of rows plus an opaque cursor
// for the next page (empty when exhausted).
type Page struct {
	Rows       []ObjectModel
	NextCursor string
}

// ListObjects answers prefix queries with a `key LIKE prefix%` match, so a
// '_' in prefix acts as a single-character wildcard. Delimiter-based
// "directory" grouping is left to the caller (the excluded gateway); this
// adapter returns the flat set of matching non-deleted rows in key order.
func (r *Repository) ListObjects(ctx context.Context, region, bucketID, prefix string, limit int, cursor string) (Page, error) {
	db, err := r.resolver(region)
	if err != nil {
		return Page{}, errs.Wrap(errs.Internal, "resolving regional store", err)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	q := db.Conn().WithContext(ctx).
		Where("bucket_id = ? AND deleted_at IS NULL", bucketID).
		Where("key LIKE ?", prefix+"%").
		Order("key ASC").
		Limit(limit + 1)
	if cursor != "" {
		q = q.Where("key > ?", cursor)
	}

	var rows []ObjectModel
	if err := q.Find(&rows).Error; err != nil {
		return Page{}, errs.Wrap(errs.Internal, "listing objects", err)
	}

	next := ""
	if len(rows) > limit {
		next = rows[limit-1].Key
		rows = rows[:limit]
	}
	return Page{Rows: rows, NextCursor: next}, nil
}

// prefixOf returns the slash-delimited parent path of key, the label the
// key_prefix index is built on (e.g. "a/b/c.txt" -> "a/b").
func prefixOf(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx]
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// EnqueueTask inserts a new pending task.
func (r *Repository) EnqueueTask(ctx context.Context, kind, payload string, priority int) error {
	t := TaskModel{
		Kind:        kind,
		Payload:     payload,
		Priority:    priority,
		Status:      TaskPending,
		ScheduledAt: time.Now(),
	}
	if err := r.global.Conn().WithContext(ctx).Create(&t).Error; err != nil {
		return errs.Wrap(errs.Internal, "enqueueing task", err)
	}
	return nil
}

// EnqueueTaskAt inserts a pending task scheduled for a future time, used by
// the Task Worker's exponential-backoff requeue path.
func (r *Repository) EnqueueTaskAt(ctx context.Context, kind, payload string, priority int, scheduledAt time.Time, attempts int) error {
	t := TaskModel{
		Kind:        kind,
		Payload:     payload,
		Priority:    priority,
		Status:      TaskPending,
		ScheduledAt: scheduledAt,
		Attempts:    attempts,
	}
	if err := r.global.Conn().WithContext(ctx).Create(&t).Error; err != nil {
		return errs.Wrap(errs.Internal, "requeueing task", err)
	}
	return nil
}

// FetchDueTask claims the oldest-due, highest-priority pending task using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never double-claim
// a row, then marks it running within the same transaction.
func (r *Repository) FetchDueTask(ctx context.Context) (*TaskModel, error) {
	var task TaskModel
	err := r.global.Conn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_at <= ?", TaskPending, time.Now()).
			Order("priority ASC, scheduled_at ASC").
			Limit(1).
			First(&task).Error
		if err != nil {
			return err
		}
		return tx.Model(&TaskModel{}).Where("id = ?", task.ID).Update("status", TaskRunning).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "fetching due task", err)
	}
	task.Status = TaskRunning
	return &task, nil
}

// CompleteTask marks a task completed.
func (r *Repository) CompleteTask(ctx context.Context, id uint64) error {
	return r.updateTaskStatus(ctx, id, TaskCompleted, "")
}

// FailTask marks a task failed with the given error recorded for
// diagnostics.
func (r *Repository) FailTask(ctx context.Context, id uint64, lastErr string) error {
	return r.updateTaskStatus(ctx, id, TaskFailed, lastErr)
}

// RequeueTask resets a task to pending at a future time with attempts
// incremented, implementing the exponential-backoff retry in §4.9.
func (r *Repository) RequeueTask(ctx context.Context, id uint64, at time.Time, attempts int, lastErr string) error {
	res := r.global.Conn().WithContext(ctx).Model(&TaskModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":       TaskPending,
		"scheduled_at": at,
		"attempts":     attempts,
		"last_error":   lastErr,
	})
	if res.Error != nil {
		return errs.Wrap(errs.Internal, "requeueing task", res.Error)
	}
	return nil
}

func (r *Repository) updateTaskStatus(ctx context.Context, id uint64, status, lastErr string) error {
	res := r.global.Conn().WithContext(ctx).Model(&TaskModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":     status,
		"last_error": lastErr,
	})
	if res.Error != nil {
		return errs.Wrap(errs.Internal, "updating task status", res.Error)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
