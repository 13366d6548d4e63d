package metastore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"anvil/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T, name string, models ...any) *DB {
	dsn := fmt.Sprintf("file:%s-%s?mode=memory&cache=shared", t.Name(), name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	db := NewWithConn(conn)
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

func newTestRepo(t *testing.T) *Repository {
	global := newTestDB(t, "global", GlobalMigrations()...)
	regional := newTestDB(t, "regional", RegionalMigrations()...)
	return NewRepository(global, SingleRegion(regional))
}

func TestRepository_ResolveBucket(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateBucket(ctx, &BucketModel{ID: "b1", Name: "photos", Region: "us-east"}))

	got, err := repo.ResolveBucket(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)

	_, err = repo.ResolveBucket(ctx, "missing")
	assert.Equal(t, errs.NoSuchBucket, errs.KindOf(err))
}

func TestRepository_SoftDeleteBucket_HidesFromResolve(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateBucket(ctx, &BucketModel{ID: "b1", Name: "photos", Region: "us-east"}))

	require.NoError(t, repo.SoftDeleteBucket(ctx, "b1"))

	_, err := repo.ResolveBucket(ctx, "photos")
	assert.Equal(t, errs.NoSuchBucket, errs.KindOf(err))
}

func TestRepository_InsertAndLookupObject(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	row := &ObjectModel{ID: "o1", BucketID: "b1", Key: "a/b.txt", ContentHash: hashLikeStr("x"), Size: 3, ETag: "e1"}
	inserted, err := repo.InsertObject(ctx, "", row)
	require.NoError(t, err)
	assert.Equal(t, "o1", inserted.ID)

	got, err := repo.LookupObject(ctx, "", "b1", "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "o1", got.ID)
	assert.Equal(t, "a", got.KeyPrefix)
}

func TestRepository_InsertObject_DuplicateSameContentSucceeds(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	row := &ObjectModel{ID: "o1", BucketID: "b1", Key: "a/b.txt", ContentHash: hashLikeStr("x"), Size: 3, ETag: "e1"}
	_, err := repo.InsertObject(ctx, "", row)
	require.NoError(t, err)

	dup := &ObjectModel{ID: "o2", BucketID: "b1", Key: "a/b.txt", ContentHash: hashLikeStr("x"), Size: 3, ETag: "e1"}
	got, err := repo.InsertObject(ctx, "", dup)
	require.NoError(t, err)
	assert.Equal(t, "o1", got.ID, "existing row should win, not the duplicate insert")
}

func TestRepository_InsertObject_ConflictOnDifferentContent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	row := &ObjectModel{ID: "o1", BucketID: "b1", Key: "a/b.txt", ContentHash: hashLikeStr("x"), Size: 3, ETag: "e1"}
	_, err := repo.InsertObject(ctx, "", row)
	require.NoError(t, err)

	other := &ObjectModel{ID: "o2", BucketID: "b1", Key: "a/b.txt", ContentHash: hashLikeStr("y"), Size: 4, ETag: "e2"}
	_, err = repo.InsertObject(ctx, "", other)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestRepository_SoftDeleteObject_HidesFromLookupButGetByIDStillWorks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	row := &ObjectModel{ID: "o1", BucketID: "b1", Key: "a/b.txt", ContentHash: hashLikeStr("x"), Size: 3, ETag: "e1"}
	_, err := repo.InsertObject(ctx, "", row)
	require.NoError(t, err)

	require.NoError(t, repo.SoftDeleteObject(ctx, "", "o1"))

	_, err = repo.LookupObject(ctx, "", "b1", "a/b.txt")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	got, err := repo.GetObjectByID(ctx, "", "o1")
	require.NoError(t, err)
	assert.Equal(t, "o1", got.ID)
}

func TestRepository_ListObjects_PrefixAndPaging(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, key := range []string{"a/1.txt", "a/2.txt", "a/3.txt", "b/1.txt"} {
		row := &ObjectModel{ID: key, BucketID: "b1", Key: key, ContentHash: hashLikeStr(key), Size: 1, ETag: "e"}
		_, err := repo.InsertObject(ctx, "", row)
		require.NoError(t, err)
	}

	page, err := repo.ListObjects(ctx, "", "b1", "a/", 2, "")
	require.NoError(t, err)
	assert.Len(t, page.Rows, 2)
	assert.NotEmpty(t, page.NextCursor)

	page2, err := repo.ListObjects(ctx, "", "b1", "a/", 2, page.NextCursor)
	require.NoError(t, err)
	assert.Len(t, page2.Rows, 1)
	assert.Empty(t, page2.NextCursor)
}

func TestRepository_ListAllObjectsInBucket(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, key := range []string{"x.txt", "y.txt"} {
		row := &ObjectModel{ID: key, BucketID: "b1", Key: key, ContentHash: hashLikeStr(key), Size: 1, ETag: "e"}
		_, err := repo.InsertObject(ctx, "", row)
		require.NoError(t, err)
	}

	rows, err := repo.ListAllObjectsInBucket(ctx, "", "b1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRepository_TaskLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.EnqueueTask(ctx, TaskDeleteObject, `{"id":"o1"}`, 5))

	// FetchDueTask's SELECT ... FOR UPDATE SKIP LOCKED is exercised against
	// Postgres in production; the sqlite test double here only covers the
	// plain status-transition helpers below.
	require.NoError(t, repo.EnqueueTaskAt(ctx, TaskRebalanceShard, `{}`, 1, time.Now().Add(time.Hour), 0))

	require.NoError(t, repo.CompleteTask(ctx, 1))
	require.NoError(t, repo.RequeueTask(ctx, 2, time.Now(), 1, "transient error"))
	require.NoError(t, repo.FailTask(ctx, 2, "gave up"))
}

// hashLikeStr mimics a 64-character hex content hash without depending on
// the codec package's actual BLAKE3 output.
func hashLikeStr(seed string) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = "0123456789abcdef"[(int(seed[i%len(seed)])+i)%16]
	}
	return string(b)
}
