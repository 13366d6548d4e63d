package read

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"anvil/pkg/codec"
	"anvil/pkg/errs"
	"anvil/pkg/ingest"
	"anvil/pkg/membership"
	"anvil/pkg/metastore"
	"anvil/pkg/placement"
	"anvil/pkg/server"
	"anvil/pkg/shardstore"
	"anvil/pkg/transport"
	"anvil/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *metastore.Repository {
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	db := metastore.NewWithConn(conn)
	require.NoError(t, db.AutoMigrate(metastore.GlobalMigrations()...))
	require.NoError(t, db.AutoMigrate(metastore.RegionalMigrations()...))
	return metastore.NewRepository(db, metastore.SingleRegion(db))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *metastore.Repository, *shardstore.Store) {
	repo := newTestRepo(t)
	require.NoError(t, repo.CreateBucket(context.Background(), &metastore.BucketModel{ID: "b1", Name: "photos", Region: ""}))

	store, err := shardstore.New(t.TempDir())
	require.NoError(t, err)

	var key [codec.KeySize]byte
	cdc, err := codec.New(codec.Params{Key: key, Algorithm: codec.AlgorithmAESGCM, DataShards: 4, ParityShards: 2, StripeSize: codec.DefaultStripeSize})
	require.NoError(t, err)

	coord := New(repo, nil, store, cdc, nil, types.PeerID("self"), nil, nil)
	return coord, repo, store
}

func stageAndRecordSingleNodeObject(t *testing.T, repo *metastore.Repository, store *shardstore.Store, key, content string) types.Hash {
	ctx := context.Background()
	var uploadID types.UploadID
	h, err := store.Stage(ctx, uploadID, 0, bytes.NewReader([]byte(content)))
	require.NoError(t, err)

	sum := codec.ContentHash([]byte(content))
	require.NoError(t, store.Commit(ctx, uploadID, sum, []int{0}))

	row := &metastore.ObjectModel{ID: key, BucketID: "b1", Key: key, ContentHash: sum.String(), Size: h.Length, ETag: sum.String()}
	_, err = repo.InsertObject(ctx, "", row)
	require.NoError(t, err)
	return sum
}

func TestCoordinator_HeadObject(t *testing.T) {
	coord, repo, store := newTestCoordinator(t)
	stageAndRecordSingleNodeObject(t, repo, store, "a/b.txt", "hello world")

	meta, err := coord.HeadObject(context.Background(), "photos", "a/b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, len("hello world"), meta.Size)
}

func TestCoordinator_GetObject_SingleNodeRoundTrip(t *testing.T) {
	coord, repo, store := newTestCoordinator(t)
	stageAndRecordSingleNodeObject(t, repo, store, "a/b.txt", "hello world")

	var buf bytes.Buffer
	meta, err := coord.GetObject(context.Background(), "photos", "a/b.txt", nil, &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
	assert.Equal(t, meta.ContentHash.String(), meta.ETag)
}

func TestCoordinator_GetObject_MissingLocalShardIsCorrupt(t *testing.T) {
	coord, repo, _ := newTestCoordinator(t)
	ctx := context.Background()

	sum := codec.ContentHash([]byte("never staged"))
	row := &metastore.ObjectModel{ID: "o1", BucketID: "b1", Key: "x.txt", ContentHash: sum.String(), Size: 12, ETag: sum.String()}
	_, err := repo.InsertObject(ctx, "", row)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = coord.GetObject(ctx, "photos", "x.txt", nil, &buf)
	require.Error(t, err)
	assert.Equal(t, errs.Corrupt, errs.KindOf(err))
}

func TestCoordinator_GetObject_UnknownBucket(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	var buf bytes.Buffer
	_, err := coord.GetObject(context.Background(), "no-such-bucket", "x.txt", nil, &buf)
	require.Error(t, err)
	assert.Equal(t, errs.NoSuchBucket, errs.KindOf(err))
}

const distributedClusterSecret = "cluster-secret"
const distributedTokenSecret = "token-secret"

// startDistributedPeer brings up a real gRPC peer server over its own
// shardstore, the same harness pkg/transport/transport_test.go and
// pkg/worker/worker_test.go use to exercise real RPCs instead of stubs.
func startDistributedPeer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	store, err := shardstore.New(t.TempDir())
	require.NoError(t, err)

	table := membership.New(membership.Heartbeat{PeerID: "self"}, []byte(distributedClusterSecret), time.Second, 10*time.Second, 60*time.Second, nil, nil)
	srv := transport.NewServer(store, table, []byte(distributedClusterSecret), nil)

	authUnary, authStream := transport.AuthInterceptors([]byte(distributedTokenSecret))
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(authUnary, server.UnaryErrorMappingInterceptor()),
		grpc.ChainStreamInterceptor(authStream, server.StreamErrorMappingInterceptor()),
	)
	transport.RegisterPeerServer(grpcServer, srv)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go grpcServer.Serve(lis)

	return lis.Addr().String(), grpcServer.Stop
}

// distributedFixture writes one object across k+m=3 real peers (k=2, m=1,
// smaller than the §4.1 default of (4,2) only to keep the test fast) via a
// real Ingest Coordinator, then hands back a Read Coordinator wired against
// the same peers plus a way to stop any of them to simulate unreachable
// shards for S4/S5-style scenarios.
type distributedFixture struct {
	read    *Coordinator
	repo    *metastore.Repository
	content string
	stop    []func()
}

func newDistributedFixture(t *testing.T) *distributedFixture {
	repo := newTestRepo(t)
	require.NoError(t, repo.CreateBucket(context.Background(), &metastore.BucketModel{ID: "b1", Name: "photos", Region: ""}))

	const n = 3 // DataShards(2) + ParityShards(1)
	peerIDs := make([]types.PeerID, n)
	addrs := make([]string, n)
	stops := make([]func(), n)
	for i := 0; i < n; i++ {
		peerIDs[i] = types.PeerID("peer-" + string(rune('a'+i)))
		addr, stop := startDistributedPeer(t)
		addrs[i] = addr
		stops[i] = stop
	}

	var key [codec.KeySize]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	cdc, err := codec.New(codec.Params{Key: key, Algorithm: codec.AlgorithmAESGCM, DataShards: 2, ParityShards: 1, StripeSize: 8})
	require.NoError(t, err)

	table := membership.New(membership.Heartbeat{PeerID: "self"}, []byte(distributedClusterSecret), time.Second, 10*time.Second, 60*time.Second, nil, nil)
	now := time.Now()
	for i, id := range peerIDs {
		hb, err := membership.Sign(membership.Heartbeat{PeerID: id, TransportAddrs: []string{addrs[i]}, Timestamp: now.Unix()}, []byte(distributedClusterSecret))
		require.NoError(t, err)
		require.True(t, table.Upsert(hb, now))
	}

	pool := transport.NewPool(transport.HMACTokenSource{Secret: []byte(distributedTokenSecret), PeerID: "self"})

	ingestStore, err := shardstore.New(t.TempDir())
	require.NoError(t, err)
	ingestCoord := ingest.New(repo, ingestStore, cdc, placement.New(), table, pool, nil)

	// 20 bytes over an 8-byte stripe size spans three stripes (8, 8, 4), so
	// the reconstruction loop in readDistributed actually runs more than
	// once.
	content := "the quick brown fox!"
	_, err = ingestCoord.PutObject(context.Background(), "photos", "a/b.txt", ingest.ObjectMeta{}, bytes.NewReader([]byte(content)))
	require.NoError(t, err)

	peerAddrs := func(id types.PeerID) (string, bool) {
		for i, pid := range peerIDs {
			if pid == id {
				return addrs[i], true
			}
		}
		return "", false
	}

	readStore, err := shardstore.New(t.TempDir())
	require.NoError(t, err)
	readCoord := New(repo, nil, readStore, cdc, pool, types.PeerID("reader-not-a-peer"), peerAddrs, nil)

	return &distributedFixture{read: readCoord, repo: repo, content: content, stop: stops}
}

func TestCoordinator_GetObject_DistributedRoundTrip(t *testing.T) {
	f := newDistributedFixture(t)

	var buf bytes.Buffer
	_, err := f.read.GetObject(context.Background(), "photos", "a/b.txt", nil, &buf)
	require.NoError(t, err)
	assert.Equal(t, f.content, buf.String())
}

// TestCoordinator_GetObject_SurvivesMStoppedPeers is S4 at (k=2, m=1)
// scale: stopping exactly m=1 of the k+m peers still leaves k shards
// reachable for every stripe, so the read must still succeed.
func TestCoordinator_GetObject_SurvivesMStoppedPeers(t *testing.T) {
	f := newDistributedFixture(t)
	f.stop[0]()

	var buf bytes.Buffer
	_, err := f.read.GetObject(context.Background(), "photos", "a/b.txt", nil, &buf)
	require.NoError(t, err)
	assert.Equal(t, f.content, buf.String())
}

// TestCoordinator_GetObject_FailsWithMPlus1StoppedPeers is S5 at (k=2,
// m=1) scale: stopping m+1=2 of the 3 peers leaves only 1 reachable shard
// per stripe, below k, so the read must fail with Unavailable.
func TestCoordinator_GetObject_FailsWithMPlus1StoppedPeers(t *testing.T) {
	f := newDistributedFixture(t)
	f.stop[0]()
	f.stop[1]()

	var buf bytes.Buffer
	_, err := f.read.GetObject(context.Background(), "photos", "a/b.txt", nil, &buf)
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))
}
