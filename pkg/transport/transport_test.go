package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"anvil/pkg/membership"
	"anvil/pkg/server"
	"anvil/pkg/shardstore"
	"anvil/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func TestCBORCodec_RoundTrip(t *testing.T) {
	c := cborCodec{}
	req := &CommitShardRequest{UploadID: [16]byte{1, 2, 3}, FinalContentHash: []byte("abc"), Index: 7}

	b, err := c.Marshal(req)
	require.NoError(t, err)

	var got CommitShardRequest
	require.NoError(t, c.Unmarshal(b, &got))
	assert.Equal(t, req.UploadID, got.UploadID)
	assert.Equal(t, req.FinalContentHash, got.FinalContentHash)
	assert.Equal(t, req.Index, got.Index)
}

// startTestPeer brings up a real gRPC server over a Server backed by a
// temp-dir shardstore, wired with the same auth + error-mapping
// interceptors app.New configures, and returns a dialed Client.
func startTestPeer(t *testing.T) (*Client, *membership.Table, func()) {
	t.Helper()
	store, err := shardstore.New(t.TempDir())
	require.NoError(t, err)

	secret := []byte("cluster-secret")
	table := membership.New(membership.Heartbeat{PeerID: "self"}, secret, time.Second, 10*time.Second, 60*time.Second, nil, nil)
	srv := NewServer(store, table, secret, nil)

	authUnary, authStream := AuthInterceptors([]byte("token-secret"))
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(authUnary, server.UnaryErrorMappingInterceptor()),
		grpc.ChainStreamInterceptor(authStream, server.StreamErrorMappingInterceptor()),
	)
	RegisterPeerServer(grpcServer, srv)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go grpcServer.Serve(lis)

	token := HMACTokenSource{Secret: []byte("token-secret"), PeerID: "peer-a"}
	client, err := Dial(context.Background(), lis.Addr().String(), token, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	cleanup := func() {
		client.Close()
		grpcServer.Stop()
	}
	return client, table, cleanup
}

func TestClientServer_StageCommitFetchRoundTrip(t *testing.T) {
	client, _, cleanup := startTestPeer(t)
	defer cleanup()
	ctx := context.Background()

	var uploadID types.UploadID
	uploadID[0] = 9

	w, err := client.StageShard(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Send(uploadID, 0, []byte("hello peer")))
	ack, err := w.CloseAndRecv()
	require.NoError(t, err)
	assert.EqualValues(t, len("hello peer"), ack.StagedLength)

	hash := types.Hash(strings.Repeat("ab12", 16))
	_, err = client.CommitShard(ctx, &CommitShardRequest{UploadID: [16]byte(uploadID), FinalContentHash: HashToWire(hash), Index: 0})
	require.NoError(t, err)

	var got []byte
	err = client.FetchShard(ctx, &FetchShardRequest{ContentHash: HashToWire(hash), Index: 0}, func(chunk []byte) error {
		got = append(got, chunk...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello peer", string(got))
}

func TestClientServer_FetchMissingShardReturnsNotFound(t *testing.T) {
	client, _, cleanup := startTestPeer(t)
	defer cleanup()

	hash := types.Hash(strings.Repeat("ff00", 16))
	err := client.FetchShard(context.Background(), &FetchShardRequest{ContentHash: HashToWire(hash), Index: 0}, func([]byte) error { return nil })
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestClientServer_HeartbeatRoundTrip(t *testing.T) {
	client, table, cleanup := startTestPeer(t)
	defer cleanup()

	hb, err := membership.Sign(membership.Heartbeat{PeerID: "peer-a", Timestamp: time.Now().Unix()}, []byte("cluster-secret"))
	require.NoError(t, err)

	ack, err := client.Heartbeat(context.Background(), &HeartbeatRequest{Heartbeat: hb})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	live := table.Live(time.Now())
	require.Len(t, live, 1)
	assert.EqualValues(t, "peer-a", live[0].ID)
}

func TestClientServer_MissingAuthIsRejected(t *testing.T) {
	store, err := shardstore.New(t.TempDir())
	require.NoError(t, err)
	table := membership.New(membership.Heartbeat{PeerID: "self"}, []byte("s"), time.Second, 10*time.Second, 60*time.Second, nil, nil)
	srv := NewServer(store, table, []byte("s"), nil)

	authUnary, _ := AuthInterceptors([]byte("token-secret"))
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(authUnary))
	RegisterPeerServer(grpcServer, srv)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go grpcServer.Serve(lis)
	defer grpcServer.Stop()

	// Use a raw grpc connection instead of a Client, so the call never
	// attaches the bearer-token metadata the server's interceptor requires.
	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	require.NoError(t, err)
	defer conn.Close()

	ack := new(CommitAck)
	err = conn.Invoke(context.Background(), "/"+serviceName+"/CommitShard", &CommitShardRequest{}, ack)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
