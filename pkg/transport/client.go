package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"anvil/pkg/membership"
	"anvil/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Client is a thin wrapper over a grpc.ClientConn exposing the five peer
// RPCs as plain Go methods, attaching the bearer token every call needs.
type Client struct {
	conn  *grpc.ClientConn
	token TokenSource
}

// TokenSource supplies the bearer token and declared peer id attached to
// outgoing RPCs; see auth.go for the HMAC-based implementation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ID() string
}

// Dial opens a grpc.ClientConn to addr configured to use the CBOR codec.
func Dial(ctx context.Context, addr string, token TokenSource, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return &Client{conn: conn, token: token}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) authCtx(ctx context.Context) (context.Context, error) {
	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: obtaining token: %w", err)
	}
	return metadata.AppendToOutgoingContext(ctx, bearerMetadataKey, tok, "anvil-peer-id", c.token.ID()), nil
}

// ShardWriter streams a shard's bytes to a peer for staging.
type ShardWriter struct {
	stream grpc.ClientStream
}

// StageShard opens a client-streaming call; the caller writes chunks via
// Send and calls CloseAndRecv once all bytes for the shard have been sent.
func (c *Client) StageShard(ctx context.Context) (*ShardWriter, error) {
	ctx, err := c.authCtx(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/StageShard")
	if err != nil {
		return nil, fmt.Errorf("transport: opening StageShard stream: %w", err)
	}
	return &ShardWriter{stream: stream}, nil
}

// Send writes one chunk of shard bytes.
func (w *ShardWriter) Send(uploadID types.UploadID, index int32, data []byte) error {
	return w.stream.SendMsg(&StageShardChunk{UploadID: [16]byte(uploadID), Index: index, Data: data})
}

// Close abandons the stream without waiting for an ack, used on the
// abort path — the server's sweeper reclaims whatever was already staged.
func (w *ShardWriter) Close() error {
	return w.stream.CloseSend()
}

// CloseAndRecv finalizes the stream and returns the server's ack.
func (w *ShardWriter) CloseAndRecv() (*StageAck, error) {
	if err := w.stream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(StageAck)
	if err := w.stream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// CommitShard acknowledges a previously staged shard as permanent.
func (c *Client) CommitShard(ctx context.Context, req *CommitShardRequest) (*CommitAck, error) {
	ctx, err := c.authCtx(ctx)
	if err != nil {
		return nil, err
	}
	ack := new(CommitAck)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/CommitShard", req, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// RemoveShard asks a peer to delete one shard, used by the Task Worker's
// DELETE_OBJECT handler.
func (c *Client) RemoveShard(ctx context.Context, req *RemoveShardRequest) error {
	ctx, err := c.authCtx(ctx)
	if err != nil {
		return err
	}
	ack := new(RemoveAck)
	return c.conn.Invoke(ctx, "/"+serviceName+"/RemoveShard", req, ack)
}

// FetchShard opens a server-streaming call and drains it, invoking onChunk
// for every data chunk received. It returns once the stream ends or ctx is
// cancelled.
func (c *Client) FetchShard(ctx context.Context, req *FetchShardRequest, onChunk func([]byte) error) error {
	ctx, err := c.authCtx(ctx)
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[1], "/"+serviceName+"/FetchShard")
	if err != nil {
		return fmt.Errorf("transport: opening FetchShard stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		chunk := new(FetchShardChunk)
		err := stream.RecvMsg(chunk)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return err
			}
			return err
		}
		if err := onChunk(chunk.Data); err != nil {
			return err
		}
	}
}

// Heartbeat pushes a signed gossip message, implementing
// membership.Sender.
func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatAck, error) {
	ctx, err := c.authCtx(ctx)
	if err != nil {
		return nil, err
	}
	ack := new(HeartbeatAck)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Heartbeat", req, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// Pool dials and caches one Client per peer address, implementing
// membership.Sender so the membership Table can push heartbeats without
// knowing about grpc directly.
type Pool struct {
	token TokenSource

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool builds a Pool that lazily dials and caches peer connections.
func NewPool(token TokenSource) *Pool {
	return &Pool{
		token:   token,
		clients: make(map[string]*Client),
	}
}

// ClientFor returns the cached or newly dialed Client for addr. Exported
// for callers outside this package (the Ingest and Read Coordinators)
// that need direct RPC access beyond the Sender interface.
func (p *Pool) ClientFor(ctx context.Context, addr string) (*Client, error) {
	return p.get(ctx, addr)
}

func (p *Pool) get(ctx context.Context, addr string) (*Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[addr]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := Dial(ctx, addr, p.token, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.clients[addr]; ok {
		p.mu.Unlock()
		c.Close()
		return existing, nil
	}
	p.clients[addr] = c
	p.mu.Unlock()
	return c, nil
}

// SendHeartbeat implements membership.Sender.
func (p *Pool) SendHeartbeat(ctx context.Context, addr string, h membership.Heartbeat) error {
	c, err := p.get(ctx, addr)
	if err != nil {
		return err
	}
	_, err = c.Heartbeat(ctx, &HeartbeatRequest{Heartbeat: h})
	return err
}
