package transport

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "anvil.transport.Peer"

// PeerServer is the handler interface a node implements for the peer
// transport service. server.go provides the concrete implementation
// wired to a shardstore.Store and a membership.Table.
type PeerServer interface {
	StageShard(stream grpc.ClientStreamingServer[StageShardChunk, StageAck]) error
	CommitShard(ctx context.Context, req *CommitShardRequest) (*CommitAck, error)
	FetchShard(req *FetchShardRequest, stream grpc.ServerStreamingServer[FetchShardChunk]) error
	RemoveShard(ctx context.Context, req *RemoveShardRequest) (*RemoveAck, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatAck, error)
}

func registerStageShardHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PeerServer).StageShard(&grpc.GenericServerStream[StageShardChunk, StageAck]{ServerStream: stream})
}

func registerFetchShardHandler(srv any, stream grpc.ServerStream) error {
	req := new(FetchShardRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(PeerServer).FetchShard(req, &grpc.GenericServerStream[FetchShardRequest, FetchShardChunk]{ServerStream: stream})
}

func commitShardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(CommitShardRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).CommitShard(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/CommitShard"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).CommitShard(ctx, req.(*CommitShardRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func removeShardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RemoveShardRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).RemoveShard(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/RemoveShard"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).RemoveShard(ctx, req.(*RemoveShardRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(HeartbeatRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Heartbeat(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate from a .proto file, targeting the same low-level
// grpc.ServiceDesc the generator itself produces.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CommitShard", Handler: commitShardHandler},
		{MethodName: "RemoveShard", Handler: removeShardHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StageShard", Handler: registerStageShardHandler, ClientStreams: true},
		{StreamName: "FetchShard", Handler: registerFetchShardHandler, ServerStreams: true},
	},
	Metadata: "anvil/transport.proto",
}

// RegisterPeerServer registers srv against s the way the generated
// RegisterXxxServer function would.
func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
