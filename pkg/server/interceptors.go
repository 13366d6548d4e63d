package server

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"anvil/pkg/errs"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryLoggingInterceptor logs one structured line per unary RPC (CommitShard,
// Heartbeat), including the gRPC status code and latency.
func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(logger, "unary", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs one structured line per streaming RPC
// (StageShard, FetchShard) once the stream completes.
func StreamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logRPC(logger, "stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

func logRPC(logger *slog.Logger, kind, method string, dur time.Duration, err error) {
	st, _ := status.FromError(err)
	code := st.Code()

	level := slog.LevelInfo
	if code != codes.OK {
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		} else {
			level = slog.LevelWarn
		}
	}

	attrs := []any{
		slog.String("kind", kind),
		slog.String("method", method),
		slog.String("code", code.String()),
		slog.Duration("dur", dur),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	logger.Log(context.Background(), level, "peer rpc", attrs...)
}

// UnaryRecoveryInterceptor converts a panic inside a unary handler into an
// Internal status instead of tearing down the connection.
func UnaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFromPanic(logger, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

// StreamRecoveryInterceptor is the streaming-RPC counterpart of
// UnaryRecoveryInterceptor.
func StreamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFromPanic(logger, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

// UnaryErrorMappingInterceptor translates a handler's *errs.Error into the
// gRPC status its Kind maps to (errs.GRPCCode), so the coordinators and
// store layers underneath a handler can return plain errs errors instead of
// constructing a status themselves.
func UnaryErrorMappingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		return resp, mapErr(err)
	}
}

// StreamErrorMappingInterceptor is the streaming-RPC counterpart of
// UnaryErrorMappingInterceptor.
func StreamErrorMappingInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return mapErr(handler(srv, ss))
	}
}

func mapErr(err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return status.Error(errs.GRPCCode(e.Kind), e.Error())
	}
	return err
}

func recoverFromPanic(logger *slog.Logger, method string, p any) error {
	logger.Error("panic recovered in peer rpc handler",
		slog.String("method", method),
		slog.Any("panic", p),
		slog.String("stack", string(debug.Stack())),
	)
	return status.Errorf(codes.Internal, "internal server error")
}
