// Package app assembles the dependency container for one node: the config,
// storage, transport, and coordinator layers, wired together the way a
// real deployment needs them rather than however a test finds convenient.
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"

	"anvil/pkg/codec"
	"anvil/pkg/config"
	"anvil/pkg/ingest"
	"anvil/pkg/membership"
	"anvil/pkg/metastore"
	metacache "anvil/pkg/metastore/cache"
	"anvil/pkg/placement"
	"anvil/pkg/read"
	"anvil/pkg/server"
	"anvil/pkg/shardstore"
	"anvil/pkg/shardstore/s3backend"
	"anvil/pkg/transport"
	"anvil/pkg/types"

	"google.golang.org/grpc"
)

// App is the dependency container for one node. It holds every "singleton"
// service the transport listener, heartbeat loop, and task worker share.
type App struct {
	Config config.Config

	Repo  *metastore.Repository
	Store *shardstore.Store
	Codec *codec.Codec

	Table      *membership.Table
	Pool       *transport.Pool
	PeerServer *transport.Server
	GRPCServer *grpc.Server

	Ingest *ingest.Coordinator
	Read   *read.Coordinator

	logger *slog.Logger
}

// New is the factory function that assembles one node's dependency graph
// from a resolved Config. It connects to both metadata databases and opens
// the local shard store, but does not start any background loop (the
// heartbeat table, gRPC listener, and task worker are started by the
// caller, typically cmd/anvil-node).
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	globalDB, err := metastore.Open(ctx, metastore.Config{
		Host: cfg.GlobalDSN.Host, Port: cfg.GlobalDSN.Port, User: cfg.GlobalDSN.User,
		Password: cfg.GlobalDSN.Password, DBName: cfg.GlobalDSN.DBName, SSLMode: cfg.GlobalDSN.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("app: opening global store: %w", err)
	}
	if err := globalDB.AutoMigrate(metastore.GlobalMigrations()...); err != nil {
		return nil, fmt.Errorf("app: migrating global store: %w", err)
	}

	regionalDB, err := metastore.Open(ctx, metastore.Config{
		Host: cfg.RegionalDSN.Host, Port: cfg.RegionalDSN.Port, User: cfg.RegionalDSN.User,
		Password: cfg.RegionalDSN.Password, DBName: cfg.RegionalDSN.DBName, SSLMode: cfg.RegionalDSN.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("app: opening regional store: %w", err)
	}
	if err := regionalDB.AutoMigrate(metastore.RegionalMigrations()...); err != nil {
		return nil, fmt.Errorf("app: migrating regional store: %w", err)
	}

	repo := metastore.NewRepository(globalDB, metastore.SingleRegion(regionalDB))

	store, err := shardstore.New(cfg.ShardRoot, shardstore.WithStagingTTL(cfg.StagingTTL), shardstore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: opening shard store: %w", err)
	}

	var atRestKey [codec.KeySize]byte
	keyBytes, err := hex.DecodeString(cfg.AtRestKeyHex)
	if err != nil || len(keyBytes) != codec.KeySize {
		return nil, fmt.Errorf("app: at-rest key must be %d bytes hex-encoded", codec.KeySize)
	}
	copy(atRestKey[:], keyBytes)

	params := codec.Params{
		Key:          atRestKey,
		Algorithm:    codec.AEADAlgorithm(cfg.AEADAlgorithm),
		DataShards:   cfg.DataShards,
		ParityShards: cfg.ParityShards,
		StripeSize:   cfg.StripeSize,
	}
	cdc, err := codec.New(params)
	if err != nil {
		return nil, fmt.Errorf("app: building codec: %w", err)
	}

	publicAddrs := cfg.PublicAddrs
	if len(publicAddrs) == 0 && cfg.LocalDiscoveryEnable {
		addr, err := detectLocalAddr(cfg.TransportListenAddr)
		if err != nil {
			return nil, fmt.Errorf("app: local discovery: %w", err)
		}
		logger.Info("local discovery resolved public address", "addr", addr)
		publicAddrs = []string{addr}
	}

	localID := types.PeerID(cfg.TransportListenAddr)
	if len(publicAddrs) > 0 {
		localID = types.PeerID(publicAddrs[0])
	}

	clusterSecret := []byte(cfg.ClusterSecretHex)
	tokenSource := transport.HMACTokenSource{Secret: []byte(cfg.TokenSecretHex), PeerID: string(localID)}
	pool := transport.NewPool(tokenSource)

	selfHeartbeat := membership.Heartbeat{
		PeerID:         localID,
		TransportAddrs: publicAddrs,
	}
	table := membership.New(selfHeartbeat, clusterSecret, cfg.HeartbeatInterval, cfg.LivenessWindow, cfg.EvictionWindow, cfg.BootstrapPeers, pool)

	peerServer := transport.NewServer(store, table, clusterSecret, logger)

	authUnary, authStream := transport.AuthInterceptors([]byte(cfg.TokenSecretHex))
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(server.UnaryRecoveryInterceptor(logger), authUnary, server.UnaryLoggingInterceptor(logger), server.UnaryErrorMappingInterceptor()),
		grpc.ChainStreamInterceptor(server.StreamRecoveryInterceptor(logger), authStream, server.StreamLoggingInterceptor(logger), server.StreamErrorMappingInterceptor()),
	)
	transport.RegisterPeerServer(grpcServer, peerServer)

	placer := placement.New()
	ingestCoord := ingest.New(repo, store, cdc, placer, table, pool, logger)

	var lookup read.ObjectLookuper = repo
	if cfg.RedisURL != "" {
		cached, err := metacache.New(ctx, metacache.Config{RedisURL: cfg.RedisURL, TTL: cfg.MetadataCacheTTL}, repo.LookupObject, logger)
		if err != nil {
			return nil, fmt.Errorf("app: connecting to metadata cache: %w", err)
		}
		lookup = cached
		ingestCoord.WithInvalidator(cached)
	}

	// The Ingest Coordinator always talks to the local two-phase Store; the
	// Read Coordinator talks to a Backend, which is the local Store unless a
	// remote tier is configured, so a node can serve shards out of
	// S3-compatible storage instead of its own disk.
	var readBackend shardstore.Backend = store
	if cfg.RemoteTierBucket != "" {
		remote, err := s3backend.New(ctx, s3backend.Config{
			Endpoint:        cfg.RemoteTierEndpoint,
			Region:          cfg.RemoteTierRegion,
			Bucket:          cfg.RemoteTierBucket,
			AccessKeyID:     cfg.RemoteTierAccessKey,
			SecretAccessKey: cfg.RemoteTierSecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("app: connecting to remote shard tier: %w", err)
		}
		readBackend = remote
	}

	app := &App{
		Config:     cfg,
		Repo:       repo,
		Store:      store,
		Codec:      cdc,
		Table:      table,
		Pool:       pool,
		PeerServer: peerServer,
		GRPCServer: grpcServer,
		Ingest:     ingestCoord,
		logger:     logger,
	}
	app.Read = read.New(repo, lookup, readBackend, cdc, pool, localID, app.PeerAddr, logger)
	return app, nil
}

// PeerAddr resolves a peer id to its transport address via the live
// membership table, used by the Task Worker.
func (a *App) PeerAddr(id types.PeerID) (string, bool) {
	for _, p := range a.Table.All() {
		if p.ID == id && len(p.TransportAddrs) > 0 {
			return p.TransportAddrs[0], true
		}
	}
	return "", false
}

// detectLocalAddr finds this host's outbound IP by opening a UDP "connection"
// to a well-known address (no packet is actually sent) and reading the local
// socket's address, then pairs it with listenAddr's port. Used when
// bootstrap.local_discovery is enabled and no public address was configured
// explicitly, mirroring the teacher cluster's self-IP discovery for nodes
// that don't sit behind a fixed load balancer address.
func detectLocalAddr(listenAddr string) (string, error) {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("parsing transport listen addr: %w", err)
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("resolving outbound interface: %w", err)
	}
	defer conn.Close()
	host := conn.LocalAddr().(*net.UDPAddr).IP.String()
	return net.JoinHostPort(host, port), nil
}
