// Command anvil-node runs one storage node: the peer gRPC listener, the
// membership heartbeat loop, and the background task worker, all brought
// down together on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anvil/pkg/app"
	"anvil/pkg/config"
	"anvil/pkg/worker"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "anvil-node",
	Short: "Anvil storage node: peer transport, gossip, and the task worker",
	RunE:  runNode,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml in ., /etc/anvil, or $HOME/.anvil)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Error("loading config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("initializing node", "error", err)
		return err
	}

	lis, err := net.Listen("tcp", cfg.TransportListenAddr)
	if err != nil {
		logger.Error("listening", "addr", cfg.TransportListenAddr, "error", err)
		return err
	}

	w := worker.New(a.Repo, a.Pool, a.PeerAddr, worker.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("peer transport listening", "addr", cfg.TransportListenAddr)
		return a.GRPCServer.Serve(lis)
	})
	g.Go(func() error {
		return a.Table.Run(gctx)
	})
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			if _, err := a.Store.Sweep(gctx); err != nil {
				logger.Warn("sweeping staging files", "error", err)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		a.GRPCServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("node exited", "error", err)
		return err
	}
	fmt.Fprintln(os.Stdout, "anvil-node stopped")
	return nil
}
