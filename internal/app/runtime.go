// Package app assembles the sync engine: storage, cache, transport, the
// version and subscription services, the coordinator, and the recovery loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/quillstone/charsync/internal/storage/cache"
	"github.com/quillstone/charsync/internal/storage/sqlite"
	"github.com/quillstone/charsync/internal/sync/conflict"
	"github.com/quillstone/charsync/internal/sync/coordinator"
	"github.com/quillstone/charsync/internal/sync/recovery"
	"github.com/quillstone/charsync/internal/sync/subscription"
	"github.com/quillstone/charsync/internal/sync/version"
	"github.com/quillstone/charsync/internal/transport/ws"
)

// RuntimeConfig controls syncd startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port                int
	DBPath              string
	RemoteURL           string
	SyncInterval        time.Duration
	HeartbeatInterval   time.Duration
	SubscriptionTimeout time.Duration
	RetryInterval       time.Duration
	MaxRetries          int
	RetryBatch          int
	CacheTTL            time.Duration
}

const (
	defaultSyncdPort = 8094
	defaultSyncdDB   = "data/syncd.db"
	defaultCacheTTL  = 60 * time.Second
)

// Run starts syncd dependencies and all background sync loops, blocking
// until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.RemoteURL) == "" {
		return fmt.Errorf("remote sync url is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSyncdPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultSyncdDB
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create syncd storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open syncd sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close syncd sqlite store: %v", closeErr)
		}
	}()
	cached := cache.Wrap(store, cfg.CacheTTL)

	wire, err := ws.Dial(ctx, cfg.RemoteURL)
	if err != nil {
		return fmt.Errorf("dial remote sync service: %w", err)
	}
	defer func() {
		if closeErr := wire.Close(); closeErr != nil {
			log.Printf("close sync transport: %v", closeErr)
		}
	}()

	versions := version.NewService(cached)
	resolver := conflict.NewResolver()
	recoveryManager := recovery.NewManager(cached, versions, cached, wire, recovery.Options{
		MaxRetries:    cfg.MaxRetries,
		BatchSize:     cfg.RetryBatch,
		RetryInterval: cfg.RetryInterval,
	})
	syncCoordinator := coordinator.NewCoordinator(cached, versions, resolver, wire, recoveryManager)
	recoveryManager.AttachPusher(syncCoordinator)
	subscriptions := subscription.NewManager(cached, wire, recoveryManager)
	syncCoordinator.Attach()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on syncd port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("charsync.syncd", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("syncd listening at %v, syncing with %s", listener.Addr(), cfg.RemoteURL)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return syncCoordinator.RunSyncLoop(groupCtx, cfg.SyncInterval)
	})
	group.Go(func() error {
		return subscriptions.RunHeartbeatLoop(groupCtx, cfg.HeartbeatInterval)
	})
	group.Go(func() error {
		// The cleanup sweep runs at the silence timeout itself.
		return subscriptions.RunCleanupLoop(groupCtx, cfg.SubscriptionTimeout, cfg.SubscriptionTimeout)
	})
	group.Go(func() error {
		return recoveryManager.RunRetryLoop(groupCtx, cfg.RetryInterval)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
