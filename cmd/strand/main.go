package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/strandkv/strand/internal/config"
	"github.com/strandkv/strand/internal/coordinator"
	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/membership"
	"github.com/strandkv/strand/internal/metrics"
	"github.com/strandkv/strand/internal/migration"
	"github.com/strandkv/strand/internal/model"
	"github.com/strandkv/strand/internal/storage"
	"github.com/strandkv/strand/internal/transport"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting strand cache node",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("replication_factor", cfg.Replication.Factor),
		zap.Int("write_quorum", cfg.Replication.WriteQuorum),
		zap.Int("read_quorum", cfg.Replication.ReadQuorum))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Server.NodeID)
		logger.Info("Metrics initialized")
	}

	engine := storage.NewMemoryEngine(cfg.Storage.TombstoneGrace, logger)
	publisher := hashring.NewPublisher(hashring.New())

	advertise := cfg.Server.AdvertiseAddr
	if advertise == "" {
		advertise = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	memb := membership.NewManager(membership.Config{
		LocalID:           model.NodeID(cfg.Server.NodeID),
		LocalAddr:         advertise,
		VNodeCount:        cfg.HashRing.VirtualNodes,
		ReplicationFactor: cfg.Replication.Factor,
		HeartbeatInterval: cfg.Membership.HeartbeatInterval,
		MissedThreshold:   cfg.Membership.MissedThreshold,
		DeadGrace:         cfg.Membership.DeadGrace,
		GossipInterval:    cfg.Membership.GossipInterval,
	}, publisher, m, logger)

	// The transport resolves peer addresses through the membership table.
	rpc := transport.NewHTTPTransport(memb, nil, logger)
	memb.SetTransport(rpc)

	coord := coordinator.New(coordinator.Config{
		LocalID:           model.NodeID(cfg.Server.NodeID),
		ReplicationFactor: cfg.Replication.Factor,
		WriteQuorum:       cfg.Replication.WriteQuorum,
		ReadQuorum:        cfg.Replication.ReadQuorum,
		OpTimeout:         cfg.Replication.OpTimeout,
		RetryAttempts:     cfg.Replication.RetryAttempts,
		RetryBackoff:      cfg.Replication.RetryBackoff,
	}, publisher, rpc, m, logger)

	migr := migration.NewManager(migration.Config{
		VNodeCount:        cfg.HashRing.VirtualNodes,
		ReplicationFactor: cfg.Replication.Factor,
		CopyRate:          cfg.Migration.CopyRate,
		CopyBurst:         cfg.Migration.CopyBurst,
		DrainRounds:       cfg.Migration.DrainRounds,
		OpTimeout:         cfg.Migration.OpTimeout,
		CleanupDelay:      cfg.Migration.CleanupDelay,
	}, publisher, rpc, coord, memb.Forget, m, logger)

	// Topology changes flow from the detector into migration planning.
	memb.SetJoinHandler(migr.HandleNodeJoin)
	memb.SetDeadHandler(migr.HandleNodeDead)

	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = m.Handler()
	}
	server := transport.NewServer(engine, coord, memb.HandleGossip, rpc, metricsHandler, logger)

	seeds := make([]model.PhysicalNode, 0, len(cfg.Membership.Seeds))
	for _, seed := range cfg.Membership.Seeds {
		seeds = append(seeds, model.PhysicalNode{ID: model.NodeID(seed.ID), Addr: seed.Addr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	memb.Bootstrap(seeds)
	memb.Start(ctx)
	migr.Start(ctx)
	go engine.RunTombstoneGC(ctx, cfg.Storage.GCInterval)
	logger.Info("Cluster services started", zap.Int("seeds", len(seeds)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Serving", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
	logger.Info("Cache node stopped")
}

// buildLogger constructs the process logger from the logging section.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
