package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/streamstate/internal/checkpoint"
	"github.com/devrev/pairdb/streamstate/internal/config"
	"github.com/devrev/pairdb/streamstate/internal/epoch"
	"github.com/devrev/pairdb/streamstate/internal/exchange"
	"github.com/devrev/pairdb/streamstate/internal/health"
	"github.com/devrev/pairdb/streamstate/internal/meta/hummock"
	"github.com/devrev/pairdb/streamstate/internal/meta/storage"
	"github.com/devrev/pairdb/streamstate/internal/metrics"
	"github.com/devrev/pairdb/streamstate/internal/server"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"github.com/devrev/pairdb/streamstate/internal/storage/commitlog"
	"github.com/devrev/pairdb/streamstate/internal/storage/diskmanager"
	"github.com/devrev/pairdb/streamstate/internal/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.LoadConfig(config.PathFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(os.Args) > 1 && os.Args[1] == "take" {
		if err := runTake(cfg, logger, os.Args[2:]); err != nil {
			logger.Fatal("Take failed", zap.Error(err))
		}
		return
	}

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("state_store", cfg.StateStore.Backend),
		zap.String("meta_store", cfg.MetaStore.Backend))

	ctx := context.Background()
	m := metrics.NewMetrics(prometheus.DefaultRegisterer, cfg.Server.NodeID)

	stateStore, closeState, err := openStateStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer closeState()
	metered := state.NewMeteredStateStore(stateStore, m)

	metaStore, err := openMetaStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open meta store", zap.Error(err))
	}
	defer metaStore.Close()

	snapshots, err := hummock.NewSnapshotManager(ctx, metaStore, logger, m)
	if err != nil {
		logger.Fatal("Failed to load pinned snapshots", zap.Error(err))
	}

	generator := epoch.NewMemGenerator(epoch.WithObserver(func(e epoch.Epoch) {
		m.RecordEpoch(uint64(e))
	}))

	coordinator := checkpoint.NewCoordinator(
		&checkpoint.Config{
			Interval:  cfg.Checkpoint.Interval,
			Workers:   cfg.Checkpoint.Workers,
			QueueSize: cfg.Checkpoint.QueueSize,
		},
		generator,
		metered,
		snapshots,
		logger,
		m,
	)
	coordinator.Start()

	// Exchange service and gRPC health
	taskManager := exchange.NewTaskManager(cfg.Exchange.SinkBuffer, logger)
	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConnections)),
	)
	exchange.NewExchangeServer(taskManager, logger, m).Register(grpcServer)

	healthSrv := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	healthDir := ""
	if cfg.StateStore.Backend == config.BackendDurable {
		healthDir = cfg.StateStore.DataDir
	}
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:   cfg.Server.NodeID,
		DataDir:  healthDir,
		Services: []string{exchange.ServiceName},
	}, healthSrv, logger)
	if redisStore, ok := metaStore.(*storage.RedisMetaStore); ok {
		checker.AddCheck(health.Check{Name: "meta_store", Critical: true, Fn: redisStore.Ping})
	}
	if pgStore, ok := stateStore.(*postgres.StateStore); ok {
		checker.AddCheck(health.Check{Name: "state_store", Critical: true, Fn: func(ctx context.Context) error {
			_, _, err := pgStore.Get(ctx, []byte{})
			return err
		}})
	}
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go checker.Start(healthCtx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:    cfg.Metrics.Port,
			Path:    cfg.Metrics.Path,
			DataDir: healthDir,
		}, m, logger)
		metricsServer.AddReadyCheck("health", checker.Ready)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("Streamstate node starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", addr),
		zap.Stringer("max_committed_epoch", snapshots.MaxCommittedEpoch()))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		checker.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := coordinator.Stop(shutdownCtx); err != nil {
			logger.Error("Final checkpoint failed", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil {
				logger.Error("Failed to stop metrics server", zap.Error(err))
			}
		}

		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}

func openStateStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (state.StateStore, func(), error) {
	switch cfg.StateStore.Backend {
	case config.BackendMemory:
		return state.NewMemoryStateStore(), func() {}, nil

	case config.BackendPostgres:
		db, err := postgres.Open(cfg.StateStore.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewStateStore(db, cfg.StateStore.Postgres.Table, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	default:
		store, err := state.OpenDurableStateStore(ctx, &commitlog.Config{
			SegmentSize:   cfg.StateStore.CommitLog.SegmentSize,
			SyncWrites:    cfg.StateStore.CommitLog.SyncWrites,
			MaxRecordSize: cfg.StateStore.CommitLog.MaxRecordSize,
		}, cfg.StateStore.CommitLog.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		disk, err := diskmanager.NewDiskManager(diskmanager.DefaultConfig(cfg.StateStore.CommitLog.Dir), logger)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		store.SetWriteGuard(disk)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close state store", zap.Error(err))
			}
		}, nil
	}
}

func openMetaStore(cfg *config.Config, logger *zap.Logger) (storage.MetaStore, error) {
	if cfg.MetaStore.Backend == config.BackendRedis {
		store, err := storage.NewRedisMetaStore(storage.RedisConfig{
			Addr:      cfg.MetaStore.RedisAddr,
			Password:  cfg.MetaStore.Password,
			DB:        cfg.MetaStore.DB,
			Namespace: cfg.MetaStore.Namespace,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return storage.NewMemStore(), nil
}

// initLogger builds a json (production) or console (development) logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
