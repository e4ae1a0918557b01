package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	config "collabmesh/configs"
	"collabmesh/pkg/api"
	"collabmesh/pkg/api/middleware"
	"collabmesh/pkg/coordination"
	"collabmesh/pkg/coordination/etcd"
	"collabmesh/pkg/logger"
	tracing "collabmesh/pkg/observability"
	"collabmesh/pkg/relay"
	"collabmesh/pkg/storage"
	"collabmesh/pkg/storage/postgres"
	"collabmesh/pkg/storage/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		return err
	}

	log, err := logger.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.Log.Service,
		ServiceVersion: "1.0.0",
		Environment:    "production",
		Endpoint:       cfg.TracingEndpoint,
		Enabled:        cfg.TracingEnabled,
		SamplingRate:   cfg.TracingSample,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	nodeID := cfg.NodeID
	if nodeID == "" {
		if hostname, err := os.Hostname(); err == nil {
			nodeID = hostname + "-" + strconv.Itoa(cfg.Port)
		}
	}
	log = log.With(zap.String("node_id", nodeID))
	checks := make(map[string]api.Pinger)

	// Documents
	var documents storage.DocumentStore
	if cfg.DBHost != "" {
		store, err := postgres.NewDocumentStore(cfg.DSN())
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()
		documents = store
		checks["postgres"] = store
		log.Info("Postgres connected & schema initialized")
	} else {
		documents = storage.NewMemoryDocumentStore()
		log.Warn("DB_HOST not set, documents are kept in memory")
	}

	// Snapshots
	var snapshots storage.SnapshotStore
	if cfg.S3Bucket != "" {
		snapshots, err = storage.NewS3SnapshotStore(ctx, storage.S3SnapshotStoreConfig{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3KeyID,
			SecretAccessKey: cfg.S3Secret,
		})
	} else {
		snapshots, err = storage.NewLocalSnapshotStore(filepath.Join(cfg.StorageDir, "snapshots"))
	}
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot store: %w", err)
	}

	// Fan-out between relay instances
	hubOpts := []relay.Option{relay.WithLogger(log.Named("hub"))}
	if cfg.RedisHost != "" {
		broker, err := redis.NewBroker(redis.DefaultBrokerConfig(cfg.RedisAddr()), log.Named("broker"))
		if err != nil {
			return fmt.Errorf("failed to initialize redis broker: %w", err)
		}
		defer broker.Close()
		hubOpts = append(hubOpts, relay.WithBroker(broker))
		checks["redis"] = broker
		log.Info("Redis connected", zap.String("addr", cfg.RedisAddr()))
	}

	// Coordination
	var coord coordination.Coordinator
	if len(cfg.EtcdEndpoints) > 0 {
		etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		coord = etcdCoord
		log.Info("Connected to etcd", zap.Strings("endpoints", cfg.EtcdEndpoints))
	} else {
		coord = coordination.NewLocalCoordinator()
	}
	defer coord.Close()
	election := coord.NewElection(relay.ElectionName)

	hub := relay.NewHub(relay.Config{
		NodeID:            nodeID,
		MaxRooms:          cfg.MaxRooms,
		MaxDocumentSize:   cfg.MaxDocumentSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StoreDebounce:     cfg.StoreDebounce,
	}, documents, hubOpts...)
	signaling := relay.NewSignalingHub(cfg.HeartbeatInterval, log.Named("signaling"))
	archiver := relay.NewArchiver(relay.ArchiverConfig{
		NodeID:   nodeID,
		Schedule: cfg.ArchiveSchedule,
	}, documents, snapshots, election, log.Named("archiver"))

	hostname, _ := os.Hostname()
	announcer := relay.NewAnnouncer(nodeID, fmt.Sprintf("%s:%d", hostname, cfg.Port), cfg.LeaderElectionTTL, coord, hub, log.Named("cluster"))

	server := api.NewServer(api.Config{
		Port:        strconv.Itoa(cfg.Port),
		Hub:         hub,
		Signaling:   signaling,
		Store:       documents,
		Coordinator: coord,
		Election:    election,
		Archiver:    archiver,
		Checks:      checks,
		Logger:      log.Named("api"),
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit,
			BurstSize:         cfg.RateBurst,
		},
		MaxBodySize: int64(cfg.MaxDocumentSize),
		ServiceName: cfg.Log.Service,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return archiver.Run(gctx) })
	g.Go(func() error { return announcer.Run(gctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		signaling.Close()
		return multierr.Append(err, hub.Close(shutdownCtx))
	})

	log.Info("Relay started",
		zap.Int("port", cfg.Port),
		zap.Int("max_rooms", cfg.MaxRooms),
		zap.Bool("fanout", cfg.RedisHost != ""),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}
