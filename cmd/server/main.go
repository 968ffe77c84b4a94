package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gocql/gocql"

	"estatechat/internal/app/chat"
	"estatechat/internal/infra/broker/kafka"
	redisbus "estatechat/internal/infra/broker/redis"
	"estatechat/internal/infra/config"
	"estatechat/internal/infra/db/gormdb"
	mongodb "estatechat/internal/infra/db/mongo"
	"estatechat/internal/infra/db/scylla"
	ginserver "estatechat/internal/infra/http/gin"
	"estatechat/internal/infra/obs"
	"estatechat/internal/infra/realtime"
	"estatechat/internal/infra/storage/memory"
	"estatechat/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev", "info")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err, "store", cfg.StoreDriver, "bus", cfg.BusDriver)
		os.Exit(1)
	}

	var workers sync.WaitGroup
	for name, run := range app.listeners {
		workers.Add(1)
		go func(name string, run func(context.Context) error) {
			defer workers.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("realtime listener stopped", "listener", name, "error", err)
			}
		}(name, run)
	}

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Checks: app.checks}, app.handlers)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "env", cfg.Env, "store", cfg.StoreDriver, "bus", cfg.BusDriver, "instance", cfg.InstanceID)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
	}
	stop()
	workers.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	app.close(closeCtx, logger)
	logger.Info("HTTP server stopped")
}

type application struct {
	chat      *chat.Service
	handlers  ginserver.Handlers
	checks    map[string]obs.Check
	listeners map[string]func(context.Context) error
	closers   []namedCloser
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

func (a *application) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// close releases resources in reverse order of acquisition.
func (a *application) close(ctx context.Context, logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].fn(ctx); err != nil {
			logger.Warn("close failed", "resource", a.closers[i].name, "error", err)
		}
	}
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		checks:    make(map[string]obs.Check),
		listeners: make(map[string]func(context.Context) error),
	}
	svc := &chat.Service{Logger: logger}
	app.chat = svc

	if err := app.wireStore(ctx, cfg, logger, svc); err != nil {
		app.close(context.Background(), logger)
		return nil, err
	}
	if err := app.wireRealtime(ctx, cfg, logger, svc); err != nil {
		app.close(context.Background(), logger)
		return nil, err
	}
	if cfg.AttachmentsEnabled() {
		objects, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3PublicEndpoint, logger)
		if err != nil {
			app.close(context.Background(), logger)
			return nil, err
		}
		svc.Objects = objects
		app.checks["s3"] = objects.Ping
	} else {
		logger.Info("attachment uploads disabled", "reason", "S3_ENDPOINT not set")
	}

	app.handlers = ginserver.Handlers{
		Chat: ginserver.ChatHandler{
			Chat:           svc,
			Logger:         logger,
			MaxUploadBytes: 20 << 20,
		},
		Realtime: ginserver.RealtimeHandler{
			Service:        svc,
			Logger:         logger,
			AllowedOrigins: cfg.AllowedOrigins,
		},
	}
	return app, nil
}

func (a *application) wireStore(ctx context.Context, cfg config.Config, logger *slog.Logger, svc *chat.Service) error {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		svc.Store = memory.NewStore()
		svc.Idempotency = memory.NewIdempotencyStore(cfg.IdempotencyTTL)
		dir, err := loadMemoryDirectory(cfg.FixturesPath, logger)
		if err != nil {
			return err
		}
		svc.Profiles, svc.Properties = dir, dir

	case config.StoreMongo:
		client, err := mongodb.New(ctx, cfg.MongoURI, cfg.MongoDB, cfg.MongoTimeout)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		a.onClose("mongo", client.Close)
		a.checks["mongo"] = client.Ping
		store := mongodb.NewStore(client.DB, cfg.MongoTransactions)
		if err := store.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		idem, err := mongodb.NewIdempotencyStore(ctx, client.DB, cfg.IdempotencyTTL)
		if err != nil {
			return fmt.Errorf("mongo idempotency: %w", err)
		}
		dir := mongodb.NewDirectory(client.DB)
		svc.Store, svc.Idempotency = store, idem
		svc.Profiles, svc.Properties = dir, dir

	case config.StorePostgres:
		db, err := gormdb.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.onClose("postgres", func(context.Context) error { return gormdb.Close(db) })
		a.checks["postgres"] = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
		dir := gormdb.NewDirectory(db)
		if err := seedDirectory(ctx, cfg.FixturesPath, dir, logger); err != nil {
			return err
		}
		svc.Store = gormdb.NewStore(db)
		svc.Idempotency = gormdb.NewIdempotencyStore(db, cfg.IdempotencyTTL)
		svc.Profiles, svc.Properties = dir, dir

	case config.StoreScylla:
		session, err := scylla.NewSession(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("scylla init: %w", err)
		}
		a.onClose("scylla", func(context.Context) error { session.Close(); return nil })
		a.checks["scylla"] = func(ctx context.Context) error {
			return session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Consistency(gocql.One).Exec()
		}
		dir, err := loadMemoryDirectory(cfg.FixturesPath, logger)
		if err != nil {
			return err
		}
		svc.Store = scylla.NewStore(session, logger)
		svc.Idempotency = scylla.NewIdempotencyStore(session)
		svc.Profiles, svc.Properties = dir, dir

	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	logger.Info("chat store ready", "driver", cfg.StoreDriver)
	return nil
}

func (a *application) wireRealtime(ctx context.Context, cfg config.Config, logger *slog.Logger, svc *chat.Service) error {
	hub := realtime.NewHub(cfg.HubBuffer, logger)
	bridge := &realtime.Bridge{Hub: hub, Origin: cfg.InstanceID, Logger: logger}
	svc.Publisher = bridge
	svc.Feed = hub

	switch cfg.BusDriver {
	case config.BusLocal:

	case config.BusKafka:
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, nil)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		a.onClose("kafka producer", func(context.Context) error { return producer.Close() })
		// one group per instance so every instance receives every event
		groupID := cfg.KafkaGroupID + "-" + cfg.InstanceID
		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, groupID, nil, func(_ context.Context, payload []byte) error {
			return bridge.Receive(payload)
		}, logger)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		a.onClose("kafka consumer", func(context.Context) error { return consumer.Close() })
		bridge.Transport = producer
		a.listeners["kafka"] = func(ctx context.Context) error {
			return consumer.Run(ctx, []string{producer.Topic()})
		}

	case config.BusRedis:
		client, err := redisbus.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.onClose("redis", func(context.Context) error { return client.Close() })
		pubsub := redisbus.NewPubSub(client, logger)
		bridge.Transport = pubsub
		a.checks["redis"] = pubsub.Ping
		a.listeners["redis"] = func(ctx context.Context) error {
			return pubsub.Listen(ctx, bridge.Receive)
		}

	default:
		return fmt.Errorf("unsupported bus driver %q", cfg.BusDriver)
	}
	logger.Info("realtime bus ready", "driver", cfg.BusDriver, "origin", cfg.InstanceID)
	return nil
}

func loadMemoryDirectory(path string, logger *slog.Logger) (*memory.Directory, error) {
	dir := memory.NewDirectory()
	n, err := dir.LoadFixtures(path)
	if err != nil {
		return nil, fmt.Errorf("directory fixtures: %w", err)
	}
	logger.Info("directory fixtures imported", "path", path, "records", n)
	return dir, nil
}

func seedDirectory(ctx context.Context, path string, dir *gormdb.Directory, logger *slog.Logger) error {
	fx, err := memory.ReadFixtures(path)
	if err != nil {
		return fmt.Errorf("directory fixtures: %w", err)
	}
	n, err := fx.Apply(
		func(p chat.Profile) error { return dir.PutProfile(ctx, p) },
		func(propertyID, ownerID string) error { return dir.PutProperty(ctx, propertyID, ownerID) },
	)
	if err != nil {
		return fmt.Errorf("seed directory: %w", err)
	}
	logger.Info("directory fixtures imported", "path", path, "records", n)
	return nil
}
