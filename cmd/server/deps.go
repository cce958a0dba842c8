package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/quillpost/api/internal/config"
	"github.com/quillpost/api/internal/logger"
	"github.com/quillpost/api/internal/queue"
	"github.com/quillpost/api/internal/store"
	"github.com/quillpost/api/internal/worker"
)

// runtime holds the connections shared by every command
type runtime struct {
	cfg   *config.Config
	log   *logrus.Logger
	redis *redis.Client
	db    *gorm.DB
	pool  *pgxpool.Pool
	jobs  *store.JobStore
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(&cfg.Log)

	db, err := store.OpenGorm(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(db); err != nil {
			return nil, err
		}
	}

	pool, err := store.OpenPool(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis not available")
	}

	return &runtime{
		cfg:   cfg,
		log:   log,
		redis: rdb,
		db:    db,
		pool:  pool,
		jobs:  store.NewJobStore(db),
	}, nil
}

func (rt *runtime) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	}
}

// enqueuer returns the configured queue backend for submissions.
func (rt *runtime) enqueuer() (queue.Enqueuer, error) {
	switch rt.cfg.Queue.Driver {
	case config.QueueDriverAsynq:
		return queue.NewAsynqQueue(asynq.NewClient(rt.redisOpt())), nil
	case config.QueueDriverAMQP:
		return queue.NewAMQPQueue(rt.cfg.Queue.AMQPURL, rt.cfg.Queue.AMQPQueue)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", rt.cfg.Queue.Driver)
	}
}

func (rt *runtime) importWorker(notifier worker.Notifier) *worker.ImportWorker {
	return worker.NewImportWorker(
		rt.jobs,
		store.NewPostWriter(rt.pool),
		notifier,
		worker.Config{
			BatchSize:       rt.cfg.Import.BatchSize,
			MaxLoggedErrors: rt.cfg.Import.MaxLoggedErrors,
		},
		rt.log,
	)
}

// consume runs the import worker against the configured queue until ctx is done.
func (rt *runtime) consume(ctx context.Context, w *worker.ImportWorker) error {
	concurrency := rt.cfg.Worker.Concurrency
	rt.log.WithFields(logrus.Fields{
		"driver":      rt.cfg.Queue.Driver,
		"concurrency": concurrency,
	}).Info("Import worker starting")

	switch rt.cfg.Queue.Driver {
	case config.QueueDriverAsynq:
		srv := queue.NewAsynqServer(rt.redisOpt(), concurrency, rt.log)
		if err := srv.Start(queue.NewAsynqMux(w.Process)); err != nil {
			return fmt.Errorf("start asynq server: %w", err)
		}
		<-ctx.Done()
		srv.Shutdown()
		return nil

	case config.QueueDriverAMQP:
		q, err := queue.NewAMQPQueue(rt.cfg.Queue.AMQPURL, rt.cfg.Queue.AMQPQueue)
		if err != nil {
			return err
		}
		defer q.Close()
		return q.Consume(ctx, concurrency, w.Process, rt.log.WithField("component", "amqp_consumer"))

	default:
		return fmt.Errorf("unknown queue driver %q", rt.cfg.Queue.Driver)
	}
}

func (rt *runtime) Close() {
	rt.pool.Close()
	if sqlDB, err := rt.db.DB(); err == nil {
		sqlDB.Close()
	}
	rt.redis.Close()
}
