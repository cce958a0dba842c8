package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quillpost/api/internal/auth"
	"github.com/quillpost/api/internal/client"
	"github.com/quillpost/api/internal/handler"
	"github.com/quillpost/api/internal/middleware"
	"github.com/quillpost/api/internal/notify"
	"github.com/quillpost/api/internal/server"
	"github.com/quillpost/api/internal/service"
	"github.com/quillpost/api/internal/storage"
	ws "github.com/quillpost/api/internal/websocket"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, with the import worker unless WORKER_EMBEDDED=false",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, log := rt.cfg, rt.log

	files, err := storage.NewLocalStore(cfg.Import.UploadDir)
	if err != nil {
		return err
	}

	var archive client.ObjectStorage
	if cfg.Storage.StorageConfigured() {
		s3c, err := client.NewS3Client(&cfg.Storage)
		if err != nil {
			return err
		}
		archive = s3c
		log.WithField("bucket", cfg.Storage.BucketName).Info("Upload archiving enabled")
	}

	q, err := rt.enqueuer()
	if err != nil {
		return err
	}
	defer q.Close()

	var verifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" {
		v, err := auth.NewJWKSVerifier(ctx, &cfg.OIDC)
		if err != nil {
			return err
		}
		verifier = v
	}

	hub := ws.NewHub(log)
	svc := service.NewImportService(rt.jobs, files, archive, q, log)
	defer svc.Close()
	maxUpload := int64(cfg.Import.MaxUploadMB) * 1024 * 1024

	app := server.NewApp(server.Deps{
		Imports:     handler.NewImportHandler(svc, hub, validator.New(), maxUpload),
		Auth:        middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret),
		RateLimiter: middleware.NewRateLimiter(rt.redis, log),
		Checks: map[string]server.HealthCheck{
			"redis": func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() },
			"database": func(ctx context.Context) error {
				return rt.pool.Ping(ctx)
			},
		},
		Log:           log,
		ImportPerHour: cfg.RateLimit.ImportPerHour,
		BodyLimit:     int(maxUpload) + 1024*1024,
		AccessLog:     true,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.Worker.Embedded {
		w := rt.importWorker(hub)
		g.Go(func() error { return rt.consume(gctx, w) })
	} else {
		relay := notify.NewRedisRelay(rt.redis, hub, log)
		g.Go(func() error { return relay.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		log.WithField("addr", addr).Info("Server starting")
		return app.Listen(addr)
	})

	return g.Wait()
}
