// Command orchestrator runs the public HTTP front door (C4): accepts
// job submissions, writes the registry record, enqueues the work
// item, and best-effort wakes the GPU host.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/yungbote/gpudispatch/internal/clients/redis"
	"github.com/yungbote/gpudispatch/internal/config"
	"github.com/yungbote/gpudispatch/internal/data/db"
	"github.com/yungbote/gpudispatch/internal/hostctl"
	"github.com/yungbote/gpudispatch/internal/observability"
	"github.com/yungbote/gpudispatch/internal/orchestrator"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/platform/shutdown"
	"github.com/yungbote/gpudispatch/internal/queue"
	"github.com/yungbote/gpudispatch/internal/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("orchestrator exited: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.Otel.ServiceName + "-orchestrator",
		Environment: cfg.Environment,
		Version:     cfg.Otel.Version,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	dbSvc, err := db.NewService(log)
	if err != nil {
		return fmt.Errorf("connect registry database: %w", err)
	}
	if err := dbSvc.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate registry database: %w", err)
	}
	reg := registry.New(dbSvc.DB(), log)

	rdb, err := redis.NewClientFromURL(cfg.QueueURL)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer rdb.Close()
	q := queue.New(rdb, log, queueName(cfg))
	go q.StartReaper(ctx, cfg.VisibilityTimeout, cfg.MaxReceives)

	var host hostctl.Controller
	if cfg.GCE.Project != "" && cfg.GCE.Zone != "" && cfg.GCE.Instance != "" {
		host, err = hostctl.New(ctx, hostctl.Config{Project: cfg.GCE.Project, Zone: cfg.GCE.Zone, Instance: cfg.GCE.Instance}, log)
		if err != nil {
			return fmt.Errorf("connect host controller: %w", err)
		}
	} else {
		log.Warn("GCE_PROJECT/GCE_ZONE/GCE_INSTANCE not fully set; host wake/idle-stop is disabled")
	}

	svc := orchestrator.New(reg, q, host, log)
	handlers := orchestrator.NewHandlers(svc)
	r := orchestrator.NewRouter(handlers, log)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func queueName(cfg config.Config) string {
	if cfg.HostID != "" {
		return cfg.HostID
	}
	return "dispatch"
}
