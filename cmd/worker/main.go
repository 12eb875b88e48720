// Command worker runs the Worker Adapter (C5): receives queued jobs,
// submits them to the local inference engine, and reconciles the
// registry.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/yungbote/gpudispatch/internal/clients/redis"
	"github.com/yungbote/gpudispatch/internal/config"
	"github.com/yungbote/gpudispatch/internal/data/db"
	"github.com/yungbote/gpudispatch/internal/engineclient"
	"github.com/yungbote/gpudispatch/internal/observability"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/platform/shutdown"
	"github.com/yungbote/gpudispatch/internal/queue"
	"github.com/yungbote/gpudispatch/internal/registry"
	"github.com/yungbote/gpudispatch/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("worker exited: %v\n", err)
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
		ServiceName: cfg.Otel.ServiceName + "-worker",
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
	reg := registry.New(dbSvc.DB(), log)

	rdb, err := redis.NewClientFromURL(cfg.QueueURL)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer rdb.Close()
	q := queue.New(rdb, log, queueName(cfg))

	if len(cfg.Engine.Routes) == 0 {
		return fmt.Errorf("no ENGINE_<JOB_TYPE>_SUBMIT_URL/STATUS_URL pairs configured")
	}
	routes := make([]engineclient.Route, 0, len(cfg.Engine.Routes))
	for _, r := range cfg.Engine.Routes {
		routes = append(routes, engineclient.Route{JobType: r.JobType, SubmitURL: r.SubmitURL, StatusURL: r.StatusURL})
	}
	engine, err := engineclient.New(engineclient.Options{
		Routes:     routes,
		Timeout:    cfg.Engine.Timeout,
		MaxRetries: cfg.Engine.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("init engine client: %w", err)
	}

	w := worker.New(reg, q, engine, log, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		ReceiveWait:       cfg.ReceiveWait,
		PollInterval:      cfg.PollInterval,
		JobDeadline:       cfg.JobDeadline,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	w.Start(ctx)

	<-ctx.Done()
	log.Info("worker adapter shutting down")
	return nil
}

func queueName(cfg config.Config) string {
	if cfg.HostID != "" {
		return cfg.HostID
	}
	return "dispatch"
}
