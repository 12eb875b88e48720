// Command idle-detector runs C6: samples queue depth and stops the GPU
// host once it has been idle for IDLE_PERIODS consecutive samples.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/yungbote/gpudispatch/internal/clients/redis"
	"github.com/yungbote/gpudispatch/internal/config"
	"github.com/yungbote/gpudispatch/internal/hostctl"
	"github.com/yungbote/gpudispatch/internal/idledetect"
	"github.com/yungbote/gpudispatch/internal/observability"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/platform/shutdown"
	"github.com/yungbote/gpudispatch/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("idle-detector exited: %v\n", err)
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
		ServiceName: cfg.Otel.ServiceName + "-idle-detector",
		Environment: cfg.Environment,
		Version:     cfg.Otel.Version,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	if cfg.GCE.Project == "" || cfg.GCE.Zone == "" || cfg.GCE.Instance == "" {
		return fmt.Errorf("GCE_PROJECT/GCE_ZONE/GCE_INSTANCE must be set for the idle detector to control a host")
	}
	host, err := hostctl.New(ctx, hostctl.Config{Project: cfg.GCE.Project, Zone: cfg.GCE.Zone, Instance: cfg.GCE.Instance}, log)
	if err != nil {
		return fmt.Errorf("connect host controller: %w", err)
	}

	rdb, err := redis.NewClientFromURL(cfg.QueueURL)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer rdb.Close()
	q := queue.New(rdb, log, queueName(cfg))

	d := idledetect.New(q, host, log, idledetect.Config{
		SampleInterval: cfg.IdleSample,
		Periods:        cfg.IdlePeriods,
		Threshold:      0,
	})
	d.Run(ctx)
	return nil
}

func queueName(cfg config.Config) string {
	if cfg.HostID != "" {
		return cfg.HostID
	}
	return "dispatch"
}
