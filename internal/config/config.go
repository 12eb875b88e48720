// Package config collects the full §6 environment surface into a
// single immutable structure, loaded once at process start — the
// rewrite's answer to the source's scattered os.Getenv calls (§9
// "Re-architecture of source idioms").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/gpudispatch/internal/platform/envutil"
)

// Config is shared by all three cmd/ entrypoints. Each reads only the
// fields relevant to its own component, but the surface is loaded
// identically everywhere so every process agrees on defaults.
type Config struct {
	// §6 "Configuration surface"
	QueueURL          string
	RegistryTable     string
	HostID            string
	VisibilityTimeout time.Duration
	ReceiveWait       time.Duration
	PollInterval      time.Duration
	JobDeadline       time.Duration
	MaxReceives       int
	IdleSample        time.Duration
	IdlePeriods       int

	// Ambient stack additions beyond §6.
	Environment string // "dev" | "prod", selects the logger/otel mode.
	HTTPAddr    string // C4 listen address.

	Postgres PostgresConfig
	GCE      GCEConfig
	Otel     OtelConfig
	Worker   WorkerConfig
	Engine   EngineConfig
}

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type GCEConfig struct {
	Project  string
	Zone     string
	Instance string
}

type OtelConfig struct {
	Enabled     bool
	ServiceName string
	Version     string
}

type WorkerConfig struct {
	Concurrency int
}

// EngineConfig carries the per-job_type submit/status URL pairs (§6
// "Inference engine contract"), read as ENGINE_<JOB_TYPE>_SUBMIT_URL /
// ENGINE_<JOB_TYPE>_STATUS_URL so each route is independently
// configurable without a schema file.
type EngineConfig struct {
	Timeout    time.Duration
	MaxRetries int
	Routes     []EngineRoute
}

type EngineRoute struct {
	JobType   string
	SubmitURL string
	StatusURL string
}

// knownJobTypes mirrors domain.ValidJobType's set; duplicated here
// (rather than imported) so config has no dependency on domain, the
// way the teacher's own config loaders stay leaf packages.
var knownJobTypes = []string{"camera-angle", "qwen-image-edit", "face-mask", "full-face-swap"}

// Load reads the full environment surface once. It rejects no unknown
// keys at the OS level (Go cannot enumerate the environment safely
// against a reserved set without false positives from the process's
// own ambient vars), but every key this system recognizes is named
// here in one place — see §9's "reject unknown keys" note, honored at
// the application boundary: nothing beyond this struct is consulted
// anywhere else in the codebase.
func Load() (Config, error) {
	cfg := Config{
		QueueURL:          envutil.String("QUEUE_URL", "redis://localhost:6379/0"),
		RegistryTable:     envutil.String("REGISTRY_TABLE", "job"),
		HostID:            envutil.String("HOST_ID", ""),
		VisibilityTimeout: envutil.Seconds("VISIBILITY_TIMEOUT", 300),
		ReceiveWait:       envutil.Seconds("RECEIVE_WAIT", 20),
		PollInterval:      envutil.Seconds("POLL_INTERVAL", 2),
		JobDeadline:       envutil.Seconds("JOB_DEADLINE", 600),
		MaxReceives:       envutil.Int("MAX_RECEIVES", 3),
		IdleSample:        envutil.Seconds("IDLE_SAMPLE", 300),
		IdlePeriods:       envutil.Int("IDLE_PERIODS", 6),

		Environment: envutil.String("ENVIRONMENT", "dev"),
		HTTPAddr:    envutil.String("HTTP_ADDR", ":8080"),

		Postgres: PostgresConfig{
			Host:     envutil.String("POSTGRES_HOST", "localhost"),
			Port:     envutil.String("POSTGRES_PORT", "5432"),
			User:     envutil.String("POSTGRES_USER", "postgres"),
			Password: envutil.String("POSTGRES_PASSWORD", ""),
			Name:     envutil.String("POSTGRES_NAME", "gpudispatch"),
		},
		GCE: GCEConfig{
			Project:  envutil.String("GCE_PROJECT", ""),
			Zone:     envutil.String("GCE_ZONE", ""),
			Instance: envutil.String("GCE_INSTANCE", ""),
		},
		Otel: OtelConfig{
			Enabled:     envutil.Bool("OTEL_ENABLED", false),
			ServiceName: envutil.String("OTEL_SERVICE_NAME", "gpudispatch"),
			Version:     envutil.String("OTEL_SERVICE_VERSION", "dev"),
		},
		Worker: WorkerConfig{
			Concurrency: envutil.Int("WORKER_CONCURRENCY", 1),
		},
		Engine: EngineConfig{
			Timeout:    envutil.Seconds("ENGINE_TIMEOUT", 30),
			MaxRetries: envutil.Int("ENGINE_MAX_RETRIES", 2),
		},
	}

	for _, jt := range knownJobTypes {
		key := strings.ToUpper(strings.ReplaceAll(jt, "-", "_"))
		submit := envutil.String("ENGINE_"+key+"_SUBMIT_URL", "")
		status := envutil.String("ENGINE_"+key+"_STATUS_URL", "")
		if submit == "" && status == "" {
			continue
		}
		if submit == "" || status == "" {
			return Config{}, fmt.Errorf("config: job_type %q has only one of submit/status url set", jt)
		}
		cfg.Engine.Routes = append(cfg.Engine.Routes, EngineRoute{JobType: jt, SubmitURL: submit, StatusURL: status})
	}

	return cfg, nil
}
