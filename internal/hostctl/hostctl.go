// Package hostctl implements the Host Controller (C3): a thin wrapper
// around the compute host's power state, used by the orchestrator to
// wake the GPU host and by the idle detector to shut it down.
package hostctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"

	"github.com/yungbote/gpudispatch/internal/platform/gcp"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
)

// State is the host power state, collapsed from GCE's finer-grained
// instance statuses onto four states, plus StateUnknown for statuses
// that map to none of them.
type State string

const (
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateStopping  State = "stopping"
	StateUnknown   State = "unknown"
)

// callTimeout bounds every synchronous call to the compute API (§5
// "Host start/stop calls carry a short timeout").
const callTimeout = 10 * time.Second

// Controller is the Host Controller's interface (C3).
type Controller interface {
	Describe(ctx context.Context) (State, error)
	// Start attempts STOPPED → STARTING; idempotent no-op otherwise.
	Start(ctx context.Context) error
	// Stop attempts RUNNING → STOPPING; idempotent no-op otherwise,
	// and MUST NOT transition out of STARTING.
	Stop(ctx context.Context) error
}

type gceController struct {
	svc       *compute.Service
	log       *logger.Logger
	project   string
	zone      string
	instance  string
}

// Config identifies the single compute host this controller manages
// (HOST_ID in §6, split into its GCE addressing components).
type Config struct {
	Project  string
	Zone     string
	Instance string
}

// New constructs a Controller against the Compute Engine API,
// following the teacher's "build a client once from env-sourced
// credentials, reuse across calls" idiom (platform/gcp.ClientOptionsFromEnv).
func New(ctx context.Context, cfg Config, baseLog *logger.Logger) (Controller, error) {
	if strings.TrimSpace(cfg.Project) == "" || strings.TrimSpace(cfg.Zone) == "" || strings.TrimSpace(cfg.Instance) == "" {
		return nil, fmt.Errorf("hostctl: project, zone, and instance are required")
	}

	opts := gcp.ClientOptionsFromEnv()
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("hostctl: build compute service: %w", err)
	}

	return &gceController{
		svc:      svc,
		log:      baseLog.With("component", "HostController", "instance", cfg.Instance),
		project:  cfg.Project,
		zone:     cfg.Zone,
		instance: cfg.Instance,
	}, nil
}

func (c *gceController) Describe(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	inst, err := c.svc.Instances.Get(c.project, c.zone, c.instance).Context(ctx).Do()
	if err != nil {
		return StateUnknown, fmt.Errorf("describe host: %w", err)
	}
	return fromGCEStatus(inst.Status), nil
}

// fromGCEStatus maps GCE's instance status strings onto the spec's
// four states. PROVISIONING and STAGING both precede a running
// instance, so both collapse to StateStarting.
func fromGCEStatus(status string) State {
	switch status {
	case "RUNNING":
		return StateRunning
	case "PROVISIONING", "STAGING":
		return StateStarting
	case "STOPPING", "SUSPENDING":
		return StateStopping
	case "TERMINATED", "SUSPENDED":
		return StateStopped
	default:
		return StateUnknown
	}
}

// Start issues a compute start call only when the host is actually
// STOPPED, checked locally first so the common no-op case (host
// already running or already starting) costs nothing beyond the
// preceding Describe call.
func (c *gceController) Start(ctx context.Context) error {
	state, err := c.Describe(ctx)
	if err != nil {
		return err
	}
	if state != StateStopped {
		c.log.Debug("start is a no-op outside STOPPED", "state", state)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, err := c.svc.Instances.Start(c.project, c.zone, c.instance).Context(ctx).Do(); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	c.log.Info("host start issued")
	return nil
}

// Stop issues a compute stop call only when the host is RUNNING. It
// must never interrupt a STARTING host (§4.3), which the state check
// below enforces directly: StateStarting falls through to the no-op
// branch exactly like StateStopped/StateStopping/StateUnknown.
func (c *gceController) Stop(ctx context.Context) error {
	state, err := c.Describe(ctx)
	if err != nil {
		return err
	}
	if state != StateRunning {
		c.log.Debug("stop is a no-op outside RUNNING", "state", state)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, err := c.svc.Instances.Stop(c.project, c.zone, c.instance).Context(ctx).Do(); err != nil {
		return fmt.Errorf("stop host: %w", err)
	}
	c.log.Info("host stop issued")
	return nil
}
