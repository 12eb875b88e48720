// Package idledetect implements the Idle Detector (C6): a sampling
// loop, structurally identical to the Worker Adapter's ticker loop,
// that watches queue depth instead of claiming work and stops the GPU
// host once it has been idle long enough (§4.4).
package idledetect

import (
	"context"
	"time"

	"github.com/yungbote/gpudispatch/internal/hostctl"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/queue"
)

// DepthSource is the narrow slice of queue.Queue the detector needs,
// so it can be faked without standing up a full queue.
type DepthSource interface {
	Depth(ctx context.Context) (int64, error)
}

var _ DepthSource = (queue.Queue)(nil)

// Config carries the §6 IDLE_SAMPLE/IDLE_PERIODS knobs. Threshold is
// θ: a sample at or below Threshold counts toward the idle window.
type Config struct {
	SampleInterval time.Duration
	Periods        int
	Threshold      int64
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 300 * time.Second
	}
	if c.Periods <= 0 {
		c.Periods = 6
	}
	return c
}

// Detector runs the sampling loop and fires host.Stop once N
// consecutive samples are all <= θ.
type Detector struct {
	depth DepthSource
	host  hostctl.Controller
	log   *logger.Logger
	cfg   Config

	samples []int64
}

func New(depth DepthSource, host hostctl.Controller, baseLog *logger.Logger, cfg Config) *Detector {
	return &Detector{
		depth: depth,
		host:  host,
		log:   baseLog.With("component", "IdleDetector"),
		cfg:   cfg.withDefaults(),
	}
}

// Run blocks, sampling queue depth every SampleInterval until ctx is
// canceled. Call from its own goroutine.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()

	d.log.Info("idle detector started", "sample_interval", d.cfg.SampleInterval, "periods", d.cfg.Periods, "threshold", d.cfg.Threshold)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("idle detector stopped")
			return
		case <-ticker.C:
			d.sample(ctx)
		}
	}
}

// sample takes one reading and, once the ring buffer fills with N
// consecutive idle samples, fires host.Stop exactly once per idle
// window (§8 property 11: a crossing below θ that doesn't hold for N
// samples must not fire).
func (d *Detector) sample(ctx context.Context) {
	depth, err := d.depth.Depth(ctx)
	if err != nil {
		d.log.Warn("depth sample failed, resetting idle window", "error", err)
		d.samples = nil
		return
	}

	d.log.Info("depth sample", "depth", depth)

	if depth > d.cfg.Threshold {
		d.samples = nil
		return
	}

	d.samples = append(d.samples, depth)
	if len(d.samples) < d.cfg.Periods {
		return
	}
	// Window has been idle for Periods consecutive samples. Fire once,
	// then reset so a later burst must requalify the full window before
	// firing again.
	d.fireStop(ctx)
	d.samples = nil
}

func (d *Detector) fireStop(ctx context.Context) {
	state, err := d.host.Describe(ctx)
	if err != nil {
		d.log.Warn("host describe failed during idle stop", "error", err)
		return
	}
	if state != hostctl.StateRunning {
		// §8 property 8: stop against an already-stopped host is a
		// no-op; nothing to do here either way.
		return
	}
	if err := d.host.Stop(ctx); err != nil {
		d.log.Warn("idle stop failed", "error", err)
		return
	}
	d.log.Info("host stopped due to sustained idle window")
}
