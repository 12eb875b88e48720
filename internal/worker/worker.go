// Package worker implements the Worker Adapter (C5): the execution
// engine that pulls messages from the Work Queue, dispatches them to
// the local inference endpoint, and reconciles the Job Registry with
// at-least-once, idempotent semantics (§4.2).
//
// Structurally this is the teacher's internal/jobs/worker.Worker
// generalized: Start(ctx) spawns N goroutines, each running an
// independent runLoop. Where the teacher's loop polls Postgres via
// ClaimNextRunnable on a ticker, this loop long-polls the Redis-backed
// queue; where the teacher's loop dispatches to an in-process handler
// registry, this loop submits to an external inference engine and
// polls it for completion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/gpudispatch/internal/domain"
	"github.com/yungbote/gpudispatch/internal/engineclient"
	"github.com/yungbote/gpudispatch/internal/platform/dbctx"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/queue"
	"github.com/yungbote/gpudispatch/internal/registry"
	"github.com/yungbote/gpudispatch/internal/wire"
)

// Config carries the §6 run-loop knobs (VISIBILITY_TIMEOUT,
// RECEIVE_WAIT, POLL_INTERVAL, JOB_DEADLINE, WORKER_CONCURRENCY).
// Zero values are replaced with spec defaults by New.
type Config struct {
	Concurrency       int
	ReceiveWait       time.Duration
	PollInterval      time.Duration
	JobDeadline       time.Duration
	VisibilityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.ReceiveWait <= 0 {
		c.ReceiveWait = 20 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = 10 * time.Minute
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 300 * time.Second
	}
	return c
}

// Worker is the adapter. It knows nothing about job_type semantics
// beyond routing: all domain behavior lives behind registry, queue and
// engine.
type Worker struct {
	registry registry.Registry
	queue    queue.Queue
	engine   *engineclient.Client
	log      *logger.Logger
	cfg      Config
}

func New(reg registry.Registry, q queue.Queue, engine *engineclient.Client, baseLog *logger.Logger, cfg Config) *Worker {
	return &Worker{
		registry: reg,
		queue:    q,
		engine:   engine,
		log:      baseLog.With("component", "WorkerAdapter"),
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the adapter's goroutine pool. §5 defaults parallelism
// to 1 process and 1 loop; the knob is kept for operational
// flexibility, same as the teacher's WORKER_CONCURRENCY.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("starting worker adapter pool", "concurrency", w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

// runLoop implements §4.2's 8-step algorithm: receive, dispatch,
// repeat. Every claimed message runs with a panic-recovery boundary so
// a handler bug fails the job instead of killing the loop.
func (w *Worker) runLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		default:
		}

		msg, err := w.queue.Receive(ctx, w.cfg.ReceiveWait)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Warn("receive failed", "worker_id", workerID, "error", err)
			continue
		}

		w.process(ctx, workerID, msg)
	}
}

// process wraps handle with the panic-recovery safety net (teacher's
// runLoop does the same around handler.Run): a recovered panic commits
// FAILED instead of crashing the goroutine.
func (w *Worker) process(ctx context.Context, workerID int, msg *queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker handler panic", "worker_id", workerID, "panic", r)
			bg := context.Background()
			if jobID, perr := uuid.Parse(msg.Payload.JobID); perr == nil {
				if _, err := w.registry.MarkFailed(dbctx.Context{Ctx: bg}, jobID, "panic: worker handler recovered"); err != nil {
					w.log.Error("failed to commit FAILED after panic", "job_id", jobID, "error", err)
				}
			}
			w.ack(bg, msg)
		}
	}()
	w.handle(ctx, workerID, msg)
}

// handle implements §4.2 steps 2-8 for a single received message.
func (w *Worker) handle(ctx context.Context, workerID int, msg *queue.Message) {
	payload := msg.Payload

	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		w.log.Warn("dropping malformed message", "worker_id", workerID, "error", err)
		w.ack(ctx, msg)
		return
	}

	job, err := w.registry.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if errors.Is(err, registry.ErrNotFound) {
		w.log.Info("dropping message for unknown job_id", "worker_id", workerID, "job_id", jobID)
		w.ack(ctx, msg)
		return
	}
	if err != nil {
		w.log.Warn("registry lookup failed, leaving message for redelivery", "worker_id", workerID, "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		w.ack(ctx, msg)
		return
	}

	claimed, err := w.registry.MarkProcessing(dbctx.Context{Ctx: ctx}, jobID, "")
	if err != nil {
		w.log.Warn("claim failed, leaving message for redelivery", "worker_id", workerID, "job_id", jobID, "error", err)
		return
	}
	if !claimed {
		// Lost the race to a concurrent terminal transition.
		w.ack(ctx, msg)
		return
	}
	if err := w.registry.IncrementAttempts(dbctx.Context{Ctx: ctx}, jobID); err != nil {
		w.log.Warn("attempt increment failed", "worker_id", workerID, "job_id", jobID, "error", err)
	}

	stopHB := w.startHeartbeat(msg.Token)
	defer stopHB()

	engineJobID, err := w.engine.Submit(ctx, payload.JobType, payload.RequestBody)
	if err != nil {
		w.log.Warn("engine submit failed, leaving message for redelivery", "worker_id", workerID, "job_id", jobID, "error", err)
		return
	}
	if _, err := w.registry.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, jobID,
		[]string{string(domain.StatusCompleted), string(domain.StatusFailed)},
		map[string]interface{}{"worker_job_id": engineJobID}); err != nil {
		w.log.Warn("failed to record worker_job_id", "worker_id", workerID, "job_id", jobID, "error", err)
	}

	status, err := w.pollEngine(ctx, payload.JobType, engineJobID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// §7 PermanentJobFailure: the engine never reached a
			// terminal state within JOB_DEADLINE. Commit FAILED and
			// ack once rather than leaving this for redelivery.
			if _, markErr := w.registry.MarkFailed(dbctx.Context{Ctx: ctx}, jobID, "deadline exceeded"); markErr != nil {
				w.log.Warn("commit failed-on-deadline failed, leaving message for redelivery", "worker_id", workerID, "job_id", jobID, "error", markErr)
				return
			}
			w.ack(ctx, msg)
			return
		}
		w.log.Warn("engine poll did not reach a terminal state, leaving message for redelivery", "worker_id", workerID, "job_id", jobID, "error", err)
		return
	}

	if status.Status == "completed" {
		resultURI := ""
		if status.ResultURL != nil {
			resultURI = *status.ResultURL
		}
		if _, err := w.registry.MarkCompleted(dbctx.Context{Ctx: ctx}, jobID, resultURI); err != nil {
			w.log.Warn("commit completed failed, leaving message for redelivery", "worker_id", workerID, "job_id", jobID, "error", err)
			return
		}
	} else {
		errMsg := "engine reported failure"
		if status.Error != nil {
			errMsg = *status.Error
		}
		if _, err := w.registry.MarkFailed(dbctx.Context{Ctx: ctx}, jobID, errMsg); err != nil {
			w.log.Warn("commit failed-status failed, leaving message for redelivery", "worker_id", workerID, "job_id", jobID, "error", err)
			return
		}
	}

	w.ack(ctx, msg)
}

// pollEngine implements §4.2 step 6: poll every PollInterval until the
// engine reports a terminal state or JobDeadline elapses.
func (w *Worker) pollEngine(ctx context.Context, jobType, engineJobID string) (wire.EngineStatusResponse, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, w.cfg.JobDeadline)
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := w.engine.Status(deadlineCtx, jobType, engineJobID)
		if err == nil && engineclient.Terminal(status.Status) {
			return status, nil
		}
		if err != nil {
			w.log.Warn("engine status check failed, will retry", "error", err)
		}

		select {
		case <-deadlineCtx.Done():
			return wire.EngineStatusResponse{}, fmt.Errorf("poll deadline exceeded: %w", deadlineCtx.Err())
		case <-ticker.C:
		}
	}
}

func (w *Worker) ack(ctx context.Context, msg *queue.Message) {
	if err := w.queue.Ack(ctx, msg.Token); err != nil {
		w.log.Warn("ack failed", "error", err)
	}
}

// startHeartbeat extends the message's visibility lease in steps of
// V/2 (§4.2 "Visibility extension"), same shape as the teacher's
// startHeartbeat goroutine except it extends a Redis lease rather than
// writing a heartbeat_at column.
func (w *Worker) startHeartbeat(token string) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(w.cfg.VisibilityTimeout / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := w.queue.ExtendLease(bg, token, w.cfg.VisibilityTimeout); err != nil {
					w.log.Warn("lease extension failed", "error", err)
				}
				cancel()
			}
		}
	}()
	return func() { close(done) }
}
