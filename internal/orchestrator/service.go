// Package orchestrator implements the Orchestrator (C4): translates
// client HTTP requests into a durable job record, a queued work item,
// and a best-effort wake of the worker host.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/yungbote/gpudispatch/internal/domain"
	"github.com/yungbote/gpudispatch/internal/hostctl"
	"github.com/yungbote/gpudispatch/internal/platform/apierr"
	"github.com/yungbote/gpudispatch/internal/platform/dbctx"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/queue"
	"github.com/yungbote/gpudispatch/internal/registry"
	"github.com/yungbote/gpudispatch/internal/wire"
)

// ErrJobNotFound is returned by GetStatus when the job_id is unknown.
var ErrJobNotFound = errors.New("orchestrator: job not found")

// Service implements §4.1's submit/status/health algorithms.
type Service struct {
	registry registry.Registry
	queue    queue.Queue
	host     hostctl.Controller
	log      *logger.Logger
}

func New(reg registry.Registry, q queue.Queue, host hostctl.Controller, baseLog *logger.Logger) *Service {
	return &Service{
		registry: reg,
		queue:    q,
		host:     host,
		log:      baseLog.With("component", "Orchestrator"),
	}
}

// Submit implements §4.1's algorithm exactly: write the record before
// enqueueing, enqueue before waking the host, and never leave a
// PENDING-but-unqueued record on a queue failure.
func (s *Service) Submit(ctx context.Context, jobType string, requestBody json.RawMessage) (*domain.Job, error) {
	if !domain.ValidJobType(jobType) {
		// §7 ClientMalformed: bad job_type, no side effects.
		return nil, apierr.New(http.StatusBadRequest, "invalid_job_type", fmt.Errorf("%w: %q", errInvalidJobType, jobType))
	}

	id := uuid.New()
	job, err := s.registry.Create(dbctx.Context{Ctx: ctx}, id, jobType, requestBody, nil)
	if err != nil {
		// §7 Transient: registry write failed in the critical path,
		// surfaced to the client rather than absorbed.
		return nil, apierr.New(http.StatusServiceUnavailable, "registry_unavailable", fmt.Errorf("write job record: %w", err))
	}

	msg := wire.QueueMessage{JobID: id.String(), JobType: jobType, RequestBody: requestBody}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		// Record-before-queue ordering means a queue failure here
		// would otherwise leak a PENDING row with no matching
		// message; fail it instead so a client retry does not orphan.
		if _, markErr := s.registry.MarkFailed(dbctx.Context{Ctx: ctx}, id, "enqueue failed"); markErr != nil {
			s.log.Error("failed to mark job failed after enqueue error", "job_id", id, "error", markErr)
		}
		return nil, apierr.New(http.StatusServiceUnavailable, "queue_unavailable", fmt.Errorf("enqueue job: %w", err))
	}

	// Best-effort wake, asynchronous with respect to the client reply
	// (§4.1 step 4): client latency is bounded by registry+queue writes
	// only.
	go s.wakeHostBestEffort(id)

	return job, nil
}

var errInvalidJobType = errors.New("invalid job_type")

func (s *Service) wakeHostBestEffort(jobID uuid.UUID) {
	if s.host == nil {
		return
	}
	ctx := context.Background()
	state, err := s.host.Describe(ctx)
	if err != nil {
		s.log.Warn("host describe failed during wake", "job_id", jobID, "error", err)
		return
	}
	if state != hostctl.StateStopped {
		return
	}
	if err := s.host.Start(ctx); err != nil {
		s.log.Warn("host start failed during wake", "job_id", jobID, "error", err)
	}
}

// GetStatus implements §4.1's status projection.
func (s *Service) GetStatus(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	job, err := s.registry.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, apierr.New(http.StatusNotFound, "not_found", ErrJobNotFound)
	}
	if err != nil {
		return nil, apierr.New(http.StatusServiceUnavailable, "registry_unavailable", fmt.Errorf("lookup job: %w", err))
	}
	return job, nil
}

// List backs the supplemented administrative list endpoint.
func (s *Service) List(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	return s.registry.ListByStatus(dbctx.Context{Ctx: ctx}, status, limit)
}

// HealthStatus reports liveness plus reachability of C1, C2, C3 (§4.1
// "Health").
type HealthStatus struct {
	Registry string
	Queue    string
	Host     string
}

func (s *Service) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{Registry: "ok", Queue: "ok", Host: "unknown"}

	if _, err := s.registry.ListByStatus(dbctx.Context{Ctx: ctx}, domain.StatusPending, 1); err != nil {
		h.Registry = "unreachable"
	}
	if _, err := s.queue.Depth(ctx); err != nil {
		h.Queue = "unreachable"
	}
	if s.host != nil {
		if _, err := s.host.Describe(ctx); err == nil {
			h.Host = "ok"
		}
	}
	return h
}
