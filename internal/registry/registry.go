// Package registry implements the durable Job Registry (C1): the single
// source of truth for job existence and terminal state. Every other
// component reads or writes through this interface instead of touching
// Postgres directly.
package registry

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/gpudispatch/internal/domain"
	"github.com/yungbote/gpudispatch/internal/platform/dbctx"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
)

// ErrNotFound is returned by GetByID when no row matches the given ID.
var ErrNotFound = errors.New("registry: job not found")

// Registry is the Job Registry's interface (C1). All status transitions
// go through UpdateFieldsUnlessStatus so a terminal row is never
// clobbered by a stale worker retry or duplicate delivery.
type Registry interface {
	Create(dbc dbctx.Context, id uuid.UUID, jobType string, requestBody []byte, ttl *time.Time) (*domain.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	MarkProcessing(dbc dbctx.Context, id uuid.UUID, workerJobID string) (bool, error)
	MarkCompleted(dbc dbctx.Context, id uuid.UUID, resultURI string) (bool, error)
	MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) (bool, error)
	IncrementAttempts(dbc dbctx.Context, id uuid.UUID) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	ListByStatus(dbc dbctx.Context, status domain.Status, limit int) ([]*domain.Job, error)
	DeleteExpired(dbc dbctx.Context, before time.Time) (int64, error)
}

type registry struct {
	db  *gorm.DB
	log *logger.Logger
}

// New constructs the gorm-backed Job Registry.
func New(db *gorm.DB, baseLog *logger.Logger) Registry {
	return &registry{
		db:  db,
		log: baseLog.With("component", "Registry"),
	}
}

func (r *registry) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// Create inserts a new job row in StatusPending. It is the only write
// that does not go through UpdateFieldsUnlessStatus, since the row does
// not exist yet to guard against concurrent mutation.
func (r *registry) Create(dbc dbctx.Context, id uuid.UUID, jobType string, requestBody []byte, ttl *time.Time) (*domain.Job, error) {
	now := time.Now()
	job := &domain.Job{
		ID:          id,
		Status:      domain.StatusPending,
		JobType:     jobType,
		RequestBody: datatypes.JSON(requestBody),
		CreatedAt:   now,
		UpdatedAt:   now,
		TTL:         ttl,
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *registry) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkProcessing records which worker_job_id claimed this job. Re-entry
// by the same or a different worker after a redelivery (§4.2) is legal
// as long as the job has not already reached a terminal state — the
// WHERE clause below is what enforces that, not application logic.
func (r *registry) MarkProcessing(dbc dbctx.Context, id uuid.UUID, workerJobID string) (bool, error) {
	return r.UpdateFieldsUnlessStatus(dbc, id, []string{string(domain.StatusCompleted), string(domain.StatusFailed)}, map[string]interface{}{
		"status":        domain.StatusProcessing,
		"worker_job_id": workerJobID,
	})
}

func (r *registry) MarkCompleted(dbc dbctx.Context, id uuid.UUID, resultURI string) (bool, error) {
	return r.UpdateFieldsUnlessStatus(dbc, id, []string{string(domain.StatusCompleted), string(domain.StatusFailed)}, map[string]interface{}{
		"status":     domain.StatusCompleted,
		"result_uri": resultURI,
	})
}

func (r *registry) MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) (bool, error) {
	return r.UpdateFieldsUnlessStatus(dbc, id, []string{string(domain.StatusCompleted), string(domain.StatusFailed)}, map[string]interface{}{
		"status": domain.StatusFailed,
		"error":  errMsg,
	})
}

func (r *registry) IncrementAttempts(dbc dbctx.Context, id uuid.UUID) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now(),
		}).Error
}

// UpdateFieldsUnlessStatus is the one write path every status transition
// funnels through: it conditions the UPDATE on the row's current status
// never matching one of disallowedStatuses, so a write that loses the
// race against a terminal transition silently becomes a no-op instead
// of corrupting a finished job. The returned bool reports whether a row
// was actually changed.
func (r *registry) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Job{}).Where("id = ?", id)
	switch len(disallowedStatuses) {
	case 0:
	case 1:
		q = q.Where("status <> ?", disallowedStatuses[0])
	default:
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *registry) ListByStatus(dbc dbctx.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	q := r.tx(dbc).WithContext(dbc.Ctx).Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteExpired soft-deletes rows past their TTL (§3 "Retention"). Run
// periodically by a janitor, not on the hot path.
func (r *registry) DeleteExpired(dbc dbctx.Context, before time.Time) (int64, error) {
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Where("ttl IS NOT NULL AND ttl < ?", before).
		Delete(&domain.Job{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
