// Package domain holds the core record types shared by every component
// of the dispatch layer: the orchestrator writes the first row (and
// marks it failed if enqueueing fails), the worker adapter writes every
// later transition, and the idle detector and host controller never
// touch it directly.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is the job lifecycle state. Terminal states (Completed, Failed)
// are never overwritten once reached.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is an irreversible endpoint.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobType identifies which inference route a job's request_body is bound for.
type JobType string

const (
	JobTypeCameraAngle   JobType = "camera-angle"
	JobTypeQwenImageEdit JobType = "qwen-image-edit"
	JobTypeFaceMask      JobType = "face-mask"
	JobTypeFullFaceSwap  JobType = "full-face-swap"
)

// ValidJobType reports whether jt is one of the routes the orchestrator
// and worker know how to dispatch.
func ValidJobType(jt string) bool {
	switch JobType(jt) {
	case JobTypeCameraAngle, JobTypeQwenImageEdit, JobTypeFaceMask, JobTypeFullFaceSwap:
		return true
	default:
		return false
	}
}

// Job is the durable registry record (C1), keyed by ID. RequestBody is
// stored verbatim — the registry never interprets it.
type Job struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"job_id"`
	Status        Status         `gorm:"column:status;not null;index:idx_job_status_created" json:"status"`
	JobType       string         `gorm:"column:job_type;not null;index" json:"job_type"`
	RequestBody   datatypes.JSON `gorm:"column:request_body;type:jsonb" json:"-"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;index:idx_job_status_created" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	ResultURI     *string        `gorm:"column:result_uri" json:"result_uri,omitempty"`
	Error         *string        `gorm:"column:error" json:"error,omitempty"`
	WorkerJobID   *string        `gorm:"column:worker_job_id" json:"-"`
	Attempts      uint           `gorm:"column:attempts;not null;default:0" json:"attempts"`
	TTL           *time.Time     `gorm:"column:ttl;index" json:"-"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Job) TableName() string { return "job" }

// Claimable reports whether a worker is allowed to move this job into
// Processing: it must still be in a non-terminal state. Re-delivery of
// an already-Processing job is a legal re-entry (§4.2), not an error.
func (j *Job) Claimable() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}
