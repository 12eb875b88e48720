package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/gpudispatch/internal/domain"
	"github.com/yungbote/gpudispatch/internal/hostctl"
	"github.com/yungbote/gpudispatch/internal/platform/dbctx"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/queue"
	"github.com/yungbote/gpudispatch/internal/registry"
	"github.com/yungbote/gpudispatch/internal/wire"
)

type fakeRegistry struct {
	jobs       map[uuid.UUID]*domain.Job
	createErr  error
	failCalled bool
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{jobs: map[uuid.UUID]*domain.Job{}} }

func (f *fakeRegistry) Create(dbc dbctx.Context, id uuid.UUID, jobType string, requestBody []byte, ttl *time.Time) (*domain.Job, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	job := &domain.Job{ID: id, Status: domain.StatusPending, JobType: jobType}
	f.jobs[id] = job
	return job, nil
}
func (f *fakeRegistry) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return job, nil
}
func (f *fakeRegistry) MarkProcessing(dbc dbctx.Context, id uuid.UUID, workerJobID string) (bool, error) {
	return true, nil
}
func (f *fakeRegistry) MarkCompleted(dbc dbctx.Context, id uuid.UUID, resultURI string) (bool, error) {
	return true, nil
}
func (f *fakeRegistry) MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) (bool, error) {
	f.failCalled = true
	if job, ok := f.jobs[id]; ok {
		job.Status = domain.StatusFailed
		job.Error = &errMsg
	}
	return true, nil
}
func (f *fakeRegistry) IncrementAttempts(dbc dbctx.Context, id uuid.UUID) error { return nil }
func (f *fakeRegistry) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	return true, nil
}
func (f *fakeRegistry) ListByStatus(dbc dbctx.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}
func (f *fakeRegistry) DeleteExpired(dbc dbctx.Context, before time.Time) (int64, error) { return 0, nil }

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

type fakeQueue struct {
	enqueueErr error
	enqueued   []wire.QueueMessage
	depth      int64
}

func (f *fakeQueue) Enqueue(ctx context.Context, msg wire.QueueMessage) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, msg)
	return nil
}
func (f *fakeQueue) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	return nil, queue.ErrEmpty
}
func (f *fakeQueue) Ack(ctx context.Context, token string) error                         { return nil }
func (f *fakeQueue) ExtendLease(ctx context.Context, token string, v time.Duration) error { return nil }
func (f *fakeQueue) Depth(ctx context.Context) (int64, error)                             { return f.depth, nil }
func (f *fakeQueue) StartReaper(ctx context.Context, v time.Duration, maxReceives int)    {}
func (f *fakeQueue) Close() error                                                         { return nil }

type fakeHost struct {
	state      hostctl.State
	startCalls int
}

func (f *fakeHost) Describe(ctx context.Context) (hostctl.State, error) { return f.state, nil }
func (f *fakeHost) Start(ctx context.Context) error                     { f.startCalls++; return nil }
func (f *fakeHost) Stop(ctx context.Context) error                      { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestSubmit_RejectsUnknownJobType(t *testing.T) {
	reg := newFakeRegistry()
	q := &fakeQueue{}
	host := &fakeHost{state: hostctl.StateRunning}
	svc := New(reg, q, host, testLogger(t))

	_, err := svc.Submit(context.Background(), "not-a-route", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestSubmit_FailsJobWhenEnqueueFails(t *testing.T) {
	reg := newFakeRegistry()
	q := &fakeQueue{enqueueErr: errEnqueue}
	host := &fakeHost{state: hostctl.StateRunning}
	svc := New(reg, q, host, testLogger(t))

	_, err := svc.Submit(context.Background(), string(domain.JobTypeCameraAngle), json.RawMessage(`{}`))
	require.Error(t, err)
	require.True(t, reg.failCalled, "a record must not be left PENDING-but-unqueued")
}

var errEnqueue = &notFoundErr{}

func TestGetStatus_UnknownJobReturnsNotFound(t *testing.T) {
	reg := newFakeRegistry()
	q := &fakeQueue{}
	host := &fakeHost{}
	svc := New(reg, q, host, testLogger(t))

	_, err := svc.GetStatus(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrJobNotFound)
}
