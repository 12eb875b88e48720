package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/gpudispatch/internal/domain"
	"github.com/yungbote/gpudispatch/internal/engineclient"
	"github.com/yungbote/gpudispatch/internal/platform/dbctx"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
	"github.com/yungbote/gpudispatch/internal/queue"
	"github.com/yungbote/gpudispatch/internal/registry"
	"github.com/yungbote/gpudispatch/internal/wire"
)

type fakeRegistry struct {
	jobs         map[uuid.UUID]*domain.Job
	markFailed   []string
	getErr       error
	processErr   error
	processNoop  bool
}

func newFakeRegistry(jobs ...*domain.Job) *fakeRegistry {
	m := map[uuid.UUID]*domain.Job{}
	for _, j := range jobs {
		m[j.ID] = j
	}
	return &fakeRegistry{jobs: m}
}

func (f *fakeRegistry) Create(dbctx.Context, uuid.UUID, string, []byte, *time.Time) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeRegistry) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return j, nil
}
func (f *fakeRegistry) MarkProcessing(dbc dbctx.Context, id uuid.UUID, workerJobID string) (bool, error) {
	if f.processErr != nil {
		return false, f.processErr
	}
	if f.processNoop {
		return false, nil
	}
	if j, ok := f.jobs[id]; ok {
		j.Status = domain.StatusProcessing
	}
	return true, nil
}
func (f *fakeRegistry) MarkCompleted(dbc dbctx.Context, id uuid.UUID, resultURI string) (bool, error) {
	if j, ok := f.jobs[id]; ok {
		j.Status = domain.StatusCompleted
		j.ResultURI = &resultURI
	}
	return true, nil
}
func (f *fakeRegistry) MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) (bool, error) {
	f.markFailed = append(f.markFailed, errMsg)
	if j, ok := f.jobs[id]; ok {
		j.Status = domain.StatusFailed
		j.Error = &errMsg
	}
	return true, nil
}
func (f *fakeRegistry) IncrementAttempts(dbc dbctx.Context, id uuid.UUID) error {
	if j, ok := f.jobs[id]; ok {
		j.Attempts++
	}
	return nil
}
func (f *fakeRegistry) UpdateFieldsUnlessStatus(dbctx.Context, uuid.UUID, []string, map[string]interface{}) (bool, error) {
	return true, nil
}
func (f *fakeRegistry) ListByStatus(dbctx.Context, domain.Status, int) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeRegistry) DeleteExpired(dbctx.Context, time.Time) (int64, error) { return 0, nil }

type fakeQueue struct {
	acked       []string
	extendCalls int
}

func (f *fakeQueue) Enqueue(context.Context, wire.QueueMessage) error { return nil }
func (f *fakeQueue) Receive(context.Context, time.Duration) (*queue.Message, error) {
	return nil, queue.ErrEmpty
}
func (f *fakeQueue) Ack(ctx context.Context, token string) error {
	f.acked = append(f.acked, token)
	return nil
}
func (f *fakeQueue) ExtendLease(context.Context, string, time.Duration) error {
	f.extendCalls++
	return nil
}
func (f *fakeQueue) Depth(context.Context) (int64, error) { return 0, nil }
func (f *fakeQueue) StartReaper(context.Context, time.Duration, int) {}
func (f *fakeQueue) Close() error { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func newTestEngine(t *testing.T, statusBody string) *engineclient.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wire.EngineSubmitResponse{JobID: "engine-1", Status: "queued"})
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(statusBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cl, err := engineclient.New(engineclient.Options{
		Routes: []engineclient.Route{
			{JobType: string(domain.JobTypeCameraAngle), SubmitURL: srv.URL + "/submit", StatusURL: srv.URL + "/status/"},
		},
	})
	require.NoError(t, err)
	return cl
}

func newTestMessage(jobID uuid.UUID) *queue.Message {
	body, _ := json.Marshal(map[string]string{"prompt": "x"})
	return &queue.Message{
		Token: "tok-" + jobID.String(),
		Payload: wire.QueueMessage{
			JobID:       jobID.String(),
			JobType:     string(domain.JobTypeCameraAngle),
			RequestBody: body,
		},
	}
}

func TestHandle_CompletesJobOnEngineSuccess(t *testing.T) {
	id := uuid.New()
	reg := newFakeRegistry(&domain.Job{ID: id, Status: domain.StatusPending})
	q := &fakeQueue{}
	engine := newTestEngine(t, `{"status":"completed","result_url":"https://example.com/out.png"}`)

	w := New(reg, q, engine, testLogger(t), Config{PollInterval: 10 * time.Millisecond, JobDeadline: time.Second, VisibilityTimeout: time.Second})
	w.handle(context.Background(), 1, newTestMessage(id))

	require.Equal(t, domain.StatusCompleted, reg.jobs[id].Status)
	require.NotNil(t, reg.jobs[id].ResultURI)
	require.Len(t, q.acked, 1)
}

func TestHandle_FailsJobOnEngineFailure(t *testing.T) {
	id := uuid.New()
	reg := newFakeRegistry(&domain.Job{ID: id, Status: domain.StatusPending})
	q := &fakeQueue{}
	engine := newTestEngine(t, `{"status":"failed","error":"engine blew up"}`)

	w := New(reg, q, engine, testLogger(t), Config{PollInterval: 10 * time.Millisecond, JobDeadline: time.Second})
	w.handle(context.Background(), 1, newTestMessage(id))

	require.Equal(t, domain.StatusFailed, reg.jobs[id].Status)
	require.Len(t, q.acked, 1)
}

func TestHandle_DropsMessageForUnknownJob(t *testing.T) {
	reg := newFakeRegistry()
	q := &fakeQueue{}
	engine := newTestEngine(t, `{"status":"completed"}`)

	w := New(reg, q, engine, testLogger(t), Config{})
	msg := newTestMessage(uuid.New())
	w.handle(context.Background(), 1, msg)

	require.Len(t, q.acked, 1, "unknown job_id must be an idempotent ack, not a redelivery")
}

func TestHandle_SkipsAlreadyTerminalJob(t *testing.T) {
	id := uuid.New()
	reg := newFakeRegistry(&domain.Job{ID: id, Status: domain.StatusCompleted})
	q := &fakeQueue{}
	engine := newTestEngine(t, `{"status":"completed"}`)

	w := New(reg, q, engine, testLogger(t), Config{})
	w.handle(context.Background(), 1, newTestMessage(id))

	require.Len(t, q.acked, 1)
	require.Equal(t, uint(0), reg.jobs[id].Attempts, "a terminal record must never be reclaimed")
}

func TestHandle_LeavesMessageOnEngineSubmitFailure(t *testing.T) {
	id := uuid.New()
	reg := newFakeRegistry(&domain.Job{ID: id, Status: domain.StatusPending})
	q := &fakeQueue{}

	// No routes registered for this job_type => Submit fails with
	// ErrUnknownJobType, and the message must not be acked.
	engine, err := engineclient.New(engineclient.Options{
		Routes: []engineclient.Route{{JobType: "other-type", SubmitURL: "http://127.0.0.1:0/submit", StatusURL: "http://127.0.0.1:0/status/"}},
	})
	require.NoError(t, err)

	w := New(reg, q, engine, testLogger(t), Config{})
	w.handle(context.Background(), 1, newTestMessage(id))

	require.Empty(t, q.acked, "registry unreachable/engine unreachable must not ack (§4.2 failure handling)")
	require.Equal(t, domain.StatusProcessing, reg.jobs[id].Status)
}

func TestHandle_FailsJobOnEngineDeadlineExceeded(t *testing.T) {
	id := uuid.New()
	reg := newFakeRegistry(&domain.Job{ID: id, Status: domain.StatusPending})
	q := &fakeQueue{}
	// The engine never reports a terminal status, so pollEngine must hit
	// its deadline instead of looping forever.
	engine := newTestEngine(t, `{"status":"queued"}`)

	w := New(reg, q, engine, testLogger(t), Config{
		PollInterval: 5 * time.Millisecond,
		JobDeadline:  30 * time.Millisecond,
	})
	w.handle(context.Background(), 1, newTestMessage(id))

	require.Equal(t, domain.StatusFailed, reg.jobs[id].Status)
	require.NotNil(t, reg.jobs[id].Error)
	require.Equal(t, "deadline exceeded", *reg.jobs[id].Error)
	require.Len(t, q.acked, 1, "a deadline-exceeded job must be ack'd exactly once, never redelivered")
}

func TestProcess_PanicCommitsFailedAndAcks(t *testing.T) {
	id := uuid.New()
	reg := newFakeRegistry(&domain.Job{ID: id, Status: domain.StatusPending})
	q := &fakeQueue{}

	// A nil engine client causes handle to panic on Submit; process must
	// recover, commit FAILED, and ack rather than crash the loop.
	w := New(reg, q, nil, testLogger(t), Config{})
	w.process(context.Background(), 1, newTestMessage(id))

	require.Equal(t, domain.StatusFailed, reg.jobs[id].Status)
	require.Len(t, q.acked, 1)
	require.Len(t, reg.markFailed, 1)
}

func TestStartHeartbeat_ExtendsLeasePeriodically(t *testing.T) {
	q := &fakeQueue{}
	w := New(newFakeRegistry(), q, nil, testLogger(t), Config{VisibilityTimeout: 20 * time.Millisecond})

	stop := w.startHeartbeat("tok")
	require.Eventually(t, func() bool { return q.extendCalls >= 1 }, time.Second, 5*time.Millisecond)
	stop()
}
