package hostctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/gpudispatch/internal/platform/logger"
)

// fakeComputeServer serves just enough of the GCE Instances API for
// Describe/Start/Stop to exercise their state-gating logic without a
// live project.
type fakeComputeServer struct {
	status      string
	startCalls  int
	stopCalls   int
}

func newTestController(t *testing.T, fake *fakeComputeServer) Controller {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/compute/v1/projects/proj/zones/z/instances/gpu-host", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&compute.Instance{Status: fake.status, Name: "gpu-host"})
	})
	mux.HandleFunc("/compute/v1/projects/proj/zones/z/instances/gpu-host/start", func(w http.ResponseWriter, r *http.Request) {
		fake.startCalls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&compute.Operation{Status: "DONE"})
	})
	mux.HandleFunc("/compute/v1/projects/proj/zones/z/instances/gpu-host/stop", func(w http.ResponseWriter, r *http.Request) {
		fake.stopCalls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&compute.Operation{Status: "DONE"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, err := compute.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/compute/v1/"),
		option.WithHTTPClient(&http.Client{}),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)

	log, err := logger.New("test")
	require.NoError(t, err)

	return &gceController{
		svc:      svc,
		log:      log,
		project:  "proj",
		zone:     "z",
		instance: "gpu-host",
	}
}

func TestDescribe_MapsGCEStatuses(t *testing.T) {
	cases := map[string]State{
		"RUNNING":      StateRunning,
		"PROVISIONING": StateStarting,
		"STAGING":      StateStarting,
		"STOPPING":     StateStopping,
		"TERMINATED":   StateStopped,
		"SOMETHING_NEW": StateUnknown,
	}
	for gceStatus, want := range cases {
		t.Run(gceStatus, func(t *testing.T) {
			ctrl := newTestController(t, &fakeComputeServer{status: gceStatus})
			got, err := ctrl.Describe(context.Background())
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestStart_OnlyCallsAPIWhenStopped(t *testing.T) {
	fake := &fakeComputeServer{status: "TERMINATED"}
	ctrl := newTestController(t, fake)

	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, 1, fake.startCalls)
}

func TestStart_NoopWhenAlreadyRunning(t *testing.T) {
	fake := &fakeComputeServer{status: "RUNNING"}
	ctrl := newTestController(t, fake)

	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, 0, fake.startCalls)
}

func TestStop_OnlyCallsAPIWhenRunning(t *testing.T) {
	fake := &fakeComputeServer{status: "RUNNING"}
	ctrl := newTestController(t, fake)

	require.NoError(t, ctrl.Stop(context.Background()))
	require.Equal(t, 1, fake.stopCalls)
}

func TestStop_NeverInterruptsStarting(t *testing.T) {
	fake := &fakeComputeServer{status: "PROVISIONING"}
	ctrl := newTestController(t, fake)

	require.NoError(t, ctrl.Stop(context.Background()))
	require.Equal(t, 0, fake.stopCalls, "stop must never transition a STARTING host")
}
