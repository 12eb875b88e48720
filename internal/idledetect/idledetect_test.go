package idledetect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/gpudispatch/internal/hostctl"
	"github.com/yungbote/gpudispatch/internal/platform/logger"
)

type fakeDepth struct {
	values []int64
	i      int
	err    error
}

func (f *fakeDepth) Depth(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.i >= len(f.values) {
		return f.values[len(f.values)-1], nil
	}
	v := f.values[f.i]
	f.i++
	return v, nil
}

type fakeHost struct {
	state     hostctl.State
	stopCalls int
}

func (f *fakeHost) Describe(context.Context) (hostctl.State, error) { return f.state, nil }
func (f *fakeHost) Start(context.Context) error                    { return nil }
func (f *fakeHost) Stop(context.Context) error {
	f.stopCalls++
	f.state = hostctl.StateStopped
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestSample_FiresStopAfterNConsecutiveIdleSamples(t *testing.T) {
	depth := &fakeDepth{values: []int64{0, 0, 0}}
	host := &fakeHost{state: hostctl.StateRunning}
	d := New(depth, host, testLogger(t), Config{Periods: 3})

	ctx := context.Background()
	d.sample(ctx)
	d.sample(ctx)
	require.Equal(t, 0, host.stopCalls, "must not fire before N consecutive samples")
	d.sample(ctx)
	require.Equal(t, 1, host.stopCalls)
}

func TestSample_NonIdleSampleResetsWindow(t *testing.T) {
	depth := &fakeDepth{values: []int64{0, 0, 5, 0, 0, 0}}
	host := &fakeHost{state: hostctl.StateRunning}
	d := New(depth, host, testLogger(t), Config{Periods: 3})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d.sample(ctx)
	}
	require.Equal(t, 0, host.stopCalls, "a crossing above theta within fewer than N samples resets the window (§8 property 11)")
	d.sample(ctx)
	require.Equal(t, 1, host.stopCalls)
}

func TestSample_FiresOncePerIdleWindow(t *testing.T) {
	depth := &fakeDepth{values: []int64{0, 0, 0, 0, 0, 0}}
	host := &fakeHost{state: hostctl.StateRunning}
	d := New(depth, host, testLogger(t), Config{Periods: 3})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		d.sample(ctx)
	}
	require.Equal(t, 1, host.stopCalls, "a sustained idle window must fire exactly once, not once per sample")
}

func TestSample_SkipsStopWhenHostAlreadyStopped(t *testing.T) {
	depth := &fakeDepth{values: []int64{0, 0, 0}}
	host := &fakeHost{state: hostctl.StateStopped}
	d := New(depth, host, testLogger(t), Config{Periods: 3})

	ctx := context.Background()
	d.sample(ctx)
	d.sample(ctx)
	d.sample(ctx)
	require.Equal(t, 0, host.stopCalls, "stop against an already-stopped host is a no-op (§8 property 8)")
}
