package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"rillcap/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingDrainer struct {
	passes atomic.Int32
}

func (d *countingDrainer) Drain(ctx context.Context) (DrainReport, error) {
	n := d.passes.Add(1)
	return DrainReport{Uploaded: int(n)}, nil
}

type mockLease struct {
	mock.Mock
}

func (m *mockLease) TryAcquire(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockLease) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func runScheduler(t *testing.T, s *DrainScheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return cancel
}

func TestDrainScheduler_StartupAndTrigger(t *testing.T) {
	drainer := &countingDrainer{}
	s := NewDrainScheduler(drainer, nil, nil, time.Hour, zaptest.NewLogger(t).Sugar())
	runScheduler(t, s)

	require.Eventually(t, func() bool { return drainer.passes.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Trigger("sess-1")
	require.Eventually(t, func() bool { return drainer.passes.Load() == 2 }, time.Second, 5*time.Millisecond)

	report, at := s.LastReport()
	assert.Equal(t, 2, report.Uploaded)
	assert.False(t, at.IsZero())
}

func TestDrainScheduler_TriggersCoalesce(t *testing.T) {
	drainer := &countingDrainer{}
	s := NewDrainScheduler(drainer, nil, nil, time.Hour, zaptest.NewLogger(t).Sugar())

	// not running yet: only one wake-up is buffered
	for i := 0; i < 10; i++ {
		s.Trigger("sess-1")
	}
	runScheduler(t, s)

	require.Eventually(t, func() bool { return drainer.passes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), drainer.passes.Load())
}

func TestDrainScheduler_TickerDrains(t *testing.T) {
	drainer := &countingDrainer{}
	s := NewDrainScheduler(drainer, nil, nil, 10*time.Millisecond, zaptest.NewLogger(t).Sugar())
	runScheduler(t, s)

	assert.Eventually(t, func() bool { return drainer.passes.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestDrainScheduler_LeaseHeldElsewhereSkipsPass(t *testing.T) {
	drainer := &countingDrainer{}
	lease := &mockLease{}
	lease.On("TryAcquire", mock.Anything).Return(false, nil)

	s := NewDrainScheduler(drainer, lease, nil, time.Hour, zaptest.NewLogger(t).Sugar())
	s.drainOnce(context.Background(), "test")

	assert.Equal(t, int32(0), drainer.passes.Load())
	lease.AssertNotCalled(t, "Release", mock.Anything)
}

func TestDrainScheduler_LeaseAcquiredIsReleased(t *testing.T) {
	drainer := &countingDrainer{}
	lease := &mockLease{}
	lease.On("TryAcquire", mock.Anything).Return(true, nil)
	lease.On("Release", mock.Anything).Return(nil)

	s := NewDrainScheduler(drainer, lease, nil, time.Hour, zaptest.NewLogger(t).Sugar())
	s.drainOnce(context.Background(), "test")

	assert.Equal(t, int32(1), drainer.passes.Load())
	lease.AssertNumberOfCalls(t, "Release", 1)
}

func TestDrainScheduler_LeaseErrorFailsOpen(t *testing.T) {
	drainer := &countingDrainer{}
	lease := &mockLease{}
	lease.On("TryAcquire", mock.Anything).Return(false, errors.New("redis down"))

	s := NewDrainScheduler(drainer, lease, nil, time.Hour, zaptest.NewLogger(t).Sugar())
	s.drainOnce(context.Background(), "test")

	assert.Equal(t, int32(1), drainer.passes.Load())
	lease.AssertNotCalled(t, "Release", mock.Anything)
}

func TestDrainScheduler_BackgroundSyncRegistrationTriggers(t *testing.T) {
	drainer := &countingDrainer{}
	syncs := memory.NewMemorySyncRegistry()
	s := NewDrainScheduler(drainer, nil, syncs, time.Hour, zaptest.NewLogger(t).Sugar())
	runScheduler(t, s)

	require.Eventually(t, func() bool { return drainer.passes.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, syncs.Register(context.Background(), "sess-offline"))
	assert.Eventually(t, func() bool { return drainer.passes.Load() == 2 }, time.Second, 5*time.Millisecond)
}
