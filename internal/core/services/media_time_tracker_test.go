package services

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rillcap/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pollingElement only exposes the playback position.
type pollingElement struct {
	bits  atomic.Uint64
	reads atomic.Int64
}

func (e *pollingElement) set(seconds float64) { e.bits.Store(math.Float64bits(seconds)) }

func (e *pollingElement) CurrentTime() float64 {
	e.reads.Add(1)
	return math.Float64frombits(e.bits.Load())
}

// frameElement implements the frame callback capability. It deliberately keeps the
// callback after cancel so tests can prove the tracker ignores late frames.
type frameElement struct {
	pollingElement
	mu        sync.Mutex
	cb        ports.FrameCallback
	cancelled int
}

func (e *frameElement) RequestFrameCallbacks(cb ports.FrameCallback) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.cancelled++
	}
}

func (e *frameElement) present(mediaTime float64) {
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	if cb != nil {
		cb(mediaTime)
	}
}

func TestMediaTimeTracker_NoElementReturnsZero(t *testing.T) {
	tracker := NewMediaTimeTracker(time.Millisecond, zaptest.NewLogger(t).Sugar())
	defer tracker.Close()

	assert.Equal(t, int64(0), tracker.GetMediaTime())
	assert.Equal(t, "idle", tracker.Mode())
}

func TestMediaTimeTracker_PrefersFrameCallback(t *testing.T) {
	tracker := NewMediaTimeTracker(time.Millisecond, zaptest.NewLogger(t).Sugar())
	defer tracker.Close()

	el := &frameElement{}
	el.set(1.0)
	tracker.Bind(el)
	require.Equal(t, "frame-callback", tracker.Mode())

	// Nothing cached yet: live read.
	assert.Equal(t, int64(1000), tracker.GetMediaTime())

	el.present(2.0334)
	assert.Equal(t, int64(2033), tracker.GetMediaTime())
}

func TestMediaTimeTracker_FallsBackToPolling(t *testing.T) {
	tracker := NewMediaTimeTracker(2*time.Millisecond, zaptest.NewLogger(t).Sugar())
	defer tracker.Close()

	el := &pollingElement{}
	el.set(3.5)
	tracker.Bind(el)
	require.Equal(t, "polling", tracker.Mode())

	assert.Eventually(t, func() bool {
		return tracker.GetMediaTime() == 3500
	}, time.Second, 2*time.Millisecond)

	el.set(4.25)
	assert.Eventually(t, func() bool {
		return tracker.GetMediaTime() == 4250
	}, time.Second, 2*time.Millisecond)
}

func TestMediaTimeTracker_UnbindCancelsCallbacks(t *testing.T) {
	tracker := NewMediaTimeTracker(time.Millisecond, zaptest.NewLogger(t).Sugar())
	defer tracker.Close()

	el := &frameElement{}
	tracker.Bind(el)
	el.present(5.0)
	require.Equal(t, int64(5000), tracker.GetMediaTime())

	tracker.Bind(nil)
	assert.Equal(t, 1, el.cancelled)

	// A frame delivered after teardown must not leak into the cache.
	el.present(9.0)
	assert.Equal(t, int64(0), tracker.GetMediaTime())
}

func TestMediaTimeTracker_DisableStopsPolling(t *testing.T) {
	tracker := NewMediaTimeTracker(time.Millisecond, zaptest.NewLogger(t).Sugar())
	defer tracker.Close()

	el := &pollingElement{}
	el.set(1)
	tracker.Bind(el)
	require.Eventually(t, func() bool { return el.reads.Load() > 2 }, time.Second, time.Millisecond)

	tracker.SetEnabled(false)
	assert.Equal(t, "idle", tracker.Mode())

	before := el.reads.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, el.reads.Load(), "poller kept reading after disable")

	tracker.SetEnabled(true)
	assert.Equal(t, "polling", tracker.Mode())
}

func TestMediaTimeTracker_RebindResetsCache(t *testing.T) {
	tracker := NewMediaTimeTracker(time.Millisecond, zaptest.NewLogger(t).Sugar())
	defer tracker.Close()

	first := &frameElement{}
	tracker.Bind(first)
	first.present(10)

	second := &frameElement{}
	second.set(0.5)
	tracker.Bind(second)

	assert.Equal(t, 1, first.cancelled)
	assert.Equal(t, int64(500), tracker.GetMediaTime())

	first.present(11)
	assert.Equal(t, int64(500), tracker.GetMediaTime())
}

func TestToMillis(t *testing.T) {
	assert.Equal(t, int64(2000), toMillis(2.0004))
	assert.Equal(t, int64(2001), toMillis(2.0006))
	assert.Equal(t, int64(0), toMillis(math.NaN()))
	assert.Equal(t, int64(0), toMillis(-1))
}
