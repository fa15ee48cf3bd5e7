package services

import (
	"math"
	"sync"
	"time"

	"rillcap/internal/core/ports"

	"go.uber.org/zap"
)

const DefaultMediaPollInterval = 16 * time.Millisecond

// timeSource feeds the tracker cache until stop returns.
type timeSource interface {
	mode() string
	stop()
}

// MediaTimeTracker produces a millisecond media time for the bound element. It prefers
// the frame-accurate callback when the element implements ports.FrameNotifier and falls
// back to polling the playback position otherwise.
type MediaTimeTracker struct {
	mu           sync.Mutex
	element      ports.MediaElement
	enabled      bool
	closed       bool
	source       timeSource
	pollInterval time.Duration

	// cacheMu orders cache writes against re-registration so a source that was
	// torn down can never overwrite the cache of its successor.
	cacheMu    sync.Mutex
	cached     int64
	generation uint64

	logger *zap.SugaredLogger
}

func NewMediaTimeTracker(pollInterval time.Duration, logger *zap.SugaredLogger) *MediaTimeTracker {
	if pollInterval <= 0 {
		pollInterval = DefaultMediaPollInterval
	}
	return &MediaTimeTracker{
		enabled:      true,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Bind switches the tracked element. nil detaches.
func (t *MediaTimeTracker) Bind(el ports.MediaElement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.element = el
	t.registerLocked()
}

func (t *MediaTimeTracker) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.enabled == enabled {
		return
	}
	t.enabled = enabled
	t.registerLocked()
}

// Close tears the active source down. The tracker keeps answering GetMediaTime with live reads.
func (t *MediaTimeTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.enabled = false
	t.registerLocked()
}

// Mode reports the active strategy: "frame-callback", "polling" or "idle".
func (t *MediaTimeTracker) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.source == nil {
		return "idle"
	}
	return t.source.mode()
}

// GetMediaTime returns the latest cached media time in ms, falling back to a live read
// while nothing has been cached. Zero when no element is bound.
func (t *MediaTimeTracker) GetMediaTime() int64 {
	t.cacheMu.Lock()
	cached := t.cached
	t.cacheMu.Unlock()
	if cached != 0 {
		return cached
	}

	t.mu.Lock()
	el := t.element
	t.mu.Unlock()
	if el == nil {
		return 0
	}
	return toMillis(el.CurrentTime())
}

func (t *MediaTimeTracker) registerLocked() {
	if t.source != nil {
		t.source.stop()
		t.source = nil
	}

	t.cacheMu.Lock()
	t.generation++
	gen := t.generation
	t.cached = 0
	t.cacheMu.Unlock()

	if !t.enabled || t.element == nil {
		return
	}

	store := func(seconds float64) {
		ms := toMillis(seconds)
		t.cacheMu.Lock()
		if t.generation == gen {
			t.cached = ms
		}
		t.cacheMu.Unlock()
	}

	if notifier, ok := t.element.(ports.FrameNotifier); ok {
		t.source = &frameCallbackSource{cancel: notifier.RequestFrameCallbacks(ports.FrameCallback(store))}
	} else {
		t.source = startPollingSource(t.element, t.pollInterval, store)
	}

	if t.logger != nil {
		t.logger.Debugw("media time source registered", "mode", t.source.mode())
	}
}

func toMillis(seconds float64) int64 {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}

type frameCallbackSource struct {
	cancel func()
}

func (s *frameCallbackSource) mode() string { return "frame-callback" }

func (s *frameCallbackSource) stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

type pollingSource struct {
	stopCh chan struct{}
	done   chan struct{}
}

func startPollingSource(el ports.MediaElement, interval time.Duration, store func(float64)) *pollingSource {
	s := &pollingSource{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		store(el.CurrentTime())
		for {
			select {
			case <-ticker.C:
				store(el.CurrentTime())
			case <-s.stopCh:
				return
			}
		}
	}()
	return s
}

func (s *pollingSource) mode() string { return "polling" }

// stop returns once the poll goroutine has exited.
func (s *pollingSource) stop() {
	close(s.stopCh)
	<-s.done
}
