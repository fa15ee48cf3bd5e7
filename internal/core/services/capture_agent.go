package services

import (
	"context"
	"sync"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"go.uber.org/zap"
)

type CaptureAgentConfig struct {
	ContentType string
	InputLogger InputLoggerConfig
}

// CaptureStatus is a snapshot for the capture agent API.
type CaptureStatus struct {
	Recording   bool            `json:"recording"`
	MediaMode   string          `json:"mediaMode"`
	MediaTimeMs int64           `json:"mediaTimeMs"`
	Recorder    *RecorderStatus `json:"recorder,omitempty"`
}

// CaptureAgent runs one recording session at a time: the media time tracker, the input
// logger and the segment recorder of the session.
type CaptureAgent struct {
	mu       sync.Mutex
	cfg      CaptureAgentConfig
	store    ports.SegmentStore
	tracker  *MediaTimeTracker
	trigger  UploadTrigger
	metrics  ports.PipelineMetrics
	element  ports.MediaElement
	recorder *SegmentRecorder
	input    *InputEventLogger
	// last keeps the finished recorder around for status and pending-write retries.
	last *SegmentRecorder

	logger *zap.SugaredLogger
}

func NewCaptureAgent(
	cfg CaptureAgentConfig,
	store ports.SegmentStore,
	tracker *MediaTimeTracker,
	trigger UploadTrigger,
	metrics ports.PipelineMetrics,
	logger *zap.SugaredLogger,
) *CaptureAgent {
	tracker.SetEnabled(false)
	return &CaptureAgent{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		trigger: trigger,
		metrics: metrics,
		logger:  logger,
	}
}

// Bind points media time at el. It may be called while recording. Rebinding the
// current element is a no-op.
func (a *CaptureAgent) Bind(el ports.MediaElement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.element == el {
		return
	}
	a.element = el
	a.tracker.Bind(el)
}

// Start begins recording sessionID. An empty contentType uses the configured default.
func (a *CaptureAgent) Start(ctx context.Context, sessionID domain.SessionID, contentType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recorder != nil {
		return domain.ErrRecordingActive
	}
	if contentType == "" {
		contentType = a.cfg.ContentType
	}

	recorder, err := NewSegmentRecorder(SegmentRecorderConfig{
		SessionID:   sessionID,
		ContentType: contentType,
	}, a.store, a.tracker, a.trigger, a.metrics, a.logger)
	if err != nil {
		return err
	}

	a.tracker.SetEnabled(true)
	if err := recorder.Start(ctx); err != nil {
		a.tracker.SetEnabled(false)
		return err
	}

	input := NewInputEventLogger(a.cfg.InputLogger, a.tracker, recorder, a.logger.With("session_id", sessionID))
	input.SetEnabled(true)

	a.recorder = recorder
	a.input = input
	return nil
}

func (a *CaptureAgent) Rotate(ctx context.Context, video []byte) (*domain.Segment, error) {
	a.mu.Lock()
	recorder := a.recorder
	a.mu.Unlock()
	if recorder == nil {
		return nil, domain.ErrNoActiveSegment
	}
	return recorder.Rotate(ctx, video)
}

// Stop seals the last segment and releases the session.
func (a *CaptureAgent) Stop(ctx context.Context, video []byte) (*domain.Segment, error) {
	a.mu.Lock()
	recorder, input := a.recorder, a.input
	if recorder == nil {
		a.mu.Unlock()
		return nil, domain.ErrNoActiveSegment
	}
	input.SetEnabled(false)
	a.recorder, a.input = nil, nil
	a.last = recorder
	a.mu.Unlock()

	seg, err := recorder.Stop(ctx, video)
	a.tracker.SetEnabled(false)
	return seg, err
}

// HandleEvents logs a batch of page events and returns how many produced a record.
func (a *CaptureAgent) HandleEvents(events []domain.RawInputEvent) (int, error) {
	a.mu.Lock()
	input := a.input
	a.mu.Unlock()
	if input == nil {
		return 0, domain.ErrNoActiveSegment
	}
	return input.HandleBatch(events), nil
}

// RetryPending re-attempts segment writes that failed in the current or last session.
func (a *CaptureAgent) RetryPending(ctx context.Context) (int, error) {
	a.mu.Lock()
	recorder := a.recorder
	if recorder == nil {
		recorder = a.last
	}
	a.mu.Unlock()
	if recorder == nil {
		return 0, nil
	}
	return recorder.RetryPending(ctx)
}

func (a *CaptureAgent) Status() CaptureStatus {
	a.mu.Lock()
	recorder := a.recorder
	if recorder == nil {
		recorder = a.last
	}
	recording := a.recorder != nil
	a.mu.Unlock()

	st := CaptureStatus{
		Recording:   recording,
		MediaMode:   a.tracker.Mode(),
		MediaTimeMs: a.tracker.GetMediaTime(),
	}
	if recorder != nil {
		rs := recorder.Status()
		st.Recorder = &rs
	}
	return st
}

// Close stops the tracker. A running recording is left unsealed.
func (a *CaptureAgent) Close() {
	a.mu.Lock()
	if a.input != nil {
		a.input.SetEnabled(false)
	}
	a.mu.Unlock()
	a.tracker.Close()
}
