package ports

import (
	"context"
	"io"
	"time"

	"rillcap/internal/core/domain"
)

// MediaElement exposes the playback position in seconds.
type MediaElement interface {
	CurrentTime() float64
}

// FrameCallback receives the presentation media time (seconds) of a presented frame.
type FrameCallback func(mediaTime float64)

// FrameNotifier is the optional frame-accurate capability of a MediaElement.
// After cancel returns, cb is never invoked again.
type FrameNotifier interface {
	RequestFrameCallbacks(cb FrameCallback) (cancel func())
}

type MediaClock interface {
	GetMediaTime() int64
}

// LogSink owns the active segment. AppendLog tags rec with it and returns the stored record.
type LogSink interface {
	AppendLog(rec domain.InputLogRecord) domain.InputLogRecord
}

// UploadTarget is a presigned destination for one segment.
type UploadTarget struct {
	RemoteID  domain.RemoteSegmentID `json:"remoteSegmentId"`
	URL       string                 `json:"uploadUrl"`
	S3URL     string                 `json:"s3Url,omitempty"`
	Headers   map[string]string      `json:"headers,omitempty"`
	ExpiresAt time.Time              `json:"expiresAt,omitempty"`
}

type UploadTargetProvider interface {
	RequestTarget(ctx context.Context, seg *domain.Segment) (*UploadTarget, error)
}

type SegmentUploader interface {
	Put(ctx context.Context, target *UploadTarget, body io.Reader, size int64, contentType string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, msg domain.Message) error
}

// Drainer runs one pass over the upload queue.
type Drainer interface {
	Trigger(sessionID domain.SessionID)
}

// DrainTrigger is one way of asking the worker to drain.
type DrainTrigger interface {
	Name() string
	Available(ctx context.Context) bool
	Trigger(ctx context.Context, sessionID domain.SessionID) error
}

// WorkerConn is a tab's link to the shared upload worker.
type WorkerConn interface {
	ID() string
	Send(ctx context.Context, msg domain.Message) error
	Messages() <-chan domain.Message
	Done() <-chan struct{}
	Close() error
}

// PipelineMetrics receives capture and upload observations.
type PipelineMetrics interface {
	SegmentFinalized(bytes int64, logs int)
	UploadFinished(result string, bytes int64, duration time.Duration)
	LimiterWait(duration time.Duration)
	QueueDepth(stats domain.StoreStats)
	TriggerUsed(tier string)
	WorkerConnections(delta int)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) SegmentFinalized(int64, int)                 {}
func (NopMetrics) UploadFinished(string, int64, time.Duration) {}
func (NopMetrics) LimiterWait(time.Duration)                   {}
func (NopMetrics) QueueDepth(domain.StoreStats)                {}
func (NopMetrics) TriggerUsed(string)                          {}
func (NopMetrics) WorkerConnections(int)                       {}
