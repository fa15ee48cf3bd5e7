package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	apperrors "rillcap/pkg/errors"
	"rillcap/pkg/validation"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UploadTrigger asks whichever drainer is reachable to process the session's queue.
type UploadTrigger interface {
	TriggerUpload(ctx context.Context, sessionID domain.SessionID) error
}

type SegmentRecorderConfig struct {
	SessionID   domain.SessionID
	ContentType string
}

type activeSegment struct {
	id            domain.LocalSegmentID
	startOffsetMs int64
	lastMediaMs   int64
	logs          []domain.InputLogRecord
	createdAt     time.Time
}

// RecorderStatus is a snapshot for the capture agent API.
type RecorderStatus struct {
	SessionID       domain.SessionID      `json:"sessionId"`
	Recording       bool                  `json:"recording"`
	ActiveSegmentID domain.LocalSegmentID `json:"activeSegmentId,omitempty"`
	ActiveLogCount  int                   `json:"activeLogCount"`
	Orphans         int                   `json:"orphans"`
	PendingWrites   int                   `json:"pendingWrites"`
	Finalized       int                   `json:"finalized"`
}

// SegmentRecorder owns the single active segment of a recording session. Rotation
// swaps the active buffer under the recorder mutex, so every record appended before
// a rotation belongs to the finalized segment and none after.
type SegmentRecorder struct {
	mu          sync.Mutex
	sessionID   domain.SessionID
	contentType string
	store       ports.SegmentStore
	dir         ports.SessionDirectory
	clock       ports.MediaClock
	trigger     UploadTrigger
	metrics     ports.PipelineMetrics

	active    *activeSegment
	orphans   []domain.InputLogRecord
	pending   []*domain.Segment
	finalized int

	newID  func() domain.LocalSegmentID
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewSegmentRecorder(
	cfg SegmentRecorderConfig,
	store ports.SegmentStore,
	clock ports.MediaClock,
	trigger UploadTrigger,
	metrics ports.PipelineMetrics,
	logger *zap.SugaredLogger,
) (*SegmentRecorder, error) {
	if err := validation.ValidateSessionID(string(cfg.SessionID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "video/webm"
	}
	if err := validation.ValidateContentType(cfg.ContentType); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &SegmentRecorder{
		sessionID:   cfg.SessionID,
		contentType: cfg.ContentType,
		store:       store,
		clock:       clock,
		trigger:     trigger,
		metrics:     metrics,
		newID:       func() domain.LocalSegmentID { return domain.LocalSegmentID(uuid.NewString()) },
		now:         time.Now,
		logger:      logger.With("session_id", cfg.SessionID),
	}, nil
}

func (r *SegmentRecorder) SessionID() domain.SessionID {
	return r.sessionID
}

// Start opens the first segment of the session.
func (r *SegmentRecorder) Start(ctx context.Context) error {
	dir, err := r.directory(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return domain.ErrRecordingActive
	}
	r.dir = dir
	r.active = r.openLocked(r.clock.GetMediaTime())
	r.logger.Infow("recording started", "segment_id", r.active.id)
	return nil
}

// Rotate seals the active segment with video, opens the next one and persists the sealed one.
// A storage failure is returned but the segment is kept for RetryPending.
func (r *SegmentRecorder) Rotate(ctx context.Context, video []byte) (*domain.Segment, error) {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return nil, domain.ErrNoActiveSegment
	}
	seg := r.finalizeLocked(video)
	r.active = r.openLocked(seg.EndOffsetMs)
	next := r.active.id
	r.mu.Unlock()

	r.logger.Debugw("segment rotated", "segment_id", seg.LocalID, "next_segment_id", next)
	return seg, r.persist(ctx, seg)
}

// Stop seals the active segment and ends the recording.
func (r *SegmentRecorder) Stop(ctx context.Context, video []byte) (*domain.Segment, error) {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return nil, domain.ErrNoActiveSegment
	}
	seg := r.finalizeLocked(video)
	r.active = nil
	r.mu.Unlock()

	r.logger.Infow("recording stopped", "segment_id", seg.LocalID)
	return seg, r.persist(ctx, seg)
}

// AppendLog tags rec with the active segment. Within a segment media time never decreases.
func (r *SegmentRecorder) AppendLog(rec domain.InputLogRecord) domain.InputLogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		rec.SegmentID = ""
		r.orphans = append(r.orphans, rec)
		return rec
	}

	rec.SegmentID = r.active.id
	if rec.MediaTimeMs < r.active.lastMediaMs {
		rec.MediaTimeMs = r.active.lastMediaMs
	}
	r.active.lastMediaMs = rec.MediaTimeMs
	r.active.logs = append(r.active.logs, rec)
	return rec
}

func (r *SegmentRecorder) ActiveSegmentID() domain.LocalSegmentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.id
}

// Orphans returns the records logged while no segment was active.
func (r *SegmentRecorder) Orphans() []domain.InputLogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InputLogRecord(nil), r.orphans...)
}

func (r *SegmentRecorder) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *SegmentRecorder) Status() RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RecorderStatus{
		SessionID:     r.sessionID,
		Recording:     r.active != nil,
		Orphans:       len(r.orphans),
		PendingWrites: len(r.pending),
		Finalized:     r.finalized,
	}
	if r.active != nil {
		st.ActiveSegmentID = r.active.id
		st.ActiveLogCount = len(r.active.logs)
	}
	return st
}

// RetryPending re-attempts storage writes that failed earlier. It returns how many were persisted.
func (r *SegmentRecorder) RetryPending(ctx context.Context) (int, error) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	persisted := 0
	var errs []error
	for i, seg := range batch {
		if err := ctx.Err(); err != nil {
			r.requeue(batch[i:]...)
			errs = append(errs, apperrors.NewCancelledError("retry pending segments", err))
			break
		}
		if err := r.persist(ctx, seg); err != nil {
			errs = append(errs, err)
			continue
		}
		persisted++
	}
	return persisted, errors.Join(errs...)
}

func (r *SegmentRecorder) openLocked(startOffsetMs int64) *activeSegment {
	return &activeSegment{
		id:            r.newID(),
		startOffsetMs: startOffsetMs,
		lastMediaMs:   startOffsetMs,
		createdAt:     r.now(),
	}
}

func (r *SegmentRecorder) finalizeLocked(video []byte) *domain.Segment {
	a := r.active
	end := r.clock.GetMediaTime()
	if end < a.lastMediaMs {
		end = a.lastMediaMs
	}
	now := r.now()
	r.finalized++
	return &domain.Segment{
		SessionID:     r.sessionID,
		LocalID:       a.id,
		Video:         video,
		ContentType:   r.contentType,
		StartOffsetMs: a.startOffsetMs,
		EndOffsetMs:   end,
		InputLogs:     a.logs,
		State:         domain.UploadStatePending,
		CreatedAt:     a.createdAt,
		UpdatedAt:     now,
	}
}

func (r *SegmentRecorder) persist(ctx context.Context, seg *domain.Segment) error {
	dir, err := r.directory(ctx)
	if err == nil {
		err = dir.WriteSegment(ctx, seg)
	}
	if err != nil {
		r.requeue(seg)
		r.logger.Errorw("segment kept in memory after storage failure",
			"segment_id", seg.LocalID,
			"size", humanize.Bytes(uint64(seg.Size())),
			"error", err,
		)
		return apperrors.NewStorageError(fmt.Sprintf("failed to persist segment %s", seg.LocalID), err)
	}

	r.metrics.SegmentFinalized(seg.Size(), len(seg.InputLogs))
	r.logger.Infow("segment persisted",
		"segment_id", seg.LocalID,
		"size", humanize.Bytes(uint64(seg.Size())),
		"input_logs", len(seg.InputLogs),
		"start_ms", seg.StartOffsetMs,
		"end_ms", seg.EndOffsetMs,
	)

	if r.trigger != nil {
		if err := r.trigger.TriggerUpload(ctx, r.sessionID); err != nil {
			r.logger.Warnw("upload trigger failed, segment stays queued", "segment_id", seg.LocalID, "error", err)
		}
	}
	return nil
}

func (r *SegmentRecorder) requeue(segs ...*domain.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, segs...)
}

func (r *SegmentRecorder) directory(ctx context.Context) (ports.SessionDirectory, error) {
	r.mu.Lock()
	dir := r.dir
	r.mu.Unlock()
	if dir != nil {
		return dir, nil
	}

	dir, err := r.store.SessionDirectory(ctx, r.sessionID)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to open session directory", err)
	}
	r.mu.Lock()
	r.dir = dir
	r.mu.Unlock()
	return dir, nil
}
