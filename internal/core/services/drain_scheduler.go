package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"go.uber.org/zap"
)

// QueueDrainer runs one pass over the upload queue.
type QueueDrainer interface {
	Drain(ctx context.Context) (DrainReport, error)
}

// DrainScheduler is the single logical drainer of a worker process. Triggers that
// arrive while a pass is running collapse into one follow-up pass; a periodic tick
// picks up anything no trigger announced.
type DrainScheduler struct {
	drainer  QueueDrainer
	lease    ports.DrainLease
	syncs    ports.SyncRegistry
	interval time.Duration
	wake     chan struct{}

	mu         sync.Mutex
	lastReport DrainReport
	lastRun    time.Time

	logger *zap.SugaredLogger
}

var _ ports.Drainer = (*DrainScheduler)(nil)

// NewDrainScheduler builds a scheduler. lease and syncs may be nil.
func NewDrainScheduler(drainer QueueDrainer, lease ports.DrainLease, syncs ports.SyncRegistry, interval time.Duration, logger *zap.SugaredLogger) *DrainScheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DrainScheduler{
		drainer:  drainer,
		lease:    lease,
		syncs:    syncs,
		interval: interval,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
}

// Trigger requests a drain pass. It never blocks.
func (s *DrainScheduler) Trigger(sessionID domain.SessionID) {
	select {
	case s.wake <- struct{}{}:
		s.logger.Debugw("drain requested", "session_id", sessionID)
	default:
	}
}

// Run drains on every trigger and tick until ctx is done. Background-sync
// registrations are consumed as triggers.
func (s *DrainScheduler) Run(ctx context.Context) error {
	if s.syncs != nil {
		go s.consumeSyncs(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.drainOnce(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			s.drainOnce(ctx, "trigger")
		case <-ticker.C:
			s.drainOnce(ctx, "tick")
		}
	}
}

func (s *DrainScheduler) consumeSyncs(ctx context.Context) {
	for {
		id, err := s.syncs.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("background sync registry unavailable", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
			continue
		}
		s.logger.Debugw("background sync registration consumed", "session_id", id)
		s.Trigger(id)
	}
}

// drainOnce runs a pass unless another worker instance holds the drain lease.
// If the lease backend fails the pass still runs; segment claims keep it safe.
func (s *DrainScheduler) drainOnce(ctx context.Context, reason string) {
	if s.lease != nil {
		ok, err := s.lease.TryAcquire(ctx)
		switch {
		case err != nil:
			s.logger.Warnw("drain lease unavailable, draining anyway", "error", err)
		case !ok:
			s.logger.Debugw("another worker instance is draining", "reason", reason)
			return
		default:
			defer func() {
				if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warnw("failed to release drain lease", "error", err)
				}
			}()
		}
	}

	report, err := s.drainer.Drain(ctx)

	s.mu.Lock()
	s.lastReport = report
	s.lastRun = time.Now()
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		s.logger.Errorw("drain pass failed", "reason", reason, "error", err)
	}
}

// LastReport returns the outcome of the most recent pass and when it ran.
func (s *DrainScheduler) LastReport() (DrainReport, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport, s.lastRun
}
