package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	"rillcap/pkg/cache"
	"rillcap/pkg/circuitbreaker"
	apperrors "rillcap/pkg/errors"
	"rillcap/pkg/ratelimit"
	"rillcap/pkg/retry"
	"rillcap/pkg/tracing"
	"rillcap/pkg/utils"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const maxReasonLength = 512

// targetRefreshMargin is how close to expiry a cached presigned URL is still reused.
const targetRefreshMargin = 5 * time.Second

type UploadCoordinatorConfig struct {
	// OwnerID identifies this drainer in segment claims. It must be unique per worker instance.
	OwnerID string
	// LeaseDuration is renewed every LeaseDuration/3 while an upload is in flight.
	LeaseDuration  time.Duration
	FailedCooldown time.Duration
	ClaimBatch     int
	TargetCacheTTL time.Duration
	Retry          retry.Config
}

func DefaultUploadCoordinatorConfig(ownerID string) UploadCoordinatorConfig {
	return UploadCoordinatorConfig{
		OwnerID:        ownerID,
		LeaseDuration:  2 * time.Minute,
		FailedCooldown: 5 * time.Minute,
		ClaimBatch:     16,
		TargetCacheTTL: 10 * time.Minute,
		Retry:          retry.DefaultConfig(),
	}
}

// UploadResult describes one confirmed upload.
type UploadResult struct {
	Key      domain.SegmentKey
	RemoteID domain.RemoteSegmentID
	S3URL    string
	Attempts int
	Bytes    int64
	Duration time.Duration
}

// DrainReport summarizes one pass over the queue.
type DrainReport struct {
	Uploaded int
	Failed   int
	Requeued int
	Skipped  int
}

// UploadCoordinator drains the segment store: it claims a segment, PUTs it to a
// presigned destination and records the outcome. A segment is only uploaded by
// the owner whose claim succeeded.
type UploadCoordinator struct {
	cfg      UploadCoordinatorConfig
	store    ports.SegmentStore
	targets  ports.UploadTargetProvider
	uploader ports.SegmentUploader
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	events   ports.EventPublisher
	metrics  ports.PipelineMetrics

	// Cached targets let a retried segment keep its remote id and URL.
	targetCache *cache.Cache[*ports.UploadTarget]

	drainMu sync.Mutex
	now     func() time.Time
	logger  *zap.SugaredLogger
}

func NewUploadCoordinator(
	cfg UploadCoordinatorConfig,
	store ports.SegmentStore,
	targets ports.UploadTargetProvider,
	uploader ports.SegmentUploader,
	limiter *ratelimit.Limiter,
	breaker *circuitbreaker.CircuitBreaker,
	events ports.EventPublisher,
	metrics ports.PipelineMetrics,
	logger *zap.SugaredLogger,
) *UploadCoordinator {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if limiter == nil {
		limiter = ratelimit.New(nil)
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 16
	}
	limiter.OnWait(metrics.LimiterWait)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("upload destination circuit changed state", "from", from.String(), "to", to.String())
	})

	return &UploadCoordinator{
		cfg:         cfg,
		store:       store,
		targets:     targets,
		uploader:    uploader,
		limiter:     limiter,
		breaker:     breaker,
		events:      events,
		metrics:     metrics,
		targetCache: cache.New[*ports.UploadTarget](cfg.TargetCacheTTL),
		now:         time.Now,
		logger:      logger.With("owner", cfg.OwnerID),
	}
}

// Close stops background cache maintenance.
func (c *UploadCoordinator) Close() {
	c.targetCache.Stop()
}

func (c *UploadCoordinator) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Drain claims and uploads claimable segments until none remain. Each segment is
// visited at most once per pass. Cancellation stops the pass after requeuing the
// segment in flight.
func (c *UploadCoordinator) Drain(ctx context.Context) (DrainReport, error) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	ctx, span := tracing.TraceDrain(ctx, c.cfg.OwnerID)
	defer span.End()

	var report DrainReport
	seen := make(map[domain.SegmentKey]struct{})
	var drainErr error

pass:
	for {
		if err := ctx.Err(); err != nil {
			drainErr = apperrors.NewCancelledError("drain", err)
			break
		}
		keys, err := c.store.ListClaimable(ctx, c.now(), c.cfg.ClaimBatch)
		if err != nil {
			drainErr = apperrors.NewStorageError("failed to list claimable segments", err)
			break
		}

		fresh := 0
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			fresh++

			seg, err := c.store.Claim(ctx, key, c.cfg.OwnerID, c.cfg.LeaseDuration, c.now())
			if errors.Is(err, domain.ErrSegmentNotClaimable) || errors.Is(err, domain.ErrSegmentNotFound) {
				report.Skipped++
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					drainErr = apperrors.NewCancelledError("drain", ctx.Err())
					break pass
				}
				c.logger.Errorw("failed to claim segment", "segment", key.String(), "error", err)
				report.Skipped++
				continue
			}

			_, err = c.uploadClaimed(ctx, seg)
			switch {
			case err == nil:
				report.Uploaded++
			case ctx.Err() != nil:
				report.Requeued++
				drainErr = err
				break pass
			case errors.Is(err, circuitbreaker.ErrOpen):
				// The destination is down; leave the rest for the next pass.
				report.Requeued++
				break pass
			case errors.Is(err, domain.ErrClaimLost):
				report.Skipped++
			default:
				report.Failed++
			}
		}

		if fresh == 0 || len(keys) < c.cfg.ClaimBatch {
			break
		}
	}

	span.SetAttributes(
		tracing.UploadedKey.Int(report.Uploaded),
		tracing.FailedKey.Int(report.Failed),
		tracing.RequeuedKey.Int(report.Requeued),
	)
	if drainErr != nil {
		tracing.RecordError(ctx, drainErr)
	}

	if stats, err := c.store.Stats(context.WithoutCancel(ctx)); err == nil {
		c.metrics.QueueDepth(stats)
	}
	if report.Uploaded+report.Failed+report.Requeued > 0 {
		c.publish(context.WithoutCancel(ctx), domain.DrainCompleted{Uploaded: report.Uploaded, Failed: report.Failed, Requeued: report.Requeued})
		c.logger.Infow("drain pass finished",
			"uploaded", report.Uploaded,
			"failed", report.Failed,
			"requeued", report.Requeued,
			"skipped", report.Skipped,
		)
	}
	return report, drainErr
}

// UploadSegment claims seg and uploads it. It fails with ErrSegmentNotClaimable when
// another owner holds the segment.
func (c *UploadCoordinator) UploadSegment(ctx context.Context, seg *domain.Segment) (*UploadResult, error) {
	claimed, err := c.store.Claim(ctx, seg.Key(), c.cfg.OwnerID, c.cfg.LeaseDuration, c.now())
	if err != nil {
		return nil, err
	}
	return c.uploadClaimed(ctx, claimed)
}

func (c *UploadCoordinator) uploadClaimed(ctx context.Context, seg *domain.Segment) (*UploadResult, error) {
	key := seg.Key()
	start := c.now()
	logger := c.logger.With("session_id", key.SessionID, "segment_id", key.LocalID)

	attempts := 0
	retryCfg := c.cfg.Retry
	retryCfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, circuitbreaker.ErrOpen)
	}
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnw("upload attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	holdCtx, release := c.holdClaim(ctx, key, logger)
	target, err := retry.RetryWithResult(holdCtx, retryCfg, func(ctx context.Context) (*ports.UploadTarget, error) {
		return circuitbreaker.ExecuteWithResult(ctx, c.breaker, func(ctx context.Context) (*ports.UploadTarget, error) {
			attempts++
			return c.attempt(ctx, seg, seg.Attempts+attempts)
		})
	})
	release()
	// Outcomes are recorded even when ctx is already done.
	bg := context.WithoutCancel(ctx)
	elapsed := c.now().Sub(start)
	claimLost := errors.Is(context.Cause(holdCtx), domain.ErrClaimLost)

	switch {
	case err == nil:
		return c.finish(bg, seg, target, attempts, elapsed, logger)

	// A per-request timeout is an upload failure; only the caller's ctx cancels.
	case ctx.Err() != nil:
		if relErr := c.store.Release(bg, key, c.cfg.OwnerID, "upload cancelled"); relErr != nil {
			logger.Warnw("failed to requeue cancelled upload", "error", relErr)
		}
		c.metrics.UploadFinished("cancelled", 0, elapsed)
		c.publish(bg, domain.SegmentRequeued{SessionID: key.SessionID, LocalSegmentID: key.LocalID, Reason: "upload cancelled"})
		logger.Infow("upload cancelled, segment requeued", "attempts", attempts)
		if apperrors.HasCode(err, apperrors.ErrCodeCancelled) {
			return nil, err
		}
		return nil, apperrors.NewCancelledError("upload", ctx.Err())

	// Another owner holds the segment now; its outcome is theirs to record.
	case claimLost:
		c.metrics.UploadFinished("claim_lost", 0, elapsed)
		logger.Warnw("claim lost during upload, attempt abandoned", "attempts", attempts)
		return nil, domain.ErrClaimLost

	case errors.Is(err, circuitbreaker.ErrOpen):
		reason := "upload destination unavailable: " + err.Error()
		if relErr := c.store.Release(bg, key, c.cfg.OwnerID, reason); relErr != nil {
			logger.Warnw("failed to requeue segment", "error", relErr)
		}
		c.metrics.UploadFinished("deferred", 0, elapsed)
		c.publish(bg, domain.SegmentRequeued{SessionID: key.SessionID, LocalSegmentID: key.LocalID, Reason: reason})
		return nil, err
	}

	// Calls refused by an open breaker are not counted in attempts.
	reason := utils.TruncateString(utils.SanitizeString(err.Error()), maxReasonLength)
	retryAt := c.now().Add(c.cfg.FailedCooldown)
	if markErr := c.store.MarkFailed(bg, key, c.cfg.OwnerID, reason, attempts, retryAt); markErr != nil {
		logger.Errorw("failed to record upload failure", "error", markErr)
		if errors.Is(markErr, domain.ErrClaimLost) {
			return nil, markErr
		}
	}
	c.metrics.UploadFinished("failed", 0, elapsed)
	c.publish(bg, domain.SegmentFailed{
		SessionID:      key.SessionID,
		LocalSegmentID: key.LocalID,
		Reason:         reason,
		Attempts:       seg.Attempts + attempts,
	})
	logger.Errorw("upload failed, segment parked",
		"attempts", attempts,
		"retry_at", retryAt,
		"reason", reason,
	)
	return nil, apperrors.NewUploadError(fmt.Sprintf("upload of segment %s failed", key), err)
}

// holdClaim renews the claim on key every LeaseDuration/3 until release is called.
// The returned context is cancelled with domain.ErrClaimLost once the store reports
// that another owner has taken the segment.
func (c *UploadCoordinator) holdClaim(ctx context.Context, key domain.SegmentKey, logger *zap.SugaredLogger) (context.Context, func()) {
	holdCtx, cancel := context.WithCancelCause(ctx)
	interval := c.cfg.LeaseDuration / 3
	if interval <= 0 {
		return holdCtx, func() { cancel(nil) }
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-holdCtx.Done():
				return
			case <-ticker.C:
			}
			err := c.store.RenewClaim(holdCtx, key, c.cfg.OwnerID, c.cfg.LeaseDuration, c.now())
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrClaimLost), errors.Is(err, domain.ErrSegmentNotFound):
				cancel(domain.ErrClaimLost)
				return
			case holdCtx.Err() == nil:
				// The claim survives until expiry; the next tick tries again.
				logger.Warnw("failed to renew segment claim", "error", err)
			}
		}
	}()

	return holdCtx, func() {
		close(stop)
		<-done
		cancel(nil)
	}
}

// attempt performs one presign + PUT round trip.
func (c *UploadCoordinator) attempt(ctx context.Context, seg *domain.Segment, attempt int) (*ports.UploadTarget, error) {
	key := seg.Key()
	ctx, span := tracing.TraceUploadAttempt(ctx, string(key.SessionID), string(key.LocalID), attempt)
	defer span.End()
	span.SetAttributes(tracing.BytesKey.Int64(seg.Size()))

	target, err := c.target(ctx, seg)
	if err != nil {
		tracing.RecordError(ctx, fmt.Errorf("presign failed: %w", err))
		return nil, err
	}
	span.SetAttributes(tracing.RemoteIDKey.String(string(target.RemoteID)))

	body := c.limiter.NewThrottledReader(ctx, bytes.NewReader(seg.Video))
	if err := c.uploader.Put(ctx, target, body, seg.Size(), seg.ContentType); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return target, nil
}

func (c *UploadCoordinator) target(ctx context.Context, seg *domain.Segment) (*ports.UploadTarget, error) {
	cacheKey := seg.Key().String()
	fetch := func(ctx context.Context) (*ports.UploadTarget, error) {
		t, err := c.targets.RequestTarget(ctx, seg)
		if err != nil {
			return nil, err
		}
		if t == nil || t.URL == "" {
			return nil, fmt.Errorf("presigner returned no upload URL for %s", cacheKey)
		}
		return t, nil
	}

	t, err := c.targetCache.GetOrSet(ctx, cacheKey, fetch, c.cfg.TargetCacheTTL)
	if err != nil {
		return nil, err
	}
	if !t.ExpiresAt.IsZero() && c.now().Add(targetRefreshMargin).After(t.ExpiresAt) {
		c.targetCache.Delete(cacheKey)
		return c.targetCache.GetOrSet(ctx, cacheKey, fetch, c.cfg.TargetCacheTTL)
	}
	return t, nil
}

func (c *UploadCoordinator) finish(ctx context.Context, seg *domain.Segment, target *ports.UploadTarget, attempts int, elapsed time.Duration, logger *zap.SugaredLogger) (*UploadResult, error) {
	key := seg.Key()
	if err := c.store.MarkUploaded(ctx, key, c.cfg.OwnerID, target.RemoteID); err != nil {
		// The bytes are at the destination; another owner took over after our lease expired.
		logger.Warnw("segment uploaded but claim was lost", "remote_id", target.RemoteID, "error", err)
		return nil, err
	}
	c.targetCache.Delete(key.String())
	c.metrics.UploadFinished("uploaded", seg.Size(), elapsed)

	c.publish(ctx, domain.SegmentUploaded{
		SessionID:       key.SessionID,
		LocalSegmentID:  key.LocalID,
		RemoteSegmentID: target.RemoteID,
		S3URL:           target.S3URL,
	})

	if err := c.store.Remove(ctx, key); err != nil {
		logger.Warnw("uploaded segment could not be removed from local storage", "error", err)
	}

	var rate string
	if secs := elapsed.Seconds(); secs > 0 {
		rate = humanize.Bytes(uint64(float64(seg.Size())/secs)) + "/s"
	}
	logger.Infow("segment uploaded",
		"remote_id", target.RemoteID,
		"size", humanize.Bytes(uint64(seg.Size())),
		"rate", rate,
		"attempts", attempts,
		"duration", elapsed,
	)

	return &UploadResult{
		Key:      key,
		RemoteID: target.RemoteID,
		S3URL:    target.S3URL,
		Attempts: attempts,
		Bytes:    seg.Size(),
		Duration: elapsed,
	}, nil
}

func (c *UploadCoordinator) publish(ctx context.Context, msg domain.Message) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, msg); err != nil {
		c.logger.Warnw("failed to publish upload event", "type", msg.Kind(), "error", err)
	}
}

// RetryFailed makes every FAILED segment of a session immediately claimable again.
func (c *UploadCoordinator) RetryFailed(ctx context.Context, sessionID domain.SessionID) (int, error) {
	n, err := c.store.ResetFailed(ctx, sessionID)
	if err != nil {
		return 0, apperrors.NewStorageError("failed to reset failed segments", err)
	}
	if n > 0 {
		c.logger.Infow("failed segments requeued", "session_id", sessionID, "count", n)
	}
	return n, nil
}
