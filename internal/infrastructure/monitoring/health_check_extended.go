package monitoring

import (
	"context"
	"fmt"
	"time"

	"rillcap/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddStoreCheck verifies the segment store answers queries.
func (h *HealthChecker) AddStoreCheck(store ports.SegmentStore, interval, timeout time.Duration) {
	h.AddCheck("segment_store", func(ctx context.Context) (bool, error) {
		if _, err := store.Stats(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddBacklogCheck fails when more than maxFailed segments are parked as FAILED,
// which usually means the upload destination is rejecting everything.
func (h *HealthChecker) AddBacklogCheck(store ports.SegmentStore, maxFailed int, interval, timeout time.Duration) {
	h.AddCheck("upload_backlog", func(ctx context.Context) (bool, error) {
		stats, err := store.Stats(ctx)
		if err != nil {
			return false, err
		}
		if stats.Failed > maxFailed {
			return false, fmt.Errorf("%d segments failed to upload", stats.Failed)
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
