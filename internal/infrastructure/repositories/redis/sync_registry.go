package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// KEYS: marker set, queue. ARGV: session id. Duplicate registrations collapse into one.
var registerScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// RedisSyncRegistry keeps background-sync registrations in a Redis list so they
// survive the capture agent and are consumed by exactly one worker.
type RedisSyncRegistry struct {
	client  *redis.Client
	keys    keys
	pollFor time.Duration
}

var _ ports.SyncRegistry = (*RedisSyncRegistry)(nil)

func NewRedisSyncRegistry(client *redis.Client, prefix string) *RedisSyncRegistry {
	return &RedisSyncRegistry{client: client, keys: newKeys(prefix), pollFor: time.Second}
}

func (r *RedisSyncRegistry) Register(ctx context.Context, sessionID domain.SessionID) error {
	if err := registerScript.Run(ctx, r.client, []string{r.keys.syncMarkers(), r.keys.syncQueue()}, string(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to register background sync: %w", err)
	}
	return nil
}

func (r *RedisSyncRegistry) Take(ctx context.Context) (domain.SessionID, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := r.client.BLPop(ctx, r.pollFor, r.keys.syncQueue()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("failed to take background sync: %w", err)
		}
		id := res[1]
		if err := r.client.SRem(ctx, r.keys.syncMarkers(), id).Err(); err != nil {
			return "", fmt.Errorf("failed to clear background sync marker: %w", err)
		}
		return domain.SessionID(id), nil
	}
}

// Pending returns the number of registrations waiting for a worker.
func (r *RedisSyncRegistry) Pending(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.keys.syncQueue()).Result()
}
