package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 1

// Migration represents a keyspace migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, k keys) error
}

// Migrate runs all pending migrations for the keyspace under prefix.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	k := newKeys(prefix)

	currentVersion, err := getSchemaVersion(ctx, client, k)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		logger.Debugw("schema is up to date",
			"current_version", currentVersion,
			"target_version", currentSchemaVersion,
		)
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		logger.Infow("running migration", "version", migration.Version)

		if err := migration.Up(ctx, client, k); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, k.schemaVersion(), migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, k keys) (int, error) {
	val, err := client.Get(ctx, k.schemaVersion()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1 drops sync registrations whose dedupe marker was lost,
			// so the queue and the marker set agree before first use.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, k keys) error {
				queued, err := client.LRange(ctx, k.syncQueue(), 0, -1).Result()
				if err != nil {
					return err
				}
				for _, id := range queued {
					member, err := client.SIsMember(ctx, k.syncMarkers(), id).Result()
					if err != nil {
						return err
					}
					if !member {
						if err := client.LRem(ctx, k.syncQueue(), 0, id).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
	}
}
