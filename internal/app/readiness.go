package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BlobChecker is the minimal interface for an object store health probe.
type BlobChecker interface{ Healthy(ctx context.Context) error }

// BuildReadinessChecks returns three readiness checks: db, redis, and blob store.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client, blobs BlobChecker) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	blobCheck := func(ctx context.Context) error {
		if blobs == nil {
			return fmt.Errorf("blob store not configured")
		}
		return blobs.Healthy(ctx)
	}
	return dbCheck, redisCheck, blobCheck
}
