package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PollTimeout must be >= 1s to satisfy Redis.
	PollTimeout = 1 * time.Second

	shutdownTimeout = 5 * time.Second
)

// Queue is the subset of the Redis list API the workers drain.
// *redis.Client satisfies it.
type Queue interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LPop(ctx context.Context, key string) *redis.StringCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}
