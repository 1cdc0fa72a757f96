package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned when a lease is no longer held by the caller.
var ErrLeaseLost = errors.New("lease lost")

var refreshLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// LeaseRepository grants single-holder leases backed by Redis keys.
type LeaseRepository struct {
	rdb *redis.Client
}

// NewLeaseRepository creates a new LeaseRepository.
func NewLeaseRepository(rdb *redis.Client) *LeaseRepository {
	return &LeaseRepository{rdb: rdb}
}

// Acquire takes the lease for holder if it is free.
func (r *LeaseRepository) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, holder, ttl).Result()
}

// Refresh extends the lease, failing with ErrLeaseLost if another holder
// took it over or it expired.
func (r *LeaseRepository) Refresh(ctx context.Context, key, holder string, ttl time.Duration) error {
	n, err := refreshLease.Run(ctx, r.rdb, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops the lease if holder still owns it.
func (r *LeaseRepository) Release(ctx context.Context, key, holder string) error {
	return releaseLease.Run(ctx, r.rdb, []string{key}, holder).Err()
}
