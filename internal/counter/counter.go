// Package counter provides the shared atomic store behind rate limiting and
// circuit breaker state.
//
// Every operation is a single atomic read-modify-write so that concurrent
// dispatchers never both observe themselves as the Nth request in a window or
// race on a breaker transition.
package counter

import (
	"context"
	"time"
)

// HashFunc receives the current hash (empty when the key does not exist) and
// returns the hash to store. Returning write=false leaves the key untouched.
// The function may be invoked more than once if a concurrent writer wins.
type HashFunc func(cur map[string]string) (next map[string]string, write bool)

// Store is the atomic key-value, sorted-set and hash store.
type Store interface {
	// Incr increments key by one and returns the new value. The key expires
	// after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SlideAndAdd evicts members scored below minScore, reports how many
	// members remain, then adds member with score. The key expires after ttl.
	SlideAndAdd(ctx context.Context, key string, minScore, score float64, member string, ttl time.Duration) (int64, error)

	// MutateHash applies fn to the hash at key and returns the stored result.
	MutateHash(ctx context.Context, key string, ttl time.Duration, fn HashFunc) (map[string]string, error)

	Ping(ctx context.Context) error
}
