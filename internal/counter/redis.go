package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds optimistic retries in MutateHash.
const maxWatchRetries = 16

// Redis implements Store on a shared Redis instance.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. Keys are namespaced as "<prefix>:<key>".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Dial creates a client for addr and verifies it with a ping.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(rdb, prefix), nil
}

// Client exposes the underlying client so other Redis-backed components can
// share the connection pool.
func (r *Redis) Client() redis.UniversalClient { return r.client }

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := r.key(key)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counter incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (r *Redis) SlideAndAdd(ctx context.Context, key string, minScore, score float64, member string, ttl time.Duration) (int64, error) {
	k := r.key(key)
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatFloat(minScore, 'f', -1, 64))
		card = p.ZCard(ctx, k)
		p.ZAdd(ctx, k, redis.Z{Score: score, Member: member})
		p.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counter slide %s: %w", key, err)
	}
	return card.Val(), nil
}

func (r *Redis) MutateHash(ctx context.Context, key string, ttl time.Duration, fn HashFunc) (map[string]string, error) {
	k := r.key(key)
	var result map[string]string

	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		next, write := fn(cur)
		if !write {
			result = cur
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, k)
			if len(next) > 0 {
				p.HSet(ctx, k, flatten(next)...)
				if ttl > 0 {
					p.PExpire(ctx, k, ttl)
				}
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("counter mutate %s: %w", key, err)
	}
	return nil, fmt.Errorf("counter mutate %s: %w", key, redis.TxFailedErr)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func flatten(m map[string]string) []any {
	out := make([]any, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
