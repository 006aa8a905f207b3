package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteBatch bounds how many entries one script invocation moves.
const promoteBatch = 500

// promoteScript moves due members of the scheduled zset onto their ready
// lists. ZREM decides ownership, so concurrent callers never move the same
// member twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, raw in ipairs(due) do
  if redis.call('ZREM', KEYS[1], raw) == 1 then
    local e = cjson.decode(raw)
    redis.call('LPUSH', ARGV[3] .. e['channel'] .. ':' .. e['priority'], raw)
    moved = moved + 1
  end
end
return moved
`)

// enqueueScript checks the ready partition length and stores the entry in one
// step. It returns -1 with the length when the partition is at ARGV[2].
var enqueueScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
if limit > 0 then
  local n = redis.call('LLEN', KEYS[1])
  if n >= limit then return {-1, n} end
end
if ARGV[3] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
else
  redis.call('LPUSH', KEYS[1], ARGV[1])
end
return {1, 0}
`)

// Redis is a Queue on Redis lists (ready partitions, LPUSH/RPOP) and one
// sorted set scored by ScheduledAt in unix milliseconds.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// SetClock overrides the clock used to decide whether an entry is parked.
func (q *Redis) SetClock(now func() time.Time) { q.now = now }

func (q *Redis) readyPrefix() string { return q.prefix + ":queue:ready:" }

func (q *Redis) readyKey(channel string, p Priority) string {
	return q.readyPrefix() + channel + ":" + string(p)
}

func (q *Redis) scheduledKey() string { return q.prefix + ":queue:scheduled" }

func (q *Redis) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	return q.EnqueueBounded(ctx, e, 0)
}

func (q *Redis) EnqueueBounded(ctx context.Context, e Entry, limit int) (Entry, error) {
	now := q.now()
	e, err := prepare(e, now)
	if err != nil {
		return Entry{}, err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}
	parked := "0"
	if isParked(e, now) {
		parked = "1"
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.readyKey(e.Channel, e.Priority), q.scheduledKey()},
		raw, limit, parked, e.ScheduledAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s/%s: %w", e.Channel, e.Priority, err)
	}
	if len(res) == 2 && res[0] < 0 {
		return Entry{}, fmt.Errorf("%w: %s/%s has %d entries", ErrFull, e.Channel, e.Priority, res[1])
	}
	return e, nil
}

func (q *Redis) Dequeue(ctx context.Context, channel string, priority Priority) (Entry, bool, error) {
	raw, err := q.client.RPop(ctx, q.readyKey(channel, priority)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("dequeue %s/%s: %w", channel, priority, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// the entry is already popped; surface it so the caller can record it
		return Entry{}, false, fmt.Errorf("decode entry from %s/%s: %w", channel, priority, err)
	}
	return e, true, nil
}

func (q *Redis) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		n, err := promoteScript.Run(ctx, q.client,
			[]string{q.scheduledKey()},
			now.UnixMilli(), promoteBatch, q.readyPrefix(),
		).Int()
		if err != nil {
			return total, fmt.Errorf("promote scheduled: %w", err)
		}
		total += n
		if n < promoteBatch {
			return total, nil
		}
	}
}

func (q *Redis) Len(ctx context.Context, channel string, priority Priority) (int, error) {
	n, err := q.client.LLen(ctx, q.readyKey(channel, priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s/%s: %w", channel, priority, err)
	}
	return int(n), nil
}

func (q *Redis) ScheduledLen(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.scheduledKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("scheduled len: %w", err)
	}
	return int(n), nil
}
