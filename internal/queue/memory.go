package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type partition struct {
	channel  string
	priority Priority
}

// Memory is an in-process Queue.
type Memory struct {
	mu        sync.Mutex
	ready     map[partition][]Entry
	scheduled []Entry // sorted by ScheduledAt, then insertion
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		ready: make(map[partition][]Entry),
		now:   time.Now,
	}
}

// SetClock overrides the clock used to decide whether an entry is parked.
func (q *Memory) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Memory) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	return q.EnqueueBounded(ctx, e, 0)
}

func (q *Memory) EnqueueBounded(_ context.Context, e Entry, limit int) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	e, err := prepare(e, now)
	if err != nil {
		return Entry{}, err
	}
	k := partition{e.Channel, e.Priority}
	if n := len(q.ready[k]); limit > 0 && n >= limit {
		return Entry{}, fmt.Errorf("%w: %s/%s has %d entries", ErrFull, e.Channel, e.Priority, n)
	}
	if isParked(e, now) {
		i := sort.Search(len(q.scheduled), func(i int) bool {
			return q.scheduled[i].ScheduledAt.After(e.ScheduledAt)
		})
		q.scheduled = append(q.scheduled, Entry{})
		copy(q.scheduled[i+1:], q.scheduled[i:])
		q.scheduled[i] = e
		return e, nil
	}
	q.ready[k] = append(q.ready[k], e)
	return e, nil
}

func (q *Memory) Dequeue(_ context.Context, channel string, priority Priority) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := partition{channel, priority}
	items := q.ready[k]
	if len(items) == 0 {
		return Entry{}, false, nil
	}
	e := items[0]
	items[0] = Entry{}
	q.ready[k] = items[1:]
	if len(q.ready[k]) == 0 {
		delete(q.ready, k)
	}
	return e, true, nil
}

func (q *Memory) PromoteScheduled(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.scheduled) && !q.scheduled[n].ScheduledAt.After(now) {
		e := q.scheduled[n]
		k := partition{e.Channel, e.Priority}
		q.ready[k] = append(q.ready[k], e)
		n++
	}
	q.scheduled = q.scheduled[n:]
	return n, nil
}

func (q *Memory) Len(_ context.Context, channel string, priority Priority) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[partition{channel, priority}]), nil
}

func (q *Memory) ScheduledLen(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.scheduled), nil
}
