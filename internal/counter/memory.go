package counter

import (
	"context"
	"maps"
	"sync"
	"time"
)

type memItem struct {
	n       int64
	zset    map[string]float64
	hash    map[string]string
	expires time.Time
}

// Memory implements Store in process. A single mutex makes every operation
// atomic. Useful for tests and single-instance deployments.
type Memory struct {
	mu    sync.Mutex
	items map[string]*memItem
	now   func() time.Time

	// Fail, when set, is returned by every operation. Tests use it to
	// simulate an unreachable store.
	Fail error
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]*memItem), now: time.Now}
}

// SetClock overrides the clock used for TTL expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns the live item for key, dropping it if expired. Caller holds mu.
func (m *Memory) lookup(key string) (*memItem, bool) {
	it, ok := m.items[key]
	if ok && !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return nil, false
	}
	return it, ok
}

// get is lookup, creating the item when absent. Caller holds mu.
func (m *Memory) get(key string) *memItem {
	it, ok := m.lookup(key)
	if !ok {
		it = &memItem{}
		m.items[key] = it
	}
	return it
}

func (m *Memory) touch(it *memItem, ttl time.Duration) {
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, m.Fail
	}
	it := m.get(key)
	it.n++
	m.touch(it, ttl)
	return it.n, nil
}

func (m *Memory) SlideAndAdd(_ context.Context, key string, minScore, score float64, member string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, m.Fail
	}
	it := m.get(key)
	if it.zset == nil {
		it.zset = make(map[string]float64)
	}
	for mem, s := range it.zset {
		if s < minScore {
			delete(it.zset, mem)
		}
	}
	count := int64(len(it.zset))
	it.zset[member] = score
	m.touch(it, ttl)
	return count, nil
}

func (m *Memory) MutateHash(_ context.Context, key string, ttl time.Duration, fn HashFunc) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	cur := map[string]string{}
	if it, ok := m.lookup(key); ok && it.hash != nil {
		cur = maps.Clone(it.hash)
	}
	next, write := fn(cur)
	if !write {
		return cur, nil
	}
	if len(next) == 0 {
		delete(m.items, key)
		return next, nil
	}
	it := m.get(key)
	it.hash = maps.Clone(next)
	m.touch(it, ttl)
	return next, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fail
}
