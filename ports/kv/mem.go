package kv

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemStore is an in-memory Store used by unit tests and local setups.
// TTL expiry is lazy: expired keys are dropped when touched.
type MemStore struct {
	mu      sync.Mutex
	data    map[string]memEntry
	lists   map[string][]string
	zsets   map[string]map[string]float64
	nowFunc func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		data:    map[string]memEntry{},
		lists:   map[string][]string{},
		zsets:   map[string]map[string]float64{},
		nowFunc: time.Now,
	}
}

// SetNow overrides the clock, for TTL tests.
func (m *MemStore) SetNow(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = fn
}

// get drops the key if expired. Caller must hold mu.
func (m *MemStore) get(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(m.nowFunc()) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemStore) put(key string, entry Entry, opts PutOptions) error {
	if opts.IfNotExists {
		if _, ok := m.get(key); ok {
			return ErrExists
		}
	}
	e := memEntry{entry: entry}
	if opts.TTL > 0 {
		e.expiresAt = m.nowFunc().Add(opts.TTL)
	}
	m.data[key] = e
	return nil
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(key, entry, opts)
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(key)
	return ok, nil
}

func (m *MemStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0)
	for key := range m.data {
		if _, ok := m.get(key); !ok {
			continue
		}
		if matched, err := path.Match(pattern, key); err != nil {
			return nil, err
		} else if matched {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) GetMany(_ context.Context, keys []string) (map[string]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Entry, len(keys))
	for _, key := range keys {
		if e, ok := m.get(key); ok {
			out[key] = e.entry
		}
	}
	return out, nil
}

func (m *MemStore) PutMany(_ context.Context, entries map[string]Entry, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range entries {
		if err := m.put(key, entry, opts); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) ListPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	return nil
}

func (m *MemStore) ListMove(_ context.Context, src, dst string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[src]
	if len(list) == 0 {
		return "", ErrNotFound
	}
	v := list[len(list)-1]
	m.lists[src] = list[:len(list)-1]
	m.lists[dst] = append([]string{v}, m.lists[dst]...)
	return v, nil
}

func (m *MemStore) ListRemove(_ context.Context, key, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	kept := m.lists[key][:0]
	for _, v := range m.lists[key] {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	m.lists[key] = kept
	return removed, nil
}

func (m *MemStore) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return []string{}, nil
	}

	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemStore) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemStore) SortedSetAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zsets[key] == nil {
		m.zsets[key] = map[string]float64{}
	}
	m.zsets[key][member] = score
	return nil
}

func (m *MemStore) SortedSetRangeByScore(_ context.Context, key string, max float64, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0)
	for member, score := range m.zsets[key] {
		if score <= max {
			pairs = append(pairs, pair{member, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score < pairs[j].score
		}
		return pairs[i].member < pairs[j].member
	})

	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, p.member)
	}
	return out, nil
}

func (m *MemStore) SortedSetRemove(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, member := range members {
		if _, ok := m.zsets[key][member]; ok {
			delete(m.zsets[key], member)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*MemStore)(nil)
