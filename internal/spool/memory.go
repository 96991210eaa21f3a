package spool

import (
	"sort"
	"sync"
	"time"
)

// Memory is the test Backend spec.md §4.F names: an in-process map
// guarded by a mutex, with no filesystem interaction. Reads and writes
// round-trip through the same encode/decode pair the File backend uses,
// so a test exercising Memory still exercises the wire codec.
type Memory struct {
	mu   sync.Mutex
	data map[ID][]byte
}

// NewMemory returns an empty Memory backend. capacity is advisory and
// only pre-sizes the backing map.
func NewMemory(capacity int) *Memory {
	return &Memory{data: make(map[ID][]byte, capacity)}
}

func (m *Memory) Write(ctx *Context) (ID, error) {
	id := NewID(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = encode(ctx)
	return id, nil
}

func (m *Memory) Update(id ID, ctx *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return ErrNotFound
	}
	m.data[id] = encode(ctx)
	return nil
}

func (m *Memory) Read(id ID) (*Context, error) {
	m.mu.Lock()
	payload, ok := m.data[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(payload)
}

func (m *Memory) Delete(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return ErrNotFound
	}
	delete(m.data, id)
	return nil
}

func (m *Memory) List() ([]ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]ID, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
