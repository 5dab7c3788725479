package docstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gatehouse.org/internal/ids"
	"gatehouse.org/internal/stream"
)

// Memory is an in-process Store. Atomic sections hold the store-wide write lock, so
// the key only names the section for logs; every section is serialised.
type Memory struct {
	mu    sync.RWMutex
	colls map[string]map[string]Document
	hub   *stream.Hub
	now   func() time.Time
	down  atomic.Bool
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the timestamp source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		colls: make(map[string]map[string]Document),
		hub:   stream.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hub exposes the change feed.
func (m *Memory) Hub() *stream.Hub { return m.hub }

// SetUnavailable simulates an outage: every operation fails with ErrUnavailable and
// live subscriptions are told the feed is down.
func (m *Memory) SetUnavailable(down bool) {
	m.down.Store(down)
	m.hub.SetConnected(!down)
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.down.Load() {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return m.check(ctx) }

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := m.check(ctx); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&memTx{m: m}).Get(ctx, collection, id)
}

func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&memTx{m: m}).Query(ctx, collection, q)
}

func (m *Memory) Create(ctx context.Context, collection string, doc Document) (Document, error) {
	var out Document
	err := m.Atomically(ctx, collection, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.Create(ctx, collection, doc)
		return err
	})
	return out, err
}

func (m *Memory) ConditionalUpdate(ctx context.Context, collection, id string, expected, patch Fields) (Document, error) {
	var out Document
	err := m.Atomically(ctx, collection+"/"+id, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ConditionalUpdate(ctx, collection, id, expected, patch)
		return err
	})
	return out, err
}

// Atomically runs fn under the store write lock. fn must only use tx.
func (m *Memory) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	changes, err := m.commit(ctx, key, fn)
	if err != nil {
		return err
	}
	for _, c := range changes {
		m.hub.Publish(c)
	}
	return nil
}

// commit applies fn's staged writes and returns the changes to publish once
// the lock is released.
func (m *Memory) commit(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) ([]stream.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m, staged: make(map[string]map[string]Document)}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	if err := m.check(ctx); err != nil {
		return nil, fmt.Errorf("commit %s: %w", key, err)
	}
	for coll, docs := range tx.staged {
		dst, ok := m.colls[coll]
		if !ok {
			dst = make(map[string]Document)
			m.colls[coll] = dst
		}
		for id, d := range docs {
			dst[id] = d
		}
	}
	return tx.changes, nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	if !ValidCollection(collection) {
		return nil, fmt.Errorf("%w: collection %q", ErrInvalidQuery, collection)
	}
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return Watch(ctx, m, m.hub, collection, q)
}

// memTx reads through staged writes onto committed state. The caller holds m.mu.
type memTx struct {
	m       *Memory
	staged  map[string]map[string]Document
	changes []stream.Change
}

func (t *memTx) lookup(collection, id string) (Document, bool) {
	if d, ok := t.staged[collection][id]; ok {
		return d, true
	}
	d, ok := t.m.colls[collection][id]
	return d, ok
}

func (t *memTx) Get(_ context.Context, collection, id string) (Document, error) {
	d, ok := t.lookup(collection, id)
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return cloneDocument(d), nil
}

func (t *memTx) Query(_ context.Context, collection string, q Query) ([]Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	base := t.m.colls[collection]
	all := make([]Document, 0, len(base))
	for id, d := range base {
		if s, ok := t.staged[collection][id]; ok {
			d = s
		}
		all = append(all, d)
	}
	for id, d := range t.staged[collection] {
		if _, ok := base[id]; !ok {
			all = append(all, d)
		}
	}
	matched := q.Apply(all)
	for i := range matched {
		matched[i] = cloneDocument(matched[i])
	}
	return matched, nil
}

func (t *memTx) Create(_ context.Context, collection string, doc Document) (Document, error) {
	if !ValidCollection(collection) {
		return Document{}, fmt.Errorf("%w: collection %q", ErrInvalidQuery, collection)
	}
	now := t.m.now()
	if doc.ID == "" {
		doc.ID = ids.NewAt(now)
	}
	if _, exists := t.lookup(collection, doc.ID); exists {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, doc.ID, ErrAlreadyExists)
	}
	fields, err := Normalize(doc.Fields)
	if err != nil {
		return Document{}, err
	}
	fields["id"] = doc.ID
	stored := Document{ID: doc.ID, Version: 1, CreatedAt: now, UpdatedAt: now, Fields: fields}
	t.stage(collection, stored)
	return cloneDocument(stored), nil
}

func (t *memTx) ConditionalUpdate(_ context.Context, collection, id string, expected, patch Fields) (Document, error) {
	if err := CheckPatch(patch); err != nil {
		return Document{}, err
	}
	current, ok := t.lookup(collection, id)
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	want, err := Normalize(expected)
	if err != nil {
		return Document{}, err
	}
	if !Matches(current.Fields, want) {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrPreconditionFailed)
	}
	p, err := Normalize(patch)
	if err != nil {
		return Document{}, err
	}
	updated := current
	updated.Fields = Merge(current.Fields, p)
	updated.Version++
	updated.UpdatedAt = t.m.now()
	t.stage(collection, updated)
	return cloneDocument(updated), nil
}

func (t *memTx) stage(collection string, d Document) {
	dst, ok := t.staged[collection]
	if !ok {
		dst = make(map[string]Document)
		t.staged[collection] = dst
	}
	dst[d.ID] = d
	t.changes = append(t.changes, stream.Change{Collection: collection, ID: d.ID, At: d.UpdatedAt})
}
