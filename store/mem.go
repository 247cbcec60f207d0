// Package store provides Store implementations for queue.Store: an
// in-memory one for tests and ephemeral use, a flat-file one, and a
// bbolt-backed one for single-process durability without a database
// server.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/queue"
)

// MemStore is a queue.Store backed by a plain map, with no durability
// across process restarts. Grounded on the teacher's own test fakes in
// queue/queue_test.go; useful for tests and for callers that accept
// losing in-flight queue state on crash (e.g. a short-lived CLI tool).
type MemStore struct {
	mu      sync.Mutex
	entries map[string]queue.StoreEntry
	next    int
}

func NewMemStore() *MemStore {
	return &MemStore{entries: map[string]queue.StoreEntry{}}
}

func (s *MemStore) Write(ctx context.Context, env *message.Envelope, meta queue.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("%d", s.next)
	s.entries[id] = queue.StoreEntry{ID: id, Env: env, Meta: meta}
	return id, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*message.Envelope, queue.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, queue.Metadata{}, queue.ErrNotFound
	}
	return e.Env, e.Meta, nil
}

func (s *MemStore) WriteMetadata(ctx context.Context, id string, meta queue.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return queue.ErrNotFound
	}
	e.Meta = meta
	s.entries[id] = e
	return nil
}

func (s *MemStore) SetRecipientsDelivered(ctx context.Context, id string, delivered []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return queue.ErrNotFound
	}
	e.Meta.Delivered = delivered
	s.entries[id] = e
	return nil
}

func (s *MemStore) LoadAll(ctx context.Context) ([]queue.StoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.StoreEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *MemStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}
