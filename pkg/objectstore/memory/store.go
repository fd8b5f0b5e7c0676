// Package memory provides an in-memory object store used in tests and in
// deployments that only need introspection data to survive until reapply.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/baremetal-lab/inspector/pkg/objectstore"
)

type object struct {
	data      []byte
	expiresAt time.Time
}

// Store is an in-memory implementation of objectstore.Store.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	closed  bool
}

// New creates an empty in-memory object store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func (s *Store) Put(_ context.Context, name string, data []byte, deleteAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return objectstore.ErrStoreClosed
	}

	obj := object{data: append([]byte(nil), data...)}
	if deleteAfter > 0 {
		obj.expiresAt = time.Now().Add(deleteAfter)
	}
	s.objects[name] = obj
	return nil
}

func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, objectstore.ErrStoreClosed
	}

	obj, ok := s.objects[name]
	if !ok || (!obj.expiresAt.IsZero() && time.Now().After(obj.expiresAt)) {
		return nil, fmt.Errorf("%w: %s", objectstore.ErrObjectNotFound, name)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *Store) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return objectstore.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len reports how many objects are stored. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ objectstore.Store = (*Store)(nil)
