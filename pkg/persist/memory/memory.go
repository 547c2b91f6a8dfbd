package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/panic80/G7GovAI-sub001/pkg/persist"
)

type key struct {
	scope string
	name  string
}

// Storage is an in-memory persist.Storage. State lives as long as the process.
type Storage struct {
	mu   sync.RWMutex
	docs map[key][]byte
}

var _ persist.Storage = (*Storage)(nil)

func New() *Storage {
	return &Storage{docs: make(map[key][]byte)}
}

func (s *Storage) Load(_ context.Context, scope, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key{scope, name}]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return slices.Clone(doc), nil
}

func (s *Storage) Save(_ context.Context, scope, name string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[key{scope, name}] = slices.Clone(state)
	return nil
}

func (s *Storage) Delete(_ context.Context, scope, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, key{scope, name})
	return nil
}

func (s *Storage) Names(_ context.Context, scope string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for k := range s.docs {
		if k.scope == scope {
			names = append(names, k.name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (s *Storage) Close() {}
