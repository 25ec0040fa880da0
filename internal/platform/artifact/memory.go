package artifact

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe, in-memory Store for testing/dev.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]map[string][]byte // run/phase -> key -> payload
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, runID, phase, key string, payload []byte) error {
	if err := checkAddress(runID, phase, key); err != nil {
		return err
	}
	data := make([]byte, len(payload))
	copy(data, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	ns := runID + "/" + phase
	if s.blobs[ns] == nil {
		s.blobs[ns] = make(map[string][]byte)
	}
	s.blobs[ns][key] = data
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID, phase, key string) ([]byte, error) {
	if err := checkAddress(runID, phase, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[runID+"/"+phase][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, runID, phase string) ([]string, error) {
	if err := checkAddress(runID, phase); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs[runID+"/"+phase]))
	for k := range s.blobs[runID+"/"+phase] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
