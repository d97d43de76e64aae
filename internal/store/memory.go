package store

import (
	"sync"

	"github.com/i474232898/carbon-collector/internal/carbon"
)

// MemoryStore is a concurrency-safe in-memory carbon.Store. It keeps each series in
// its flat persisted form, so loads go through the same reshape as the file store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: source code, value: flattened rows
	data map[string][]float64

	persists int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]float64),
	}
}

// Seed replaces the stored buffer for source, bypassing validation.
func (s *MemoryStore) Seed(source string, flat []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[source] = append([]float64(nil), flat...)
}

// Load returns the stored series, or an empty one when nothing was persisted yet.
func (s *MemoryStore) Load(source string) (*carbon.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flat, ok := s.data[source]
	if !ok {
		return carbon.NewSeries(source), nil
	}
	return carbon.SeriesFromFlat(source, flat)
}

// Persist replaces the stored series with a copy of series.
func (s *MemoryStore) Persist(series *carbon.Series) error {
	flat := series.Flatten()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[series.Source()] = flat
	s.persists++
	return nil
}

// Persists returns how many times Persist was called.
func (s *MemoryStore) Persists() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persists
}
