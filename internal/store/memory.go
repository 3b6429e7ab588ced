package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/kjstillabower/city-geo-service/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps cities in insertion order behind a mutex. Used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	cities []models.City
	index  map[string]int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// Create inserts city. The duplicate check and the insert happen under one lock.
func (s *MemoryStore) Create(ctx context.Context, city models.City) (models.City, error) {
	if err := ctx.Err(); err != nil {
		return models.City{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[city.Name]; ok {
		return models.City{}, fmt.Errorf("city %q: %w", city.Name, models.ErrConflict)
	}
	s.index[city.Name] = len(s.cities)
	s.cities = append(s.cities, city)
	return city, nil
}

func (s *MemoryStore) GetByName(ctx context.Context, name string) (models.City, error) {
	if err := ctx.Err(); err != nil {
		return models.City{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[name]
	if !ok {
		return models.City{}, fmt.Errorf("city %q: %w", name, models.ErrNotFound)
	}
	return s.cities[i], nil
}

func (s *MemoryStore) List(ctx context.Context) ([]models.City, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.City, len(s.cities))
	copy(out, s.cities)
	return out, nil
}

// DeleteByName removes the city and keeps the remaining insertion order.
func (s *MemoryStore) DeleteByName(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[name]
	if !ok {
		return fmt.Errorf("city %q: %w", name, models.ErrNotFound)
	}
	s.cities = append(s.cities[:i], s.cities[i+1:]...)
	delete(s.index, name)
	for j := i; j < len(s.cities); j++ {
		s.index[s.cities[j].Name] = j
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
