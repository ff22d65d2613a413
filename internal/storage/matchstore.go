package storage

import (
	"errors"
	"sync"

	"github.com/example/servimatch/internal/models"
)

var ErrNotFound = errors.New("match not found")

// MatchStore defines persistence operations for service matches.
type MatchStore interface {
	SaveMatch(m *models.Match) error
	UpdateMatch(m *models.Match) error
	GetMatch(id string) (*models.Match, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	matches map[string]*models.Match
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{matches: make(map[string]*models.Match)}
}

func (s *MemoryStore) SaveMatch(m *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateMatch(m *models.Match) error {
	return s.SaveMatch(m)
}

func (s *MemoryStore) GetMatch(id string) (*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}
