package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process; used when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	personas map[string]Persona
	messages map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		personas: make(map[string]Persona),
		messages: make(map[string][]Message),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreatePersona(_ context.Context, p Persona) (Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.personas[p.ID] = p
	return p, nil
}

func (s *MemoryStore) UpdatePersona(_ context.Context, p Persona) (Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.personas[p.ID]
	if !ok || cur.UserID != p.UserID {
		return Persona{}, ErrNotFound
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.personas[p.ID] = p
	return p, nil
}

func (s *MemoryStore) DeletePersona(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.personas[id]
	if !ok || cur.UserID != userID {
		return ErrNotFound
	}
	delete(s.personas, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) GetPersona(_ context.Context, id string) (Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[id]
	if !ok {
		return Persona{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, personaID string, m Message) (Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.personas[personaID]
	if !ok {
		return Persona{}, ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.PersonaID = personaID
	s.messages[personaID] = append(s.messages[personaID], m)
	p.UpdatedAt = m.CreatedAt
	s.personas[personaID] = p
	return p, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, personaID, userID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.personas[personaID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Message, 0)
	for _, m := range s.messages[personaID] {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
