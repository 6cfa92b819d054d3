package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/consultd/internal/conversation"
	"github.com/ent0n29/consultd/internal/transcript"
)

// InMemoryStore keeps sessions and patient records in process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	patients map[string]conversation.ClinicalContext
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*SessionRecord),
		patients: make(map[string]conversation.ClinicalContext),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Transcript = append([]transcript.Entry(nil), rec.Transcript...)
	s.sessions[rec.ID] = &rec
	return nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, id string, u SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	apply(rec, u, s.now())
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrSessionNotFound
	}
	out := *rec
	out.Transcript = append([]transcript.Entry(nil), rec.Transcript...)
	return out, nil
}

func (s *InMemoryStore) PatientContext(_ context.Context, patientID string) (conversation.ClinicalContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.patients[strings.TrimSpace(patientID)]
	if !ok {
		return conversation.ClinicalContext{}, ErrPatientNotFound
	}
	return c, nil
}

func (s *InMemoryStore) PutPatientContext(_ context.Context, c conversation.ClinicalContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[strings.TrimSpace(c.PatientID)] = c
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
