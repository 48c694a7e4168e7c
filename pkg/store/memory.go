package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-dev/switchboard/pkg/models"
)

// MemoryStore implements EventStore entirely in memory. It backs unit tests
// and zero-dependency demo runs; the contract matches PostgresStore exactly,
// including per-session append serialization and snapshot-consistent reads.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	events   map[string][]models.SessionEvent // session id → log in sequence order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.Session),
		events:   make(map[string][]models.SessionEvent),
	}
}

var _ EventStore = (*MemoryStore)(nil)

func (s *MemoryStore) CreateSession(_ context.Context, id, description string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return models.Session{}, ErrDuplicateSession
	}
	sess := models.Session{ID: id, CreatedAt: time.Now().UTC(), Description: description}
	s.sessions[id] = sess
	return sess, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return models.Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, cursor string, limit int) (models.SessionPage, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	all := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	start := 0
	if cursor != "" {
		afterTime, afterID, err := decodeCursor(cursor)
		if err != nil {
			return models.SessionPage{}, err
		}
		for start < len(all) {
			sess := all[start]
			if sess.CreatedAt.After(afterTime) ||
				(sess.CreatedAt.Equal(afterTime) && sess.ID > afterID) {
				break
			}
			start++
		}
	}

	var page models.SessionPage
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page.Sessions = append(page.Sessions, all[start:end]...)
	if end < len(all) && len(page.Sessions) > 0 {
		last := page.Sessions[len(page.Sessions)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, p AppendParams) (models.SessionEvent, error) {
	if !p.Kind.Valid() {
		return models.SessionEvent{}, fmt.Errorf("invalid payload kind %q", p.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[p.SessionID]; !exists {
		return models.SessionEvent{}, ErrSessionNotFound
	}

	log := s.events[p.SessionID]
	for _, evt := range log {
		if evt.TurnID != p.TurnID || evt.Kind != p.Kind {
			continue
		}
		if p.Kind == models.KindRequest {
			return models.SessionEvent{}, ErrDuplicateTurn
		}
		return models.SessionEvent{}, ErrDuplicateResponse
	}

	evt := models.SessionEvent{
		EventID:   uuid.New().String(),
		SessionID: p.SessionID,
		Sequence:  int64(len(log)) + 1,
		Timestamp: time.Now().UTC(),
		TurnID:    p.TurnID,
		AgentName: p.AgentName,
		Kind:      p.Kind,
		Payload:   append([]byte(nil), p.Payload...),
	}
	s.events[p.SessionID] = append(log, evt)
	return evt, nil
}

func (s *MemoryStore) ReadEventsSince(_ context.Context, sessionID string, after int64, limit int) ([]models.SessionEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[sessionID]
	// Dense sequences starting at 1: index directly.
	start := int(after)
	if start < 0 {
		start = 0
	}
	if start >= len(log) {
		return nil, nil
	}
	end := start + limit
	if end > len(log) {
		end = len(log)
	}
	return append([]models.SessionEvent(nil), log[start:end]...), nil
}

func (s *MemoryStore) MaxSequence(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return 0, ErrSessionNotFound
	}
	return int64(len(s.events[sessionID])), nil
}

func (s *MemoryStore) HasRequest(_ context.Context, sessionID, turnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, evt := range s.events[sessionID] {
		if evt.TurnID == turnID && evt.Kind == models.KindRequest {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) PendingTurns(_ context.Context, sessionID string) ([]models.PendingTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	answered := make(map[string]bool)
	for _, evt := range s.events[sessionID] {
		if evt.Kind == models.KindResponse {
			answered[evt.TurnID] = true
		}
	}

	var pending []models.PendingTurn
	for _, evt := range s.events[sessionID] {
		if evt.Kind == models.KindRequest && !answered[evt.TurnID] {
			pending = append(pending, models.PendingTurn{
				TurnID:    evt.TurnID,
				AgentName: evt.AgentName,
				EventID:   evt.EventID,
				Sequence:  evt.Sequence,
			})
		}
	}
	return pending, nil
}

func (s *MemoryStore) Close() error { return nil }
