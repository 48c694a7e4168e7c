package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/switchboard-dev/switchboard/pkg/models"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

// SessionService owns session identity: it mints ids and wraps the store's
// session operations. Kept separate from TurnService because the identity
// source may later diverge from the event log.
type SessionService struct {
	store store.EventStore
}

// NewSessionService creates a new SessionService.
func NewSessionService(st store.EventStore) *SessionService {
	return &SessionService{store: st}
}

// Create mints a fresh session id and persists the session. It appends no
// events.
func (s *SessionService) Create(ctx context.Context, description string) (models.Session, error) {
	sess, err := s.store.CreateSession(ctx, uuid.New().String(), description)
	if err != nil {
		return models.Session{}, storageErr(err)
	}
	return sess, nil
}

// Get returns the session or ErrSessionNotFound.
func (s *SessionService) Get(ctx context.Context, id string) (models.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, storageErr(err)
	}
	return sess, nil
}

// List returns one page of sessions in stable (created_at, id) order.
func (s *SessionService) List(ctx context.Context, cursor string, limit int) (models.SessionPage, error) {
	page, err := s.store.ListSessions(ctx, cursor, limit)
	if err != nil {
		return models.SessionPage{}, storageErr(err)
	}
	return page, nil
}
