package services

import (
	"context"
	"log/slog"

	"github.com/switchboard-dev/switchboard/pkg/events"
	"github.com/switchboard-dev/switchboard/pkg/models"
	"github.com/switchboard-dev/switchboard/pkg/queue"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

// TurnService handles request and response submission: durable append, queue
// maintenance, and fan-out, in that visibility order. SubmitRequest returns
// only after the event is durable and broadcast has been initiated, so a
// subsequent Subscribe by the same caller observes it.
type TurnService struct {
	store       store.EventStore
	queue       *queue.PendingQueue
	broadcaster *events.Broadcaster
}

// NewTurnService creates a new TurnService.
func NewTurnService(st store.EventStore, q *queue.PendingQueue, b *events.Broadcaster) *TurnService {
	return &TurnService{store: st, queue: q, broadcaster: b}
}

// SubmitRequest appends a request event for the turn, enqueues it on the
// session's pending FIFO, and broadcasts it. Fails with ErrSessionNotFound or
// ErrDuplicateTurn.
func (s *TurnService) SubmitRequest(ctx context.Context, sessionID, turnID, agentName string, payload []byte) (models.SessionEvent, error) {
	if turnID == "" {
		return models.SessionEvent{}, NewValidationError("turn_id", "must not be empty")
	}

	evt, err := s.store.AppendEvent(ctx, store.AppendParams{
		SessionID: sessionID,
		TurnID:    turnID,
		AgentName: agentName,
		Kind:      models.KindRequest,
		Payload:   payload,
	})
	if err != nil {
		return models.SessionEvent{}, storageErr(err)
	}

	if err := s.queue.Enqueue(ctx, sessionID, models.PendingTurn{
		TurnID:    turnID,
		AgentName: agentName,
		EventID:   evt.EventID,
		Sequence:  evt.Sequence,
	}); err != nil {
		// The event is durable; the queue self-heals from the store on
		// next reconstruction. Log and continue.
		slog.Warn("Failed to enqueue pending turn",
			"session_id", sessionID, "turn_id", turnID, "error", err)
	}

	s.broadcaster.Notify(sessionID, evt)
	return evt, nil
}

// SubmitResponse appends a response event for an already-requested turn,
// removes the turn from the pending FIFO, and broadcasts it. Fails with
// ErrSessionNotFound, ErrUnknownTurn, or ErrDuplicateResponse.
func (s *TurnService) SubmitResponse(ctx context.Context, sessionID, turnID string, payload []byte) (models.SessionEvent, error) {
	if turnID == "" {
		return models.SessionEvent{}, NewValidationError("turn_id", "must not be empty")
	}

	// Session check first so an unknown session is not reported as an
	// unknown turn.
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return models.SessionEvent{}, storageErr(err)
	}
	hasRequest, err := s.store.HasRequest(ctx, sessionID, turnID)
	if err != nil {
		return models.SessionEvent{}, storageErr(err)
	}
	if !hasRequest {
		return models.SessionEvent{}, ErrUnknownTurn
	}

	evt, err := s.store.AppendEvent(ctx, store.AppendParams{
		SessionID: sessionID,
		TurnID:    turnID,
		AgentName: agentNameForResponse(ctx, s.store, sessionID, turnID),
		Kind:      models.KindResponse,
		Payload:   payload,
	})
	if err != nil {
		return models.SessionEvent{}, storageErr(err)
	}

	if err := s.queue.Dequeue(ctx, sessionID, turnID); err != nil {
		slog.Warn("Failed to dequeue answered turn",
			"session_id", sessionID, "turn_id", turnID, "error", err)
	}

	s.broadcaster.Notify(sessionID, evt)
	return evt, nil
}

// PendingTurns returns the session's pending FIFO, head first.
func (s *TurnService) PendingTurns(ctx context.Context, sessionID string) ([]models.PendingTurn, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, storageErr(err)
	}
	snapshot, err := s.queue.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, storageErr(err)
	}
	return snapshot, nil
}

// agentNameForResponse targets the response at the agent that produced the
// request, read from the pending queue when available.
func agentNameForResponse(ctx context.Context, st store.EventStore, sessionID, turnID string) string {
	pending, err := st.PendingTurns(ctx, sessionID)
	if err != nil {
		return ""
	}
	for _, pt := range pending {
		if pt.TurnID == turnID {
			return pt.AgentName
		}
	}
	return ""
}
