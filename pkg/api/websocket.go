package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/switchboard-dev/switchboard/pkg/events"
	"github.com/switchboard-dev/switchboard/pkg/models"
)

// Server → client WebSocket message types.
const (
	MsgSubscriptionConfirmed = "subscription.confirmed"
	MsgEvent                 = "event"
	MsgSubscriptionError     = "subscription.error"
)

// Subscription error reasons.
const (
	ReasonSubscriberTooSlow = "subscriber_too_slow"
	ReasonInternal          = "internal"
)

// WSMessage is the JSON envelope for server → client stream messages.
type WSMessage struct {
	Type       string               `json:"type"`
	SessionID  string               `json:"session_id,omitempty"`
	ResumeFrom *int64               `json:"resume_from,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Event      *models.SessionEvent `json:"event,omitempty"`
}

// streamEvents drives one subscribe stream: confirm, then deliver events in
// sequence order until the client disconnects, the subscription fails, or
// the request context ends. Blocks for the stream's lifetime.
func (s *Server) streamEvents(parentCtx context.Context, conn *websocket.Conn, sessionID string, resumeFrom int64) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, err := s.broadcaster.Subscribe(ctx, sessionID, resumeFrom)
	if err != nil {
		slog.Warn("Subscribe failed after upgrade", "session_id", sessionID, "error", err)
		_ = s.sendWS(ctx, conn, WSMessage{Type: MsgSubscriptionError, SessionID: sessionID, Reason: ReasonInternal})
		return
	}
	defer sub.Close()

	// Read loop exists only to observe client disconnect; inbound
	// messages carry no meaning on this stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if err := s.sendWS(ctx, conn, WSMessage{
		Type:       MsgSubscriptionConfirmed,
		SessionID:  sessionID,
		ResumeFrom: &resumeFrom,
	}); err != nil {
		return
	}

	for evt := range sub.Events() {
		evt := evt
		if err := s.sendWS(ctx, conn, WSMessage{Type: MsgEvent, Event: &evt}); err != nil {
			return
		}
	}

	if errors.Is(sub.Err(), events.ErrSubscriberTooSlow) {
		_ = s.sendWS(ctx, conn, WSMessage{
			Type:      MsgSubscriptionError,
			SessionID: sessionID,
			Reason:    ReasonSubscriberTooSlow,
		})
		_ = conn.Close(websocket.StatusPolicyViolation, ReasonSubscriberTooSlow)
	}
}

// sendWS writes one JSON message with the server's write timeout.
func (s *Server) sendWS(ctx context.Context, conn *websocket.Conn, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
