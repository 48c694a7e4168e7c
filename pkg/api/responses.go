package api

import "github.com/switchboard-dev/switchboard/pkg/models"

// SubmitResponse acknowledges an accepted request or response event.
type SubmitResponse struct {
	EventID  string `json:"event_id"`
	Sequence int64  `json:"sequence"`
}

// PendingQueueResponse is the session's pending-turn FIFO, head first.
type PendingQueueResponse struct {
	SessionID string               `json:"session_id"`
	Pending   []models.PendingTurn `json:"pending"`
}
