package api

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Description string `json:"description"`
}

// SubmitRequestRequest is the body of POST /api/v1/sessions/:id/requests.
// Payload is opaque bytes; JSON carries it base64-encoded.
type SubmitRequestRequest struct {
	TurnID    string `json:"turn_id"`
	AgentName string `json:"agent_name"`
	Payload   []byte `json:"payload"`
}

// SubmitResponseRequest is the body of POST /api/v1/sessions/:id/responses.
type SubmitResponseRequest struct {
	TurnID  string `json:"turn_id"`
	Payload []byte `json:"payload"`
}
