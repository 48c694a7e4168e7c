package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/switchboard-dev/switchboard/pkg/api"
	"github.com/switchboard-dev/switchboard/pkg/models"
	"github.com/switchboard-dev/switchboard/pkg/services"
)

var errNotBytes = errors.New("RawCodec requires a []byte request")

// APIError is a failed unary call, carrying the server's wire error kind.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("switchboard: %s (%s, http %d)", e.Message, e.Kind, e.Status)
}

// Is maps wire error kinds back onto the coordinator's sentinel errors, so
// callers can use errors.Is against the services package.
func (e *APIError) Is(target error) bool {
	switch e.Kind {
	case api.KindSessionNotFound:
		return target == services.ErrSessionNotFound
	case api.KindDuplicateSession:
		return target == services.ErrDuplicateSession
	case api.KindDuplicateTurn:
		return target == services.ErrDuplicateTurn
	case api.KindUnknownTurn:
		return target == services.ErrUnknownTurn
	case api.KindDuplicateResponse:
		return target == services.ErrDuplicateResponse
	case api.KindStorage:
		return target == services.ErrStorage
	}
	return false
}

// Client is the plugin's HTTP/WebSocket client for the server API. It is
// also usable standalone by UIs and tooling.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a client for the server at addr ("host:port" or a full
// http(s) URL).
func NewClient(addr string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{baseURL: strings.TrimSuffix(addr, "/"), httpc: httpc}
}

// CreateSession creates a new session on the server.
func (c *Client) CreateSession(ctx context.Context, description string) (models.Session, error) {
	var sess models.Session
	err := c.postJSON(ctx, "/api/v1/sessions", api.CreateSessionRequest{Description: description}, &sess)
	return sess, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (models.Session, error) {
	var sess models.Session
	err := c.getJSON(ctx, "/api/v1/sessions/"+id, &sess)
	return sess, err
}

// ListSessions fetches one page of sessions.
func (c *Client) ListSessions(ctx context.Context, cursor string, limit int) (models.SessionPage, error) {
	path := "/api/v1/sessions?limit=" + strconv.Itoa(limit)
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	var page models.SessionPage
	err := c.getJSON(ctx, path, &page)
	return page, err
}

// SubmitRequest submits a request event for a turn.
func (c *Client) SubmitRequest(ctx context.Context, sessionID, turnID, agentName string, payload []byte) (api.SubmitResponse, error) {
	var ack api.SubmitResponse
	err := c.postJSON(ctx, "/api/v1/sessions/"+sessionID+"/requests",
		api.SubmitRequestRequest{TurnID: turnID, AgentName: agentName, Payload: payload}, &ack)
	return ack, err
}

// SubmitResponse submits a response event for a turn. Used by subscriber-side
// tooling; the plugin itself only consumes responses.
func (c *Client) SubmitResponse(ctx context.Context, sessionID, turnID string, payload []byte) (api.SubmitResponse, error) {
	var ack api.SubmitResponse
	err := c.postJSON(ctx, "/api/v1/sessions/"+sessionID+"/responses",
		api.SubmitResponseRequest{TurnID: turnID, Payload: payload}, &ack)
	return ack, err
}

// PendingTurns fetches the session's pending-request FIFO, head first.
func (c *Client) PendingTurns(ctx context.Context, sessionID string) ([]models.PendingTurn, error) {
	var resp api.PendingQueueResponse
	if err := c.getJSON(ctx, "/api/v1/sessions/"+sessionID+"/queue", &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// DialSubscribe opens the session's subscribe stream, resuming after the
// given sequence.
func (c *Client) DialSubscribe(ctx context.Context, sessionID string, resumeFrom int64) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") +
		"/api/v1/ws?session_id=" + sessionID +
		"&resume_from=" + strconv.FormatInt(resumeFrom, 10)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.httpc})
	if err != nil {
		return nil, fmt.Errorf("subscribe dial: %w", err)
	}
	return conn, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var wireErr api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &wireErr) != nil || wireErr.Kind == "" {
			return &APIError{Status: resp.StatusCode, Kind: api.KindInternal, Message: string(data)}
		}
		return &APIError{Status: resp.StatusCode, Kind: wireErr.Kind, Message: wireErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
