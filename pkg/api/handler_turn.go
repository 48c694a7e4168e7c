package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// submitRequestHandler handles POST /api/v1/sessions/:id/requests.
func (s *Server) submitRequestHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req SubmitRequestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	evt, err := s.turns.SubmitRequest(c.Request().Context(), sessionID, req.TurnID, req.AgentName, req.Payload)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, SubmitResponse{EventID: evt.EventID, Sequence: evt.Sequence})
}

// submitResponseHandler handles POST /api/v1/sessions/:id/responses.
func (s *Server) submitResponseHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req SubmitResponseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	evt, err := s.turns.SubmitResponse(c.Request().Context(), sessionID, req.TurnID, req.Payload)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, SubmitResponse{EventID: evt.EventID, Sequence: evt.Sequence})
}

// pendingQueueHandler handles GET /api/v1/sessions/:id/queue.
func (s *Server) pendingQueueHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	pending, err := s.turns.PendingTurns(c.Request().Context(), sessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, PendingQueueResponse{SessionID: sessionID, Pending: pending})
}
