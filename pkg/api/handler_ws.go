package api

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /api/v1/ws?session_id=...&resume_from=N: it upgrades
// to WebSocket and streams the session's events until the client disconnects
// or falls too far behind.
func (s *Server) wsHandler(c *echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}

	var resumeFrom int64
	if v := c.QueryParam("resume_from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid resume_from")
		}
		resumeFrom = n
	}

	// Reject unknown sessions before the upgrade so the client gets a
	// proper HTTP status instead of a dropped socket.
	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return respondError(c, err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin validation is the deployment's concern; the server
		// carries no auth layer.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.streamEvents(c.Request().Context(), conn, sessionID, resumeFrom)
	return nil
}
