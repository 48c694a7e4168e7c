package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/switchboard-dev/switchboard/pkg/services"
)

// Error kind strings on the wire. Clients branch on kind, not on message
// text.
const (
	KindSessionNotFound   = "session_not_found"
	KindDuplicateSession  = "duplicate_session"
	KindDuplicateTurn     = "duplicate_turn"
	KindUnknownTurn       = "unknown_turn"
	KindDuplicateResponse = "duplicate_response"
	KindInvalidArgument   = "invalid_argument"
	KindStorage           = "storage"
	KindInternal          = "internal"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// respondError maps a service-layer error onto the closed set of wire error
// kinds with a stable HTTP status.
func respondError(c *echo.Context, err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Kind: KindInvalidArgument, Message: validErr.Error()})
	}

	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Kind: KindSessionNotFound, Message: "session not found"})
	case errors.Is(err, services.ErrUnknownTurn):
		return c.JSON(http.StatusNotFound, ErrorResponse{Kind: KindUnknownTurn, Message: "no request for turn"})
	case errors.Is(err, services.ErrDuplicateSession):
		return c.JSON(http.StatusConflict, ErrorResponse{Kind: KindDuplicateSession, Message: "session already exists"})
	case errors.Is(err, services.ErrDuplicateTurn):
		return c.JSON(http.StatusConflict, ErrorResponse{Kind: KindDuplicateTurn, Message: "turn already has a request"})
	case errors.Is(err, services.ErrDuplicateResponse):
		return c.JSON(http.StatusConflict, ErrorResponse{Kind: KindDuplicateResponse, Message: "turn already has a response"})
	case errors.Is(err, services.ErrStorage):
		slog.Error("Storage error", "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Kind: KindStorage, Message: "storage failure"})
	}

	slog.Error("Unexpected service error", "error", err)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Kind: KindInternal, Message: "internal server error"})
}
