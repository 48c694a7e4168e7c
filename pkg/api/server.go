// Package api exposes the coordinator over HTTP: unary operations as JSON
// endpoints and the subscribe stream over WebSocket.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/switchboard-dev/switchboard/pkg/events"
	"github.com/switchboard-dev/switchboard/pkg/services"
)

// defaultWriteTimeout bounds a single WebSocket write so one stuck client
// cannot pin its writer goroutine forever.
const defaultWriteTimeout = 10 * time.Second

// Server is the HTTP server binding the coordinator services to routes.
type Server struct {
	echo        *echo.Echo
	httpSrv     *http.Server
	sessions    *services.SessionService
	turns       *services.TurnService
	broadcaster *events.Broadcaster

	// db is nil when the server runs on the in-memory store; the health
	// endpoint then skips the database ping.
	db *sql.DB

	writeTimeout time.Duration
}

// NewServer creates the API server and registers all routes.
func NewServer(sessions *services.SessionService, turns *services.TurnService, broadcaster *events.Broadcaster, db *sql.DB) *Server {
	s := &Server{
		echo:         echo.New(),
		sessions:     sessions,
		turns:        turns,
		broadcaster:  broadcaster,
		db:           db,
		writeTimeout: defaultWriteTimeout,
	}

	s.echo.Use(securityHeaders())

	s.echo.GET("/healthz", s.healthHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.POST("/sessions/:id/requests", s.submitRequestHandler)
	v1.POST("/sessions/:id/responses", s.submitResponseHandler)
	v1.GET("/sessions/:id/queue", s.pendingQueueHandler)
	v1.GET("/ws", s.wsHandler)

	return s
}

// Handler returns the underlying handler, used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
