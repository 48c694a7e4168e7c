// Package plugin embeds the interception coordinator in a host agent
// process: it converts one synchronous model-call hook invocation into a
// request/response round-trip against the switchboard server, suspending the
// caller until a human (or another subscriber) supplies the response.
package plugin

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Environment variables recognized as option defaults. Constructor arguments
// take precedence.
const (
	EnvServerAddress = "SWITCHBOARD_SERVER_ADDR"
	EnvSessionID     = "SWITCHBOARD_SESSION_ID"
	EnvTargetAgents  = "SWITCHBOARD_TARGET_AGENTS"
)

// Options configures the interceptor. The zero value plus environment
// defaults is usable.
type Options struct {
	// ServerAddress is the switchboard server endpoint, with or without
	// an http:// scheme.
	ServerAddress string

	// SessionID attaches to an existing session when set; otherwise the
	// interceptor creates a session on first attach.
	SessionID string

	// SessionDescription labels a session the interceptor creates itself.
	SessionDescription string

	// TargetAgents restricts interception to the named agents. Empty
	// means intercept all.
	TargetAgents []string

	// Reconnection policy for the subscribe stream. After
	// ReconnectMaxAttempts consecutive failures the interceptor goes
	// terminal and fails every outstanding waiter with ErrConnectionLost.
	ReconnectMaxAttempts    int
	ReconnectBackoffInitial time.Duration
	ReconnectBackoffMax     time.Duration

	// SubscribeBufferSize bounds stream events buffered between the
	// socket reader and the dispatcher.
	SubscribeBufferSize int

	// HTTPClient overrides the client used for unary calls and the
	// WebSocket dial. Mainly for tests.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ServerAddress == "" {
		o.ServerAddress = getEnvOrDefault(EnvServerAddress, "localhost:8080")
	}
	if o.SessionID == "" {
		o.SessionID = os.Getenv(EnvSessionID)
	}
	if len(o.TargetAgents) == 0 {
		if v := os.Getenv(EnvTargetAgents); v != "" {
			for _, name := range strings.Split(v, ",") {
				if name = strings.TrimSpace(name); name != "" {
					o.TargetAgents = append(o.TargetAgents, name)
				}
			}
		}
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 5
	}
	if o.ReconnectBackoffInitial <= 0 {
		o.ReconnectBackoffInitial = 500 * time.Millisecond
	}
	if o.ReconnectBackoffMax <= 0 {
		o.ReconnectBackoffMax = 10 * time.Second
	}
	if o.SubscribeBufferSize <= 0 {
		o.SubscribeBufferSize = 256
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// intercepts reports whether calls from the named agent are intercepted.
func (o Options) intercepts(agentName string) bool {
	if len(o.TargetAgents) == 0 {
		return true
	}
	for _, name := range o.TargetAgents {
		if name == agentName {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
