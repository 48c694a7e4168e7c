package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/switchboard-dev/switchboard/pkg/api"
	"github.com/switchboard-dev/switchboard/pkg/models"
	"github.com/switchboard-dev/switchboard/pkg/rendezvous"
)

// State is the interceptor's connection lifecycle phase.
type State int32

const (
	StateDetached State = iota
	StateAttaching
	StateAttached
	StateReattaching
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateReattaching:
		return "reattaching"
	case StateTerminal:
		return "terminal"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrConnectionLost is the terminal error delivered to suspended calls when
// the subscribe stream cannot be re-established within the reconnection
// policy.
var ErrConnectionLost = errors.New("connection to server lost")

// ErrTerminal is returned by Intercept after the interceptor has shut down
// or exhausted reconnection.
var ErrTerminal = errors.New("interceptor is terminal")

// Interceptor suspends intercepted model calls until a response event for
// the same turn arrives on the session's subscribe stream. One interceptor
// owns one session attachment; it is safe for concurrent Intercept calls.
type Interceptor struct {
	opts   Options
	client *Client
	codec  Codec
	log    *slog.Logger
	table  *rendezvous.Table

	state    atomic.Int32
	lastSeen atomic.Int64

	mu        sync.Mutex
	started   bool
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewInterceptor creates an interceptor with the given codec. Options fall
// back to environment defaults; see the Env* constants.
func NewInterceptor(opts Options, codec Codec) *Interceptor {
	opts = opts.withDefaults()
	if codec == nil {
		codec = RawCodec{}
	}
	return &Interceptor{
		opts:   opts,
		client: NewClient(opts.ServerAddress, opts.HTTPClient),
		codec:  codec,
		log:    opts.Logger.With("component", "interceptor"),
		table:  rendezvous.NewTable(),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (i *Interceptor) State() State {
	return State(i.state.Load())
}

// SessionID returns the attached session id, or "" before first attach.
func (i *Interceptor) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// Start attaches to the server: resolves or creates the session, opens the
// subscribe stream, and launches the background read loop. Calling Start is
// optional; the first Intercept attaches lazily.
func (i *Interceptor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startLocked(ctx)
}

func (i *Interceptor) startLocked(ctx context.Context) error {
	if i.State() == StateTerminal {
		return ErrTerminal
	}
	if i.started {
		return nil
	}
	i.state.Store(int32(StateAttaching))

	sessionID := i.opts.SessionID
	if sessionID != "" {
		if _, err := i.client.GetSession(ctx, sessionID); err != nil {
			i.state.Store(int32(StateDetached))
			return fmt.Errorf("attach to session %s: %w", sessionID, err)
		}
	} else {
		sess, err := i.client.CreateSession(ctx, i.opts.SessionDescription)
		if err != nil {
			i.state.Store(int32(StateDetached))
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
	}

	conn, err := i.attach(ctx, sessionID)
	if err != nil {
		i.state.Store(int32(StateDetached))
		return err
	}

	// The read loop outlives the Start context; only Close or reconnect
	// exhaustion stops it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	i.sessionID = sessionID
	i.cancel = cancel
	i.started = true
	i.state.Store(int32(StateAttached))
	i.log.Info("Attached to session", "session_id", sessionID)

	go i.readLoop(loopCtx, conn)
	return nil
}

// attach dials the subscribe stream resuming after the last seen sequence
// and waits for the server's confirmation message.
func (i *Interceptor) attach(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	conn, err := i.client.DialSubscribe(ctx, sessionID, i.lastSeen.Load())
	if err != nil {
		return nil, err
	}

	msg, err := readWSMessage(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no confirmation")
		return nil, fmt.Errorf("await confirmation: %w", err)
	}
	if msg.Type != api.MsgSubscriptionConfirmed {
		conn.Close(websocket.StatusProtocolError, "unexpected message")
		return nil, fmt.Errorf("expected %s, got %s", api.MsgSubscriptionConfirmed, msg.Type)
	}
	return conn, nil
}

// readLoop consumes the subscribe stream, resolving waiters for response
// events. On stream failure it reconnects with exponential backoff; when the
// policy is exhausted the interceptor goes terminal and fails every
// outstanding waiter.
func (i *Interceptor) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(i.done)

	for {
		err := i.consume(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}

		i.state.Store(int32(StateReattaching))
		i.log.Warn("Subscribe stream lost, reconnecting", "session_id", i.SessionID(), "error", err)

		conn, err = i.reattach(ctx)
		if err != nil {
			if ctx.Err() == nil {
				i.state.Store(int32(StateTerminal))
				i.log.Error("Reconnection exhausted, failing outstanding turns",
					"session_id", i.SessionID(), "error", err)
				i.table.FailAll(ErrConnectionLost)
			}
			return
		}
		i.state.Store(int32(StateAttached))
		i.log.Info("Reattached to session", "session_id", i.SessionID(), "resume_from", i.lastSeen.Load())
	}
}

// consume reads stream messages until the connection errors or ctx ends.
// Events flow to the dispatcher through a bounded buffer so a burst of
// replayed events does not stall the socket reader on waiter resolution; a
// full buffer applies backpressure to the read loop instead. The buffer is
// drained before consume returns, so lastSeen is settled when the caller
// computes the next resume point.
func (i *Interceptor) consume(ctx context.Context, conn *websocket.Conn) error {
	events := make(chan *models.SessionEvent, i.opts.SubscribeBufferSize)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for evt := range events {
			i.dispatch(evt)
		}
	}()
	defer func() {
		close(events)
		<-drained
	}()

	for {
		msg, err := readWSMessage(ctx, conn)
		if err != nil {
			return err
		}
		switch msg.Type {
		case api.MsgEvent:
			if msg.Event != nil {
				select {
				case events <- msg.Event:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case api.MsgSubscriptionError:
			return fmt.Errorf("subscription error: %s", msg.Reason)
		}
	}
}

func (i *Interceptor) dispatch(evt *models.SessionEvent) {
	if evt.Sequence > i.lastSeen.Load() {
		i.lastSeen.Store(evt.Sequence)
	}
	if evt.Kind == models.KindResponse {
		i.table.Resolve(evt.TurnID, evt.Payload)
	}
}

func (i *Interceptor) reattach(ctx context.Context) (*websocket.Conn, error) {
	backoff := i.opts.ReconnectBackoffInitial
	var lastErr error

	for attempt := 1; attempt <= i.opts.ReconnectMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		conn, err := i.attach(ctx, i.SessionID())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		i.log.Warn("Reconnect attempt failed",
			"attempt", attempt, "max_attempts", i.opts.ReconnectMaxAttempts, "error", err)

		backoff *= 2
		if backoff > i.opts.ReconnectBackoffMax {
			backoff = i.opts.ReconnectBackoffMax
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrConnectionLost, lastErr)
}

// Intercept runs one interception round-trip for a model call from the named
// agent. When the agent is not targeted it returns (nil, false, nil) without
// touching the server; the host proceeds with its normal call. Otherwise it
// publishes the encoded request as a new turn and suspends until a response
// event for that turn arrives, the context is cancelled, or the attachment
// goes terminal.
func (i *Interceptor) Intercept(ctx context.Context, agentName string, req any) (any, bool, error) {
	if !i.opts.intercepts(agentName) {
		return nil, false, nil
	}

	if err := i.ensureAttached(ctx); err != nil {
		return nil, true, err
	}

	payload, err := i.codec.EncodeRequest(req)
	if err != nil {
		return nil, true, fmt.Errorf("encode request: %w", err)
	}

	turnID := uuid.New().String()
	waiter, err := i.table.Register(turnID)
	if err != nil {
		return nil, true, err
	}

	if _, err := i.client.SubmitRequest(ctx, i.SessionID(), turnID, agentName, payload); err != nil {
		i.table.Unregister(turnID)
		return nil, true, fmt.Errorf("submit request: %w", err)
	}

	respPayload, err := waiter.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			i.table.Unregister(turnID)
		}
		return nil, true, err
	}

	resp, err := i.codec.DecodeResponse(respPayload)
	if err != nil {
		return nil, true, fmt.Errorf("decode response: %w", err)
	}
	return resp, true, nil
}

func (i *Interceptor) ensureAttached(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startLocked(ctx)
}

// Close detaches from the server and fails every suspended call. The
// interceptor cannot be restarted.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	started := i.started
	cancel := i.cancel
	i.state.Store(int32(StateTerminal))
	i.mu.Unlock()

	if started {
		cancel()
		<-i.done
	}
	i.table.FailAll(ErrTerminal)
	return nil
}

func readWSMessage(ctx context.Context, conn *websocket.Conn) (api.WSMessage, error) {
	var msg api.WSMessage
	_, data, err := conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("malformed stream message: %w", err)
	}
	return msg, nil
}
