package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/switchboard-dev/switchboard/pkg/models"
)

// Unique constraint names from the migrations. Violations are mapped to the
// store's sentinel errors.
const (
	constraintSessionsPK      = "sessions_pkey"
	constraintOneRequestTurn  = "events_one_request_per_turn"
	constraintOneResponseTurn = "events_one_response_per_turn"
)

// PostgresStore implements EventStore on PostgreSQL via database/sql with the
// pgx driver. Per-session sequence allocation is serialized with a
// transaction-scoped advisory lock keyed on the session id, so concurrent
// appends to the same session produce contiguous sequence numbers while
// appends to different sessions proceed in parallel.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool. The caller owns the
// pool lifecycle; Close is a no-op here.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ EventStore = (*PostgresStore)(nil)

// CreateSession persists a new session row.
func (s *PostgresStore) CreateSession(ctx context.Context, id, description string) (models.Session, error) {
	createdAt := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, description) VALUES ($1, $2, $3)`,
		id, createdAt, description,
	)
	if err != nil {
		if isUniqueViolation(err, constraintSessionsPK) {
			return models.Session{}, ErrDuplicateSession
		}
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return models.Session{ID: id, CreatedAt: createdAt, Description: description}, nil
}

// GetSession returns the session row or ErrSessionNotFound.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, description FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("select session: %w", err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	return sess, nil
}

// ListSessions pages through sessions ordered by (created_at, id).
func (s *PostgresStore) ListSessions(ctx context.Context, cursor string, limit int) (models.SessionPage, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if cursor == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, created_at, description FROM sessions
			 ORDER BY created_at, id LIMIT $1`,
			limit+1,
		)
	} else {
		afterTime, afterID, cerr := decodeCursor(cursor)
		if cerr != nil {
			return models.SessionPage{}, cerr
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, created_at, description FROM sessions
			 WHERE (created_at, id) > ($1, $2)
			 ORDER BY created_at, id LIMIT $3`,
			afterTime, afterID, limit+1,
		)
	}
	if err != nil {
		return models.SessionPage{}, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var page models.SessionPage
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.Description); err != nil {
			return models.SessionPage{}, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = sess.CreatedAt.UTC()
		page.Sessions = append(page.Sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return models.SessionPage{}, fmt.Errorf("iterate sessions: %w", err)
	}

	if len(page.Sessions) > limit {
		page.Sessions = page.Sessions[:limit]
		last := page.Sessions[len(page.Sessions)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// AppendEvent allocates the next sequence and inserts the event in one
// transaction. The advisory lock is transaction-scoped, so it is released on
// COMMIT/ROLLBACK and no partially-appended event is ever visible.
func (s *PostgresStore) AppendEvent(ctx context.Context, p AppendParams) (models.SessionEvent, error) {
	if !p.Kind.Valid() {
		return models.SessionEvent{}, fmt.Errorf("invalid payload kind %q", p.Kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SessionEvent{}, fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize sequence allocation per session.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, p.SessionID,
	); err != nil {
		return models.SessionEvent{}, fmt.Errorf("acquire session lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, p.SessionID,
	).Scan(&exists); err != nil {
		return models.SessionEvent{}, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return models.SessionEvent{}, ErrSessionNotFound
	}

	evt := models.SessionEvent{
		EventID:   uuid.New().String(),
		SessionID: p.SessionID,
		Timestamp: time.Now().UTC(),
		TurnID:    p.TurnID,
		AgentName: p.AgentName,
		Kind:      p.Kind,
		Payload:   p.Payload,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (id, session_id, sequence, created_at, turn_id, agent_name, kind, payload)
		 VALUES ($1, $2,
		         (SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = $2),
		         $3, $4, $5, $6, $7)
		 RETURNING sequence`,
		evt.EventID, evt.SessionID, evt.Timestamp, evt.TurnID, evt.AgentName, string(evt.Kind), evt.Payload,
	).Scan(&evt.Sequence)
	if err != nil {
		switch {
		case isUniqueViolation(err, constraintOneRequestTurn):
			return models.SessionEvent{}, ErrDuplicateTurn
		case isUniqueViolation(err, constraintOneResponseTurn):
			return models.SessionEvent{}, ErrDuplicateResponse
		}
		return models.SessionEvent{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.SessionEvent{}, fmt.Errorf("commit append transaction: %w", err)
	}
	return evt, nil
}

// ReadEventsSince returns up to limit events after the given sequence.
func (s *PostgresStore) ReadEventsSince(ctx context.Context, sessionID string, after int64, limit int) ([]models.SessionEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, created_at, turn_id, agent_name, kind, payload
		 FROM events
		 WHERE session_id = $1 AND sequence > $2
		 ORDER BY sequence LIMIT $3`,
		sessionID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var evt models.SessionEvent
		var kind string
		if err := rows.Scan(&evt.EventID, &evt.SessionID, &evt.Sequence, &evt.Timestamp,
			&evt.TurnID, &evt.AgentName, &kind, &evt.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Kind = models.PayloadKind(kind)
		evt.Timestamp = evt.Timestamp.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MaxSequence returns the session's high-water sequence (0 for an empty log).
func (s *PostgresStore) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return 0, ErrSessionNotFound
	}

	var max int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE session_id = $1`, sessionID,
	).Scan(&max); err != nil {
		return 0, fmt.Errorf("select max sequence: %w", err)
	}
	return max, nil
}

// HasRequest reports whether the turn has a request event in the session.
func (s *PostgresStore) HasRequest(ctx context.Context, sessionID, turnID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE session_id = $1 AND turn_id = $2 AND kind = 'request')`,
		sessionID, turnID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check request: %w", err)
	}
	return exists, nil
}

// PendingTurns returns unanswered requests in append order.
func (s *PostgresStore) PendingTurns(ctx context.Context, sessionID string) ([]models.PendingTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.turn_id, e.agent_name, e.id, e.sequence
		 FROM events e
		 WHERE e.session_id = $1 AND e.kind = 'request'
		   AND NOT EXISTS (
		       SELECT 1 FROM events r
		       WHERE r.session_id = e.session_id AND r.turn_id = e.turn_id AND r.kind = 'response'
		   )
		 ORDER BY e.sequence`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending turns: %w", err)
	}
	defer rows.Close()

	var pending []models.PendingTurn
	for rows.Next() {
		var pt models.PendingTurn
		if err := rows.Scan(&pt.TurnID, &pt.AgentName, &pt.EventID, &pt.Sequence); err != nil {
			return nil, fmt.Errorf("scan pending turn: %w", err)
		}
		pending = append(pending, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending turns: %w", err)
	}
	return pending, nil
}

// Close is a no-op; the connection pool is owned by the database client.
func (s *PostgresStore) Close() error { return nil }

// isUniqueViolation reports whether err is a PostgreSQL unique violation on
// the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
