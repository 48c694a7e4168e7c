// Package models defines the core data types shared by the store, the
// coordination services, the HTTP API, and the plugin.
package models

import "time"

// Session is a container for a logically related sequence of turns. It is the
// unit of event ordering and persistence. Sessions are immutable after
// creation and are never deleted.
type Session struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// SessionPage is one page of a session listing, ordered by (created_at, id).
// NextCursor is empty when there are no further pages.
type SessionPage struct {
	Sessions   []Session `json:"sessions"`
	NextCursor string    `json:"next_cursor,omitempty"`
}
