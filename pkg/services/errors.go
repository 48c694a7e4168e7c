// Package services composes the store, pending queue, and broadcaster into
// the coordinator operations exposed by the API layer.
package services

import (
	"errors"
	"fmt"

	"github.com/switchboard-dev/switchboard/pkg/store"
)

// The closed set of error kinds visible at the coordinator boundary. The API
// layer maps each to exactly one HTTP response; nothing else leaks out.
var (
	ErrSessionNotFound   = store.ErrSessionNotFound
	ErrDuplicateSession  = store.ErrDuplicateSession
	ErrDuplicateTurn     = store.ErrDuplicateTurn
	ErrDuplicateResponse = store.ErrDuplicateResponse

	// ErrUnknownTurn is returned by SubmitResponse when no request event
	// exists for the turn in the session.
	ErrUnknownTurn = errors.New("no request for turn")

	// ErrStorage wraps persistence failures. The coordinator does not
	// retry; retry is the client's responsibility.
	ErrStorage = errors.New("storage failure")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// storageErr classifies an error from the store: known sentinels pass
// through untouched, anything else is wrapped as ErrStorage.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, store.ErrDuplicateTurn),
		errors.Is(err, store.ErrDuplicateResponse):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}
