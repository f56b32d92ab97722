// Package marcus implements the agent coordination engine: lease-based task
// assignment, hybrid dependency inference, task decomposition, context
// materialization, and gridlock detection over a pluggable kanban board.
package marcus

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/persist"
	"github.com/marcushq/marcus/project"
	"github.com/marcushq/marcus/provider"
)

// Kind classifies an engine error for callers and the tool surface.
type Kind string

const (
	KindInvalidInput        Kind = "InvalidInput"
	KindAlreadyRegistered   Kind = "AlreadyRegistered"
	KindUnknownAgent        Kind = "UnknownAgent"
	KindUnknownTask         Kind = "UnknownTask"
	KindNotFound            Kind = "NotFound"
	KindAmbiguous           Kind = "Ambiguous"
	KindStaleLease          Kind = "StaleLease"
	KindConflict            Kind = "Conflict"
	KindStorageUnavailable  Kind = "StorageUnavailable"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindAIUnavailable       Kind = "AIUnavailable"
	KindUnfixableGraph      Kind = "UnfixableGraph"
	KindTimeout             Kind = "Timeout"
	KindShutdown            Kind = "Shutdown"
)

// Error is the engine's error type. Kind drives caller behavior; Details
// carry structured context for the tool surface.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap records the underlying cause.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// Error implements error.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is chains.
func (e *Error) Unwrap() error { return e.cause }

// KindOf classifies any error. Engine errors report their own kind; sentinel
// errors from the storage and provider layers map to the matching kind.
// Unrecognized errors classify as StorageUnavailable, the retry-later kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var unfixable *board.ErrUnfixableGraph
	if errors.As(err, &unfixable) {
		return KindUnfixableGraph
	}
	switch {
	case errors.Is(err, persist.ErrNotFound):
		return KindNotFound
	case errors.Is(err, persist.ErrConflict):
		return KindConflict
	case errors.Is(err, persist.ErrUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, provider.ErrUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, project.ErrAmbiguous):
		return KindAmbiguous
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindShutdown
	}
	return KindStorageUnavailable
}

// classify wraps an arbitrary error as an engine Error, preserving an
// existing kind.
func classify(err error, msg string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Message: msg, cause: err}
}
