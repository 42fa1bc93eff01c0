package sessionstate

import (
	"context"
	"errors"
)

// Sentinel errors returned by StorageBackend implementations.
var (
	// ErrNotFound is returned when a key has never been written.
	ErrNotFound = errors.New("sessionstate: key not found")
	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("sessionstate: storage backend is closed")
)

// Keys under which a session's durable fields are stored. Two auxiliary
// keys hold the session-scoped DB site URL and bearer token, kept apart
// from SessionState so a rehydrate can distinguish "never initialized"
// from "initialized, no bearer yet".
const (
	KeySession     = "session"
	KeyDBSiteURL   = "dbSiteUrl"
	KeyBearerToken = "bearerToken"
)

// StorageBackend abstracts the per-session key-value durable store of
// spec §6: three string keys per session (session, dbSiteUrl,
// bearerToken), persisted as opaque values. Implementations must be safe
// for concurrent use across sessions; a single session's keys are only
// ever touched by that session's actor (single-writer, §4.5.1), so the
// backend itself need not serialize writes to the same session.
type StorageBackend interface {
	// Get returns the raw value stored under (sessionID, key).
	// Returns ErrNotFound if nothing has been written yet.
	Get(ctx context.Context, sessionID, key string) ([]byte, error)

	// Set durably writes value under (sessionID, key), overwriting any
	// previous value.
	Set(ctx context.Context, sessionID, key string, value []byte) error

	// Delete removes every key associated with sessionID. It is not an
	// error to delete a session with no stored keys.
	Delete(ctx context.Context, sessionID string) error

	// Close releases any resources held by the backend.
	Close() error
}
