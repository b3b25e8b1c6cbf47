package core

import (
	"errors"
	"fmt"
)

// Taxonomy sentinels. Handlers classify failures with errors.Is against
// these rather than switching on message strings.
var (
	// ErrInvalidInput marks a caller-fixable request (missing/malformed field).
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvariantViolation marks a broken ledger invariant (bad hash/link).
	// Fatal for the affected chain; never silently repaired.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrTransientIO marks a retryable filesystem/network glitch.
	ErrTransientIO = errors.New("transient io error")
	// ErrSyncBlocked marks a pre-write sync refusal.
	ErrSyncBlocked = errors.New("sync blocked")
	// ErrCancelled marks a queue-cleared or shutdown cancellation.
	ErrCancelled = errors.New("cancelled")
)

// NoAlternateRelayReason is the one distinguished SyncBlocked reason the
// write pipeline treats as success rather than retryable. Reimplementations
// must preserve this exact string — it is the single bootstrap bypass.
const NoAlternateRelayReason = "No alternate relay available"

// NoDirectoryConfiguredReason is returned when pre-write sync cannot even
// attempt reconciliation because no directory is configured.
const NoDirectoryConfiguredReason = "No directory configured"

// TaggedError wraps a taxonomy sentinel with a human-readable message and,
// for TransientIO/SyncBlocked, the HTTP status code callers should surface.
type TaggedError struct {
	Kind       error
	Message    string
	StatusCode int
}

func (e *TaggedError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *TaggedError) Unwrap() error { return e.Kind }

func invalidInput(format string, args ...any) error {
	return &TaggedError{Kind: ErrInvalidInput, Message: fmt.Sprintf(format, args...), StatusCode: 400}
}

func invariantViolation(format string, args ...any) error {
	return &TaggedError{Kind: ErrInvariantViolation, Message: fmt.Sprintf(format, args...), StatusCode: 500}
}

func transientIO(format string, args ...any) error {
	return &TaggedError{Kind: ErrTransientIO, Message: fmt.Sprintf(format, args...), StatusCode: 503}
}

func syncBlocked(reason string) error {
	return &TaggedError{Kind: ErrSyncBlocked, Message: reason, StatusCode: 503}
}

func cancelled(format string, args ...any) error {
	return &TaggedError{Kind: ErrCancelled, Message: fmt.Sprintf(format, args...), StatusCode: 409}
}

// StatusCode extracts the HTTP status hint from err, defaulting to 500 for
// errors outside the taxonomy.
func StatusCode(err error) int {
	var te *TaggedError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 500
}

// IsRetryable reports whether the write pipeline should keep the entry at
// the head of the queue and retry after a backoff, per §7's propagation
// rules.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrSyncBlocked)
}
