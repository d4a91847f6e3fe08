package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a send/receive is attempted with no
	// active connection for that (user, platform).
	ErrNotConnected = errors.New("platform not connected")

	// ErrDuplicateMessage marks a uniqueness violation on
	// (user, platform, external id). The router converts it to a no-op;
	// it never reaches callers.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrUnknownPlatform is returned on adapter lookup for a platform
	// no adapter is registered for.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrUnsupported is returned when a capability-gated operation is
	// attempted against an adapter that does not advertise it.
	ErrUnsupported = errors.New("operation not supported by platform")

	// ErrTemplateNotFound is returned by template lookups by id.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrMessageNotFound is returned when a message update matches no row
	// for that user.
	ErrMessageNotFound = errors.New("message not found")
)

// ConnectionError wraps an adapter's failure to establish or validate a
// session: bad credentials, unreachable platform, missing local capability.
type ConnectionError struct {
	Platform Platform
	Reason   string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
