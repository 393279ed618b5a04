package session

import apperrors "github.com/acuray/console/lib/errors"

// Errors surfaced by the session. Aliases to the central definitions
// in lib/errors.
var (
	// ErrNotConnected is returned when dispatching while not Connected.
	ErrNotConnected = apperrors.ErrNotConnected
	// ErrConnectionLost fails pending calls when the channel is lost.
	ErrConnectionLost = apperrors.ErrConnectionLost
	// ErrVersionIncompatible is recorded when the hello exchange reveals a
	// major-version mismatch. The session moves to Fault.
	ErrVersionIncompatible = apperrors.ErrVersionIncompatible
	// ErrReconnectExhausted is recorded when automatic reconnection gives up.
	ErrReconnectExhausted = apperrors.ErrReconnectExhausted
	// ErrStreamAborted terminates interrupted chunk streams.
	ErrStreamAborted = apperrors.ErrStreamAborted
)

// errInvalidState wraps lifecycle misuse (connecting twice, triggering
// reconnect outside Fault).
var errInvalidState = apperrors.ErrInvalidState
