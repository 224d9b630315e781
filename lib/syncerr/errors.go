// Package syncerr defines the error taxonomy shared by the document store,
// the session registry, the transports and the client facade.
//
// Every error carries a Kind. Callers branch on the kind with errors.Is
// against the exported sentinels or with KindOf:
//
//	if errors.Is(err, syncerr.ErrAuthRejected) {
//	    // terminal, do not reconnect
//	}
package syncerr

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

type Kind uint8

const (
	KindUnknown         Kind = iota // 0: Unclassified failure.
	KindCorruptUpdate                // 1: An update could not be decoded or validated.
	KindAuthRejected                 // 2: The auth collaborator refused the token (terminal).
	KindTransportLost                // 3: The stream closed; the provider reconnects.
	KindRoomIdInvalid                // 4: The room identifier is not 1..50 characters (terminal).
	KindSessionRaceLost              // 5: A concurrent creator registered the session first (internal).
	KindInvalidMutation              // 6: A local mutation addressed positions outside the document.
	KindSessionClosed                // 7: The session was evicted while it was being used.
)

// String returns the name of the kind as used in logs and on the wire.
func (k Kind) String() string {
	switch k {
	case KindCorruptUpdate:
		return "CorruptUpdate"
	case KindAuthRejected:
		return "AuthRejected"
	case KindTransportLost:
		return "TransportLost"
	case KindRoomIdInvalid:
		return "RoomIdInvalid"
	case KindSessionRaceLost:
		return "SessionRaceLost"
	case KindInvalidMutation:
		return "InvalidMutation"
	case KindSessionClosed:
		return "SessionClosed"
	default:
		return "Unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindUnknown.
func ParseKind(s string) Kind {
	for k := KindCorruptUpdate; k <= KindSessionClosed; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Terminal reports whether a client must stop reconnecting after this kind.
func (k Kind) Terminal() bool {
	return k == KindAuthRejected || k == KindRoomIdInvalid
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a Kind and a message.
type Error struct {
	Kind Kind   // The error kind
	Msg  string // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a new Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sentinels for errors.Is.
var (
	ErrCorruptUpdate   = New(KindCorruptUpdate, "corrupt update")
	ErrAuthRejected    = New(KindAuthRejected, "auth rejected")
	ErrTransportLost   = New(KindTransportLost, "transport lost")
	ErrRoomIdInvalid   = New(KindRoomIdInvalid, "room id invalid")
	ErrSessionRaceLost = New(KindSessionRaceLost, "session race lost")
	ErrInvalidMutation = New(KindInvalidMutation, "invalid mutation")
	ErrSessionClosed   = New(KindSessionClosed, "session closed")
)
