// Package errdefs defines the error taxonomy shared by the signaling and
// process-supervision layers. Callers branch on Kind; the wrapped cause is
// for logs only and never crosses the wire.
package errdefs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthFailed          Kind = "AUTH_FAILED"
	KindPortExhausted       Kind = "PORT_EXHAUSTED"
	KindProcessLaunchFailed Kind = "PROCESS_LAUNCH_FAILED"
	KindAlreadyRunning      Kind = "ALREADY_RUNNING"
	KindNotFound            Kind = "NOT_FOUND"
	KindProtocolViolation   Kind = "PROTOCOL_VIOLATION"
	KindTransportClosed     Kind = "TRANSPORT_CLOSED"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func AuthFailed(message string) *Error {
	return New(KindAuthFailed, message)
}

func PortExhausted(start, attempts int) *Error {
	return New(KindPortExhausted, fmt.Sprintf("no free port in [%d, %d)", start, start+attempts))
}

func ProcessLaunchFailed(name string, cause error) *Error {
	return Wrap(cause, KindProcessLaunchFailed, fmt.Sprintf("launching %s", name))
}

func AlreadyRunning(name string) *Error {
	return New(KindAlreadyRunning, fmt.Sprintf("process %s is already tracked", name))
}

func NotFound(name string) *Error {
	return New(KindNotFound, fmt.Sprintf("process %s is not tracked", name))
}

func ProtocolViolation(message string) *Error {
	return New(KindProtocolViolation, message)
}

// UserMessage maps an error to the human-readable text surfaced to
// participants. Internal details stay in the logs.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error, please try again later"
	}
	switch e.Kind {
	case KindAuthFailed:
		return "verification code is incorrect"
	case KindPortExhausted:
		return "no stream port available"
	case KindProcessLaunchFailed:
		return "failed to start the stream relay"
	case KindProtocolViolation:
		return "invalid message"
	case KindTransportClosed:
		return "connection lost"
	default:
		return "internal error, please try again later"
	}
}
