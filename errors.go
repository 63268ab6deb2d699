package beacon

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a beacon error against the taxonomy each surface in
// the system reacts to differently (producers, remote clients, or the
// embedding process itself).
type ErrorKind int

const (
	// KindOutOfRange is returned when a time/duration conversion falls
	// outside its representable range.
	KindOutOfRange ErrorKind = iota
	// KindInvalidInput is returned for malformed caller-supplied data:
	// non-UTF8 topics, duplicate service names, a service call whose
	// encoding does not match the service's, and a TypedChannel message
	// whose Encode fails. Schema names are not validated.
	KindInvalidInput
	// KindChannelClosed is returned (as a non-fatal, logged condition) when
	// a producer logs to a channel after its last reference dropped.
	KindChannelClosed
	// KindSinkError wraps a failure returned by a single sink's Log. It
	// never escapes the log context; it is logged and isolated.
	KindSinkError
	// KindProtocolViolation covers malformed frames, unknown ops, and
	// oversized frames from a remote client; the connection is closed.
	KindProtocolViolation
	// KindCapabilityNotGranted names a client request for an operation that
	// depends on a capability the server didn't advertise. The Server does
	// not produce this kind: it handles such a request as
	// KindProtocolViolation, sending an Error status and closing the
	// connection.
	KindCapabilityNotGranted
	// KindServiceUnknown is returned for a call to an unregistered or
	// since-removed service.
	KindServiceUnknown
	// KindServiceOverloaded is returned when the concurrent-call semaphore
	// has no permits available.
	KindServiceOverloaded
	// KindServiceCallIDReused is returned when a client reuses a call_id
	// still in flight.
	KindServiceCallIDReused
	// KindHandlerFailed wraps an application-level error returned by a
	// service handler.
	KindHandlerFailed
	// KindFatalStartup is returned from Start/Bind when the server cannot
	// enter the Running state.
	KindFatalStartup
)

func (k ErrorKind) String() string {
	switch k {
	case KindOutOfRange:
		return "OutOfRange"
	case KindInvalidInput:
		return "InvalidInput"
	case KindChannelClosed:
		return "ChannelClosed"
	case KindSinkError:
		return "SinkError"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindCapabilityNotGranted:
		return "CapabilityNotGranted"
	case KindServiceUnknown:
		return "ServiceUnknown"
	case KindServiceOverloaded:
		return "ServiceOverloaded"
	case KindServiceCallIDReused:
		return "ServiceCallIdReused"
	case KindHandlerFailed:
		return "HandlerFailed"
	case KindFatalStartup:
		return "FatalStartup"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every beacon operation that
// can fail. Op names the failing operation ("NewChannel", "Server.Start",
// ...) so callers can log or branch on Kind without string matching.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("beacon: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("beacon: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap allows errors.Is/errors.As to reach the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, &beacon.Error{Kind: beacon.KindServiceUnknown}) matches any
// *Error of that kind regardless of Op and Err.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the ErrorKind from err, if err is or wraps a *Error. The
// second return is false for any other error (including nil).
func KindOf(err error) (ErrorKind, bool) {
	var be *Error
	if err == nil {
		return 0, false
	}
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}
