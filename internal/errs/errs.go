// Package errs implements the structured error taxonomy (§7). CRDT
// operations never fail on semantic disagreement — conflicts are data, not
// errors — so every type here is a transport, resource, or routing failure.
// Each carries {code, message, hint?, opId?} so a user-visible write error
// can report achievedLevel alongside it for app-level best-effort logic.
package errs

import "fmt"

// Code identifies an error's taxonomy entry.
type Code string

const (
	CodeClock       Code = "CLOCK_ERROR"
	CodeTimeout     Code = "TIMEOUT_ERROR"
	CodeCrash       Code = "CRASH_ERROR"
	CodeShutdown    Code = "SHUTDOWN_ERROR"
	CodeMergeReject Code = "MERGE_REJECTION"
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotOwner    Code = "NOT_OWNER_ERROR"
	CodeStaleMap    Code = "STALE_MAP_ERROR"
	CodeRouting     Code = "ROUTING_ERROR"
)

// E is the structured error every taxonomy entry implements.
type E struct {
	Code    Code
	Message string
	Hint    string
	OpID    string
	cause   error
}

func (e *E) Error() string {
	if e.OpID != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, e.Message, e.OpID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *E) Unwrap() error { return e.cause }

// WithOpID returns a copy of e carrying opID, for attaching the originating
// operation id once it's known.
func (e *E) WithOpID(opID string) *E {
	clone := *e
	clone.OpID = opID
	return &clone
}

func new_(code Code, hint, format string, args ...interface{}) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...), Hint: hint}
}

// ClockError reports a non-monotonic or otherwise invalid input to the
// HLC or VirtualClock.
func ClockError(format string, args ...interface{}) *E {
	return new_(CodeClock, "check for clock skew or a negative VirtualClock.Advance", format, args...)
}

// TimeoutError reports a write concern, worker task, resolver, or
// shared-slot wait that exceeded its limit.
func TimeoutError(format string, args ...interface{}) *E {
	return new_(CodeTimeout, "retry with a longer deadline or lower write concern", format, args...)
}

// CrashError reports a worker that died with a task in flight. The task
// itself is not retried; if the pool's AutoRestart is set, a replacement
// worker is spawned to keep capacity stable.
func CrashError(format string, args ...interface{}) *E {
	return new_(CodeCrash, "the task was not retried; resubmit it if AutoRestart replaced the worker", format, args...)
}

// ShutdownError reports a submission after the worker pool has shut down.
func ShutdownError(format string, args ...interface{}) *E {
	return new_(CodeShutdown, "", format, args...)
}

// MergeRejectionError reports a conflict resolver that returned reject.
// It is surfaced to subscribers and to the originating client, not
// swallowed as an internal error.
func MergeRejectionError(format string, args ...interface{}) *E {
	return new_(CodeMergeReject, "the remote write was dropped, local state is unchanged", format, args...)
}

// ValidationError reports invalid resolver/processor code or invalid
// config (negative latency, probability outside [0,1], etc.).
func ValidationError(format string, args ...interface{}) *E {
	return new_(CodeValidation, "", format, args...)
}

// NotOwnerError reports a cluster routing mismatch where this node does
// not own the target key's partition.
func NotOwnerError(format string, args ...interface{}) *E {
	return new_(CodeNotOwner, "retry with a refreshed partition map", format, args...)
}

// StaleMapError reports a cluster routing mismatch from an outdated
// partition map.
func StaleMapError(format string, args ...interface{}) *E {
	return new_(CodeStaleMap, "retry with a refreshed partition map", format, args...)
}

// RoutingError reports a cluster routing failure not otherwise classified.
func RoutingError(format string, args ...interface{}) *E {
	return new_(CodeRouting, "retry with a refreshed partition map", format, args...)
}

// Is reports whether err is an *E with the given code, unwrapping as
// needed.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
