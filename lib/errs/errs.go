// Package errs defines the error kinds surfaced across podder's subsystems,
// so callers (the CLI, tests) can branch on what went wrong without parsing
// error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories the system exposes to
// its caller.
type Kind int

const (
	// KindNotFound covers a missing layer directory or pidfile where one was
	// required.
	KindNotFound Kind = iota
	// KindAlreadyRunning covers a live pidfile confirmed by a signal-0 probe.
	KindAlreadyRunning
	// KindConfigParse covers malformed INI, duplicate scalar/section, or an
	// unparseable line.
	KindConfigParse
	// KindSyscall covers any failed syscall; the wrapped error carries errno.
	KindSyscall
	// KindProtocolUnsupported covers unknown media types, opaque whiteouts,
	// tar size overrides, unknown tar entry types, or unsupported CPU
	// architectures.
	KindProtocolUnsupported
	// KindRegistryAuth covers an unparseable WWW-Authenticate header or a
	// failed token exchange.
	KindRegistryAuth
	// KindArchNotAvailable covers a manifest list with no entry matching the
	// current platform.
	KindArchNotAvailable
	// KindChildCrashed covers a forked helper that exited non-zero.
	KindChildCrashed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyRunning:
		return "already_running"
	case KindConfigParse:
		return "config_parse"
	case KindSyscall:
		return "syscall"
	case KindProtocolUnsupported:
		return "protocol_unsupported"
	case KindRegistryAuth:
		return "registry_auth"
	case KindArchNotAvailable:
		return "arch_not_available"
	case KindChildCrashed:
		return "child_crashed"
	default:
		return "unknown"
	}
}

// Error is a kinded error that wraps an underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a message only.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a kinded error wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
