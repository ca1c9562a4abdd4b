// Package errs implements the loader-wide error taxonomy.
package errs

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies a loader failure per the fixed taxonomy.
type Kind int

const (
	PathResolution Kind = iota
	DependencyMissing
	SymbolMissing
	VersionIncompatible
	Mapping
	CacheLoad
)

func (k Kind) String() string {
	switch k {
	case PathResolution:
		return "PathResolution"
	case DependencyMissing:
		return "DependencyMissing"
	case SymbolMissing:
		return "SymbolMissing"
	case VersionIncompatible:
		return "VersionIncompatible"
	case Mapping:
		return "Mapping"
	case CacheLoad:
		return "CacheLoad"
	default:
		return "Unknown"
	}
}

// AbortPayload is the packed payload a fatal error publishes before the
// process would abort in the real loader. Here it travels with the Go error
// value instead of being written to a kernel crash-report channel.
type AbortPayload struct {
	TargetDylib   string
	ClientOfDylib string
	Symbol        string
}

// Error wraps a Kind, a human message, an optional AbortPayload, and the
// underlying cause with a preserved stack trace.
type Error struct {
	kind    Kind
	payload *AbortPayload
	cause   *goerrors.Error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, cause: goerrors.Wrap(fmt.Errorf(format, args...), 1)}
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{kind: kind, cause: goerrors.Wrap(cause, 1)}
}

// WithPayload attaches the abort payload used by fatal launch-time errors.
func (e *Error) WithPayload(p AbortPayload) *Error {
	e.payload = &p
	return e
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Payload() *AbortPayload { return e.payload }

func (e *Error) Error() string {
	if e.payload != nil {
		return fmt.Sprintf("[%s] %s (target=%s client=%s symbol=%s)", e.kind, e.cause.Error(),
			e.payload.TargetDylib, e.payload.ClientOfDylib, e.payload.Symbol)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.cause.Error())
}

func (e *Error) Unwrap() error { return e.cause.Err }

// ErrorStack exposes the preserved stack trace for diagnostic logging.
func (e *Error) ErrorStack() string { return e.cause.ErrorStack() }

// Halt represents a fatal failure during Launch: logged and returned to
// main rather than calling abort_with_payload, which a portable Go build
// cannot do (see DESIGN.md).
func Halt(kind Kind, payload AbortPayload, format string, args ...any) *Error {
	return New(kind, format, args...).WithPayload(payload)
}
