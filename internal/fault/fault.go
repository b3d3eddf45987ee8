package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the HTTP layer can map it to a stable
// error envelope and status code.
type Kind string

const (
	UnsupportedFormat  Kind = "unsupported_format"
	TranscodeFailed    Kind = "transcode_failed"
	Timeout            Kind = "timeout"
	ConnectionFailed   Kind = "connection_failed"
	ProtocolError      Kind = "protocol_error"
	RecognitionFailed  Kind = "recognition_failed"
	AuthError          Kind = "auth_error"
	RateLimited        Kind = "rate_limited"
	ParseError         Kind = "parse_error"
	NotFound           Kind = "not_found"
	ValidationError    Kind = "validation_error"
	ServiceUnavailable Kind = "service_unavailable"
)

// Error carries a kind alongside the underlying cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil cause yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg != "" {
			return e.msg + ": " + e.err.Error()
		}
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// Message returns the human-readable text without the wrapped cause.
func (e *Error) Message() string {
	if e.msg != "" {
		return e.msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return string(e.kind)
}

// KindOf walks the wrap chain and returns the first kind found.
// Unclassified errors report ServiceUnavailable.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return ServiceUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure is worth retrying within a stage.
// Only connection failures and rate limits qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ConnectionFailed, RateLimited:
		return true
	}
	return false
}
