// Package gwerrors classifies the failures a gateway operation can end in.
// Every error that reaches a client reply is one of these kinds.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind is the classification of a gateway error
type Kind int

const (
	// KindUnknown is any error that was not classified
	KindUnknown Kind = iota
	// KindConnection means the endpoint was unreachable or went away
	KindConnection
	// KindTimeout means no matching device line arrived before the deadline
	KindTimeout
	// KindProtocol means the device answered with an error or terminal result
	KindProtocol
	// KindValidation means the request itself was unusable
	KindValidation
	// KindBuild means an external build step failed
	KindBuild
)

// String returns the kind name used in logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindBuild:
		return "build"
	default:
		return "unknown"
	}
}

// Error is a classified gateway error
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// Build diagnostics
	Step   string
	Stdout string
	Stderr string
}

// Error implements the error interface. The message is what the client sees.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Connection wraps a failure to reach or keep an endpoint
func Connection(op string, err error) *Error {
	return &Error{
		Kind:    KindConnection,
		Op:      op,
		Message: fmt.Sprintf("%s: %v", op, err),
		Err:     err,
	}
}

// Timeout reports a missed deadline
func Timeout(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// Protocol reports a device line that ended the operation. The line is the message.
func Protocol(line string) *Error {
	return &Error{Kind: KindProtocol, Message: line}
}

// Validation reports an unusable request
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Build reports a failed build step together with the tool output
func Build(step, message, stdout, stderr string, err error) *Error {
	return &Error{
		Kind:    KindBuild,
		Op:      step,
		Message: message,
		Err:     err,
		Step:    step,
		Stdout:  stdout,
		Stderr:  stderr,
	}
}

// KindOf returns the classification of err, KindUnknown if it has none
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a timeout
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsConnection reports whether err is a connection failure
func IsConnection(err error) bool { return KindOf(err) == KindConnection }

// IsProtocol reports whether err is a device-reported failure
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }

// IsValidation reports whether err is a request validation failure
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsBuild reports whether err is a build failure
func IsBuild(err error) bool { return KindOf(err) == KindBuild }
