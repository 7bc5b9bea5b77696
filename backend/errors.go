package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies backend failures
type ErrorKind int

const (
	KindUnexpected ErrorKind = iota
	KindConnectionUnavailable
	KindTimeout
	KindInvalidResponse
	KindEmptyResponse
	KindUnknownBackend
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionUnavailable:
		return "ConnectionUnavailable"
	case KindTimeout:
		return "Timeout"
	case KindInvalidResponse:
		return "InvalidResponse"
	case KindEmptyResponse:
		return "EmptyResponse"
	case KindUnknownBackend:
		return "UnknownBackend"
	default:
		return "Unexpected"
	}
}

// EngineError is the only error type that leaves the backend layer
type EngineError struct {
	Kind    ErrorKind
	Backend ID
	Message string // human readable, safe to show to clients
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

func newError(kind ErrorKind, id ID, msg string, cause error) *EngineError {
	return &EngineError{Kind: kind, Backend: id, Message: msg, Cause: cause}
}

// KindOf returns the kind of an engine error, or KindUnexpected for anything else
func KindOf(err error) ErrorKind {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindUnexpected
}

// AsEngineError returns err as an EngineError, wrapping unclassified errors as Unexpected
func AsEngineError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return &EngineError{Kind: KindUnexpected, Message: "unexpected error", Cause: err}
}

// UnknownBackendError is returned when an identifier is not registered
func UnknownBackendError(id string) *EngineError {
	return &EngineError{
		Kind:    KindUnknownBackend,
		Backend: ID(id),
		Message: fmt.Sprintf("unknown backend %q", id),
	}
}

// classifyTransport maps an error from a network call into the shared taxonomy
func classifyTransport(id ID, err error, timeoutMsg string) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, id, timeoutMsg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, id, timeoutMsg, err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return newError(KindConnectionUnavailable, id, fmt.Sprintf("backend %s is unreachable", id), err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newError(KindConnectionUnavailable, id, fmt.Sprintf("backend %s is unreachable", id), err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newError(KindConnectionUnavailable, id, fmt.Sprintf("backend %s is unreachable", id), err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return newError(KindInvalidResponse, id, "backend returned a malformed response", err)
	}

	if errors.Is(err, context.Canceled) {
		return newError(KindUnexpected, id, "request was cancelled", err)
	}
	return newError(KindUnexpected, id, fmt.Sprintf("unexpected error from backend %s", id), err)
}
