// Package homeassistant calls Home Assistant services on behalf of an agent tool.
package homeassistant

import (
	"context"
	"errors"
	"fmt"
)

// ServiceCaller performs a single service call against Home Assistant.
// Implementations return a *CallError describing why a call failed.
type ServiceCaller interface {
	CallService(ctx context.Context, call ServiceCall) (*ServiceResponse, error)
}

// ErrorKind classifies why a service call failed.
type ErrorKind string

// Failure kinds. Configuration errors are returned as plain errors by the
// invoker and never appear in a Result.
const (
	KindNone           ErrorKind = ""
	KindConfiguration  ErrorKind = "configuration"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindTransport      ErrorKind = "transport"
	KindProtocol       ErrorKind = "protocol"
	KindDecode         ErrorKind = "decode"
)

// CallError is the error returned by a ServiceCaller.
type CallError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a *CallError in err's chain, or KindTransport
// for any other non-nil error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransport
}

// APIError represents an error response from the Home Assistant API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Home Assistant API error (status %d): %s", e.StatusCode, e.Message)
}
