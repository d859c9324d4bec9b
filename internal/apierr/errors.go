// Package apierr holds the error values every layer of the client runtime
// normalizes failures into before they reach a caller.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrSpecFetch        = errors.New("service description could not be loaded")
	ErrAuthExpired      = errors.New("session expired")
	ErrNotInitialized   = errors.New("client not initialized")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrMissingPathParam = errors.New("missing path parameter")
	ErrUnsupportedVerb  = errors.New("unsupported HTTP method")
)

// UnsupportedMethodError is returned when an operation declares a verb the
// dispatcher cannot issue.
type UnsupportedMethodError struct {
	Method      string
	OperationID string
}

func (e *UnsupportedMethodError) Error() string {
	if e.OperationID == "" {
		return fmt.Sprintf("unsupported HTTP method %q", e.Method)
	}
	return fmt.Sprintf("operation %s: unsupported HTTP method %q", e.OperationID, e.Method)
}

func (e *UnsupportedMethodError) Is(target error) bool { return target == ErrUnsupportedVerb }

// NetworkError means no response was received: timeout, refused connection,
// open circuit breaker.
type NetworkError struct {
	Method  string
	URL     string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	kind := "network error"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.URL, kind, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthExpiredError is terminal for the current session. Credentials have
// already been cleared when a caller sees it.
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	if e.Err == nil {
		return ErrAuthExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAuthExpired.Error(), e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

func (e *AuthExpiredError) Is(target error) bool { return target == ErrAuthExpired }

// APIError is any non-2xx response other than a handled 401.
type APIError struct {
	Status  int
	Message string
	// Detail is the decoded "detail" payload (string, object or list) when present.
	Detail any
	// Errors holds field validation errors keyed by field name.
	Errors map[string][]string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%d %s", e.Status, msg)
	}
	fields := make([]string, 0, len(e.Errors))
	for k, v := range e.Errors {
		fields = append(fields, k+": "+strings.Join(v, ", "))
	}
	sort.Strings(fields)
	return fmt.Sprintf("%d %s (%s)", e.Status, msg, strings.Join(fields, "; "))
}

// StatusCode reports the HTTP status carried by err, or 0 when none.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	if errors.Is(err, ErrAuthExpired) {
		return http.StatusUnauthorized
	}
	return 0
}
