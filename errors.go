package authsession

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Mutation and transport errors.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTransport          = errors.New("transport failure")
	ErrMalformedResponse  = errors.New("malformed identity response")
	ErrLogoutFailed       = errors.New("logout request failed")
)

// Provider lifecycle errors.
var (
	ErrMutationInFlight     = errors.New("another login or register is already pending")
	ErrSessionNotPropagated = errors.New("session was not recognised after sign-in")
	ErrSuperseded           = errors.New("signed out while the request was in flight")
	ErrClosed               = errors.New("provider closed")
)

// ValidationError reports input that failed client-side or server-side checks.
// Fields maps a field name to a human-readable message.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return "validation failed: " + e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransportError is a network or server failure unrelated to credentials.
type TransportError struct {
	Op         string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// UserMessage turns a mutation error into text suitable for display.
func UserMessage(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		if verr.Message != "" {
			return verr.Message
		}
		return "Please check the highlighted fields: " + strings.TrimPrefix(verr.Error(), "validation failed: ")
	case errors.Is(err, ErrInvalidCredentials):
		return "Incorrect username or password."
	case errors.Is(err, ErrMutationInFlight):
		return "Please wait, your request is still being processed."
	case errors.Is(err, ErrSuperseded):
		return "You were signed out before the request finished."
	case errors.Is(err, ErrSessionNotPropagated):
		return "We could not confirm your sign-in. Please try again."
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrTransport):
		return "Something went wrong reaching the server. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
