package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoHealthyProvider is returned when no enabled and available backend remains.
	ErrNoHealthyProvider = errors.New("no healthy provider available")
	// ErrProviderNotFound is returned for unknown backend names.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrDuplicateProvider is returned when registering a name twice.
	ErrDuplicateProvider = errors.New("provider already registered")
)

// ErrorKind classifies backend failures.
type ErrorKind int

const (
	// Transient failures (timeouts, 5xx, rate limits) are retried.
	Transient ErrorKind = iota
	// Fatal failures (credentials, unsupported model) disable the backend.
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is a classified backend failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// IsFatal reports whether err is a fatal backend failure.
func IsFatal(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Fatal
}

// KindForStatus maps an HTTP status code returned by a vendor API to an ErrorKind.
func KindForStatus(code int) ErrorKind {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return Fatal
	default:
		return Transient
	}
}
