package asr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class partitions provider errors by how callers should react.
type Class int

const (
	// ClassTransient covers network hiccups, timeouts, and upstream 5xx.
	// Retry with backoff up to a small cap.
	ClassTransient Class = iota

	// ClassRateLimited means the provider returned 429. Retry with jittered
	// backoff; if retries are exhausted the error degrades to unavailable.
	ClassRateLimited

	// ClassAuthFailed means credentials were rejected. Fatal for the
	// configured admin; retrying is pointless.
	ClassAuthFailed

	// ClassInvalidAudio means the payload was rejected as malformed or
	// unsupported. The chunk is dropped; the pipeline continues.
	ClassInvalidAudio

	// ClassUnavailable means the backend is down or persistently failing.
	// The scheduler's circuit breaker opens on sustained unavailability.
	ClassUnavailable
)

// String returns the lowercase class name used in logs and metrics labels.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuthFailed:
		return "auth_failed"
	case ClassInvalidAudio:
		return "invalid_audio"
	case ClassUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Error is a classified provider error.
type Error struct {
	Class    Class
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("asr %s: %s (%s): %v", e.Provider, e.Message, e.Class, e.Err)
	}
	return fmt.Sprintf("asr %s: %s (%s)", e.Provider, e.Message, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified provider error.
func NewError(class Class, provider, message string, err error) *Error {
	return &Error{Class: class, Provider: provider, Message: message, Err: err}
}

// ClassifyStatus maps an upstream HTTP status code to an error class.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuthFailed
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusBadRequest ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnsupportedMediaType:
		return ClassInvalidAudio
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return ClassUnavailable
	default:
		return ClassTransient
	}
}

// Classify returns the class of err. Unclassified errors — including
// context deadline/cancellation and raw network errors — count as transient,
// which is the conservative choice for the circuit breaker.
func Classify(err error) Class {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	return ClassTransient
}

// Retryable reports whether an error of the given class should be retried
// by the per-call retry loop.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}
