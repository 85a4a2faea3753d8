package model

import (
	"errors"
	"fmt"
)

var (
	// ErrContextUnavailable means the store could not be read; callers degrade to empty context.
	ErrContextUnavailable = errors.New("conversation context unavailable")
	// ErrModelTimeout means a model call exceeded its deadline.
	ErrModelTimeout = errors.New("model call timed out")
	// ErrCircuitOpen means the breaker for an API is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrEmptyResponse means the backend answered with no usable text.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrNotFound is returned by stores for unknown users where creation is not implied.
	ErrNotFound = errors.New("not found")
)

// TransientError marks a retryable backend failure (rate limited, temporarily unavailable).
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient backend failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient backend failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConfigurationError is returned when a model is unknown or lacks credentials.
type ConfigurationError struct {
	Model  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("model %q: %s", e.Model, e.Reason)
}
