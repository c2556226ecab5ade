package ingest

import (
	"errors"
	"fmt"
)

// TransportError is a network or HTTP failure while fetching the page at
// Offset. StatusCode is zero when no response was received.
type TransportError struct {
	Offset     int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch page at offset %d: status %d: %v", e.Offset, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch page at offset %d: %v", e.Offset, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// retryable reports whether another attempt at the same page may succeed.
func (e *TransportError) retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// DecodingError is a malformed provider payload for the page at Offset.
type DecodingError struct {
	Offset int
	Err    error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decode page at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// abandonedError marks a request cut short by the caller's context. It says
// nothing about the provider's health.
type abandonedError struct {
	err error
}

func (e abandonedError) Error() string { return e.err.Error() }

func (e abandonedError) Unwrap() error { return e.err }

var errUnexpectedStatus = errors.New("unexpected status")
