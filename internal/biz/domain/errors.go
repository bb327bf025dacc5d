package domain

import (
	"errors"
	"fmt"
)

// ConnectionError is a transport failure. The connection manager retries
// with backoff; it is never fatal on its own.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the backend rejected (or we could not produce) credentials
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed: %s: %v", e.Reason, e.Err)
	}
	return "auth failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// ResponseSendError is a recoverable failure to deliver a staff response.
// The pending response is kept for retry.
type ResponseSendError struct {
	NotificationID string
	StatusCode     int  // 0 when no HTTP response was received
	Temporary      bool // network, timeout or 5xx
	Err            error
}

func (e *ResponseSendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("send response for %s: status %d: %v", e.NotificationID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("send response for %s: %v", e.NotificationID, e.Err)
}

func (e *ResponseSendError) Unwrap() error { return e.Err }

// DuplicateResponseError rejects a send while another send for the same
// notification is in flight
type DuplicateResponseError struct {
	NotificationID string
}

func (e *DuplicateResponseError) Error() string {
	return fmt.Sprintf("response for %s already in flight", e.NotificationID)
}

// StorageError wraps a durable store failure
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrNotFound is returned when an operation names an unknown notification
var ErrNotFound = errors.New("notification not found")

// IsDuplicateResponse reports whether err is a DuplicateResponseError
func IsDuplicateResponse(err error) bool {
	var dup *DuplicateResponseError
	return errors.As(err, &dup)
}

// IsAuthError reports whether err is an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
