package andrzej

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable wraps any failure of the local database
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRemote matches every *RemoteError
	ErrRemote = errors.New("remote error")

	// ErrMalformedResponse is returned when a remote API answers with a
	// body that isn't JSON, or is missing required fields
	ErrMalformedResponse = errors.New("malformed response")

	ErrInvalidRole = errors.New("invalid role")
)

// RemoteError is returned when a remote API responds with a non-2xx
// status, or explicitly reports an error in its response body.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote error: status %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func malformedError(reason string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMalformedResponse, reason)
	}
	return fmt.Errorf("%w: %s: %w", ErrMalformedResponse, reason, err)
}
