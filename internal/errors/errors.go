// Package errors holds the error taxonomy shared by the gateway, the thread
// store and the question lifecycle controller.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrCancelled is returned when a session is cancelled before it could finish.
	ErrCancelled = errors.New("query cancelled")
	// ErrPollLimit is recorded when polling gives up after the configured number of attempts.
	ErrPollLimit = errors.New("polling limit reached")
	// ErrUnauthenticated means no usable credentials are stored.
	ErrUnauthenticated = errors.New("not logged in")
)

// NetworkError is a transport or connectivity failure talking to the backend.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: backend unavailable: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx answer from the backend.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: status %d", e.Status)
	}
	return fmt.Sprintf("server error: status %d: %s", e.Status, e.Message)
}

// TaskFailed means the backend reported the task itself as failed.
type TaskFailed struct {
	Reason string
}

func (e *TaskFailed) Error() string {
	if e.Reason == "" {
		return "task failed"
	}
	return e.Reason
}

// NotFoundError references a missing thread or message.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError is raised for input the controller refuses to send.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// UserMessage turns an error into the text shown in an error banner.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "Could not reach the backend. Please try again."
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return fmt.Sprintf("Error: %d", srvErr.Status)
	}
	if errors.Is(err, ErrUnauthenticated) {
		return "Please log in first."
	}
	if errors.Is(err, ErrPollLimit) {
		return "The query took too long to finish."
	}
	return err.Error()
}
