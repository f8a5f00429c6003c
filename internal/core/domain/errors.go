package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates authentication failed or missing
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired indicates an admin API token is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrConnectorNotFound indicates no connector is registered under the given id
	ErrConnectorNotFound = errors.New("connector not found")

	// ErrMissingTarget indicates the remote collection referenced by an end no longer exists
	ErrMissingTarget = errors.New("missing target")

	// ErrTimeout indicates a bounded wait expired (worker pool, queue, remote call)
	ErrTimeout = errors.New("timeout")

	// ErrConflict indicates an optimistic-concurrency check failed on update
	ErrConflict = errors.New("change token conflict")

	// ErrTransient indicates a retryable remote failure
	ErrTransient = errors.New("transient failure")

	// ErrReadOnly indicates a write was attempted against a read-only connector
	ErrReadOnly = errors.New("read only")

	// ErrStopping indicates the engine is not accepting work
	ErrStopping = errors.New("engine stopping")

	// ErrQueueFull indicates the notification queue stayed full for the whole offer timeout
	ErrQueueFull = errors.New("notification queue full")

	// ErrUnsupported indicates the action is not supported
	ErrUnsupported = errors.New("unsupported")
)

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrQueueFull)
}
