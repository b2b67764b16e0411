package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for driver operations.
var (
	// ErrNotFound indicates the requested object or folder does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable indicates the backend service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the backend.
	ErrThrottled = errors.New("request throttled")

	// ErrUnsupported indicates the driver does not implement the operation.
	ErrUnsupported = errors.New("operation not supported")

	// ErrUnknownType indicates a provider type with no registration.
	// This is a configuration bug, not a runtime condition to recover from.
	ErrUnknownType = errors.New("unknown provider type")
)

// DriverError wraps backend-specific errors with context.
type DriverError struct {
	// Op is the operation that failed (e.g., "PutObject", "TestConnection").
	Op string

	// Type is the provider type (e.g., "s3").
	Type Type

	// RemoteID is the object or folder remote ID, if applicable.
	RemoteID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	if e.RemoteID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Type, e.Op, e.RemoteID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Type, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DriverError) Unwrap() error {
	return e.Err
}

// ValidationError reports submitted provider config that does not match the
// registration's schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config field %q: %s", e.Field, e.Reason)
}

// IsNotFound returns true if the error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsUnsupported returns true if the driver does not implement the operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
