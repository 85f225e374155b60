package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Custom error types
var (
	// ErrValidation is returned when input validation fails
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a requested resource is not found
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when there's a conflict with existing data
	ErrConflict = errors.New("conflict")

	// ErrDatabase is returned when there's a database operation error
	ErrDatabase = errors.New("database error")

	// ErrConfiguration is returned for fatal, non-retryable setup errors such as
	// an out of range advisory lock key
	ErrConfiguration = errors.New("configuration error")

	// ErrDestructiveChangeBlocked is returned when a plan drops data and the
	// destructive toggle is not set
	ErrDestructiveChangeBlocked = errors.New("destructive change blocked")

	// ErrDDLExecution is returned when the database rejects a generated statement
	ErrDDLExecution = errors.New("ddl execution failed")

	// ErrLockAcquisition is returned when the lock primitive is unavailable
	ErrLockAcquisition = errors.New("lock acquisition failed")

	// ErrLockTimeout is returned when a bounded lock wait expires
	ErrLockTimeout = errors.New("lock timeout")

	// ErrUnsupportedChange is returned when a schema change cannot be expressed
	// by the target dialect
	ErrUnsupportedChange = errors.New("unsupported schema change")
)

// ValidationError represents an error that occurs during input validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError represents an error when a resource is not found
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s with ID '%s' not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError represents an error when there's a conflict with existing data
type ConflictError struct {
	Resource string
	Field    string
	Value    string
}

func (e *ConflictError) Error() string {
	if e.Field != "" && e.Value != "" {
		return fmt.Sprintf("%s already exists with %s='%s'", e.Resource, e.Field, e.Value)
	}
	return fmt.Sprintf("%s already exists", e.Resource)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// DatabaseError represents an error that occurs during database operations
type DatabaseError struct {
	Operation string
	Cause     error
}

func (e *DatabaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("database error during %s: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("database error during %s", e.Operation)
}

func (e *DatabaseError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrDatabase}
	}
	return []error{ErrDatabase, e.Cause}
}

// ConfigurationError is fatal and never retried.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Setting != "" {
		return fmt.Sprintf("configuration error on '%s': %s", e.Setting, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// DestructiveChangeBlockedError lists the operations that would discard data.
type DestructiveChangeBlockedError struct {
	Plugin     string
	Operations []string
}

func (e *DestructiveChangeBlockedError) Error() string {
	return fmt.Sprintf("destructive change blocked for plugin '%s' (set ALLOW_DESTRUCTIVE_MIGRATIONS=true to apply): %s",
		e.Plugin, strings.Join(e.Operations, "; "))
}

func (e *DestructiveChangeBlockedError) Unwrap() error {
	return ErrDestructiveChangeBlocked
}

// DDLExecutionError carries the statement the database rejected.
type DDLExecutionError struct {
	Plugin    string
	Statement string
	Cause     error
}

func (e *DDLExecutionError) Error() string {
	return fmt.Sprintf("plugin '%s': statement failed: %s: %v", e.Plugin, e.Statement, e.Cause)
}

func (e *DDLExecutionError) Unwrap() []error {
	return []error{ErrDDLExecution, e.Cause}
}

// LockAcquisitionError reports a lock primitive that could not be used.
// Unsupported is set when the backend lacks the primitive entirely.
type LockAcquisitionError struct {
	Key         int64
	Unsupported bool
	Cause       error
}

func (e *LockAcquisitionError) Error() string {
	if e.Unsupported {
		return fmt.Sprintf("advisory lock %d unsupported by backend: %v", e.Key, e.Cause)
	}
	return fmt.Sprintf("advisory lock %d: %v", e.Key, e.Cause)
}

func (e *LockAcquisitionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrLockAcquisition}
	}
	return []error{ErrLockAcquisition, e.Cause}
}

// LockTimeoutError is returned when the configured lock wait elapses.
type LockTimeoutError struct {
	Plugin  string
	Key     int64
	Timeout string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for migration lock %d (plugin '%s')", e.Timeout, e.Key, e.Plugin)
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// UnsupportedChangeError describes a schema change the dialect cannot apply.
type UnsupportedChangeError struct {
	Dialect string
	Change  string
}

func (e *UnsupportedChangeError) Error() string {
	if e.Dialect != "" {
		return fmt.Sprintf("unsupported schema change for %s: %s", e.Dialect, e.Change)
	}
	return fmt.Sprintf("unsupported schema change: %s", e.Change)
}

func (e *UnsupportedChangeError) Unwrap() error {
	return ErrUnsupportedChange
}

// Error wrapping functions

// WrapValidationError wraps an error as a validation error
func WrapValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// WrapNotFoundError wraps an error as a not found error
func WrapNotFoundError(resource, id string) error {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// WrapConflictError wraps an error as a conflict error
func WrapConflictError(resource, field, value string) error {
	return &ConflictError{
		Resource: resource,
		Field:    field,
		Value:    value,
	}
}

// WrapDatabaseError wraps an error as a database error
func WrapDatabaseError(operation string, cause error) error {
	return &DatabaseError{
		Operation: operation,
		Cause:     cause,
	}
}

// Error checking functions

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsDatabaseError checks if an error is a database error
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsDestructiveChangeBlocked checks if a migration was rejected by the destructive gate
func IsDestructiveChangeBlocked(err error) bool {
	return errors.Is(err, ErrDestructiveChangeBlocked)
}

// IsDDLExecutionError checks if the database rejected a generated statement
func IsDDLExecutionError(err error) bool {
	return errors.Is(err, ErrDDLExecution)
}

// IsLockTimeout checks if a bounded lock wait expired
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsUnsupportedChange checks if a schema change is not expressible
func IsUnsupportedChange(err error) bool {
	return errors.Is(err, ErrUnsupportedChange)
}

// IsRetryable reports whether a caller may retry the failed operation.
// Configuration, validation, destructive and unsupported errors need a change
// in input or environment first.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case IsConfigurationError(err), IsValidationError(err),
		IsDestructiveChangeBlocked(err), IsUnsupportedChange(err), IsConflictError(err):
		return false
	case IsLockTimeout(err):
		return true
	}
	var lockErr *LockAcquisitionError
	if errors.As(err, &lockErr) {
		return !lockErr.Unsupported
	}
	return IsDDLExecutionError(err) || IsDatabaseError(err)
}

// Helper function to create a validation error for required fields
func RequiredFieldError(field string) error {
	return WrapValidationError(field, "field is required")
}

// Helper function to create a validation error for invalid field values
func InvalidFieldError(field, reason string) error {
	return WrapValidationError(field, reason)
}

// ErrorKind names the class of err for API and tool responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsDestructiveChangeBlocked(err):
		return "destructive_change_blocked"
	case IsUnsupportedChange(err):
		return "unsupported_change"
	case IsDDLExecutionError(err):
		return "ddl_execution"
	case IsLockTimeout(err):
		return "lock_timeout"
	case errors.Is(err, ErrLockAcquisition):
		return "lock_acquisition"
	case IsValidationError(err):
		return "validation"
	case IsNotFoundError(err):
		return "not_found"
	case IsConflictError(err):
		return "conflict"
	case IsConfigurationError(err):
		return "configuration"
	case IsDatabaseError(err):
		return "database"
	default:
		return "internal"
	}
}
