package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeValidationFailed ErrorCode = 1001
	ErrCodeMissingRecordID  ErrorCode = 1002
	ErrCodeUnknownCategory  ErrorCode = 1003
	ErrCodeUnauthenticated  ErrorCode = 1100

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeNetwork             ErrorCode = 2001
	ErrCodeStorage             ErrorCode = 2002
	ErrCodeCorruptedData       ErrorCode = 2003
	ErrCodeConsistency         ErrorCode = 2004
	ErrCodeMigrationDependency ErrorCode = 2100
	ErrCodeMigrationFailed     ErrorCode = 2101
	ErrCodeMigrationInProgress ErrorCode = 2102
	ErrCodeBreakingMigration   ErrorCode = 2103
)

// Kind groups error codes into the failure classes callers branch on
type Kind string

const (
	KindNetwork     Kind = "network"
	KindStorage     Kind = "storage"
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindConsistency Kind = "consistency"
	KindMigration   Kind = "migration"
	KindInternal    Kind = "internal"
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Kind returns the failure class of the error
func (e *SyncError) Kind() Kind {
	switch e.Code {
	case ErrCodeNetwork:
		return KindNetwork
	case ErrCodeStorage, ErrCodeCorruptedData:
		return KindStorage
	case ErrCodeInvalidArgument, ErrCodeValidationFailed, ErrCodeMissingRecordID, ErrCodeUnknownCategory:
		return KindValidation
	case ErrCodeUnauthenticated:
		return KindAuth
	case ErrCodeConsistency:
		return KindConsistency
	case ErrCodeMigrationDependency, ErrCodeMigrationFailed, ErrCodeMigrationInProgress, ErrCodeBreakingMigration:
		return KindMigration
	default:
		return KindInternal
	}
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeValidationFailed, ErrCodeMissingRecordID, ErrCodeUnknownCategory:
		return codes.InvalidArgument
	case ErrCodeUnauthenticated:
		return codes.Unauthenticated
	case ErrCodeNetwork:
		return codes.Unavailable
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeMigrationInProgress:
		return codes.Aborted
	case ErrCodeBreakingMigration, ErrCodeMigrationDependency:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func ValidationFailed(field, reason string) *SyncError {
	return NewSyncError(ErrCodeValidationFailed, fmt.Sprintf("invalid %s: %s", field, reason), nil).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func MissingRecordID(table, operation string) *SyncError {
	return NewSyncError(ErrCodeMissingRecordID, fmt.Sprintf("%s on %s requires an id in the payload", operation, table), nil).
		WithDetail("table", table).
		WithDetail("operation", operation)
}

func UnknownCategory(category string) *SyncError {
	return NewSyncError(ErrCodeUnknownCategory, fmt.Sprintf("unknown cache category '%s'", category), nil).
		WithDetail("category", category)
}

func Unauthenticated(reason string, cause error) *SyncError {
	return NewSyncError(ErrCodeUnauthenticated, fmt.Sprintf("no authenticated user: %s", reason), cause).
		WithDetail("reason", reason)
}

func NetworkFailure(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeNetwork, message, cause)
}

func StorageFailure(key string, cause error) *SyncError {
	return NewSyncError(ErrCodeStorage, fmt.Sprintf("storage operation failed for key '%s'", key), cause).
		WithDetail("key", key)
}

func CorruptedData(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeCorruptedData, message, cause)
}

func ConsistencyViolation(category string, local, remote int64) *SyncError {
	return NewSyncError(ErrCodeConsistency, fmt.Sprintf("%s diverged: local %d, remote %d", category, local, remote), nil).
		WithDetail("category", category).
		WithDetail("local", local).
		WithDetail("remote", remote)
}

func MigrationDependency(version, dependency int) *SyncError {
	return NewSyncError(ErrCodeMigrationDependency, fmt.Sprintf("migration %d depends on %d which has not completed", version, dependency), nil).
		WithDetail("version", version).
		WithDetail("dependency", dependency)
}

func MigrationFailed(version int, name string, cause error) *SyncError {
	return NewSyncError(ErrCodeMigrationFailed, fmt.Sprintf("migration %d (%s) failed", version, name), cause).
		WithDetail("version", version).
		WithDetail("name", name)
}

func MigrationInProgress() *SyncError {
	return NewSyncError(ErrCodeMigrationInProgress, "migrations are already running", nil)
}

func BreakingMigrationRequiresConfirmation(versions []int) *SyncError {
	return NewSyncError(ErrCodeBreakingMigration, fmt.Sprintf("breaking migrations %v require confirmation", versions), nil).
		WithDetail("versions", versions)
}

func Internal(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// IsSyncError checks if an error is or wraps a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// GetKind extracts the failure class from an error
func GetKind(err error) Kind {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Kind()
	}
	return KindInternal
}
