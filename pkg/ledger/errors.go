package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrDuplicateEntry            = errors.New("duplicate ledger entry")
	ErrDuplicateReceipt          = errors.New("duplicate receipt")
	ErrConcurrentModification    = errors.New("concurrent modification")
	ErrTemporarilyUnavailable    = errors.New("temporarily unavailable")
	ErrAccountNotFound           = errors.New("account not found")
	ErrAccountArchived           = errors.New("account archived")
	ErrEntryNotFound             = errors.New("ledger entry not found")
	ErrReceiptNotFound           = errors.New("receipt not found")
	ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")
	ErrCheckpointNotFound        = errors.New("reconcile checkpoint not found")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidAccountID          = errors.New("invalid account id")
	ErrInvalidRequestID          = errors.New("invalid request id")
	ErrInvalidTokenAmount        = errors.New("invalid token amount")
	ErrInvalidAction             = errors.New("invalid action")
	ErrInvalidSource             = errors.New("invalid source")
	ErrInvalidPlatform           = errors.New("invalid platform")
	ErrInvalidTier               = errors.New("invalid tier")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
