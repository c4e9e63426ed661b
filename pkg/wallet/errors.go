package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrInsufficientPaidBalance  = errors.New("insufficient paid balance")
	ErrInsufficientPromoBalance = errors.New("insufficient promo balance")
	ErrWalletNotFound           = errors.New("wallet not found")
	ErrEntryNotFound            = errors.New("entry not found")
	ErrDuplicateIdempotencyKey  = errors.New("duplicate idempotency key")
	ErrMissingSourceID          = errors.New("source has no event id or order id")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidEntryKind         = errors.New("invalid entry kind")
	ErrInvalidEntryStatus       = errors.New("invalid entry status")
	ErrInvalidBucket            = errors.New("invalid bucket")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
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
