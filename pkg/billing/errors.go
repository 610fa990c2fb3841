package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain-level error values returned by the billing ledger.
var (
	ErrUnknownFreeze           = errors.New("unknown freeze record")
	ErrFreezeNotPending        = errors.New("freeze is not pending")
	ErrFreezeAlreadyConfirmed  = errors.New("freeze already confirmed")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidChargedAmount    = errors.New("invalid charged amount")
	ErrInvalidDelta            = errors.New("invalid freeze delta")
	ErrInvalidProject          = errors.New("project not found for billing")
	ErrUnknownModelPricing     = errors.New("unknown model pricing")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidFreezeID         = errors.New("invalid freeze id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidFreezeStatus     = errors.New("invalid freeze status")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidBillingStatus    = errors.New("invalid billing status")
	ErrInvalidBillingMode      = errors.New("invalid billing mode")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrBillingInfoMissing      = errors.New("billing info missing for billable task")
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

// InsufficientBalanceError reports a failed reservation with the
// amounts needed for user-facing messaging.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

// Error returns the formatted error message.
func (insufficient *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s",
		insufficient.Required.String(), insufficient.Available.String())
}

// IsInsufficientBalance reports whether err is an insufficient-balance failure.
func IsInsufficientBalance(err error) bool {
	var insufficient *InsufficientBalanceError
	return errors.As(err, &insufficient)
}
