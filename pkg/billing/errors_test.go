package billing

import (
	"errors"
	"testing"
)

func TestWrapErrorNilPassthrough(test *testing.T) {
	test.Parallel()
	if WrapError("freeze", "amount", "invalid", nil) != nil {
		test.Fatalf("expected nil wrap of nil error")
	}
}

func TestOperationErrorExposesSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("confirm", "freeze", "not_pending", ErrFreezeNotPending)
	if !errors.Is(wrapped, ErrFreezeNotPending) {
		test.Fatalf("expected unwrap to reach the sentinel, got %v", wrapped)
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected an OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "confirm" || operationError.Subject() != "freeze" || operationError.Code() != "not_pending" {
		test.Fatalf("unexpected segments: %s.%s.%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	expected := "confirm.freeze.not_pending: freeze is not pending"
	if wrapped.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrapped.Error())
	}
}

func TestIsInsufficientBalance(test *testing.T) {
	test.Parallel()
	err := &InsufficientBalanceError{Required: mustMoney(test, "3"), Available: mustMoney(test, "1")}
	if !IsInsufficientBalance(err) {
		test.Fatalf("expected the typed error to match")
	}
	if IsInsufficientBalance(ErrFreezeNotPending) {
		test.Fatalf("expected sentinel errors not to match")
	}
	expected := "insufficient balance: required 3, available 1"
	if err.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, err.Error())
	}
}
