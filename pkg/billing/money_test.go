package billing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeMoneyRoundsToScale(test *testing.T) {
	test.Parallel()
	cases := map[string]string{
		"1.2345678":  "1.234568",
		"1.2345674":  "1.234567",
		"-0.0000004": "0",
		"3":          "3",
	}
	for raw, want := range cases {
		got := NormalizeMoney(mustMoney(test, raw))
		assertMoney(test, "normalize "+raw, got, want)
	}
}

func TestMoneyFromFloatRejectsNonFinite(test *testing.T) {
	test.Parallel()
	if _, ok := MoneyFromFloat(math.NaN()); ok {
		test.Fatalf("expected NaN to be rejected")
	}
	if _, ok := MoneyFromFloat(math.Inf(1)); ok {
		test.Fatalf("expected +Inf to be rejected")
	}
	amount, ok := MoneyFromFloat(0.1 + 0.2)
	if !ok {
		test.Fatalf("expected a finite float to convert")
	}
	assertMoney(test, "float artifact", amount, "0.3")
}

func TestMoneyEqualAbsorbsEpsilon(test *testing.T) {
	test.Parallel()
	left := mustMoney(test, "0.3")
	right := mustMoney(test, "0.300000002")
	if !MoneyEqual(left, left) {
		test.Fatalf("expected identical amounts to be equal")
	}
	if MoneyEqual(left, right) {
		test.Fatalf("expected amounts apart beyond epsilon to differ")
	}
	within := left.Add(decimal.New(1, -10))
	if !MoneyEqual(left, within) {
		test.Fatalf("expected amounts within epsilon to be equal")
	}
}

func TestMoneyExceedsBoundary(test *testing.T) {
	test.Parallel()
	base := mustMoney(test, "3")
	if MoneyExceeds(base, base) {
		test.Fatalf("an amount does not exceed itself")
	}
	if MoneyExceeds(base.Add(decimal.New(1, -9)), base) {
		test.Fatalf("a difference of exactly epsilon does not exceed")
	}
	if !MoneyExceeds(base.Add(decimal.New(2, -9)), base) {
		test.Fatalf("a difference beyond epsilon exceeds")
	}
}

func TestIsPositiveMoney(test *testing.T) {
	test.Parallel()
	if IsPositiveMoney(decimal.Zero) || IsPositiveMoney(mustMoney(test, "-1")) {
		test.Fatalf("zero and negative amounts are not positive")
	}
	if !IsPositiveMoney(mustMoney(test, "0.000001")) {
		test.Fatalf("one scale unit is positive")
	}
}
