package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount bounds match the NUMERIC(78, 18) columns amounts are stored in.
const (
	MaxAmountScale         = 18
	MaxAmountIntegerDigits = 60

	// A coefficient longer than this many bits has more than
	// MaxAmountIntegerDigits+MaxAmountScale decimal digits.
	maxCoefficientBits = 260
)

// CheckAmountRange reports whether amount fits the stored precision. It
// inspects only the exponent and coefficient, so an amount such as
// 1e400000000 is rejected without being expanded or formatted. The sign is
// not checked.
func CheckAmountRange(amount decimal.Decimal) error {
	if amount.Sign() == 0 {
		return nil
	}
	exp := int64(amount.Exponent())
	if exp < -MaxAmountScale {
		return fmt.Errorf("amount has more than %d decimals", MaxAmountScale)
	}
	if exp > MaxAmountIntegerDigits {
		return fmt.Errorf("amount exceeds %d integer digits", MaxAmountIntegerDigits)
	}
	coef := amount.Coefficient()
	if coef.BitLen() > maxCoefficientBits {
		return fmt.Errorf("amount exceeds %d integer digits", MaxAmountIntegerDigits)
	}
	digits := int64(len(coef.Text(10)))
	if coef.Sign() < 0 {
		digits--
	}
	if digits+exp > MaxAmountIntegerDigits {
		return fmt.Errorf("amount exceeds %d integer digits", MaxAmountIntegerDigits)
	}
	return nil
}
