package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultMinorUnits is the rounding precision applied when a currency does not
// declare its own minor unit. USD-like currencies use two decimal places.
const DefaultMinorUnits int32 = 2

var (
	// ErrInvalidAmount marks non-positive gross amounts.
	ErrInvalidAmount = errors.New("fees: gross amount must be positive")
	// ErrInvalidPercent marks fee percentages outside the [0, 100] range.
	ErrInvalidPercent = errors.New("fees: fee percent out of range")
	// ErrReconciliation marks a computed breakdown whose parts do not sum back
	// to the gross amount. This is an internal consistency failure, not a
	// caller error.
	ErrReconciliation = errors.New("fees: breakdown does not reconcile with gross amount")
)

var hundred = decimal.NewFromInt(100)

// Input carries the contract fee configuration evaluated against a gross
// amount. Percentages are expressed on a 0-100 scale. SecureModePercent is
// only applied when SecureMode is set.
type Input struct {
	Gross              decimal.Decimal
	PlatformFeePercent decimal.Decimal
	SecureMode         bool
	SecureModePercent  decimal.Decimal
	ProcessingPercent  decimal.Decimal
	MinorUnits         int32
}

// Calculation is the immutable fee breakdown for a single transaction. The
// stored fields must always satisfy
// PlatformFee + SecureModeAmount + NetAmount == Gross and
// TotalCharge == Gross + ProcessingFee.
type Calculation struct {
	Gross            decimal.Decimal
	PlatformFee      decimal.Decimal
	SecureModeAmount decimal.Decimal
	ProcessingFee    decimal.Decimal
	NetAmount        decimal.Decimal
	TotalCharge      decimal.Decimal
}

// Compute evaluates the fee breakdown for the supplied input. Every
// intermediate value is rounded half-up to the currency minor unit before the
// next step so the persisted fields always reconcile exactly; deferring the
// rounding to the end would let sub-minor-unit drift accumulate across the
// breakdown. The function is pure.
func Compute(input Input) (Calculation, error) {
	if input.Gross.Sign() <= 0 {
		return Calculation{}, ErrInvalidAmount
	}
	for _, pct := range []decimal.Decimal{input.PlatformFeePercent, input.SecureModePercent, input.ProcessingPercent} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return Calculation{}, fmt.Errorf("%w: %s", ErrInvalidPercent, pct.String())
		}
	}
	places := input.MinorUnits
	if places <= 0 {
		places = DefaultMinorUnits
	}

	gross := input.Gross.Round(places)
	calc := Calculation{
		Gross:            gross,
		PlatformFee:      percentOf(gross, input.PlatformFeePercent, places),
		SecureModeAmount: decimal.Zero,
		ProcessingFee:    percentOf(gross, input.ProcessingPercent, places),
	}
	if input.SecureMode {
		calc.SecureModeAmount = percentOf(gross, input.SecureModePercent, places)
	}
	calc.NetAmount = gross.Sub(calc.PlatformFee).Sub(calc.SecureModeAmount)
	calc.TotalCharge = gross.Add(calc.ProcessingFee)
	if err := calc.Reconcile(); err != nil {
		return Calculation{}, err
	}
	return calc, nil
}

// Reconcile verifies the breakdown still sums exactly to the gross amount. A
// failure indicates corrupted fee state and must abort the surrounding
// operation rather than surface to the caller as recoverable.
func (c Calculation) Reconcile() error {
	if !c.PlatformFee.Add(c.SecureModeAmount).Add(c.NetAmount).Equal(c.Gross) {
		return fmt.Errorf("%w: platform %s + secure %s + net %s != gross %s",
			ErrReconciliation, c.PlatformFee, c.SecureModeAmount, c.NetAmount, c.Gross)
	}
	if !c.TotalCharge.Sub(c.ProcessingFee).Equal(c.Gross) {
		return fmt.Errorf("%w: charge %s - processing %s != gross %s",
			ErrReconciliation, c.TotalCharge, c.ProcessingFee, c.Gross)
	}
	return nil
}

// percentOf computes amount * pct / 100 rounded half-up to the supplied number
// of decimal places.
func percentOf(amount, pct decimal.Decimal, places int32) decimal.Decimal {
	if pct.Sign() == 0 {
		return decimal.Zero
	}
	return amount.Mul(pct).Div(hundred).Round(places)
}
