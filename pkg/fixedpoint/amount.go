// Package fixedpoint is the sole authority for moving between raw token
// amounts at native decimals and the pipeline's fixed-point representation.
// Every financial quantity in the system is an Amount; binary floating-point
// never appears on the financial path.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// MaxDecimals bounds the decimals field on every wire amount.
	MaxDecimals = 30

	// USDDecimals is the fixed-point scale for USD-denominated values in
	// signals (10^8).
	USDDecimals = 8
)

var (
	ErrDecimalsRange  = errors.New("fixedpoint: decimals out of range")
	ErrAmountRange    = errors.New("fixedpoint: value outside i128 range")
	ErrPrecisionLoss  = errors.New("fixedpoint: rescale would lose precision")
	ErrMalformedValue = errors.New("fixedpoint: malformed decimal string")
)

// i128 bounds enforced at the wire boundary.
var (
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

var pow10Table = func() []*big.Int {
	t := make([]*big.Int, MaxDecimals+1)
	t[0] = big.NewInt(1)
	for i := 1; i <= MaxDecimals; i++ {
		t[i] = new(big.Int).Mul(t[i-1], big.NewInt(10))
	}
	return t
}()

// Pow10 returns 10^n for n in [0, MaxDecimals]. The returned value must not
// be mutated.
func Pow10(n uint8) *big.Int {
	return pow10Table[n]
}

// Amount is a signed fixed-point quantity: an integer value interpreted at a
// decimal scale. The zero value is 0 at 0 decimals.
type Amount struct {
	value    *big.Int
	decimals uint8
}

// New builds an Amount from a raw integer value at the given decimals. The
// value is copied. Fails when decimals exceed MaxDecimals or the value does
// not fit the wire's i128 range.
func New(value *big.Int, decimals uint8) (Amount, error) {
	if decimals > MaxDecimals {
		return Amount{}, fmt.Errorf("%w: %d", ErrDecimalsRange, decimals)
	}
	if value == nil {
		return Amount{value: new(big.Int), decimals: decimals}, nil
	}
	if value.Cmp(maxI128) > 0 || value.Cmp(minI128) < 0 {
		return Amount{}, fmt.Errorf("%w: %s", ErrAmountRange, value.String())
	}
	return Amount{value: new(big.Int).Set(value), decimals: decimals}, nil
}

// MustNew is New for values known valid at compile time (tests, constants).
func MustNew(value *big.Int, decimals uint8) Amount {
	a, err := New(value, decimals)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt64 builds an Amount from an int64 raw value.
func FromInt64(value int64, decimals uint8) Amount {
	a, _ := New(big.NewInt(value), decimals)
	return a
}

// Zero returns 0 at the given decimals.
func Zero(decimals uint8) Amount {
	return Amount{value: new(big.Int), decimals: decimals}
}

// Value returns a copy of the raw integer value.
func (a Amount) Value() *big.Int {
	if a.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.value)
}

// Decimals returns the decimal scale.
func (a Amount) Decimals() uint8 { return a.decimals }

// Sign returns -1, 0, or +1.
func (a Amount) Sign() int {
	if a.value == nil {
		return 0
	}
	return a.value.Sign()
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Sign() == 0 }

// Cmp compares two amounts of the same scale. Panics on scale mismatch:
// comparing across scales without an explicit rescale is always a bug.
func (a Amount) Cmp(b Amount) int {
	if a.decimals != b.decimals {
		panic(fmt.Sprintf("fixedpoint: cmp across scales %d vs %d", a.decimals, b.decimals))
	}
	return a.Value().Cmp(b.Value())
}

// Add returns a+b. Both operands must share a scale.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, fmt.Errorf("fixedpoint: add across scales %d vs %d", a.decimals, b.decimals)
	}
	return New(new(big.Int).Add(a.Value(), b.Value()), a.decimals)
}

// Sub returns a-b. Both operands must share a scale.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, fmt.Errorf("fixedpoint: sub across scales %d vs %d", a.decimals, b.decimals)
	}
	return New(new(big.Int).Sub(a.Value(), b.Value()), a.decimals)
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	out, _ := New(new(big.Int).Neg(a.Value()), a.decimals)
	return out
}

// Rescale converts the amount to a different decimal scale. Scaling up is
// always exact; scaling down truncates toward zero, as integer division does
// everywhere in the pipeline.
func (a Amount) Rescale(to uint8) (Amount, error) {
	if to > MaxDecimals {
		return Amount{}, fmt.Errorf("%w: %d", ErrDecimalsRange, to)
	}
	v := a.Value()
	switch {
	case to == a.decimals:
		return New(v, to)
	case to > a.decimals:
		v.Mul(v, Pow10(to-a.decimals))
	default:
		v.Quo(v, Pow10(a.decimals-to))
	}
	return New(v, to)
}

// RescaleExact converts scales and fails with ErrPrecisionLoss if any
// nonzero digits would be truncated. Round-tripping raw -> fixed -> raw
// through RescaleExact is exact by construction.
func (a Amount) RescaleExact(to uint8) (Amount, error) {
	if to >= a.decimals {
		return a.Rescale(to)
	}
	q, r := new(big.Int).QuoRem(a.Value(), Pow10(a.decimals-to), new(big.Int))
	if r.Sign() != 0 {
		return Amount{}, fmt.Errorf("%w: %s at %d -> %d", ErrPrecisionLoss, a.value.String(), a.decimals, to)
	}
	return New(q, to)
}

// MulBigInt returns a scaled by an integer factor, keeping the scale.
func (a Amount) MulBigInt(k *big.Int) (Amount, error) {
	return New(new(big.Int).Mul(a.Value(), k), a.decimals)
}

// Parse converts a decimal string (as CEX feeds deliver prices) into an
// Amount at the requested scale without ever passing through floating point.
// Excess fractional digits are rejected rather than silently rounded.
func Parse(s string, decimals uint8) (Amount, error) {
	if decimals > MaxDecimals {
		return Amount{}, fmt.Errorf("%w: %d", ErrDecimalsRange, decimals)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrMalformedValue
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return Amount{}, ErrMalformedValue
	}
	if intPart == "" {
		intPart = "0"
	}
	// Trailing zeros carry no precision.
	fracPart = strings.TrimRight(fracPart, "0")
	if len(fracPart) > int(decimals) {
		return Amount{}, fmt.Errorf("%w: %q has %d fractional digits, scale is %d",
			ErrPrecisionLoss, s, len(fracPart), decimals)
	}
	digits := intPart + fracPart + strings.Repeat("0", int(decimals)-len(fracPart))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrMalformedValue, s)
	}
	if neg {
		v.Neg(v)
	}
	return New(v, decimals)
}

// String renders the amount as a plain decimal string. Rendering for the
// dashboard goes through the bridge; this form is for logs and errors.
func (a Amount) String() string {
	v := a.Value()
	neg := v.Sign() < 0
	if neg {
		v.Neg(v)
	}
	q, r := new(big.Int).QuoRem(v, Pow10(a.decimals), new(big.Int))
	out := q.String()
	if a.decimals > 0 {
		frac := r.String()
		out += "." + strings.Repeat("0", int(a.decimals)-len(frac)) + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// FitsI128 reports whether a raw big.Int is representable on the wire.
func FitsI128(v *big.Int) bool {
	return v != nil && v.Cmp(maxI128) <= 0 && v.Cmp(minI128) >= 0
}
