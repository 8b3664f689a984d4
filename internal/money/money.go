// Package money implements the fixed-point arithmetic core: satoshis,
// atto-DAI, and the scaled-integer Rate/Spread types used to convert between
// them without silent precision loss.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Sentinel errors for the InvalidRate taxonomy (spec §7).
var (
	ErrNonPositive = errors.New("rate must be positive")
	ErrNonFinite   = errors.New("rate must be finite")
	ErrTooPrecise  = errors.New("rate has more digits after the decimal point than allowed")
	ErrNegative    = errors.New("amount must not be negative")
)

// Sats is a non-negative count of Bitcoin base units (10^-8 BTC).
type Sats uint64

// SatsExp is the exponent relating BTC to satoshis.
const SatsExp int32 = 8

// AttosExp is the exponent relating DAI to atto-DAI.
const AttosExp int32 = 18

// RateExpBTCToDAI and RateExpDAIToBTC are the fixed decimal exponents a Rate
// is scaled by, depending on which direction it quotes (spec.md §3): 9
// digits for a BTC->DAI (ask) rate, 6 digits for a DAI->BTC (bid) rate.
const (
	RateExpBTCToDAI int32 = 9
	RateExpDAIToBTC int32 = 6
)

// Attos is a non-negative, arbitrary-precision count of atto-DAI
// (10^-18 DAI). A plain uint64 overflows well before realistic balances do,
// so it is backed by math/big.
type Attos struct {
	v *big.Int
}

// ZeroAttos returns the zero Attos value.
func ZeroAttos() Attos { return Attos{v: big.NewInt(0)} }

// NewAttos wraps a non-negative big.Int as Attos. It copies n.
func NewAttos(n *big.Int) (Attos, error) {
	if n.Sign() < 0 {
		return Attos{}, ErrNegative
	}
	return Attos{v: new(big.Int).Set(n)}, nil
}

// Int returns the underlying integer value (a copy).
func (a Attos) Int() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.v)
}

func (a Attos) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// Add returns a+b.
func (a Attos) Add(b Attos) Attos {
	return Attos{v: new(big.Int).Add(a.Int(), b.Int())}
}

// Sub returns a-b, erroring if the result would be negative.
func (a Attos) Sub(b Attos) (Attos, error) {
	r := new(big.Int).Sub(a.Int(), b.Int())
	if r.Sign() < 0 {
		return Attos{}, ErrNegative
	}
	return Attos{v: r}, nil
}

// Cmp compares a to b as big.Int.Cmp does.
func (a Attos) Cmp(b Attos) int { return a.Int().Cmp(b.Int()) }

// IsZero reports whether a is zero.
func (a Attos) IsZero() bool { return a.Int().Sign() == 0 }

// Min returns the smaller of a and b.
func Min(a, b Attos) Attos {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// MinSats returns the smaller of a and b.
func MinSats(a, b Sats) Sats {
	if a <= b {
		return a
	}
	return b
}

// Rate is a positive rational, quote-per-base, carried as a scaled integer:
// value * 10^(-exp). Exp is fixed per direction of use (9 for BTC->DAI rates,
// 6 for DAI->BTC rates) by the caller, not by the Rate type itself — convert
// takes rate value/exp explicitly so a Rate can be inverted into the other
// direction's precision bound without re-deriving it from the type.
type Rate struct {
	value *big.Int
	exp   int32
}

// Value returns the scaled integer coefficient.
func (r Rate) Value() *big.Int {
	if r.value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(r.value)
}

// Exp returns the fixed decimal exponent the coefficient is scaled by.
func (r Rate) Exp() int32 { return r.exp }

func (r Rate) String() string {
	return fmt.Sprintf("%sE-%d", r.Value().String(), r.exp)
}

// RateFromFloat reads a decimal literal and scales it by 10^maxPrecisionDigits,
// rejecting rather than rounding if the literal's fractional part has more
// digits than maxPrecisionDigits allows. This mirrors the original
// truncate/multiple_pow_ten decomposition: the mantissa's digit count is
// checked against the bound directly on the decimal text, never delegated to
// a general-purpose rounding routine that could silently lose precision.
func RateFromFloat(f float64, maxPrecisionDigits int32) (Rate, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Rate{}, ErrNonFinite
	}
	if f <= 0 {
		return Rate{}, ErrNonPositive
	}

	intPart, fracPart, err := splitDecimal(f)
	if err != nil {
		return Rate{}, err
	}
	if int32(len(fracPart)) > maxPrecisionDigits {
		return Rate{}, ErrTooPrecise
	}

	fracPadded := fracPart + strings.Repeat("0", int(maxPrecisionDigits)-len(fracPart))
	digits := intPart + fracPadded
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Rate{}, fmt.Errorf("money: could not parse rate %q as integer", digits)
	}
	if value.Sign() <= 0 {
		return Rate{}, ErrNonPositive
	}

	return Rate{value: value, exp: maxPrecisionDigits}, nil
}

// splitDecimal renders f in its shortest round-tripping decimal form and
// splits it into integer and fractional digit strings.
func splitDecimal(f float64) (intPart, fracPart string, err error) {
	text := strconv.FormatFloat(f, 'f', -1, 64)
	dot := strings.IndexByte(text, '.')
	if dot < 0 {
		return text, "", nil
	}
	return text[:dot], text[dot+1:], nil
}

// Invert returns 1/r scaled to newExp, via integer division:
// floor(10^(exp+newExp) / value). Used to turn an ask-side rate (BTC->DAI,
// exp 9) into a bid-side divisor (DAI->BTC, exp 6) or vice versa.
func (r Rate) Invert(newExp int32) (Rate, error) {
	v := r.Value()
	if v.Sign() <= 0 {
		return Rate{}, ErrNonPositive
	}
	numerator := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.exp+newExp)), nil)
	inverted := new(big.Int).Quo(numerator, v)
	if inverted.Sign() <= 0 {
		return Rate{}, ErrNonPositive
	}
	return Rate{value: inverted, exp: newExp}, nil
}

// applySpread returns r scaled by (1+delta) for Sell-side / (1-delta) for
// Buy-side application, truncated to the same exponent as r (no extra
// precision introduced by the spread multiplication).
func (r Rate) applySpread(s Spread, add bool) Rate {
	scale := big.NewInt(int64(spreadDenominator))
	var factor *big.Int
	if add {
		factor = new(big.Int).Add(scale, big.NewInt(int64(s.bps)))
	} else {
		factor = new(big.Int).Sub(scale, big.NewInt(int64(s.bps)))
	}
	worth := new(big.Int).Mul(r.Value(), factor)
	adjusted := new(big.Int).Quo(worth, scale)
	return Rate{value: adjusted, exp: r.exp}
}

const spreadDenominator = 10_000

// Spread is a rational in [0,1], stored exactly as basis points (0..10000).
type Spread struct {
	bps uint32
}

// ErrInvalidSpread is returned when a spread is outside [0,1].
var ErrInvalidSpread = errors.New("spread must be in [0, 1]")

// NewSpreadBasisPoints constructs a Spread from a basis-point count (0..10000).
func NewSpreadBasisPoints(bps uint32) (Spread, error) {
	if bps > spreadDenominator {
		return Spread{}, ErrInvalidSpread
	}
	return Spread{bps: bps}, nil
}

// BasisPoints returns the spread's basis-point value.
func (s Spread) BasisPoints() uint32 { return s.bps }

// Apply applies the spread in the direction appropriate for side: Sell
// (asking) applies (1+spread), Buy (bidding) applies (1-spread). This
// mirrors the original spread.apply(rate, position) direction-awareness:
// the spread always moves the quote away from the mid-rate in the maker's
// favor, whichever side of the book the order sits on.
func (s Spread) Apply(mid Rate, sell bool) Rate {
	return mid.applySpread(s, sell)
}

// Convert performs convert(base_amount, base_unit_exp, rate, rate_exp,
// quote_unit_exp): pure arbitrary-precision integer arithmetic.
//
// worth = base_amount * rate_value
// delta = quote_unit_exp - rate_exp - base_unit_exp
// result = worth * 10^delta (delta >= 0, exact) or worth / 10^(-delta)
// (delta < 0, floored — the only truncation point in the whole money core,
// since all operands are non-negative so Quo's truncate-toward-zero is
// equivalent to floor).
func Convert(baseAmount *big.Int, baseUnitExp int32, rateValue *big.Int, rateExp int32, quoteUnitExp int32) (*big.Int, error) {
	if baseAmount.Sign() < 0 {
		return nil, ErrNegative
	}
	if rateValue.Sign() <= 0 {
		return nil, ErrNonPositive
	}

	worth := new(big.Int).Mul(baseAmount, rateValue)
	delta := quoteUnitExp - rateExp - baseUnitExp

	if delta >= 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(delta)), nil)
		return new(big.Int).Mul(worth, scale), nil
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-delta)), nil)
	return new(big.Int).Quo(worth, scale), nil
}

// ConvertSatsToAttos converts a Sats amount to Attos at the given BTC->DAI
// rate (exp 9 by convention).
func ConvertSatsToAttos(sats Sats, rate Rate) (Attos, error) {
	out, err := Convert(new(big.Int).SetUint64(uint64(sats)), SatsExp, rate.Value(), rate.Exp(), AttosExp)
	if err != nil {
		return Attos{}, err
	}
	return NewAttos(out)
}

// ConvertAttosToSats converts an Attos amount to Sats at the given DAI->BTC
// rate (exp 6 by convention). This is the negative-delta (quote-to-base)
// path and floors to the nearest satoshi by design.
func ConvertAttosToSats(attos Attos, rate Rate) (Sats, error) {
	out, err := Convert(attos.Int(), AttosExp, rate.Value(), rate.Exp(), SatsExp)
	if err != nil {
		return 0, err
	}
	if !out.IsUint64() {
		return 0, fmt.Errorf("money: converted sats amount %s overflows uint64", out.String())
	}
	return Sats(out.Uint64()), nil
}

// FromDaiTrunc parses a float DAI amount, truncating its fractional decimal
// string to 9 digits before scaling to attos, and rejects negatives. The
// truncation bound is 9 (not 18) because this is the boundary where a
// human- or config-supplied float enters the system; beyond 9 digits of DAI
// precision a caller is almost certainly passing a programming error, not a
// deliberate sub-cent amount, so we truncate rather than reject here (unlike
// RateFromFloat, which always rejects excess precision).
func FromDaiTrunc(f float64) (Attos, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Attos{}, ErrNonFinite
	}
	if f < 0 {
		return Attos{}, ErrNegative
	}

	const truncDigits = 9
	intPart, fracPart, err := splitDecimal(f)
	if err != nil {
		return Attos{}, err
	}
	if len(fracPart) > truncDigits {
		fracPart = fracPart[:truncDigits]
	}
	fracPadded := fracPart + strings.Repeat("0", truncDigits-len(fracPart))
	digits := intPart + fracPadded
	scaled, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Attos{}, fmt.Errorf("money: could not parse DAI amount %q", digits)
	}

	out, err := Convert(scaled, truncDigits, big.NewInt(1), 0, AttosExp)
	if err != nil {
		return Attos{}, err
	}
	return NewAttos(out)
}
