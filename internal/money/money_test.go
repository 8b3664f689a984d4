package money

import (
	"math"
	"math/big"
	"testing"
)

func TestRateFromFloatBoundaries(t *testing.T) {
	cases := []struct {
		name string
		f    float64
		want error
	}{
		{"too_small_to_represent", 1e-10, ErrTooPrecise}, // floors below the 9-digit precision bound
		{"infinite", math.Inf(1), ErrNonFinite},
		{"negative", -1.0, ErrNonPositive},
		{"nan", math.NaN(), ErrNonFinite},
		{"zero", 0.0, ErrNonPositive},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := RateFromFloat(c.f, RateExpBTCToDAI)
			if c.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.want != nil && err != c.want {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
}

func TestRateFromFloatRejectsTooPrecise(t *testing.T) {
	_, err := RateFromFloat(10000.1234567891, RateExpBTCToDAI) // 10 digits after decimal point
	if err != ErrTooPrecise {
		t.Fatalf("expected ErrTooPrecise, got %v", err)
	}
}

func TestRateFromFloatExactValue(t *testing.T) {
	r, err := RateFromFloat(10000.0, RateExpBTCToDAI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(10000), new(big.Int).Exp(big.NewInt(10), big.NewInt(9), nil))
	if r.Value().Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, r.Value())
	}
}

func TestFromDaiTrunc(t *testing.T) {
	a, err := FromDaiTrunc(1.555555555)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := new(big.Int).SetString("1555555555000000000", 10)
	if a.Int().Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, a.Int())
	}
}

func TestFromDaiTruncRejectsNegative(t *testing.T) {
	if _, err := FromDaiTrunc(-1.0); err != ErrNegative {
		t.Fatalf("expected ErrNegative, got %v", err)
	}
}

func TestFromDaiTruncTruncatesExcessDigits(t *testing.T) {
	a, err := FromDaiTrunc(1.1234567899) // 10 digits, truncated to 9
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := new(big.Int).SetString("1123456789000000000", 10)
	if a.Int().Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, a.Int())
	}
}

func TestConvertRoundTrip(t *testing.T) {
	rate, err := RateFromFloat(10000.0, RateExpBTCToDAI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	oneBTC := big.NewInt(100_000_000) // 1 BTC in sats
	dai, err := Convert(oneBTC, SatsExp, rate.Value(), rate.Exp(), AttosExp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantDai := new(big.Int).Mul(big.NewInt(10000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if dai.Cmp(wantDai) != 0 {
		t.Fatalf("expected %s attos, got %s", wantDai, dai)
	}

	inverse, err := rate.Invert(RateExpDAIToBTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	daiAttos, _ := NewAttos(dai)
	backToSats, err := ConvertAttosToSats(daiAttos, inverse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Round-trip should land within one satoshi of the original amount.
	diff := int64(backToSats) - oneBTC.Int64()
	if diff < -1 || diff > 1 {
		t.Errorf("round trip drifted by %d sats", diff)
	}
}

func TestConvertNegativeBaseAmountRejected(t *testing.T) {
	rate, _ := RateFromFloat(1.0, RateExpBTCToDAI)
	_, err := Convert(big.NewInt(-1), SatsExp, rate.Value(), rate.Exp(), AttosExp)
	if err != ErrNegative {
		t.Fatalf("expected ErrNegative, got %v", err)
	}
}

func TestSpreadApplyDirection(t *testing.T) {
	rate, _ := RateFromFloat(10000.0, RateExpBTCToDAI)
	spread, _ := NewSpreadBasisPoints(300) // 3%

	ask := spread.Apply(rate, true)
	bid := spread.Apply(rate, false)

	if ask.Value().Cmp(rate.Value()) <= 0 {
		t.Error("expected ask rate to be above mid rate")
	}
	if bid.Value().Cmp(rate.Value()) >= 0 {
		t.Error("expected bid rate to be below mid rate")
	}
}

func TestNewSpreadBasisPointsRejectsOutOfRange(t *testing.T) {
	if _, err := NewSpreadBasisPoints(10001); err != ErrInvalidSpread {
		t.Fatalf("expected ErrInvalidSpread, got %v", err)
	}
}
