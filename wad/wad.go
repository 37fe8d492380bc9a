// Package wad implements 18-decimal fixed-point arithmetic on big.Int.
// All registry weight math goes through this package; floating point is
// never used, so results are identical across platforms.
package wad

import (
	"fmt"
	"math/big"
)

// One WAD equals 10^18.
var (
	scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// ln(2) * 1e18, used for range reduction in ExpNeg.
	ln2 = big.NewInt(693147180559945309)
)

// Wad is an immutable fixed-point number scaled by 1e18.
type Wad struct {
	v *big.Int
}

func Zero() Wad {
	return Wad{v: new(big.Int)}
}

func One() Wad {
	return Wad{v: new(big.Int).Set(scale)}
}

// FromBig wraps a 1e18-scaled integer. The input is copied.
func FromBig(v *big.Int) Wad {
	return Wad{v: new(big.Int).Set(v)}
}

// FromUint64 wraps a 1e18-scaled integer.
func FromUint64(v uint64) Wad {
	return Wad{v: new(big.Int).SetUint64(v)}
}

// FromString parses a 1e18-scaled decimal integer string, e.g.
// "700000000000000000" for 0.7.
func FromString(s string) (Wad, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Wad{}, fmt.Errorf("wad: invalid value %q", s)
	}
	return Wad{v: v}, nil
}

func (w Wad) String() string {
	if w.v == nil {
		return "0"
	}
	return w.v.String()
}

// Big returns a copy of the underlying 1e18-scaled integer.
func (w Wad) Big() *big.Int {
	if w.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(w.v)
}

func (w Wad) IsZero() bool {
	return w.v == nil || w.v.Sign() == 0
}

func (w Wad) Cmp(o Wad) int {
	return w.Big().Cmp(o.Big())
}

func (w Wad) Add(o Wad) Wad {
	return Wad{v: new(big.Int).Add(w.Big(), o.Big())}
}

func (w Wad) Sub(o Wad) Wad {
	return Wad{v: new(big.Int).Sub(w.Big(), o.Big())}
}

// Mul returns w*o, rounding toward zero.
func (w Wad) Mul(o Wad) Wad {
	v := new(big.Int).Mul(w.Big(), o.Big())
	return Wad{v: v.Quo(v, scale)}
}

// Div returns w/o, rounding toward zero. Division by zero panics, as it
// does for big.Int.
func (w Wad) Div(o Wad) Wad {
	v := new(big.Int).Mul(w.Big(), scale)
	return Wad{v: v.Quo(v, o.Big())}
}

// MarshalJSON encodes the value as a decimal string to avoid precision
// loss in JSON numbers.
func (w Wad) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.String() + `"`), nil
}

func (w *Wad) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	w.v = parsed.v
	return nil
}

// expNeg evaluates e^-x for non-negative x beyond which the result
// underflows one WAD unit.
const expNegCutoff = 42

// taylorTerms bounds the series used for the reduced argument r < ln 2.
// 0.7^20/20! is far below one WAD unit, so 20 terms are sufficient.
const taylorTerms = 20

// ExpNeg returns e^-x for x >= 0, computed entirely in fixed point.
// The argument is reduced as x = k*ln2 + r with r in [0, ln2); e^-r is
// evaluated by an alternating Taylor series and the result shifted right
// by k bits. Relative error is below 1e-9. Negative inputs panic.
func ExpNeg(x Wad) Wad {
	xv := x.Big()
	if xv.Sign() < 0 {
		panic("wad: ExpNeg of negative argument")
	}
	if xv.Cmp(new(big.Int).Mul(big.NewInt(expNegCutoff), scale)) >= 0 {
		return Zero()
	}

	// x = k*ln2 + r
	k := new(big.Int).Quo(xv, ln2)
	r := new(big.Int).Sub(xv, new(big.Int).Mul(k, ln2))

	// e^-r = sum (-r)^n / n!
	sum := new(big.Int).Set(scale)
	term := new(big.Int).Set(scale)
	for n := int64(1); n <= taylorTerms; n++ {
		term.Mul(term, r)
		term.Quo(term, scale)
		term.Quo(term, big.NewInt(n))
		if term.Sign() == 0 {
			break
		}
		if n%2 == 1 {
			sum.Sub(sum, term)
		} else {
			sum.Add(sum, term)
		}
	}

	// Divide by 2^k.
	sum.Rsh(sum, uint(k.Uint64()))
	return Wad{v: sum}
}
