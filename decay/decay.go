// Package decay maps elapsed inactivity time to a weight multiplier.
package decay

import (
	"math/big"
	"time"

	"github.com/attestry/registry-api/wad"
)

// Curve describes an exponential decay with a minimum retained fraction.
// The multiplier for elapsed time t is max(Floor, e^(-t/T)).
type Curve struct {
	// T is the time constant: after T seconds without activity the
	// multiplier has dropped to 1/e (unless clamped by Floor).
	T time.Duration
	// Floor is the minimum multiplier, in WAD.
	Floor wad.Wad
}

// Multiplier returns the decay multiplier for the given elapsed time.
// It is 1.0 WAD at zero elapsed time, monotonically non-increasing, and
// never drops below the floor.
func (c Curve) Multiplier(elapsed time.Duration) wad.Wad {
	if elapsed <= 0 {
		return wad.One()
	}

	// elapsed/T in WAD. Computed in big.Int: elapsed in nanoseconds
	// times 1e18 overflows int64.
	x := new(big.Int).Mul(big.NewInt(elapsed.Nanoseconds()), wad.One().Big())
	x.Quo(x, big.NewInt(c.T.Nanoseconds()))

	m := wad.ExpNeg(wad.FromBig(x))
	if m.Cmp(c.Floor) < 0 {
		return c.Floor
	}
	return m
}
