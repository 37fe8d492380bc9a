package decay

import (
	"testing"
	"time"

	"github.com/attestry/registry-api/wad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quarter(t *testing.T) wad.Wad {
	t.Helper()
	w, err := wad.FromString("250000000000000000")
	require.NoError(t, err)
	return w
}

func TestMultiplierAtZero(t *testing.T) {
	c := Curve{T: 30 * 24 * time.Hour, Floor: quarter(t)}

	assert.Equal(t, 0, wad.One().Cmp(c.Multiplier(0)))
	assert.Equal(t, 0, wad.One().Cmp(c.Multiplier(-time.Hour)))
}

func TestMultiplierAtTimeConstant(t *testing.T) {
	c := Curve{T: 30 * 24 * time.Hour, Floor: wad.Zero()}

	// After exactly T, the multiplier is 1/e.
	m := c.Multiplier(c.T)
	expected := wad.ExpNeg(wad.One())
	assert.Equal(t, 0, expected.Cmp(m))
}

func TestMultiplierFloorClamp(t *testing.T) {
	floor := quarter(t)
	c := Curve{T: time.Hour, Floor: floor}

	// e^-10 is far below 0.25, so the clamp must engage.
	m := c.Multiplier(10 * time.Hour)
	assert.Equal(t, 0, floor.Cmp(m))

	// Much later it stays exactly at the floor.
	m = c.Multiplier(1000 * time.Hour)
	assert.Equal(t, 0, floor.Cmp(m))
}

func TestMultiplierMonotonic(t *testing.T) {
	c := Curve{T: 24 * time.Hour, Floor: quarter(t)}

	prev := wad.One()
	for elapsed := time.Duration(0); elapsed <= 20*24*time.Hour; elapsed += 6 * time.Hour {
		m := c.Multiplier(elapsed)
		assert.True(t, m.Cmp(prev) <= 0, "multiplier increased at %v", elapsed)
		assert.True(t, m.Cmp(c.Floor) >= 0, "multiplier below floor at %v", elapsed)
		prev = m
	}
}
