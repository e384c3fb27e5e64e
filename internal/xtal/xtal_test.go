package xtal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeforge/sxmerge/internal/geom"
)

func testCell() geom.Cell {
	return geom.Cell{
		AStar: geom.Vec3{X: 1e9, Y: 0, Z: 0},
		BStar: geom.Vec3{X: 0, Y: 1e9, Z: 0},
		CStar: geom.Vec3{X: 0, Y: 0, Z: 1e9},
	}
}

func TestNewCrystalInitialState(t *testing.T) {
	c := NewCrystal("img-1", testCell(), 5e8, 0.001, 0.001, 1e-10)
	assert.Equal(t, 1.0, c.G)
	assert.Equal(t, 0.0, c.B)
	assert.Equal(t, FlagOK, c.Flag)
}

func TestObservationValid(t *testing.T) {
	cases := []struct {
		name string
		obs  Observation
		want bool
	}{
		{"ok", Observation{H: 1, K: 0, L: 0, SigmaI: 1, P: 0.5}, true},
		{"zero indices", Observation{H: 0, K: 0, L: 0, SigmaI: 1, P: 0.5}, false},
		{"nonpositive sigma", Observation{H: 1, K: 0, L: 0, SigmaI: 0, P: 0.5}, false},
		{"p out of range", Observation{H: 1, K: 0, L: 0, SigmaI: 1, P: 1.5}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.obs.Valid())
		})
	}
}

func TestClearScalingRejectionOnlyClearsScaling(t *testing.T) {
	c := NewCrystal("img-2", testCell(), 5e8, 0.001, 0.001, 1e-10)
	c.Reject(false)
	require.Equal(t, FlagRejectedScaling, c.Flag)
	c.ClearScalingRejection()
	assert.Equal(t, FlagOK, c.Flag)

	c.Reject(true)
	require.Equal(t, FlagRejectedPermanent, c.Flag)
	c.ClearScalingRejection()
	assert.Equal(t, FlagRejectedPermanent, c.Flag, "permanent flag must not be cleared")
}

func TestParamsRoundTripThroughApplyShifts(t *testing.T) {
	c := NewCrystal("img-3", testCell(), 5e8, 0.001, 0.001, 1e-10)
	p := c.Params()
	p[geom.ParamASX] += 1e6
	p[geom.ParamR] += 1e6
	c.ApplyShifts(p)
	assert.Equal(t, p[geom.ParamASX], c.Cell.AStar.X)
	assert.Equal(t, p[geom.ParamR], c.ProfileRadius)
}

func TestRejectedReflectsFlag(t *testing.T) {
	c := NewCrystal("img-4", testCell(), 5e8, 0.001, 0.001, 1e-10)
	require.False(t, c.Rejected())
	c.Reject(false)
	assert.True(t, c.Rejected())
	assert.Equal(t, 1, c.Rejections)
}
