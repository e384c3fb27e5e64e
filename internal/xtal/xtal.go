// Package xtal defines the per-crystal data model: observations, the
// crystal's geometry and scale parameters, and the flag semantics that
// track a crystal's eligibility across macrocycles.
package xtal

import "github.com/latticeforge/sxmerge/internal/geom"

// Flag is the multi-state per-crystal rejection flag: OK, rejected for
// the current macrocycle by scaling (cleared unconditionally at the
// start of the next macrocycle), or permanently rejected (never
// cleared).
type Flag int

const (
	FlagOK Flag = iota
	FlagRejectedScaling
	FlagRejectedPermanent
)

// Observation is one predicted-and-measured reflection belonging to a
// crystal. Indices are already folded into the asymmetric unit.
type Observation struct {
	H, K, L int

	IObs    float64
	SigmaI  float64
	P       float64
	Lorentz float64
	S       float64 // resolution, 1/d

	ClampLow  bool
	ClampHigh bool

	// Temp1/Temp2 are scratch fields that no package reads or writes;
	// the merger's ESD pass accumulates into reftable.Entry.Temp1
	// instead.
	Temp1 float64
	Temp2 float64

	Redundancy int
}

// Valid reports whether the observation satisfies the data-model
// invariants: indices not (0,0,0), positive sigma, partiality in [0,1].
func (o *Observation) Valid() bool {
	if o.H == 0 && o.K == 0 && o.L == 0 {
		return false
	}
	if o.SigmaI <= 0 {
		return false
	}
	if o.P < 0 || o.P > 1 {
		return false
	}
	return true
}

// Crystal is one indexed still exposure: a reciprocal basis, beam and
// profile parameters, a scale/temperature factor pair, and the
// reflections predicted or observed against it.
type Crystal struct {
	ID string

	Cell geom.Cell

	ProfileRadius float64 // r, reciprocal metres
	Divergence    float64 // div
	Bandwidth     float64 // bw
	Wavelength    float64

	G float64 // scale factor, initially 1.0
	B float64 // temperature factor, initially 0.0

	Observations []Observation

	Flag       Flag
	Rejections int // how many macrocycles have flagged this crystal; reporting only
}

// NewCrystal returns a crystal with the canonical initial scale state:
// G=1, B=0, flag=OK.
func NewCrystal(id string, cell geom.Cell, profileRadius, divergence, bandwidth, wavelength float64) *Crystal {
	return &Crystal{
		ID:            id,
		Cell:          cell,
		ProfileRadius: profileRadius,
		Divergence:    divergence,
		Bandwidth:     bandwidth,
		Wavelength:    wavelength,
		G:             1.0,
		B:             0.0,
		Flag:          FlagOK,
	}
}

// Rejected reports whether this crystal should be skipped by scaling,
// post-refinement, and merging for the current macrocycle.
func (c *Crystal) Rejected() bool {
	return c.Flag != FlagOK
}

// ClearScalingRejection implements the clear-before-next-cycle rule:
// only a rejected-by-scaling flag is cleared at the start of a new
// macrocycle; a permanent rejection is never cleared.
func (c *Crystal) ClearScalingRejection() {
	if c.Flag == FlagRejectedScaling {
		c.Flag = FlagOK
	}
}

// Reject marks the crystal rejected for the current macrocycle and
// bumps its rejection counter for reporting.
func (c *Crystal) Reject(permanent bool) {
	if permanent {
		c.Flag = FlagRejectedPermanent
	} else {
		c.Flag = FlagRejectedScaling
	}
	c.Rejections++
}

// Params returns the twelve post-refinement parameters in the fixed
// order geom.Param enumerates them, reading from the crystal's current
// reciprocal basis and beam/profile state.
func (c *Crystal) Params() geom.Gradients {
	var p geom.Gradients
	p[geom.ParamASX] = c.Cell.AStar.X
	p[geom.ParamASY] = c.Cell.AStar.Y
	p[geom.ParamASZ] = c.Cell.AStar.Z
	p[geom.ParamBSX] = c.Cell.BStar.X
	p[geom.ParamBSY] = c.Cell.BStar.Y
	p[geom.ParamBSZ] = c.Cell.BStar.Z
	p[geom.ParamCSX] = c.Cell.CStar.X
	p[geom.ParamCSY] = c.Cell.CStar.Y
	p[geom.ParamCSZ] = c.Cell.CStar.Z
	p[geom.ParamDIV] = c.Divergence
	p[geom.ParamR] = c.ProfileRadius
	return p
}

// ApplyShifts writes back a full parameter vector produced by adding a
// Gauss-Newton shift to Params(); ParamUnused is ignored.
func (c *Crystal) ApplyShifts(p geom.Gradients) {
	c.Cell.AStar.X = p[geom.ParamASX]
	c.Cell.AStar.Y = p[geom.ParamASY]
	c.Cell.AStar.Z = p[geom.ParamASZ]
	c.Cell.BStar.X = p[geom.ParamBSX]
	c.Cell.BStar.Y = p[geom.ParamBSY]
	c.Cell.BStar.Z = p[geom.ParamBSZ]
	c.Cell.CStar.X = p[geom.ParamCSX]
	c.Cell.CStar.Y = p[geom.ParamCSY]
	c.Cell.CStar.Z = p[geom.ParamCSZ]
	c.Divergence = p[geom.ParamDIV]
	c.ProfileRadius = p[geom.ParamR]
}
