package geom

import "math"

// Param indexes the twelve post-refinement parameters. Index 1
// (ParamUnused) is deliberately never refined; it occupies a fixed slot
// between ASX and BSX so the remaining indices stay stable, and the
// parameter vector, Jacobian, and normal-equation matrix in postrefine
// all agree on which column is which without a remapping step.
type Param int

const (
	ParamASX Param = iota
	ParamUnused
	ParamBSX
	ParamCSX
	ParamASY
	ParamBSY
	ParamCSY
	ParamASZ
	ParamBSZ
	ParamCSZ
	ParamDIV
	ParamR
	NumParams
)

// Gradients is the set of partial derivatives of partiality with
// respect to each of the twelve post-refinement parameters, for one
// observation against the crystal geometry that produced it.
type Gradients [NumParams]float64

// PartialDerivatives computes dp/dtheta for every refineable parameter,
// given the reflection's Miller indices, its reciprocal vector, the
// CubicModel prediction already made for it, and the beam/profile
// parameters used to make that prediction.
//
// The cell-basis derivatives (ASX..CSZ) use the exact chain rule
// through g = h*a* + k*b* + l*c*: each basis component affects exactly
// one Cartesian component of g, scaled by the corresponding Miller
// index, so e.g. dg.X/d(ASX) = h. The DIV and R derivatives account for
// the beam-divergence/profile-radius dependence of the sweep
// boundaries r1, r2 directly; the dependence of the divergence/
// bandwidth half-width on the cell parameters themselves is neglected
// as a standard second-order term.
func PartialDerivatives(h, k, l int, g Vec3, pred Prediction, wavelength, profileRadius, div float64) Gradients {
	var grad Gradients

	k0 := 1.0 / wavelength

	gradHigh := 0.0
	if !pred.ClampHigh {
		gradHigh = PartialityGradient(pred.R2, profileRadius)
	}
	gradLow := 0.0
	if !pred.ClampLow {
		gradLow = PartialityGradient(pred.R1, profileRadius)
	}
	edge := gradHigh - gradLow

	hf, kf, lf := float64(h), float64(k), float64(l)

	dRnomDGx := g.X / k0
	dRnomDGy := g.Y / k0
	dRnomDGz := 1 + g.Z/k0

	grad[ParamASX] = edge * dRnomDGx * hf
	grad[ParamBSX] = edge * dRnomDGx * kf
	grad[ParamCSX] = edge * dRnomDGx * lf
	grad[ParamASY] = edge * dRnomDGy * hf
	grad[ParamBSY] = edge * dRnomDGy * kf
	grad[ParamCSY] = edge * dRnomDGy * lf
	grad[ParamASZ] = edge * dRnomDGz * hf
	grad[ParamBSZ] = edge * dRnomDGz * kf
	grad[ParamCSZ] = edge * dRnomDGz * lf

	// dDelta/dDIV = k0 * cos(div/2) * sin(tt) / 2; dr1/dDIV = -dDelta/dDIV,
	// dr2/dDIV = +dDelta/dDIV.
	deltaDeriv := 0.5 * k0 * math.Cos(div/2) * math.Sin(pred.TT)
	grad[ParamDIV] = (gradHigh + gradLow) * deltaDeriv

	// dq/dR at fixed r: d/dR[(r+R)/(2R)] = -r/(2R^2).
	dq2dR := -pred.R2 / (2 * profileRadius * profileRadius)
	dq1dR := -pred.R1 / (2 * profileRadius * profileRadius)
	highTerm := 0.0
	if !pred.ClampHigh {
		highTerm = CubicDeriv((pred.R2+profileRadius)/(2*profileRadius)) * dq2dR
	}
	lowTerm := 0.0
	if !pred.ClampLow {
		lowTerm = CubicDeriv((pred.R1+profileRadius)/(2*profileRadius)) * dq1dR
	}
	grad[ParamR] = highTerm - lowTerm

	grad[ParamUnused] = 0

	return grad
}
