// Package postrefine implements the non-linear least-squares
// refinement of per-crystal geometry parameters (C6): a Gauss-Newton
// loop building a 12x12 normal-equation system each iteration and
// solving it by Householder (QR) reduction.
package postrefine

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/latticeforge/sxmerge/internal/geom"
	"github.com/latticeforge/sxmerge/internal/reftable"
	"github.com/latticeforge/sxmerge/internal/xtal"
)

// Logf is the package-level diagnostic logger.
var Logf func(format string, v ...any) = func(string, ...any) {}

// ErrSolveFailed marks a Gauss-Newton iteration whose normal-equation
// system could not be solved (singular M) or whose shift would make a
// parameter non-finite; the caller flags the crystal and reverts.
var ErrSolveFailed = errors.New("postrefine: normal-equation solve failed")

// Config bundles the post-refiner's convergence controls.
type Config struct {
	MaxCycles        int
	ShiftConvergence float64
	Model            geom.PartialityModel
}

// DefaultConfig returns the documented defaults: 10 cycles max and a
// shift-convergence threshold of 0.01 parameter units.
func DefaultConfig() Config {
	return Config{MaxCycles: 10, ShiftConvergence: 0.01, Model: geom.CubicModel{}}
}

// scale row-scales the Jacobian columns so cell-basis components (of
// order 1e9 reciprocal metres) and DIV/R (of order 1e-3 to 1e8) are
// dimensionless in the normal-equation system, keeping the Gauss-Newton
// solve well-conditioned across parameters of wildly different scale.
type scale [geom.NumParams]float64

func newScale(c *xtal.Crystal) scale {
	var s scale
	basis := math.Max(c.Cell.AStar.Norm(), math.Max(c.Cell.BStar.Norm(), c.Cell.CStar.Norm()))
	if basis == 0 {
		basis = 1
	}
	for _, p := range []geom.Param{geom.ParamASX, geom.ParamBSX, geom.ParamCSX,
		geom.ParamASY, geom.ParamBSY, geom.ParamCSY,
		geom.ParamASZ, geom.ParamBSZ, geom.ParamCSZ} {
		s[p] = basis
	}
	s[geom.ParamUnused] = 1
	if c.Divergence != 0 {
		s[geom.ParamDIV] = c.Divergence
	} else {
		s[geom.ParamDIV] = 1
	}
	if c.ProfileRadius != 0 {
		s[geom.ParamR] = c.ProfileRadius
	} else {
		s[geom.ParamR] = 1
	}
	return s
}

// Result reports what Refine did for one crystal.
type Result struct {
	Iterations int
	MaxShift   float64
	Converged  bool
	Err        error
}

// Refine runs up to cfg.MaxCycles Gauss-Newton iterations against the
// crystal's current parameters and the (immutable, shared) reference
// table, mutating the crystal's cell/divergence/profile radius in
// place. On solver failure it reverts the crystal to its
// pre-iteration parameters and flags it rejected for this cycle.
func Refine(c *xtal.Crystal, ref *reftable.Table, cfg Config) Result {
	if c.Rejected() {
		return Result{}
	}
	model := cfg.Model
	if model == nil {
		model = geom.CubicModel{}
	}

	saved := c.Params()
	s := newScale(c)

	var lastMaxShift float64
	iter := 0
	for ; iter < cfg.MaxCycles; iter++ {
		M := mat.NewDense(int(geom.NumParams), int(geom.NumParams), nil)
		v := mat.NewVecDense(int(geom.NumParams), nil)

		for _, o := range c.Observations {
			e := ref.Find(o.H, o.K, o.L)
			if e == nil || e.IFull <= 0 {
				continue
			}
			g := c.Cell.Reciprocal(o.H, o.K, o.L)
			pred := model.Predict(g, c.Wavelength, c.ProfileRadius, c.Divergence, c.Bandwidth)

			iPred := pred.P * c.G * e.IFull
			deltaI := o.IObs - iPred

			grad := geom.PartialDerivatives(o.H, o.K, o.L, g, pred, c.Wavelength, c.ProfileRadius, c.Divergence)

			for k := 0; k < int(geom.NumParams); k++ {
				if geom.Param(k) == geom.ParamUnused {
					continue
				}
				gk := grad[k] * s[k]
				v.SetVec(k, v.AtVec(k)+deltaI*e.IFull*gk)
				for gIdx := 0; gIdx < int(geom.NumParams); gIdx++ {
					if geom.Param(gIdx) == geom.ParamUnused {
						continue
					}
					gg := grad[gIdx] * s[gIdx]
					M.Set(gIdx, k, M.At(gIdx, k)+gg*gk*e.IFull*e.IFull)
				}
			}
		}

		// ParamUnused contributes no gradient, so its row/column of M is
		// all zero; pin it to the identity so the system stays
		// non-singular, and add a small ridge term to the rest for
		// numerical stability.
		for k := 0; k < int(geom.NumParams); k++ {
			M.Set(k, k, M.At(k, k)+1e-12)
		}
		M.Set(int(geom.ParamUnused), int(geom.ParamUnused), 1)

		var qr mat.QR
		qr.Factorize(M)

		var theta mat.VecDense
		if err := qr.SolveVecTo(&theta, false, v); err != nil {
			c.ApplyShifts(saved)
			c.Reject(false)
			return Result{Iterations: iter, Err: ErrSolveFailed}
		}

		params := c.Params()
		maxShift := 0.0
		for k := 0; k < int(geom.NumParams); k++ {
			if geom.Param(k) == geom.ParamUnused {
				continue
			}
			unscaled := theta.AtVec(k)
			shift := unscaled * s[k]
			if math.IsNaN(shift) || math.IsInf(shift, 0) {
				c.ApplyShifts(saved)
				c.Reject(false)
				return Result{Iterations: iter, Err: ErrSolveFailed}
			}
			params[k] += shift
			if math.Abs(unscaled) > maxShift {
				maxShift = math.Abs(unscaled)
			}
		}
		c.ApplyShifts(params)
		lastMaxShift = maxShift

		if maxShift < cfg.ShiftConvergence {
			return Result{Iterations: iter + 1, MaxShift: maxShift, Converged: true}
		}
	}

	return Result{Iterations: iter, MaxShift: lastMaxShift, Converged: lastMaxShift < cfg.ShiftConvergence}
}
