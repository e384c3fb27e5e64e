// Package predict enumerates, for a crystal, the set of reflections
// whose Ewald-sphere traversal overlaps the exposure, and computes
// their partiality and Lorentz factor.
package predict

import (
	"math"

	"github.com/latticeforge/sxmerge/internal/geom"
)

// DefaultMinPartiality is the partiality threshold below which a
// predicted reflection is excluded entirely.
const DefaultMinPartiality = 0.05

// Predicted is one reflection predicted against a crystal's geometry.
type Predicted struct {
	H, K, L int
	P       float64
	Lorentz float64
	S       float64

	ClampLow  bool
	ClampHigh bool
}

// Params bundles the beam/profile inputs shared by every reflection
// predicted for one crystal.
type Params struct {
	Cell          geom.Cell
	Wavelength    float64
	ProfileRadius float64
	Divergence    float64
	Bandwidth     float64
	ResolutionMax float64 // resolution cutoff s_max; 0 disables the cutoff
	MinPartiality float64 // reflections with p below this are excluded
	Model         geom.PartialityModel
}

// hmax bounds the search box for a given resolution cutoff and the
// shortest reciprocal basis vector length, used to keep Predict's
// sweep finite without assuming any particular cell shape.
func hmax(cell geom.Cell, sMax float64) int {
	shortest := math.Min(cell.AStar.Norm(), math.Min(cell.BStar.Norm(), cell.CStar.Norm()))
	if shortest == 0 || sMax == 0 {
		return 0
	}
	n := int(2*sMax/shortest) + 2
	if n < 1 {
		n = 1
	}
	return n
}

// Predict enumerates reflections in a bounded search box around the
// origin, keeping those whose partiality (per the supplied model) meets
// the minimum threshold and, if a cutoff is given, whose resolution is
// within it. Index (0,0,0) is always skipped.
func Predict(p Params) []Predicted {
	model := p.Model
	if model == nil {
		model = geom.CubicModel{}
	}
	minP := p.MinPartiality
	if minP <= 0 {
		minP = DefaultMinPartiality
	}

	n := hmax(p.Cell, p.ResolutionMax)
	if n == 0 {
		n = 10
	}

	var out []Predicted
	for h := -n; h <= n; h++ {
		for k := -n; k <= n; k++ {
			for l := -n; l <= n; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				s := p.Cell.Resolution(h, k, l)
				if p.ResolutionMax > 0 && s > p.ResolutionMax {
					continue
				}
				g := p.Cell.Reciprocal(h, k, l)
				pred := model.Predict(g, p.Wavelength, p.ProfileRadius, p.Divergence, p.Bandwidth)
				if pred.P < minP {
					continue
				}
				out = append(out, Predicted{
					H: h, K: k, L: l,
					P: pred.P, Lorentz: pred.L, S: s,
					ClampLow:  pred.ClampLow,
					ClampHigh: pred.ClampHigh,
				})
			}
		}
	}
	return out
}
