// Package scale implements the per-crystal Wilson-style scale and
// temperature factor fit (C5): a weighted linear regression of
// ln(I_obs / (p * L * I_ref)) against s^2.
package scale

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/latticeforge/sxmerge/internal/reftable"
	"github.com/latticeforge/sxmerge/internal/xtal"
)

// Logf is the package-level diagnostic logger, overridable by tests
// and by the CLI to quiet output.
var Logf func(format string, v ...any) = func(string, ...any) {}

// Bounds holds the scale-factor/temperature-factor acceptance window
// applied after each crystal's fit.
type Bounds struct {
	MinG    float64 // exclusive lower bound, typically 0
	MaxG    float64
	MaxAbsB float64
}

// DefaultBounds returns the documented defaults: G in (0,10], |B| <= 40e-20.
func DefaultBounds() Bounds {
	return Bounds{MinG: 0, MaxG: 10, MaxAbsB: 40e-20}
}

// ErrTooFewObservations is returned (and also reflected in the
// crystal's rejection flag) when a crystal has fewer than two
// observations eligible for the fit.
var ErrTooFewObservations = errors.New("scale: fewer than 2 observations eligible for fit")

// Result records what Fit did for one crystal, for logging/reporting.
type Result struct {
	G, B float64
	NFit int
	Err  error
}

// Fit performs a weighted linear regression of one crystal's
// observations against the current reference table, and updates the
// crystal's G and B in place. Observations are eligible when
// p >= minPartiality and |I_obs| >= 5*sigma. A crystal already flagged
// rejected is left untouched.
func Fit(c *xtal.Crystal, ref *reftable.Table, minPartiality float64) Result {
	if c.Rejected() {
		return Result{G: c.G, B: c.B}
	}

	var xs, ys, weights []float64
	for _, o := range c.Observations {
		if o.P < minPartiality {
			continue
		}
		if math.Abs(o.IObs) < 5*o.SigmaI {
			continue
		}
		e := ref.Find(o.H, o.K, o.L)
		if e == nil || e.IFull <= 0 {
			continue
		}
		if o.IObs <= 0 || o.Lorentz <= 0 || o.P <= 0 {
			continue
		}
		y := math.Log(o.IObs / (o.P * o.Lorentz * e.IFull))
		x := o.S * o.S
		w := 1.0 / (o.SigmaI * o.SigmaI)
		xs = append(xs, x)
		ys = append(ys, y)
		weights = append(weights, w)
	}

	if len(xs) < 2 {
		c.Reject(false)
		return Result{G: c.G, B: c.B, NFit: len(xs), Err: ErrTooFewObservations}
	}

	c0, c1 := stat.LinearRegression(xs, ys, weights, false)

	// y = ln(G) - 2*B*s^2, so the intercept recovers ln(G) directly: a
	// bright crystal (large I_obs relative to the reference) fits a
	// large positive c0 and hence a large G.
	g := math.Exp(c0)
	b := -c1 / 2

	c.G = g
	c.B = b

	return Result{G: g, B: b, NFit: len(xs)}
}

// CheckBounds applies the post-fit outlier rule: a crystal whose
// fitted G or B falls outside bounds is rejected for this macrocycle.
func CheckBounds(c *xtal.Crystal, b Bounds) {
	if c.Rejected() {
		return
	}
	if c.G <= b.MinG || c.G > b.MaxG || math.Abs(c.B) > b.MaxAbsB {
		Logf("scale: crystal %s rejected, G=%v B=%v out of bounds", c.ID, c.G, c.B)
		c.Reject(false)
	}
}

// NormaliseToUnitMean rescales G across all non-rejected crystals so
// their arithmetic mean is exactly 1 (see DESIGN.md for why arithmetic
// rather than geometric mean was chosen).
func NormaliseToUnitMean(crystals []*xtal.Crystal) error {
	var sum float64
	var n int
	for _, c := range crystals {
		if c.Rejected() {
			continue
		}
		sum += c.G
		n++
	}
	if n == 0 {
		return fmt.Errorf("scale: no non-rejected crystals to normalise")
	}
	mean := sum / float64(n)
	if mean == 0 {
		return fmt.Errorf("scale: mean G is zero, cannot normalise")
	}
	for _, c := range crystals {
		if c.Rejected() {
			continue
		}
		c.G /= mean
	}
	return nil
}

// MeanAbsDeltaG computes the mean |ΔG| across non-rejected crystals
// given their G values before this macrocycle's fit, used by the
// orchestrator's convergence test.
func MeanAbsDeltaG(crystals []*xtal.Crystal, oldG map[string]float64) float64 {
	var sum float64
	var n int
	for _, c := range crystals {
		if c.Rejected() {
			continue
		}
		old, ok := oldG[c.ID]
		if !ok {
			continue
		}
		d := c.G - old
		if d < 0 {
			d = -d
		}
		sum += d
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
