// Package merge implements the two-phase merger (C7): per-crystal
// contributions are accumulated in parallel into private per-worker
// buffers, then reduced sequentially into a fresh reference table,
// avoiding the lock-upgrade protocol on the hot path.
package merge

import (
	"math"

	"github.com/latticeforge/sxmerge/internal/asu"
	"github.com/latticeforge/sxmerge/internal/geom"
	"github.com/latticeforge/sxmerge/internal/reftable"
	"github.com/latticeforge/sxmerge/internal/xtal"
)

// DefaultMinPartiality is the partiality threshold below which an
// observation is excluded from merging.
const DefaultMinPartiality = 0.05

type key struct{ h, k, l int }

type accum struct {
	numerator   float64
	denominator float64
	n           int
}

// Buffer is a private per-worker accumulator, filled by Contribute and
// reduced into a Table by Reduce. Workers never share a Buffer.
type Buffer struct {
	sums map[key]*accum
}

// NewBuffer returns an empty per-worker accumulator.
func NewBuffer() *Buffer {
	return &Buffer{sums: make(map[key]*accum)}
}

// Contribute folds one crystal's eligible observations into this
// buffer. The crystal is skipped entirely if flagged rejected. Every
// observation's indices are folded to the asymmetric unit by pg before
// being used as the accumulator key, so symmetry-equivalent
// reflections observed under different (h,k,l) labels land in the same
// entry; a reflection that is a systematic absence under centering is
// dropped rather than merged.
func Contribute(buf *Buffer, c *xtal.Crystal, minPartiality float64, pg *asu.PointGroup, centering byte) {
	if c.Rejected() {
		return
	}
	for _, o := range c.Observations {
		if o.P < minPartiality {
			continue
		}
		if asu.Forbidden(o.H, o.K, o.L, centering) {
			continue
		}
		iScaled := scaledIntensity(o.IObs, c.G, c.B, o.S, o.P, o.Lorentz)
		if math.IsNaN(iScaled) || math.IsInf(iScaled, 0) {
			continue
		}
		h, k, l := pg.ToASU(o.H, o.K, o.L)
		k3 := key{h, k, l}
		a, ok := buf.sums[k3]
		if !ok {
			a = &accum{}
			buf.sums[k3] = a
		}
		a.numerator += iScaled
		a.denominator++
		a.n++
	}
}

// scaledIntensity is the per-observation scale/partiality/Lorentz
// correction: I_scaled = I_obs * exp(2*B*s^2) / (G * p * L). G is
// defined bright-crystal-large (see internal/scale), so a bright
// crystal's raw intensities are divided down to the reference scale.
func scaledIntensity(iObs, g, b, s, p, l float64) float64 {
	return iObs * math.Exp(2*b*s*s) / (g * p * l)
}

// Reduce combines a set of per-worker buffers sequentially into a
// fresh reference table, computing I_full = numerator/denominator for
// every key observed by at least one buffer. cell supplies the
// resolution cached on each new entry for reporting; it is computed
// once from the key and never touched again.
func Reduce(buffers []*Buffer, cell geom.Cell) *reftable.Table {
	totals := make(map[key]*accum)
	for _, buf := range buffers {
		for k3, a := range buf.sums {
			t, ok := totals[k3]
			if !ok {
				t = &accum{}
				totals[k3] = t
			}
			t.numerator += a.numerator
			t.denominator += a.denominator
			t.n += a.n
		}
	}

	out := reftable.New()
	for k3, a := range totals {
		e := out.Add(k3.h, k3.k, k3.l)
		if a.denominator > 0 {
			e.IFull = a.numerator / a.denominator
		}
		e.Redundancy = a.n
		e.Resolution = cell.Resolution(k3.h, k3.k, k3.l)
	}
	return out
}

// ComputeESD runs the merger's second pass: for every crystal,
// accumulate (I_scaled - I_full)^2 into each matching reference entry's
// Temp1, then finalise sigma_full = sqrt(Temp1/n) and suppress entries
// below the minimum redundancy. Indices are folded through the same
// point group and centering used by Contribute so this pass matches
// against the same asymmetric-unit keys the entries were accumulated
// under.
func ComputeESD(ref *reftable.Table, crystals []*xtal.Crystal, minPartiality float64, minRedundancy int, pg *asu.PointGroup, centering byte) {
	for _, c := range crystals {
		if c.Rejected() {
			continue
		}
		for _, o := range c.Observations {
			if o.P < minPartiality {
				continue
			}
			if asu.Forbidden(o.H, o.K, o.L, centering) {
				continue
			}
			h, k, l := pg.ToASU(o.H, o.K, o.L)
			e := ref.Find(h, k, l)
			if e == nil || e.Redundancy == 0 {
				continue
			}
			iScaled := scaledIntensity(o.IObs, c.G, c.B, o.S, o.P, o.Lorentz)
			if math.IsNaN(iScaled) || math.IsInf(iScaled, 0) {
				continue
			}
			d := iScaled - e.IFull
			e.Lock()
			e.Temp1 += d * d
			e.Unlock()
		}
	}

	// A suppressed entry keeps its true redundancy rather than zeroing
	// it, but is flagged so output consumers can treat it as absent;
	// this reconciles the invariant that redundancy is never
	// decremented below what was actually observed with the
	// requirement that below-threshold entries stay present but marked.
	for _, e := range ref.Iter() {
		if e.Redundancy < minRedundancy {
			e.Suppressed = true
			e.SigmaFull = 0
			continue
		}
		e.SigmaFull = math.Sqrt(e.Temp1 / float64(e.Redundancy))
	}
}
