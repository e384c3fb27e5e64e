// Package orchestrate implements the outer macrocycle (C8): scale,
// reject outliers, normalise, post-refine, and merge, repeated until
// convergence or a macrocycle budget is exhausted.
package orchestrate

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/latticeforge/sxmerge/internal/asu"
	"github.com/latticeforge/sxmerge/internal/geom"
	"github.com/latticeforge/sxmerge/internal/merge"
	"github.com/latticeforge/sxmerge/internal/postrefine"
	"github.com/latticeforge/sxmerge/internal/reftable"
	"github.com/latticeforge/sxmerge/internal/scale"
	"github.com/latticeforge/sxmerge/internal/xtal"
)

// Logf is the package-level diagnostic logger.
var Logf func(format string, v ...any) = log.Printf

// Config bundles the orchestrator's convergence and resource controls.
type Config struct {
	MinPartialityScale float64
	MinPartialityMerge float64
	MaxScaleCycles     int
	MaxPRCycles        int
	MaxMacrocycles     int
	ScaleConvergence   float64
	PRShiftConvergence float64
	MinRedundancy      int
	ScaleBounds        scale.Bounds
	NoScale            bool // skip both scaling and post-refinement; apply only merge
	Workers            int
	PartialityModel    geom.PartialityModel
	PointGroup         *asu.PointGroup // merging symmetry; defaults to "1" (no folding) if nil
	Centering          byte            // lattice centering, for systematic-absence rejection
}

// pointGroup returns cfg's merging symmetry, falling back to the
// trivial "1" point group (identity only, no folding) if none was set.
func (c Config) pointGroup() *asu.PointGroup {
	if c.PointGroup != nil {
		return c.PointGroup
	}
	pg, err := asu.NewPointGroup("1")
	if err != nil {
		panic("orchestrate: built-in point group \"1\" failed to build: " + err.Error())
	}
	return pg
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinPartialityScale: 0.05,
		MinPartialityMerge: 0.05,
		MaxScaleCycles:     10,
		MaxPRCycles:        10,
		MaxMacrocycles:     3,
		ScaleConvergence:   0.01,
		PRShiftConvergence: 0.01,
		MinRedundancy:      2,
		ScaleBounds:        scale.DefaultBounds(),
		NoScale:            false,
		Workers:            runtime.NumCPU(),
		PartialityModel:    geom.CubicModel{},
		PointGroup:         nil, // "1", no folding
		Centering:          'P',
	}
}

// Outcome summarises a finished run, for the store and reporter.
type Outcome struct {
	Reference      *reftable.Table
	Macrocycles    int
	Converged      bool
	RejectedCounts []int // rejected-crystal count per macrocycle
	DeadlineHit    bool
}

// forEachCrystal drains crystals into a bounded worker pool of
// cfg.Workers goroutines, running fn on each and waiting for all to
// finish before returning. Each phase of the macrocycle drains the
// full crystal set through its own call before the next phase starts.
func forEachCrystal(crystals []*xtal.Crystal, workers int, fn func(*xtal.Crystal)) {
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan *xtal.Crystal)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				fn(c)
			}
		}()
	}
	for _, c := range crystals {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
}

// mergeConcurrent runs the two-phase merge across crystals using
// cfg.Workers private accumulator buffers, reduced sequentially. Every
// observation is folded to the asymmetric unit by pg and classified
// against centering before it contributes. The resolution cached on
// each merged entry is computed from the first crystal's cell, a
// nominal stand-in since every crystal's basis converges toward the
// same refined cell across macrocycles.
func mergeConcurrent(crystals []*xtal.Crystal, minPartiality float64, workers int, pg *asu.PointGroup, centering byte) *reftable.Table {
	if workers < 1 {
		workers = 1
	}
	buffers := make([]*merge.Buffer, workers)
	for i := range buffers {
		buffers[i] = merge.NewBuffer()
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			buf := buffers[worker]
			for idx := range jobs {
				merge.Contribute(buf, crystals[idx], minPartiality, pg, centering)
			}
		}(w)
	}
	for i := range crystals {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var cell geom.Cell
	if len(crystals) > 0 {
		cell = crystals[0].Cell
	}
	return merge.Reduce(buffers, cell)
}

// Run executes the scale/refine/merge macrocycle loop against the
// given crystals, respecting ctx cancellation (polled between phases,
// not mid-solve) and a per-macrocycle wall-clock deadline.
func Run(ctx context.Context, crystals []*xtal.Crystal, cfg Config, macrocycleDeadline time.Duration) Outcome {
	ref := mergeConcurrent(crystals, cfg.MinPartialityMerge, cfg.Workers, cfg.pointGroup(), cfg.Centering)

	var rejectedCounts []int
	converged := false
	deadlineHit := false

	cycle := 0
	for ; cycle < cfg.MaxMacrocycles; cycle++ {
		select {
		case <-ctx.Done():
			Logf("orchestrate: cancelled before macrocycle %d", cycle+1)
			return Outcome{Reference: ref, Macrocycles: cycle, Converged: converged, RejectedCounts: rejectedCounts}
		default:
		}

		macroDeadline := time.Now().Add(macrocycleDeadline)

		for _, c := range crystals {
			c.ClearScalingRejection()
		}

		oldG := make(map[string]float64, len(crystals))
		for _, c := range crystals {
			oldG[c.ID] = c.G
		}

		if !cfg.NoScale {
			for sc := 0; sc < cfg.MaxScaleCycles; sc++ {
				if time.Now().After(macroDeadline) {
					deadlineHit = true
					break
				}
				forEachCrystal(crystals, cfg.Workers, func(c *xtal.Crystal) {
					scale.Fit(c, ref, cfg.MinPartialityScale)
					scale.CheckBounds(c, cfg.ScaleBounds)
				})
				if err := scale.NormaliseToUnitMean(crystals); err != nil {
					Logf("orchestrate: normalisation failed: %v", err)
					break
				}
				delta := scale.MeanAbsDeltaG(crystals, oldG)
				if delta < cfg.ScaleConvergence {
					break
				}
				for _, c := range crystals {
					oldG[c.ID] = c.G
				}
			}
		}

		rejected := 0
		for _, c := range crystals {
			if c.Rejected() {
				rejected++
			}
		}
		rejectedCounts = append(rejectedCounts, rejected)
		Logf("orchestrate: macrocycle %d rejected %d/%d crystals", cycle+1, rejected, len(crystals))

		ref = mergeConcurrent(crystals, cfg.MinPartialityMerge, cfg.Workers, cfg.pointGroup(), cfg.Centering)

		if cfg.NoScale {
			// no_scale means apply only merge: scaling and
			// post-refinement are both skipped, not just scaling.
		} else if !time.Now().After(macroDeadline) {
			prCfg := postrefine.Config{
				MaxCycles:        cfg.MaxPRCycles,
				ShiftConvergence: cfg.PRShiftConvergence,
				Model:            cfg.PartialityModel,
			}
			forEachCrystal(crystals, cfg.Workers, func(c *xtal.Crystal) {
				postrefine.Refine(c, ref, prCfg)
			})
			ref = mergeConcurrent(crystals, cfg.MinPartialityMerge, cfg.Workers, cfg.pointGroup(), cfg.Centering)
		} else {
			deadlineHit = true
		}

		delta := scale.MeanAbsDeltaG(crystals, oldG)
		if delta < cfg.ScaleConvergence {
			converged = true
			cycle++
			break
		}
	}

	if !converged {
		Logf("orchestrate: macrocycle budget (%d) exhausted without convergence", cfg.MaxMacrocycles)
	}

	merge.ComputeESD(ref, crystals, cfg.MinPartialityMerge, cfg.MinRedundancy, cfg.pointGroup(), cfg.Centering)

	return Outcome{
		Reference:      ref,
		Macrocycles:    cycle,
		Converged:      converged,
		RejectedCounts: rejectedCounts,
		DeadlineHit:    deadlineHit,
	}
}

// Validate checks configuration invariants before a run starts.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("orchestrate: workers must be >= 1, got %d", c.Workers)
	}
	if c.MaxMacrocycles < 1 {
		return fmt.Errorf("orchestrate: max_macrocycles must be >= 1, got %d", c.MaxMacrocycles)
	}
	return nil
}
