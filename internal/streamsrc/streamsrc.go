// Package streamsrc defines the narrow interface through which the
// core consumes an indexed stream, and a Synthetic generator
// implementation used for tests and smoke runs. The real stream codec
// (binary/text parsing) is an external collaborator, never implemented
// here.
package streamsrc

import (
	"context"
	"math/rand"

	"github.com/latticeforge/sxmerge/internal/geom"
)

// ObsRecord is one reflection as carried by a stream chunk:
// (h,k,l,I,sigma_I,p,Lorentz,s,clamp_low,clamp_high).
type ObsRecord struct {
	H, K, L   int
	I         float64
	SigmaI    float64
	P         float64
	Lorentz   float64
	S         float64
	ClampLow  bool
	ClampHigh bool
}

// CrystalRecord is one crystal as carried by a stream chunk: reciprocal
// basis, profile radius, divergence, bandwidth, and its reflection
// list.
type CrystalRecord struct {
	ID            string
	Cell          geom.Cell
	Wavelength    float64
	ProfileRadius float64
	Divergence    float64
	Bandwidth     float64
	Observations  []ObsRecord
}

// Chunk is one image's worth of stream data: an identity and zero or
// more indexed crystals (zero when indexing found none).
type Chunk struct {
	ImageID  string
	Crystals []CrystalRecord
}

// Source is the abstract indexed-stream iterator the core consumes.
// Next returns the next chunk, or ok=false when the stream is
// exhausted. A real implementation reads a file or socket; callers
// must not assume Next is safe to call concurrently.
type Source interface {
	Next(ctx context.Context) (Chunk, bool, error)
}

// Synthetic is a Source that generates a fixed number of crystals,
// useful for smoke-testing the orchestrator without a real stream
// reader: exported configuration fields with defaults set by
// NewSynthetic, a counter of emitted chunks, and a seeded rng for
// reproducibility. Every crystal uses Cell unchanged (cells are not
// perturbed per crystal), and each observation's underlying intensity
// is drawn afresh from the rng, so crystals do not share a common
// reference.
type Synthetic struct {
	CrystalCount  int
	HKLRange      int // reflections enumerated over [-HKLRange, HKLRange]^3
	Cell          geom.Cell
	Wavelength    float64
	ProfileRadius float64
	Divergence    float64
	Bandwidth     float64
	Model         geom.PartialityModel

	rng     *rand.Rand
	emitted int
}

// NewSynthetic returns a Synthetic generator with the given seed for
// reproducible test fixtures.
func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{
		CrystalCount:  100,
		HKLRange:      5,
		Cell: geom.Cell{
			AStar: geom.Vec3{X: 2e9, Y: 0, Z: 0},
			BStar: geom.Vec3{X: 0, Y: 2e9, Z: 0},
			CStar: geom.Vec3{X: 0, Y: 0, Z: 2e9},
		},
		Wavelength:    1e-10,
		ProfileRadius: 5e8,
		Divergence:    0.001,
		Bandwidth:     0.001,
		Model:         geom.CubicModel{},
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Next generates the next synthetic crystal as a one-crystal chunk,
// until CrystalCount chunks have been emitted.
func (s *Synthetic) Next(ctx context.Context) (Chunk, bool, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, false, ctx.Err()
	default:
	}

	if s.emitted >= s.CrystalCount {
		return Chunk{}, false, nil
	}
	s.emitted++

	model := s.Model
	if model == nil {
		model = geom.CubicModel{}
	}

	id := randID(s.rng)
	cell := s.Cell

	var obs []ObsRecord
	for h := -s.HKLRange; h <= s.HKLRange; h++ {
		for k := -s.HKLRange; k <= s.HKLRange; k++ {
			for l := -s.HKLRange; l <= s.HKLRange; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				g := cell.Reciprocal(h, k, l)
				pred := model.Predict(g, s.Wavelength, s.ProfileRadius, s.Divergence, s.Bandwidth)
				if pred.P < 0.05 {
					continue
				}
				iRef := 100 + s.rng.Float64()*900
				iObs := pred.P * pred.L * iRef
				obs = append(obs, ObsRecord{
					H: h, K: k, L: l,
					I: iObs, SigmaI: iObs * 0.02,
					P: pred.P, Lorentz: pred.L, S: cell.Resolution(h, k, l),
					ClampLow: pred.ClampLow, ClampHigh: pred.ClampHigh,
				})
			}
		}
	}

	chunk := Chunk{
		ImageID: id,
		Crystals: []CrystalRecord{{
			ID:            id,
			Cell:          cell,
			Wavelength:    s.Wavelength,
			ProfileRadius: s.ProfileRadius,
			Divergence:    s.Divergence,
			Bandwidth:     s.Bandwidth,
			Observations:  obs,
		}},
	}
	return chunk, true, nil
}

func randID(rng *rand.Rand) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return "img-" + string(b)
}
