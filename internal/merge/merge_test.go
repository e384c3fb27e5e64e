package merge

import (
	"math"
	"testing"

	"github.com/latticeforge/sxmerge/internal/asu"
	"github.com/latticeforge/sxmerge/internal/geom"
	"github.com/latticeforge/sxmerge/internal/xtal"
)

func testPointGroup(t *testing.T) *asu.PointGroup {
	t.Helper()
	pg, err := asu.NewPointGroup("1")
	if err != nil {
		t.Fatalf("building point group: %v", err)
	}
	return pg
}

func testCell() geom.Cell {
	return geom.Cell{
		AStar: geom.Vec3{X: 1e9, Y: 0, Z: 0},
		BStar: geom.Vec3{X: 0, Y: 1e9, Z: 0},
		CStar: geom.Vec3{X: 0, Y: 0, Z: 1e9},
	}
}

// Scenario 1: single crystal, single reflection, no scaling.
func TestMergeSingleCrystalSingleReflection(t *testing.T) {
	c := xtal.NewCrystal("c1", testCell(), 5e8, 0.001, 0.001, 1e-10)
	c.Observations = []xtal.Observation{
		{H: 1, K: 0, L: 0, IObs: 100, SigmaI: 10, P: 1, Lorentz: 1, S: 5e8},
	}

	buf := NewBuffer()
	Contribute(buf, c, DefaultMinPartiality, testPointGroup(t), 'P')
	ref := Reduce([]*Buffer{buf}, testCell())

	e := ref.Find(1, 0, 0)
	if e == nil {
		t.Fatal("merged entry not found")
	}
	if math.Abs(e.IFull-100) > 1e-9 {
		t.Fatalf("IFull = %v, want 100", e.IFull)
	}
	if e.Redundancy != 1 {
		t.Fatalf("Redundancy = %d, want 1", e.Redundancy)
	}

	ComputeESD(ref, []*xtal.Crystal{c}, DefaultMinPartiality, 1, testPointGroup(t), 'P')
	e = ref.Find(1, 0, 0)
	if e.SigmaFull > 1e-9 {
		t.Fatalf("SigmaFull = %v, want ~0", e.SigmaFull)
	}
}

// Scenario 2: two crystals, perfect agreement.
func TestMergeTwoCrystalsPerfectAgreement(t *testing.T) {
	mkCrystal := func(id string) *xtal.Crystal {
		c := xtal.NewCrystal(id, testCell(), 5e8, 0.001, 0.001, 1e-10)
		c.Observations = []xtal.Observation{
			{H: 2, K: 0, L: 0, IObs: 50, SigmaI: 5, P: 0.5, Lorentz: 1, S: 1e9},
		}
		return c
	}
	a := mkCrystal("a")
	b := mkCrystal("b")

	buf := NewBuffer()
	Contribute(buf, a, DefaultMinPartiality, testPointGroup(t), 'P')
	Contribute(buf, b, DefaultMinPartiality, testPointGroup(t), 'P')
	ref := Reduce([]*Buffer{buf}, testCell())

	e := ref.Find(2, 0, 0)
	if e == nil {
		t.Fatal("merged entry not found")
	}
	if math.Abs(e.IFull-100) > 1e-9 {
		t.Fatalf("IFull = %v, want 100", e.IFull)
	}
	if e.Redundancy != 2 {
		t.Fatalf("Redundancy = %d, want 2", e.Redundancy)
	}

	ComputeESD(ref, []*xtal.Crystal{a, b}, DefaultMinPartiality, 1, testPointGroup(t), 'P')
	e = ref.Find(2, 0, 0)
	if e.SigmaFull > 1e-9 {
		t.Fatalf("SigmaFull = %v, want 0 for identical observations", e.SigmaFull)
	}
}

func TestMergeSkipsRejectedCrystal(t *testing.T) {
	c := xtal.NewCrystal("rejected", testCell(), 5e8, 0.001, 0.001, 1e-10)
	c.Observations = []xtal.Observation{
		{H: 1, K: 1, L: 0, IObs: 100, SigmaI: 10, P: 1, Lorentz: 1, S: 5e8},
	}
	c.Reject(false)

	buf := NewBuffer()
	Contribute(buf, c, DefaultMinPartiality, testPointGroup(t), 'P')
	ref := Reduce([]*Buffer{buf}, testCell())

	if ref.Find(1, 1, 0) != nil {
		t.Fatal("rejected crystal contributed to merge")
	}
}

// Scenario 5: ASU folding. Two crystals observe symmetry-equivalent
// indices under point group mmm ((2,1,3) and its inversion-related
// (-2,-1,-3)); both must fold to the same reference entry so the
// merged redundancy counts both observations.
func TestMergeFoldsSymmetryEquivalents(t *testing.T) {
	pg, err := asu.NewPointGroup("mmm")
	if err != nil {
		t.Fatalf("building point group: %v", err)
	}

	mkCrystal := func(id string, h, k, l int) *xtal.Crystal {
		c := xtal.NewCrystal(id, testCell(), 5e8, 0.001, 0.001, 1e-10)
		c.Observations = []xtal.Observation{
			{H: h, K: k, L: l, IObs: 100, SigmaI: 10, P: 1, Lorentz: 1, S: 1e9},
		}
		return c
	}
	a := mkCrystal("a", 2, 1, 3)
	b := mkCrystal("b", -2, -1, -3)

	buf := NewBuffer()
	Contribute(buf, a, DefaultMinPartiality, pg, 'P')
	Contribute(buf, b, DefaultMinPartiality, pg, 'P')
	ref := Reduce([]*Buffer{buf}, testCell())

	wantH, wantK, wantL := pg.ToASU(2, 1, 3)
	e := ref.Find(wantH, wantK, wantL)
	if e == nil {
		t.Fatal("folded entry not found")
	}
	if e.Redundancy != 2 {
		t.Fatalf("Redundancy = %d, want 2 (both equivalents merged into one entry)", e.Redundancy)
	}
	if ref.Find(-2, -1, -3) != nil && (wantH != -2 || wantK != -1 || wantL != -3) {
		t.Fatal("unfolded index also present as a separate entry")
	}
}

func TestMergeSuppressesBelowMinRedundancy(t *testing.T) {
	c := xtal.NewCrystal("only-one", testCell(), 5e8, 0.001, 0.001, 1e-10)
	c.Observations = []xtal.Observation{
		{H: 3, K: 0, L: 0, IObs: 100, SigmaI: 10, P: 1, Lorentz: 1, S: 1.5e9},
	}

	buf := NewBuffer()
	Contribute(buf, c, DefaultMinPartiality, testPointGroup(t), 'P')
	ref := Reduce([]*Buffer{buf}, testCell())
	ComputeESD(ref, []*xtal.Crystal{c}, DefaultMinPartiality, 2, testPointGroup(t), 'P')

	e := ref.Find(3, 0, 0)
	if e == nil {
		t.Fatal("entry disappeared")
	}
	if !e.Suppressed {
		t.Fatal("entry with redundancy 1 below min_redundancy=2 was not suppressed")
	}
	if e.Redundancy != 1 {
		t.Fatalf("Redundancy = %d, want 1 (preserved even when suppressed)", e.Redundancy)
	}
}
