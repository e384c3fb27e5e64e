package report

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/latticeforge/sxmerge/internal/geom"
	"github.com/latticeforge/sxmerge/internal/reftable"
	"github.com/latticeforge/sxmerge/internal/xtal"
)

func TestResolutionShellsBinsByResolution(t *testing.T) {
	tb := reftable.New()
	e1 := tb.Add(1, 0, 0)
	e1.Resolution = 0.1
	e1.Redundancy = 4
	e1.IFull = 100
	e1.SigmaFull = 5
	e2 := tb.Add(2, 0, 0)
	e2.Resolution = 0.9
	e2.Redundancy = 2
	e2.IFull = 50
	e2.SigmaFull = 10

	shells := ResolutionShells(tb.Iter(), 10)
	if len(shells) != 10 {
		t.Fatalf("len(shells) = %d, want 10", len(shells))
	}
	total := 0
	for _, s := range shells {
		total += s.Count
	}
	if total != 2 {
		t.Fatalf("total count across shells = %d, want 2", total)
	}
}

func TestResolutionShellsSkipsSuppressed(t *testing.T) {
	tb := reftable.New()
	e := tb.Add(1, 1, 1)
	e.Resolution = 0.5
	e.Redundancy = 1
	e.Suppressed = true

	shells := ResolutionShells(tb.Iter(), 5)
	for _, s := range shells {
		if s.Count != 0 {
			t.Fatalf("suppressed entry counted in shell stats: %+v", s)
		}
	}
}

func TestHandlerRendersHTML(t *testing.T) {
	cell := geom.Cell{AStar: geom.Vec3{X: 1e9}, BStar: geom.Vec3{Y: 1e9}, CStar: geom.Vec3{Z: 1e9}}
	crystals := []*xtal.Crystal{
		xtal.NewCrystal("a", cell, 5e8, 0.001, 0.001, 1e-10),
	}
	crystals[0].G = 1.2

	tb := reftable.New()
	e := tb.Add(1, 0, 0)
	e.IFull = 100
	e.Redundancy = 3
	e.Resolution = 0.2

	h := Handler(crystals, tb.Iter())
	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<table") {
		t.Fatal("response body missing resolution-shell table")
	}
}
