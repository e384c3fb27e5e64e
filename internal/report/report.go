// Package report renders an HTML summary of a finished run: a
// scale-factor histogram, a resolution-shell redundancy table, and a
// Wilson-plot-style scatter of ln(I_full) vs s^2. Grounded on the
// teacher's go-echarts handler style (one HTTP handler per chart,
// charts.* / opts.* construction, buffered render).
package report

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/latticeforge/sxmerge/internal/reftable"
	"github.com/latticeforge/sxmerge/internal/xtal"
)

// ShellStats summarises one resolution shell for the shell table.
// SMin/SMax bound the shell in s^2.
type ShellStats struct {
	SMin, SMax     float64
	Count          int
	MeanRedundancy float64
	MeanSigmaOverI float64
}

// ResolutionShells bins the merged reflection list into nShells shells
// of equal reciprocal-space volume (boundaries spaced so s^3 grows
// linearly, since the volume enclosed by radius s is proportional to
// s^3), and returns per-shell aggregate statistics. Entries are
// assigned to shells by s; the shell bounds are reported in s^2
// (SMin/SMax), the quantity the Wilson-plot scatter plots.
func ResolutionShells(entries []*reftable.Entry, nShells int) []ShellStats {
	if nShells < 1 {
		nShells = 1
	}
	sMax := 0.0
	for _, e := range entries {
		if e.Resolution > sMax {
			sMax = e.Resolution
		}
	}
	if sMax == 0 {
		sMax = 1
	}

	// bounds[i] is the s value enclosing an i/nShells fraction of the
	// total volume out to sMax.
	bounds := make([]float64, nShells+1)
	for i := range bounds {
		bounds[i] = sMax * math.Cbrt(float64(i)/float64(nShells))
	}

	shells := make([]ShellStats, nShells)
	for i := range shells {
		shells[i].SMin = bounds[i] * bounds[i]
		shells[i].SMax = bounds[i+1] * bounds[i+1]
	}

	sums := make([]float64, nShells)
	ratioSums := make([]float64, nShells)
	counts := make([]int, nShells)

	shellIndex := func(s float64) int {
		idx := sort.Search(nShells, func(i int) bool { return bounds[i+1] > s })
		if idx >= nShells {
			idx = nShells - 1
		}
		return idx
	}

	for _, e := range entries {
		if e.Suppressed {
			continue
		}
		idx := shellIndex(e.Resolution)
		counts[idx]++
		sums[idx] += float64(e.Redundancy)
		if e.IFull > 0 {
			ratioSums[idx] += e.SigmaFull / e.IFull
		}
	}

	for i := range shells {
		shells[i].Count = counts[i]
		if counts[i] > 0 {
			shells[i].MeanRedundancy = sums[i] / float64(counts[i])
			shells[i].MeanSigmaOverI = ratioSums[i] / float64(counts[i])
		}
	}
	return shells
}

// scaleHistogram renders the scale-factor histogram for all
// non-rejected crystals.
func scaleHistogram(crystals []*xtal.Crystal) *charts.Bar {
	const bins = 20
	gMin, gMax := math.Inf(1), math.Inf(-1)
	for _, c := range crystals {
		if c.Rejected() {
			continue
		}
		if c.G < gMin {
			gMin = c.G
		}
		if c.G > gMax {
			gMax = c.G
		}
	}
	if math.IsInf(gMin, 1) {
		gMin, gMax = 0, 1
	}
	if gMax == gMin {
		gMax = gMin + 1
	}
	width := (gMax - gMin) / bins

	counts := make([]int, bins)
	labels := make([]string, bins)
	for i := 0; i < bins; i++ {
		labels[i] = fmt.Sprintf("%.3f", gMin+float64(i)*width)
	}
	for _, c := range crystals {
		if c.Rejected() {
			continue
		}
		idx := int((c.G - gMin) / width)
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}

	items := make([]opts.BarData, bins)
	for i, n := range counts {
		items[i] = opts.BarData{Value: n}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Scale Factor (G) Distribution"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "G"}),
	)
	bar.SetXAxis(labels).AddSeries("crystals", items)
	return bar
}

// wilsonScatter renders ln(I_full) vs s^2 for a sample of reflections,
// the same quantity the scaler's regression operates on.
func wilsonScatter(entries []*reftable.Entry, maxPoints int) *charts.Scatter {
	data := make([]opts.ScatterData, 0, maxPoints)
	for _, e := range entries {
		if e.Suppressed || e.IFull <= 0 {
			continue
		}
		s2 := e.Resolution * e.Resolution
		data = append(data, opts.ScatterData{Value: []interface{}{s2, math.Log(e.IFull)}})
		if len(data) >= maxPoints {
			break
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Wilson Plot", Subtitle: "ln(I_full) vs s^2"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "s^2"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ln(I_full)"}),
	)
	scatter.AddSeries("reflections", data)
	return scatter
}

// shellTableHTML renders the resolution-shell statistics as an HTML
// table string, which Render appends after the charts.
func shellTableHTML(shells []ShellStats) string {
	var buf bytes.Buffer
	buf.WriteString(`<table border="1" cellpadding="4" style="border-collapse:collapse"><tr>` +
		`<th>s^2 range</th><th>count</th><th>mean redundancy</th><th>mean sigma/I</th></tr>`)
	for _, s := range shells {
		fmt.Fprintf(&buf, "<tr><td>%.4g - %.4g</td><td>%d</td><td>%.2f</td><td>%.4f</td></tr>",
			s.SMin, s.SMax, s.Count, s.MeanRedundancy, s.MeanSigmaOverI)
	}
	buf.WriteString("</table>")
	return buf.String()
}

// Render writes a full HTML page summarising the run to w: a
// scale-factor histogram, a Wilson-plot scatter, and a resolution-
// shell table.
func Render(w http.ResponseWriter, crystals []*xtal.Crystal, entries []*reftable.Entry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Resolution < entries[j].Resolution })

	page := components.NewPage()
	page.AddCharts(scaleHistogram(crystals), wilsonScatter(entries, 2000))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("report: rendering page: %w", err)
	}

	shells := ResolutionShells(entries, 10)
	buf.WriteString(shellTableHTML(shells))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := w.Write(buf.Bytes())
	return err
}

// Handler returns a net/http.Handler that renders the report for a
// fixed snapshot of crystals and merged entries, following the
// teacher's one-mux-named-handlers pattern.
func Handler(crystals []*xtal.Crystal, entries []*reftable.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Render(w, crystals, entries); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
