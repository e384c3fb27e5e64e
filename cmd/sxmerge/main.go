// Command sxmerge runs the scaling / post-refinement / merging engine
// against a synthetic dataset (file-backed streams are not read; the
// -stream flag only logs that fact), serving a convergence
// report and status endpoint over HTTP while it runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/latticeforge/sxmerge/internal/asu"
	sxconfig "github.com/latticeforge/sxmerge/internal/config"
	"github.com/latticeforge/sxmerge/internal/geom"
	"github.com/latticeforge/sxmerge/internal/orchestrate"
	"github.com/latticeforge/sxmerge/internal/report"
	"github.com/latticeforge/sxmerge/internal/store"
	"github.com/latticeforge/sxmerge/internal/streamsrc"
	"github.com/latticeforge/sxmerge/internal/xtal"
)

var (
	streamPath  = flag.String("stream", "", "path to a stream fixture (unused; empty generates a synthetic dataset)")
	pointGroup  = flag.String("pg", "1", "point-group identifier, e.g. \"4/mmm\"")
	cellSpec    = flag.String("cell", "", "six comma-separated reals a,b,c,alpha,beta,gamma plus a centering letter, e.g. \"79,79,38,90,90,90,P\"")
	workers     = flag.Int("workers", runtime.NumCPU(), "worker pool size")
	macrocycles = flag.Int("macrocycles", 3, "maximum macrocycles")
	dbPath      = flag.String("db", "sxmerge.db", "path to the sqlite database file")
	listenAddr  = flag.String("listen", ":8090", "HTTP listen address for report/status endpoints")
	noScale     = flag.Bool("no-scale", false, "skip scaling, apply only merge")
	configPath  = flag.String("config", "", "path to a JSON configuration file overriding defaults")
)

func main() {
	flag.Parse()

	cfg := sxconfig.Empty()
	if *configPath != "" {
		loaded, err := sxconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("sxmerge: loading config: %v", err)
		}
		cfg = loaded
	}

	pgIdentifier := *pointGroup
	if pgIdentifier == "1" && cfg.GetPointGroup() != "1" {
		pgIdentifier = cfg.GetPointGroup()
	}
	pg, err := asu.NewPointGroup(pgIdentifier)
	if err != nil {
		log.Fatalf("sxmerge: invalid point group %q: %v", pgIdentifier, err)
	}

	var cell geom.Cell
	centering := byte('P')
	if *cellSpec != "" {
		c, cent, err := parseCell(*cellSpec)
		if err != nil {
			log.Fatalf("sxmerge: invalid -cell: %v", err)
		}
		cell = c
		centering = cent
	} else {
		cell = geom.Cell{
			AStar: geom.Vec3{X: 2e9, Y: 0, Z: 0},
			BStar: geom.Vec3{X: 0, Y: 2e9, Z: 0},
			CStar: geom.Vec3{X: 0, Y: 0, Z: 2e9},
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	crystals := loadCrystals(ctx, cell)
	log.Printf("sxmerge: loaded %d crystals", len(crystals))

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("sxmerge: opening database: %v", err)
	}
	if err := db.MigrateUp("store/migrations"); err != nil {
		log.Fatalf("sxmerge: running migrations: %v", err)
	}

	cellA, cellB, cellC, cellAlpha, cellBeta, cellGamma := cell.LengthsAndAngles()
	runID, err := db.CreateRun(store.RunMeta{
		PointGroup: pgIdentifier,
		CellA:      cellA, CellB: cellB, CellC: cellC,
		CellAlpha: cellAlpha, CellBeta: cellBeta, CellGamma: cellGamma,
		Centering: string(centering),
	})
	if err != nil {
		log.Fatalf("sxmerge: creating run record: %v", err)
	}

	// As with -pg, a flag left at its default yields to the config file.
	maxMacrocycles := *macrocycles
	if maxMacrocycles == 3 {
		maxMacrocycles = cfg.GetMaxMacrocycles()
	}
	nWorkers := *workers
	if nWorkers == runtime.NumCPU() {
		nWorkers = cfg.GetWorkers(nWorkers)
	}

	orchCfg := orchestrate.Config{
		MinPartialityScale: cfg.GetMinPartialityScale(),
		MinPartialityMerge: cfg.GetMinPartialityMerge(),
		MaxScaleCycles:     cfg.GetMaxScaleCycles(),
		MaxPRCycles:        cfg.GetMaxPRCycles(),
		MaxMacrocycles:     maxMacrocycles,
		ScaleConvergence:   cfg.GetScaleConvergence(),
		PRShiftConvergence: cfg.GetPRShiftConvergence(),
		MinRedundancy:      cfg.GetMinRedundancy(),
		ScaleBounds:        cfg.GetScaleBounds(),
		NoScale:            *noScale || cfg.GetNoScale(),
		Workers:            nWorkers,
		PartialityModel:    geom.CubicModel{},
		PointGroup:         pg,
		Centering:          centering,
	}
	if err := orchCfg.Validate(); err != nil {
		log.Fatalf("sxmerge: invalid configuration: %v", err)
	}

	var running atomic.Bool
	running.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"running":%v,"crystals":%d,"run_id":%q}`, running.Load(), len(crystals), runID)
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Printf("sxmerge: serving status/report on %s", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("sxmerge: HTTP server error: %v", err)
		}
	}()

	log.Printf("sxmerge: starting macrocycle loop (max %d, workers %d)", orchCfg.MaxMacrocycles, orchCfg.Workers)
	outcome := orchestrate.Run(ctx, crystals, orchCfg, 5*time.Minute)
	running.Store(false)

	log.Printf("sxmerge: finished after %d macrocycles, converged=%v, rejected-per-cycle=%v",
		outcome.Macrocycles, outcome.Converged, outcome.RejectedCounts)

	if err := db.SaveReflections(runID, outcome.Reference.Iter()); err != nil {
		log.Printf("sxmerge: saving reflections: %v", err)
	}
	if err := db.FinishRun(runID, outcome.Macrocycles, outcome.Converged); err != nil {
		log.Printf("sxmerge: finishing run record: %v", err)
	}

	mux.Handle("/report", report.Handler(crystals, outcome.Reference.Iter()))
	log.Printf("sxmerge: report available at %s/report (Ctrl-C to exit)", *listenAddr)

	<-ctx.Done()
	log.Println("sxmerge: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("sxmerge: HTTP server shutdown error: %v", err)
	}
}

func loadCrystals(ctx context.Context, cell geom.Cell) []*xtal.Crystal {
	if *streamPath != "" {
		log.Printf("sxmerge: file-backed streams are not implemented; generating a synthetic dataset instead")
	}

	gen := streamsrc.NewSynthetic(1)
	gen.Cell = cell

	var crystals []*xtal.Crystal
	for {
		chunk, ok, err := gen.Next(ctx)
		if err != nil {
			log.Fatalf("sxmerge: reading stream: %v", err)
		}
		if !ok {
			break
		}
		for _, cr := range chunk.Crystals {
			c := xtal.NewCrystal(cr.ID, cr.Cell, cr.ProfileRadius, cr.Divergence, cr.Bandwidth, cr.Wavelength)
			for _, o := range cr.Observations {
				c.Observations = append(c.Observations, xtal.Observation{
					H: o.H, K: o.K, L: o.L,
					IObs: o.I, SigmaI: o.SigmaI,
					P: o.P, Lorentz: o.Lorentz, S: o.S,
					ClampLow: o.ClampLow, ClampHigh: o.ClampHigh,
				})
			}
			crystals = append(crystals, c)
		}
	}
	return crystals
}

func parseCell(spec string) (geom.Cell, byte, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 7 {
		return geom.Cell{}, 0, fmt.Errorf("expected 7 comma-separated fields (a,b,c,alpha,beta,gamma,centering), got %d", len(parts))
	}
	vals := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return geom.Cell{}, 0, fmt.Errorf("parsing field %d: %w", i, err)
		}
		vals[i] = v
	}
	centeringStr := strings.TrimSpace(parts[6])
	if len(centeringStr) != 1 {
		return geom.Cell{}, 0, fmt.Errorf("centering must be a single letter (P,A,B,C,I,F,R), got %q", parts[6])
	}
	centering := centeringStr[0]

	// Orthogonal approximation of the direct-to-reciprocal conversion
	// for axis-aligned cells; non-orthogonal cells require the full
	// metric-tensor inversion, which the stream/indexing collaborator
	// is expected to have already applied before handing over a*,b*,c*.
	a, b, c := vals[0], vals[1], vals[2]
	if a <= 0 || b <= 0 || c <= 0 {
		return geom.Cell{}, 0, fmt.Errorf("cell lengths must be positive, got a=%v b=%v c=%v", a, b, c)
	}
	return geom.Cell{
		AStar: geom.Vec3{X: 1 / a, Y: 0, Z: 0},
		BStar: geom.Vec3{X: 0, Y: 1 / b, Z: 0},
		CStar: geom.Vec3{X: 0, Y: 0, Z: 1 / c},
	}, centering, nil
}
