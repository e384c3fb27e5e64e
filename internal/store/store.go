// Package store provides durable SQLite persistence of merge runs and
// their final merged reflection lists (C9): a thin DB wrapper over
// database/sql backed by modernc.org/sqlite, with schema managed by
// golang-migrate. This is an output sink the orchestrator writes to
// after a run finishes; it never participates in the scale/refine/
// merge math.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/latticeforge/sxmerge/internal/reftable"
)

// DB wraps a sqlite connection with the merge-run schema.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the sqlite database at path. Callers
// must run MigrateUp before using CreateRun/SaveReflections.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %q: %w", path, err)
	}
	return &DB{sqlDB}, nil
}

// RunMeta captures the descriptive metadata recorded for one
// orchestrator run.
type RunMeta struct {
	ID                             string
	PointGroup                     string
	CellA, CellB, CellC            float64
	CellAlpha, CellBeta, CellGamma float64
	Centering                      string
	ConfigJSON                     string
}

// CreateRun inserts a new merge_runs row and returns its ID (a fresh
// UUID if meta.ID is empty).
func (db *DB) CreateRun(meta RunMeta) (string, error) {
	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := db.Exec(`
		INSERT INTO merge_runs
			(id, point_group, cell_a, cell_b, cell_c, cell_alpha, cell_beta, cell_gamma, centering, config_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, meta.PointGroup, meta.CellA, meta.CellB, meta.CellC,
		meta.CellAlpha, meta.CellBeta, meta.CellGamma, meta.Centering, meta.ConfigJSON,
		time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("store: creating run: %w", err)
	}
	return id, nil
}

// FinishRun records a run's completion state.
func (db *DB) FinishRun(runID string, macrocyclesRun int, converged bool) error {
	_, err := db.Exec(`
		UPDATE merge_runs SET finished_at = ?, macrocycles_run = ?, converged = ?
		WHERE id = ?`,
		time.Now().UTC(), macrocyclesRun, converged, runID)
	if err != nil {
		return fmt.Errorf("store: finishing run %s: %w", runID, err)
	}
	return nil
}

// SaveReflections bulk-inserts the final merged reflection list for a
// run inside one transaction.
func (db *DB) SaveReflections(runID string, entries []*reftable.Entry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO merged_reflections (run_id, h, k, l, i_full, sigma_full, redundancy, suppressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(runID, e.H, e.K, e.L, e.IFull, e.SigmaFull, e.Redundancy, e.Suppressed); err != nil {
			return fmt.Errorf("store: inserting reflection (%d,%d,%d): %w", e.H, e.K, e.L, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing reflections: %w", err)
	}
	return nil
}

// MergedReflection is one row loaded back from merged_reflections, for
// the reporter.
type MergedReflection struct {
	H, K, L    int
	IFull      float64
	SigmaFull  float64
	Redundancy int
	Suppressed bool
}

// LoadReflections returns every reflection recorded for a run.
func (db *DB) LoadReflections(runID string) ([]MergedReflection, error) {
	rows, err := db.Query(`
		SELECT h, k, l, i_full, sigma_full, redundancy, suppressed
		FROM merged_reflections WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: loading reflections for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []MergedReflection
	for rows.Next() {
		var r MergedReflection
		if err := rows.Scan(&r.H, &r.K, &r.L, &r.IFull, &r.SigmaFull, &r.Redundancy, &r.Suppressed); err != nil {
			return nil, fmt.Errorf("store: scanning reflection row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
