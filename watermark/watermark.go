// Package watermark manages the archive cutoff state: a singleton row
// recording how far (by created_at) the source table has been archived.
// The source table itself is never written; all ingest state lives here.
package watermark

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/datavision/easystore/metrics"
)

// Table is the DES-owned table holding the singleton watermark row.
const Table = "des_archive_config"

// Config is the watermark row: everything archived has
// created_at <= ArchivedUntil, and rows younger than LagDays are left alone.
type Config struct {
	ArchivedUntil time.Time
	LagDays       int
}

// Window is the half-open archive interval (Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// IsEmpty reports whether the window selects no rows.
func (w Window) IsEmpty() bool {
	return !w.End.After(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("(%s, %s]", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// FloorToMidnight truncates a timestamp to 00:00:00 UTC of its day.
func FloorToMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Repository reads and advances the watermark row.
type Repository struct {
	db *sql.DB
}

// NewRepository returns a Repository over db.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureInitialized creates the watermark table and seeds the singleton row
// if either is missing. Safe to call on every startup.
func (r *Repository) EnsureInitialized(ctx context.Context, defaultArchivedUntil time.Time, defaultLagDays int) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+Table+` (
			id             INTEGER PRIMARY KEY,
			archived_until TIMESTAMP NOT NULL,
			lag_days       INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", Table, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO `+Table+` (id, archived_until, lag_days)
		SELECT 1, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM `+Table+` WHERE id = 1)`,
		defaultArchivedUntil.UTC(), defaultLagDays)
	if err != nil {
		return fmt.Errorf("failed to seed %s: %w", Table, err)
	}
	return nil
}

// GetConfig reads the watermark row.
func (r *Repository) GetConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := r.db.QueryRowContext(ctx,
		`SELECT archived_until, lag_days FROM `+Table+` WHERE id = 1`).
		Scan(&cfg.ArchivedUntil, &cfg.LagDays)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	cfg.ArchivedUntil = cfg.ArchivedUntil.UTC()
	return cfg, nil
}

// target is the newest created_at eligible for archiving at the given time.
func target(now time.Time, lagDays int) time.Time {
	return FloorToMidnight(now.UTC().AddDate(0, 0, -lagDays))
}

// ComputeWindow returns the archive window (archived_until, target]; it may
// be empty when the watermark has already reached the target.
func (r *Repository) ComputeWindow(ctx context.Context, now time.Time) (Window, error) {
	cfg, err := r.GetConfig(ctx)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: cfg.ArchivedUntil, End: target(now, cfg.LagDays)}, nil
}

// AdvanceCutoff moves archived_until forward to the current target. The
// update is guarded so the watermark never moves backwards; it returns the
// new cutoff and whether the row changed.
func (r *Repository) AdvanceCutoff(ctx context.Context, now time.Time) (time.Time, bool, error) {
	cfg, err := r.GetConfig(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	to := target(now, cfg.LagDays)
	if !to.After(cfg.ArchivedUntil) {
		return cfg.ArchivedUntil, false, nil
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE `+Table+` SET archived_until = ? WHERE id = 1 AND archived_until < ?`,
		to, to)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, err
	}
	if n == 0 {
		// A concurrent writer got there first; re-read the row.
		cfg, err := r.GetConfig(ctx)
		if err != nil {
			return time.Time{}, false, err
		}
		return cfg.ArchivedUntil, false, nil
	}
	metrics.ArchivedUntil.Set(float64(to.Unix()))
	klog.Infof("watermark advanced: %s -> %s",
		cfg.ArchivedUntil.Format(time.RFC3339), to.Format(time.RFC3339))
	return to, true, nil
}
