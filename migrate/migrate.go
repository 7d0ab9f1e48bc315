// Package migrate runs archive cycles: compute the watermark window, stream
// source rows, pack their payloads into shards, upload, and advance the
// watermark exactly once per successful cycle.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/metrics"
	"github.com/datavision/easystore/packer"
	"github.com/datavision/easystore/sidecar"
	"github.com/datavision/easystore/sourcedb"
	"github.com/datavision/easystore/watermark"
)

// Config controls one orchestrator.
type Config struct {
	// BatchSize is how many fetched payloads are handed to the packer at a
	// time. Defaults to the source page size.
	BatchSize int

	// DeleteSourceFiles removes source payloads after the watermark advance
	// covering them. Only files whose shard upload succeeded are deleted.
	DeleteSourceFiles bool
}

// Result is the aggregate outcome of one migration cycle. Per-file problems
// are accumulated in Errors; only infrastructure failures abort a cycle.
type Result struct {
	CycleID string
	Window  watermark.Window

	FilesProcessed int
	FilesMigrated  int
	FilesFailed    int
	ShardsCreated  int
	TotalSizeBytes int64
	Duration       time.Duration
	Errors         []string

	WatermarkAdvanced bool
	ArchivedUntil     time.Time
}

// Orchestrator drives migration cycles. At most one cycle may run per
// Orchestrator at a time; horizontal scale-out uses source sharding in the
// provider, not concurrent cycles.
type Orchestrator struct {
	repo      *watermark.Repository
	provider  *sourcedb.Provider
	store     blobstore.Store
	sidecars  *sidecar.Manager
	files     Files
	packerCfg packer.Config
	cfg       Config
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the orchestrator's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an Orchestrator.
func New(
	repo *watermark.Repository,
	provider *sourcedb.Provider,
	store blobstore.Store,
	sidecars *sidecar.Manager,
	files Files,
	packerCfg packer.Config,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if err := packerCfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = sourcedb.DefaultPageSize
	}
	o := &Orchestrator{
		repo:      repo,
		provider:  provider,
		store:     store,
		sidecars:  sidecars,
		files:     files,
		packerCfg: packerCfg,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type fetchedFile struct {
	packer.File
	location string
}

// RunCycle executes one full migration cycle. An empty window returns a
// zero-count result without touching the watermark.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Result, error) {
	start := o.now()
	result := &Result{CycleID: uuid.NewString()}

	window, err := o.repo.ComputeWindow(ctx, start)
	if err != nil {
		metrics.MigrationCyclesTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	result.Window = window
	o.updatePendingGauge(ctx, window)

	if window.IsEmpty() {
		klog.Infof("cycle %s: window %s is empty, nothing to do", result.CycleID, window)
		result.Duration = o.now().Sub(start)
		metrics.MigrationCyclesTotal.WithLabelValues("success").Inc()
		return result, nil
	}
	klog.Infof("cycle %s: archiving window %s", result.CycleID, window)

	migrated, err := o.runWindow(ctx, window, result)
	if err != nil {
		result.Duration = o.now().Sub(start)
		metrics.MigrationCyclesTotal.WithLabelValues("failure").Inc()
		metrics.MigrationCycleDuration.Observe(result.Duration.Seconds())
		return nil, err
	}

	if result.FilesMigrated > 0 {
		cutoff, advanced, err := o.repo.AdvanceCutoff(ctx, start)
		if err != nil {
			metrics.MigrationCyclesTotal.WithLabelValues("failure").Inc()
			return nil, err
		}
		result.WatermarkAdvanced = advanced
		result.ArchivedUntil = cutoff
	}

	// Source cleanup runs only once the watermark covering these rows has
	// been advanced, so a crash can never lose payloads.
	if o.cfg.DeleteSourceFiles && result.WatermarkAdvanced {
		for _, f := range migrated {
			if err := o.files.Remove(ctx, f.location); err != nil {
				msg := fmt.Sprintf("failed to delete source %s: %v", f.location, err)
				result.Errors = append(result.Errors, msg)
				klog.Warning(msg)
			}
		}
	}

	result.Duration = o.now().Sub(start)
	metrics.MigrationCyclesTotal.WithLabelValues("success").Inc()
	metrics.MigrationCycleDuration.Observe(result.Duration.Seconds())
	metrics.MigratedFilesTotal.Add(float64(result.FilesMigrated))
	metrics.MigratedBytesTotal.Add(float64(result.TotalSizeBytes))
	klog.Infof("cycle %s done: processed=%d migrated=%d failed=%d shards=%d bytes=%d advanced=%v",
		result.CycleID, result.FilesProcessed, result.FilesMigrated, result.FilesFailed,
		result.ShardsCreated, result.TotalSizeBytes, result.WatermarkAdvanced)
	return result, nil
}

// runWindow streams the window and packs payloads in batches, returning the
// successfully migrated files. Per-file fetch failures are recorded and
// skipped; packer/blob-store failures abort.
func (o *Orchestrator) runWindow(ctx context.Context, window watermark.Window, result *Result) ([]fetchedFile, error) {
	pk, err := packer.New(o.store, o.sidecars, o.packerCfg)
	if err != nil {
		return nil, err
	}

	var batch []fetchedFile
	var migrated []fetchedFile

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		files := make([]packer.File, len(batch))
		for i, f := range batch {
			files[i] = f.File
		}
		packResult, err := pk.Pack(ctx, files)
		if err != nil {
			return fmt.Errorf("cycle %s: packing failed: %w", result.CycleID, err)
		}
		result.FilesMigrated += packResult.FilesPacked
		result.ShardsCreated += len(packResult.Shards)
		result.TotalSizeBytes += packResult.BytesPacked
		migrated = append(migrated, batch...)
		batch = batch[:0]
		return nil
	}

	cursor := o.provider.Records(window)
	for {
		rec, ok, err := cursor.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("cycle %s: source iteration failed: %w", result.CycleID, err)
		}
		if !ok {
			break
		}
		result.FilesProcessed++

		payload, err := o.files.Fetch(ctx, rec.FileLocation)
		if err != nil {
			result.FilesFailed++
			msg := fmt.Sprintf("fetch failed for uid %s at %s: %v", rec.UID, rec.FileLocation, err)
			result.Errors = append(result.Errors, msg)
			klog.Warning(msg)
			continue
		}
		batch = append(batch, fetchedFile{
			File:     packer.File{UID: rec.UID, CreatedAt: rec.CreatedAt, Payload: payload},
			location: rec.FileLocation,
		})
		if len(batch) >= o.cfg.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return migrated, nil
}

func (o *Orchestrator) updatePendingGauge(ctx context.Context, window watermark.Window) {
	stats, err := o.provider.Statistics(ctx, window)
	if err != nil {
		klog.V(2).Infof("failed to update pending metrics: %v", err)
		return
	}
	metrics.MigrationPendingFiles.Set(float64(stats.Count))
}
