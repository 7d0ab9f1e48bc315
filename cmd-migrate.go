package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/migrate"
	"github.com/datavision/easystore/sidecar"
	"github.com/datavision/easystore/sourcedb"
	"github.com/datavision/easystore/watermark"
)

func newCmd_Migrate() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run archive cycles: pack eligible source rows into shards and advance the watermark.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "path to the DES config file (YAML or JSON)",
				EnvVars:  []string{"DES_CONFIG"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "print window statistics without packing or advancing the watermark",
			},
			&cli.BoolFlag{
				Name:  "continuous",
				Usage: "keep running cycles until interrupted",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "pause between cycles in continuous mode",
				Value: time.Hour,
			},
		},
		Action: func(cctx *cli.Context) error {
			ctx := cctx.Context
			cfg, err := LoadConfig(cctx.String("config"))
			if err != nil {
				return err
			}
			if cfg.Backend == BackendMultiS3 {
				return fmt.Errorf("migration writes to a single backend; multi_s3 is read-only")
			}
			if cfg.DB.Driver == "" || cfg.DB.DSN == "" {
				return fmt.Errorf("migration requires database.driver and database.dsn")
			}

			db, err := sql.Open(cfg.DB.Driver, cfg.DB.DSN)
			if err != nil {
				return fmt.Errorf("failed to open source database: %w", err)
			}
			defer db.Close()
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("failed to reach source database: %w", err)
			}

			repo := watermark.NewRepository(db)
			if err := repo.EnsureInitialized(ctx, cfg.BackfillStartTime(), cfg.Migration.LagDays); err != nil {
				return err
			}
			provider, err := sourcedb.NewProvider(db, sourcedb.Config{
				Table:          cfg.DB.Table,
				UIDColumn:      cfg.DB.UIDColumn,
				CreatedAtCol:   cfg.DB.CreatedAtColumn,
				LocationColumn: cfg.DB.LocationColumn,
				SizeColumn:     cfg.DB.SizeColumn,
				PageSize:       cfg.DB.PageSize,
				ShardsTotal:    cfg.DB.ShardsTotal,
				ShardID:        cfg.DB.ShardID,
			})
			if err != nil {
				return err
			}

			if cctx.Bool("dry-run") {
				return printArchiveStatistics(ctx, repo, provider)
			}

			orch, err := buildOrchestrator(ctx, cfg, repo, provider)
			if err != nil {
				return err
			}

			interval := cctx.Duration("interval")
			for {
				result, err := orch.RunCycle(ctx)
				if err != nil {
					return err
				}
				for _, msg := range result.Errors {
					klog.Errorf("cycle %s: %s", result.CycleID, msg)
				}
				if !cctx.Bool("continuous") {
					return nil
				}
				klog.V(2).Infof("next cycle in %s", interval)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
}

func buildOrchestrator(ctx context.Context, cfg *Config, repo *watermark.Repository, provider *sourcedb.Provider) (*migrate.Orchestrator, error) {
	store, err := cfg.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	sidecars, err := sidecar.NewManager(store, defaultSidecarCacheSize)
	if err != nil {
		return nil, err
	}
	compCfg, err := cfg.CompressionConfig()
	if err != nil {
		return nil, err
	}

	files := migrate.Files{Local: migrate.LocalFiles{}}
	if cfg.Backend == BackendS3 || cfg.S3.Bucket != "" {
		client, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		files.S3 = migrate.NewS3Files(client)
	}

	return migrate.New(repo, provider, store, sidecars, files,
		packerConfig(cfg, compCfg),
		migrate.Config{
			BatchSize:         cfg.Migration.BatchSize,
			DeleteSourceFiles: cfg.Migration.DeleteSourceFiles,
		},
	)
}

// printArchiveStatistics reports what the next cycle would pick up.
func printArchiveStatistics(ctx context.Context, repo *watermark.Repository, provider *sourcedb.Provider) error {
	window, err := repo.ComputeWindow(ctx, time.Now())
	if err != nil {
		return err
	}
	if window.IsEmpty() {
		fmt.Printf("window %s is empty; nothing to archive\n", window)
		return nil
	}
	stats, err := provider.Statistics(ctx, window)
	if err != nil {
		return err
	}
	fmt.Printf("window:      %s\n", window)
	fmt.Printf("files:       %d\n", stats.Count)
	fmt.Printf("total size:  %s\n", humanize.Bytes(uint64(stats.TotalSize)))
	if !stats.Oldest.IsZero() {
		fmt.Printf("oldest:      %s\n", stats.Oldest.Format(time.RFC3339))
		fmt.Printf("newest:      %s\n", stats.Newest.Format(time.RFC3339))
	}
	return nil
}
