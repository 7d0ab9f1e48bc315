package main

import (
	"database/sql"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/datavision/easystore/shardcodec"
	"github.com/datavision/easystore/sourcedb"
	"github.com/datavision/easystore/watermark"
)

func newCmd_Stats() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Inspect shard files and pending archive work.",
		Subcommands: []*cli.Command{
			{
				Name:  "shard",
				Usage: "Print the contents summary of a local shard file.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Usage:    "path to a .des shard file",
						Required: true,
					},
				},
				Action: func(cctx *cli.Context) error {
					return printShardStats(cctx.String("file"))
				},
			},
			{
				Name:  "archive",
				Usage: "Print what the next migration cycle would pick up.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Usage:    "path to the DES config file (YAML or JSON)",
						EnvVars:  []string{"DES_CONFIG"},
						Required: true,
					},
				},
				Action: func(cctx *cli.Context) error {
					ctx := cctx.Context
					cfg, err := LoadConfig(cctx.String("config"))
					if err != nil {
						return err
					}
					if cfg.DB.Driver == "" || cfg.DB.DSN == "" {
						return fmt.Errorf("archive stats require database.driver and database.dsn")
					}
					db, err := sql.Open(cfg.DB.Driver, cfg.DB.DSN)
					if err != nil {
						return fmt.Errorf("failed to open source database: %w", err)
					}
					defer db.Close()

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
					})
					if err != nil {
						return err
					}
					return printArchiveStatistics(ctx, repo, provider)
				},
			},
		},
	}
}

func printShardStats(path string) error {
	reader, err := shardcodec.OpenFile(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	var (
		inline, bigFiles          int
		storedBytes, logicalBytes uint64
	)
	byCodec := make(map[string]int)
	err = reader.Index().Each(func(e *shardcodec.Entry) error {
		if e.IsBigFile {
			bigFiles++
			logicalBytes += e.BigFileSize
			return nil
		}
		inline++
		byCodec[e.Codec.String()]++
		storedBytes += e.CompressedSize
		logicalBytes += e.UncompressedSize
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("file:            %s\n", path)
	fmt.Printf("format version:  %d\n", reader.Version())
	fmt.Printf("entries:         %d (%d inline, %d bigfile)\n", reader.Index().Len(), inline, bigFiles)
	fmt.Printf("logical size:    %s\n", humanize.Bytes(logicalBytes))
	fmt.Printf("stored inline:   %s\n", humanize.Bytes(storedBytes))
	for codec, n := range byCodec {
		fmt.Printf("codec %-6s     %d entries\n", codec, n)
	}
	return nil
}
