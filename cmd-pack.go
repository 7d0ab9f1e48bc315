package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/compression"
	"github.com/datavision/easystore/packer"
	"github.com/datavision/easystore/routing"
	"github.com/datavision/easystore/sidecar"
)

// manifestEntry is one line of the pack manifest: a file to archive with its
// identity and where to read the payload from.
type manifestEntry struct {
	UID        string `json:"uid"`
	CreatedAt  string `json:"created_at"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	SourcePath string `json:"source_path"`
}

func newCmd_Pack() *cli.Command {
	return &cli.Command{
		Name:  "pack",
		Usage: "Pack a manifest of local files into shard containers under a local output directory.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input-json",
				Usage:    "JSON manifest: array of {uid, created_at, source_path}",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output-dir",
				Usage:    "directory that receives the shard tree",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "key prefix inside the output directory",
			},
			&cli.IntFlag{
				Name:  "n-bits",
				Usage: "shard-index bits",
				Value: routing.DefaultBits,
			},
			&cli.Int64Flag{
				Name:  "max-shard-size",
				Usage: "soft payload budget per shard in bytes",
				Value: packer.DefaultMaxShardSize,
			},
			&cli.StringFlag{
				Name:  "compression",
				Usage: "compression profile: aggressive, balanced or speed",
				Value: string(compression.ProfileBalanced),
			},
			&cli.BoolFlag{
				Name:  "no-sidecars",
				Usage: "skip writing .meta sidecar documents",
			},
		},
		Action: func(cctx *cli.Context) error {
			ctx := cctx.Context

			manifestData, err := os.ReadFile(cctx.String("input-json"))
			if err != nil {
				return fmt.Errorf("failed to read manifest: %w", err)
			}
			var manifest []manifestEntry
			if err := json.Unmarshal(manifestData, &manifest); err != nil {
				return fmt.Errorf("invalid manifest: %w", err)
			}
			if len(manifest) == 0 {
				return fmt.Errorf("manifest is empty")
			}

			compCfg, err := compression.ProfileConfig(compression.Profile(cctx.String("compression")))
			if err != nil {
				return err
			}

			store, err := blobstore.NewLocal(cctx.String("output-dir"))
			if err != nil {
				return err
			}
			publishSidecars := !cctx.Bool("no-sidecars")
			var sidecars *sidecar.Manager
			if publishSidecars {
				sidecars, err = sidecar.NewManager(store, defaultSidecarCacheSize)
				if err != nil {
					return err
				}
			}
			p, err := packer.New(store, sidecars, packer.Config{
				NBits:           cctx.Int("n-bits"),
				MaxShardSize:    cctx.Int64("max-shard-size"),
				Prefix:          cctx.String("prefix"),
				Compression:     compCfg,
				PublishSidecars: publishSidecars,
			})
			if err != nil {
				return err
			}

			bar := progressbar.Default(int64(len(manifest)), "reading files")
			files := make([]packer.File, 0, len(manifest))
			for _, e := range manifest {
				createdAt, err := parseTimestamp(e.CreatedAt)
				if err != nil {
					return fmt.Errorf("uid %q: created_at: %w", e.UID, err)
				}
				payload, err := os.ReadFile(e.SourcePath)
				if err != nil {
					return fmt.Errorf("uid %q: %w", e.UID, err)
				}
				files = append(files, packer.File{UID: e.UID, CreatedAt: createdAt, Payload: payload})
				bar.Add(1)
			}
			bar.Finish()

			started := time.Now()
			result, err := p.Pack(ctx, files)
			if err != nil {
				return err
			}
			klog.Infof("packed %d files in %s", result.FilesPacked, time.Since(started).Round(time.Millisecond))

			for _, s := range result.Shards {
				fmt.Printf("%s  %d files  %s\n",
					s.ObjectKey, s.FileCount, humanize.Bytes(uint64(s.TotalSize)))
				for _, hash := range s.BigFileHashes {
					fmt.Printf("  bigfile %s\n", hash)
				}
			}
			fmt.Printf("total: %d shards, %d files, %s\n",
				len(result.Shards), result.FilesPacked, humanize.Bytes(uint64(result.BytesPacked)))
			return nil
		},
	}
}
