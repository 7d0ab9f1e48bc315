package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/routing"
	"github.com/datavision/easystore/shardcodec"
	"github.com/datavision/easystore/sidecar"
)

func newCmd_Meta() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:     "config",
		Usage:    "path to the DES config file (YAML or JSON)",
		EnvVars:  []string{"DES_CONFIG"},
		Required: true,
	}
	shardFlag := &cli.StringFlag{
		Name:     "shard",
		Usage:    "shard object key",
		Required: true,
	}

	return &cli.Command{
		Name:  "meta",
		Usage: "Manage .meta sidecar documents.",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print a shard's sidecar document.",
				Flags: []cli.Flag{configFlag, shardFlag},
				Action: func(cctx *cli.Context) error {
					_, sidecars, err := openMetaStore(cctx)
					if err != nil {
						return err
					}
					doc, err := sidecars.LoadExisting(cctx.Context, cctx.String("shard"))
					if err != nil {
						return err
					}
					out, err := json.MarshalIndent(doc, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				},
			},
			{
				Name:  "generate",
				Usage: "Rebuild missing sidecars for every shard under a prefix.",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:  "shard-prefix",
						Usage: "only consider shards under this key prefix",
					},
				},
				Action: func(cctx *cli.Context) error {
					ctx := cctx.Context
					store, sidecars, err := openMetaStore(cctx)
					if err != nil {
						return err
					}
					shardKeys, err := listShardKeys(ctx, store, cctx.String("shard-prefix"))
					if err != nil {
						return err
					}
					bar := progressbar.Default(int64(len(shardKeys)), "generating metadata")
					rebuilt := 0
					for _, key := range shardKeys {
						bar.Add(1)
						_, err := store.Head(ctx, sidecar.MetaKeyFor(key))
						if err == nil {
							continue
						}
						if !errors.Is(err, blobstore.ErrNotFound) {
							return err
						}
						if _, err := sidecars.Rebuild(ctx, key); err != nil {
							return fmt.Errorf("failed to rebuild sidecar for %s: %w", key, err)
						}
						rebuilt++
					}
					bar.Finish()
					klog.Infof("rebuilt %d of %d sidecars", rebuilt, len(shardKeys))
					return nil
				},
			},
			{
				Name:  "verify",
				Usage: "Check a sidecar's index against the shard's own index.",
				Flags: []cli.Flag{configFlag, shardFlag},
				Action: func(cctx *cli.Context) error {
					ctx := cctx.Context
					store, sidecars, err := openMetaStore(cctx)
					if err != nil {
						return err
					}
					shardKey := cctx.String("shard")
					doc, err := sidecars.LoadExisting(ctx, shardKey)
					if err != nil {
						return fmt.Errorf("failed to load sidecar: %w", err)
					}
					data, err := store.Get(ctx, shardKey)
					if err != nil {
						return err
					}
					reader, err := shardcodec.FromBytes(data)
					if err != nil {
						return err
					}
					defer reader.Close()

					metaUIDs := make(map[string]struct{}, len(doc.Index))
					for key := range doc.Index {
						uid, _, _ := strings.Cut(key, ":")
						metaUIDs[uid] = struct{}{}
					}
					var missing, extra []string
					for _, uid := range reader.Index().UIDs() {
						if _, ok := metaUIDs[uid]; !ok {
							missing = append(missing, uid)
						}
					}
					for uid := range metaUIDs {
						if !reader.Has(uid) {
							extra = append(extra, uid)
						}
					}

					fmt.Printf("shard entries:    %d\n", reader.Index().Len())
					fmt.Printf("metadata entries: %d\n", len(metaUIDs))
					if len(missing) > 0 {
						fmt.Printf("missing in metadata: %d %v\n", len(missing), missing)
					}
					if len(extra) > 0 {
						fmt.Printf("extra in metadata: %d %v\n", len(extra), extra)
					}
					if len(missing) > 0 || len(extra) > 0 {
						return fmt.Errorf("sidecar disagrees with shard index")
					}
					fmt.Println("metadata matches shard index")
					return nil
				},
			},
			{
				Name:  "tombstone",
				Usage: "Record a logical deletion in a shard's sidecar.",
				Flags: []cli.Flag{
					configFlag, shardFlag,
					&cli.StringFlag{Name: "uid", Required: true},
					&cli.StringFlag{Name: "created-at", Usage: "file timestamp (ISO8601)", Required: true},
					&cli.StringFlag{Name: "deleted-by", Required: true},
					&cli.StringFlag{Name: "reason", Usage: "GDPR, retention_expired or user_request", Required: true},
					&cli.StringFlag{Name: "ticket-id"},
				},
				Action: func(cctx *cli.Context) error {
					_, sidecars, err := openMetaStore(cctx)
					if err != nil {
						return err
					}
					if _, ok := validDeletionReasons[cctx.String("reason")]; !ok {
						return fmt.Errorf("invalid deletion reason %q", cctx.String("reason"))
					}
					ts, err := parseTimestamp(cctx.String("created-at"))
					if err != nil {
						return err
					}
					return sidecars.AddTombstone(cctx.Context,
						cctx.String("shard"), cctx.String("uid"), ts,
						cctx.String("deleted-by"), cctx.String("reason"), cctx.String("ticket-id"))
				},
			},
		},
	}
}

func openMetaStore(cctx *cli.Context) (blobstore.Store, *sidecar.Manager, error) {
	cfg, err := LoadConfig(cctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Backend == BackendMultiS3 {
		return nil, nil, fmt.Errorf("meta commands operate on one store; point the config at a single zone")
	}
	store, err := cfg.buildStore(cctx.Context)
	if err != nil {
		return nil, nil, err
	}
	sidecars, err := sidecar.NewManager(store, defaultSidecarCacheSize)
	if err != nil {
		return nil, nil, err
	}
	return store, sidecars, nil
}

func listShardKeys(ctx context.Context, store blobstore.Store, prefix string) ([]string, error) {
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, routing.ShardExt) {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}
