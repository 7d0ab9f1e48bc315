package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/valyala/fasthttp"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/metrics"
	"github.com/datavision/easystore/retention"
	"github.com/datavision/easystore/retrieve"
	"github.com/datavision/easystore/sidecar"
	"github.com/datavision/easystore/zones"
)

const defaultSidecarCacheSize = 1024

func newCmd_RetrieverServer() *cli.Command {
	return &cli.Command{
		Name:  "retriever-server",
		Usage: "Serve archived files over HTTP: point reads, deletions and retention-policy updates.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "path to the DES config file (YAML or JSON)",
				EnvVars:  []string{"DES_CONFIG"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen address, overriding the config",
			},
		},
		Action: func(cctx *cli.Context) error {
			ctx := cctx.Context
			cfg, err := LoadConfig(cctx.String("config"))
			if err != nil {
				return err
			}
			listen := cfg.Listen
			if v := cctx.String("listen"); v != "" {
				listen = v
			}

			files, retentionMgr, cleanup, err := buildFileAPI(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			metrics.Version.WithLabelValues(
				time.Now().Format(time.RFC3339), GitTag, GitCommit, runtime.Version(),
			).Set(1)

			srv := &fasthttp.Server{
				Handler: newHTTPHandler(&httpServer{files: files, retention: retentionMgr}),
				Name:    "des",
			}

			errCh := make(chan error, 1)
			go func() {
				klog.Infof("retriever server listening on %s (backend %s)", listen, cfg.Backend)
				errCh <- srv.ListenAndServe(listen)
			}()

			select {
			case <-ctx.Done():
				klog.Info("shutting down retriever server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.ShutdownWithContext(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
}

// buildFileAPI assembles the read surface for the configured backend. The
// returned cleanup closes every retriever; the retention manager is nil for
// the multi_s3 backend, which has no single extended-retention area.
func buildFileAPI(ctx context.Context, cfg *Config) (fileAPI, *retention.Manager, func(), error) {
	sidecarCacheSize := cfg.Retrieval.SidecarCacheSize
	if sidecarCacheSize <= 0 {
		sidecarCacheSize = defaultSidecarCacheSize
	}

	if cfg.Backend == BackendMultiS3 {
		zcfg, err := zones.Load(cfg.ZonesConfig)
		if err != nil {
			return nil, nil, nil, err
		}
		var closers []func() error
		cleanup := func() {
			for _, c := range closers {
				if err := c(); err != nil {
					klog.Warningf("close failed: %v", err)
				}
			}
		}
		retrievers := make(map[string]zones.FileRetriever, len(zcfg.Zones))
		for _, zone := range zcfg.Zones {
			client, err := newS3Client(ctx, zone.S3)
			if err != nil {
				cleanup()
				return nil, nil, nil, fmt.Errorf("zone %s: %w", zone.Name, err)
			}
			store := blobstore.NewS3FromClient(client, zone.S3.Bucket)
			r, err := newZoneRetriever(store, sidecarCacheSize, cfg, zcfg.NBits, zone.S3.Prefix)
			if err != nil {
				cleanup()
				return nil, nil, nil, fmt.Errorf("zone %s: %w", zone.Name, err)
			}
			closers = append(closers, r.Close)
			retrievers[zone.Name] = r
		}
		multi, err := zones.NewMultiRetriever(zcfg, retrievers)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		return multi, nil, cleanup, nil
	}

	store, err := cfg.buildStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	sidecars, err := sidecar.NewManager(store, sidecarCacheSize)
	if err != nil {
		return nil, nil, nil, err
	}

	extPrefix := ""
	if !cfg.ExtRetention.Disabled {
		extPrefix = cfg.ExtRetention.Prefix
		if extPrefix == "" {
			extPrefix = retrieve.DefaultExtPrefix
		}
	}
	r, err := retrieve.New(store, sidecars, retrieve.Config{
		NBits:            cfg.NBits,
		Prefix:           cfg.shardPrefix(),
		ExtPrefix:        extPrefix,
		EnforceChecksums: cfg.Retrieval.EnforceChecksums,
		IndexCacheSize:   cfg.Retrieval.IndexCacheSize,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := r.Close(); err != nil {
			klog.Warningf("close failed: %v", err)
		}
	}

	var retentionMgr *retention.Manager
	if extPrefix != "" {
		retentionMgr = retention.NewManager(store, extPrefix)
	}
	return r, retentionMgr, cleanup, nil
}

// newZoneRetriever builds one zone's retriever. Zones keep their payloads in
// shards only; the extended-retention probe is left off.
func newZoneRetriever(store blobstore.Store, sidecarCacheSize int, cfg *Config, nBits int, prefix string) (*retrieve.Retriever, error) {
	sidecars, err := sidecar.NewManager(store, sidecarCacheSize)
	if err != nil {
		return nil, err
	}
	return retrieve.New(store, sidecars, retrieve.Config{
		NBits:            nBits,
		Prefix:           prefix,
		EnforceChecksums: cfg.Retrieval.EnforceChecksums,
		IndexCacheSize:   cfg.Retrieval.IndexCacheSize,
	})
}
