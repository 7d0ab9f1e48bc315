package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/compression"
	"github.com/datavision/easystore/packer"
	"github.com/datavision/easystore/routing"
	"github.com/datavision/easystore/zones"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend names accepted in Config.Backend.
const (
	BackendLocal   = "local"
	BackendS3      = "s3"
	BackendMultiS3 = "multi_s3"
)

// Config is the top-level file-driven configuration shared by the migrate,
// retriever-server, meta and stats commands. Not every section is required by
// every command; Validate checks only the shared parts.
type Config struct {
	Backend string `yaml:"backend" json:"backend"`
	NBits   int    `yaml:"n_bits" json:"n_bits"`
	// Prefix is the shard key prefix inside the chosen store.
	Prefix string `yaml:"prefix" json:"prefix"`

	Local struct {
		BaseDir string `yaml:"base_dir" json:"base_dir"`
	} `yaml:"local" json:"local"`

	S3 zones.S3Spec `yaml:"s3" json:"s3"`

	// ZonesConfig points at a zone-map file for the multi_s3 backend.
	ZonesConfig string `yaml:"zones_config" json:"zones_config"`

	ExtRetention struct {
		// Prefix of the extended-retention area; empty uses the default.
		// Disabled turns the pre-shard probe off entirely.
		Prefix   string `yaml:"prefix" json:"prefix"`
		Disabled bool   `yaml:"disabled" json:"disabled"`
	} `yaml:"ext_retention" json:"ext_retention"`

	Retrieval struct {
		EnforceChecksums bool `yaml:"enforce_checksums" json:"enforce_checksums"`
		IndexCacheSize   int  `yaml:"index_cache_size" json:"index_cache_size"`
		SidecarCacheSize int  `yaml:"sidecar_cache_size" json:"sidecar_cache_size"`
	} `yaml:"retrieval" json:"retrieval"`

	Listen string `yaml:"listen" json:"listen"`

	DB struct {
		Driver          string `yaml:"driver" json:"driver"`
		DSN             string `yaml:"dsn" json:"dsn"`
		Table           string `yaml:"table" json:"table"`
		UIDColumn       string `yaml:"uid_column" json:"uid_column"`
		CreatedAtColumn string `yaml:"created_at_column" json:"created_at_column"`
		LocationColumn  string `yaml:"file_location_column" json:"file_location_column"`
		SizeColumn      string `yaml:"size_bytes_column" json:"size_bytes_column"`
		PageSize        int    `yaml:"page_size" json:"page_size"`
		ShardsTotal     int    `yaml:"shards_total" json:"shards_total"`
		ShardID         int    `yaml:"shard_id" json:"shard_id"`
	} `yaml:"database" json:"database"`

	Migration struct {
		LagDays           int    `yaml:"lag_days" json:"lag_days"`
		BackfillStart     string `yaml:"backfill_start" json:"backfill_start"`
		BatchSize         int    `yaml:"batch_size" json:"batch_size"`
		DeleteSourceFiles bool   `yaml:"delete_source_files" json:"delete_source_files"`
		MaxShardSize      int64  `yaml:"max_shard_size" json:"max_shard_size"`
		Compression       string `yaml:"compression" json:"compression"`
	} `yaml:"migration" json:"migration"`
}

// LoadConfig reads a YAML or JSON config file, chosen by extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q; use .yaml, .yml or .json", ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate fills defaults and checks the backend selection.
func (c *Config) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendLocal
	}
	switch c.Backend {
	case BackendLocal:
		if c.Local.BaseDir == "" {
			return fmt.Errorf("local backend requires local.base_dir")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires s3.bucket")
		}
	case BackendMultiS3:
		if c.ZonesConfig == "" {
			return fmt.Errorf("multi_s3 backend requires zones_config")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.NBits == 0 {
		c.NBits = routing.DefaultBits
	}
	if err := routing.ValidateBits(c.NBits); err != nil {
		return err
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Migration.LagDays == 0 {
		c.Migration.LagDays = 7
	}
	if c.Migration.BackfillStart == "" {
		c.Migration.BackfillStart = "1970-01-01"
	}
	if _, err := time.Parse("2006-01-02", c.Migration.BackfillStart); err != nil {
		return fmt.Errorf("invalid migration.backfill_start: %w", err)
	}
	if c.Migration.Compression != "" {
		if _, err := compression.ProfileConfig(compression.Profile(c.Migration.Compression)); err != nil {
			return err
		}
	}
	return nil
}

// BackfillStartTime returns the seed watermark for a fresh deployment.
func (c *Config) BackfillStartTime() time.Time {
	t, _ := time.Parse("2006-01-02", c.Migration.BackfillStart)
	return t
}

// CompressionConfig resolves the configured profile; empty means balanced.
func (c *Config) CompressionConfig() (compression.Config, error) {
	if c.Migration.Compression == "" {
		return compression.BalancedZstd(), nil
	}
	return compression.ProfileConfig(compression.Profile(c.Migration.Compression))
}

// packerConfig assembles the packer settings shared by the migrate command.
func packerConfig(c *Config, comp compression.Config) packer.Config {
	return packer.Config{
		NBits:           c.NBits,
		MaxShardSize:    c.Migration.MaxShardSize,
		Prefix:          c.shardPrefix(),
		Compression:     comp,
		PublishSidecars: true,
	}
}

// newS3Client builds an S3 client honoring the optional region and custom
// endpoint (MinIO and compatibles need path-style addressing).
func newS3Client(ctx context.Context, spec zones.S3Spec) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if spec.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(spec.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if spec.Endpoint != "" {
			o.BaseEndpoint = aws.String(spec.Endpoint)
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// buildStore opens the blob store for the local and s3 backends. The
// multi_s3 backend builds one store per zone instead; see the server command.
func (c *Config) buildStore(ctx context.Context) (blobstore.Store, error) {
	switch c.Backend {
	case BackendLocal:
		return blobstore.NewLocal(c.Local.BaseDir)
	case BackendS3:
		client, err := newS3Client(ctx, c.S3)
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3FromClient(client, c.S3.Bucket), nil
	default:
		return nil, fmt.Errorf("backend %q has no single store", c.Backend)
	}
}

// shardPrefix is the shard key prefix for the single-store backends: the
// explicit prefix wins, then the s3 prefix.
func (c *Config) shardPrefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	if c.Backend == BackendS3 {
		return c.S3.Prefix
	}
	return ""
}
