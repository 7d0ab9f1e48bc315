package shardcodec

import (
	"fmt"
	"os"
	"strconv"
)

const (
	// DefaultBigFileThreshold is the raw payload size above which a payload
	// is spilled to a BigFile object instead of the shard data section.
	DefaultBigFileThreshold = 10 * 1024 * 1024

	// DefaultBigFilesPrefix is the directory name holding BigFile objects
	// next to the shards that reference them.
	DefaultBigFilesPrefix = "_bigFiles"
)

// Env override names recognized by the codec.
const (
	EnvBigFileThreshold = "DES_BIG_FILE_THRESHOLD_BYTES"
	EnvBigFilesPrefix   = "DES_BIGFILES_PREFIX"
)

// Config carries the knobs shared by shard writers and readers.
type Config struct {
	BigFileThreshold int64
	BigFilesPrefix   string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		BigFileThreshold: DefaultBigFileThreshold,
		BigFilesPrefix:   DefaultBigFilesPrefix,
	}
}

// ConfigFromEnv builds a Config, applying environment overrides on top of
// the defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv(EnvBigFileThreshold); v != "" {
		threshold, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", EnvBigFileThreshold, err)
		}
		cfg.BigFileThreshold = threshold
	}
	if v := os.Getenv(EnvBigFilesPrefix); v != "" {
		cfg.BigFilesPrefix = v
	}
	return cfg, cfg.Validate()
}

// Validate checks the config for errors.
func (c Config) Validate() error {
	if c.BigFileThreshold <= 0 {
		return fmt.Errorf("big file threshold must be positive; got %d", c.BigFileThreshold)
	}
	if c.BigFilesPrefix == "" {
		return fmt.Errorf("bigfiles prefix must not be empty")
	}
	return nil
}
