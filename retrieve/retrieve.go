// Package retrieve serves point reads of archived files by (uid, created_at).
// Reads consult the extended-retention area first, then walk the candidate
// shards for the routed coordinate: sidecar-directed range reads when a
// sidecar exists, the in-shard index otherwise. Whole shard bodies are never
// downloaded.
package retrieve

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datavision/easystore/routing"
	"github.com/datavision/easystore/shardcodec"
)

var (
	// ErrNotFound means no candidate shard nor the extended-retention area
	// holds the requested (uid, created_at).
	ErrNotFound = errors.New("file not found")

	// ErrTombstoned means the file was logically deleted; distinct from
	// ErrNotFound so callers can surface 410 instead of 404.
	ErrTombstoned = errors.New("file deleted")

	// ErrChecksumMismatch means the payload bytes disagree with the sidecar
	// checksum and checksum enforcement is on.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
)

// DefaultExtPrefix is the conventional extended-retention key prefix.
const DefaultExtPrefix = "_ext_retention"

const (
	defaultIndexCacheSize = 256
	defaultExtMissTTL     = 30 * time.Second
)

// Config controls a Retriever.
type Config struct {
	NBits int

	// Prefix is the object key prefix shards were packed under.
	Prefix string

	// ExtPrefix is the extended-retention key prefix; empty disables the
	// extended-retention probe.
	ExtPrefix string

	// BigFilesPrefix is the BigFiles directory name next to each shard.
	BigFilesPrefix string

	// EnforceChecksums fails reads on a sidecar checksum mismatch. When off,
	// mismatches are logged and the bytes returned as-is.
	EnforceChecksums bool

	// IndexCacheSize bounds the parsed in-shard indexes held in memory.
	IndexCacheSize int

	// ExtMissTTL is how long a negative extended-retention HEAD is
	// remembered before probing again.
	ExtMissTTL time.Duration
}

// Validate checks the config and fills defaults.
func (c *Config) Validate() error {
	if c.NBits == 0 {
		c.NBits = routing.DefaultBits
	}
	if err := routing.ValidateBits(c.NBits); err != nil {
		return err
	}
	if c.BigFilesPrefix == "" {
		c.BigFilesPrefix = shardcodec.DefaultConfig().BigFilesPrefix
	}
	if c.IndexCacheSize <= 0 {
		c.IndexCacheSize = defaultIndexCacheSize
	}
	if c.ExtMissTTL <= 0 {
		c.ExtMissTTL = defaultExtMissTTL
	}
	c.Prefix = normalizePrefix(c.Prefix)
	c.ExtPrefix = strings.Trim(c.ExtPrefix, "/")
	return nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// BuildExtKey derives the extended-retention object key for (uid, ts):
// {prefix}/{YYYYMMDD}/{uid}_{iso_utc_Z}.dat.
func BuildExtKey(prefix, uid string, ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s/%s/%s_%s.dat",
		strings.Trim(prefix, "/"), routing.FormatDateDir(ts), uid, shardcodec.FormatTimestampUTC(ts))
}
