// Package zones splits the shard-index space across storage zones, each with
// its own bucket and prefix. A zone map must cover the whole space exactly
// once; reads are delegated to the zone owning the routed shard index.
package zones

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/datavision/easystore/routing"
)

// Range is a half-open shard-index interval [Start, End).
type Range struct {
	Start uint32 `yaml:"start" json:"start"`
	End   uint32 `yaml:"end" json:"end"`
}

// Contains reports whether the shard index falls in the range.
func (r Range) Contains(i uint32) bool {
	return i >= r.Start && i < r.End
}

// S3Spec identifies the bucket a zone stores shards in.
type S3Spec struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Zone is one shard-index range bound to a storage location.
type Zone struct {
	Name  string `yaml:"name" json:"name"`
	Range Range  `yaml:"range" json:"range"`
	S3    S3Spec `yaml:"s3" json:"s3"`
}

// Config is a complete zone map over a 2^NBits shard-index space.
type Config struct {
	NBits int    `yaml:"n_bits" json:"n_bits"`
	Zones []Zone `yaml:"zones" json:"zones"`
}

// Validate checks that the zones exactly tile [0, 2^NBits): no gap, no
// overlap, nothing outside the space.
func (c *Config) Validate() error {
	if c.NBits == 0 {
		c.NBits = routing.DefaultBits
	}
	if err := routing.ValidateBits(c.NBits); err != nil {
		return err
	}
	if len(c.Zones) == 0 {
		return fmt.Errorf("at least one zone must be configured")
	}
	space := uint32(1) << uint(c.NBits)

	sorted := make([]Zone, len(c.Zones))
	copy(sorted, c.Zones)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Range.Start < sorted[j].Range.Start })

	next := uint32(0)
	for _, z := range sorted {
		if z.Name == "" {
			return fmt.Errorf("zone with range [%d, %d) has no name", z.Range.Start, z.Range.End)
		}
		if z.S3.Bucket == "" {
			return fmt.Errorf("zone %s has no bucket", z.Name)
		}
		if z.Range.End <= z.Range.Start {
			return fmt.Errorf("zone %s has an empty range [%d, %d)", z.Name, z.Range.Start, z.Range.End)
		}
		if z.Range.Start > next {
			return fmt.Errorf("shard indexes [%d, %d) are not covered by any zone", next, z.Range.Start)
		}
		if z.Range.Start < next {
			return fmt.Errorf("zone %s overlaps at shard index %d", z.Name, z.Range.Start)
		}
		if z.Range.End > space {
			return fmt.Errorf("zone %s exceeds the %d-bit shard space", z.Name, c.NBits)
		}
		next = z.Range.End
	}
	if next != space {
		return fmt.Errorf("shard indexes [%d, %d) are not covered by any zone", next, space)
	}
	return nil
}

// ZoneFor returns the zone owning a shard index.
func (c *Config) ZoneFor(shardIndex uint32) (*Zone, error) {
	for i := range c.Zones {
		if c.Zones[i].Range.Contains(shardIndex) {
			return &c.Zones[i], nil
		}
	}
	return nil, fmt.Errorf("no zone configured for shard index %d", shardIndex)
}

// FileRetriever is the per-zone read surface; the retrieve package's
// Retriever satisfies it.
type FileRetriever interface {
	Get(ctx context.Context, uid string, createdAt time.Time) ([]byte, error)
	Has(ctx context.Context, uid string, createdAt time.Time) (bool, error)
	Delete(ctx context.Context, uid string, createdAt time.Time, deletedBy, reason, ticketID string) error
}

// MultiRetriever fans reads out to the zone owning each UID's shard index.
type MultiRetriever struct {
	cfg        *Config
	retrievers map[string]FileRetriever
}

// NewMultiRetriever binds one retriever per configured zone, keyed by zone
// name.
func NewMultiRetriever(cfg *Config, retrievers map[string]FileRetriever) (*MultiRetriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, z := range cfg.Zones {
		if _, ok := retrievers[z.Name]; !ok {
			return nil, fmt.Errorf("no retriever bound for zone %s", z.Name)
		}
	}
	return &MultiRetriever{cfg: cfg, retrievers: retrievers}, nil
}

func (m *MultiRetriever) zoneRetriever(uid string) (FileRetriever, error) {
	idx, err := routing.ShardIndex(uid, m.cfg.NBits)
	if err != nil {
		return nil, err
	}
	zone, err := m.cfg.ZoneFor(idx)
	if err != nil {
		return nil, err
	}
	return m.retrievers[zone.Name], nil
}

// Get delegates to the owning zone.
func (m *MultiRetriever) Get(ctx context.Context, uid string, createdAt time.Time) ([]byte, error) {
	r, err := m.zoneRetriever(uid)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, uid, createdAt)
}

// Has delegates to the owning zone.
func (m *MultiRetriever) Has(ctx context.Context, uid string, createdAt time.Time) (bool, error) {
	r, err := m.zoneRetriever(uid)
	if err != nil {
		return false, err
	}
	return r.Has(ctx, uid, createdAt)
}

// Delete delegates to the owning zone.
func (m *MultiRetriever) Delete(ctx context.Context, uid string, createdAt time.Time, deletedBy, reason, ticketID string) error {
	r, err := m.zoneRetriever(uid)
	if err != nil {
		return err
	}
	return r.Delete(ctx, uid, createdAt, deletedBy, reason, ticketID)
}
