// Package sourcedb reads archivable rows from the upstream table. The table
// is treated as strictly read-only; pagination is keyset-based on
// (created_at, uid) so pages stay disjoint even under concurrent inserts.
package sourcedb

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/datavision/easystore/watermark"
)

// Record is one archivable source row. FileLocation is either a local path
// or an s3://bucket/key URI.
type Record struct {
	UID          string
	CreatedAt    time.Time
	FileLocation string
}

// DefaultPageSize is the keyset page size when none is configured.
const DefaultPageSize = 1000

// Config describes the source table and pagination.
type Config struct {
	Table          string
	UIDColumn      string
	CreatedAtCol   string
	LocationColumn string
	SizeColumn     string // optional; enables TotalSize in Statistics

	PageSize int

	// ShardsTotal/ShardID split the source horizontally across processes:
	// a provider only emits rows with hash(uid) mod ShardsTotal == ShardID.
	ShardsTotal int
	ShardID     int
}

// Validate checks the config for errors and fills defaults.
func (c *Config) Validate() error {
	if c.Table == "" || c.UIDColumn == "" || c.CreatedAtCol == "" || c.LocationColumn == "" {
		return fmt.Errorf("source table and column names must be set")
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ShardsTotal <= 0 {
		c.ShardsTotal = 1
	}
	if c.ShardID < 0 || c.ShardID >= c.ShardsTotal {
		return fmt.Errorf("shard id %d out of range [0,%d)", c.ShardID, c.ShardsTotal)
	}
	return nil
}

// Provider streams source rows for archive windows.
type Provider struct {
	db  *sql.DB
	cfg Config
}

// NewProvider returns a Provider over db.
func NewProvider(db *sql.DB, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{db: db, cfg: cfg}, nil
}

// shardOf assigns a uid to a horizontal shard.
func shardOf(uid string, total int) int {
	return int(crc32.ChecksumIEEE([]byte(uid)) % uint32(total))
}

// Records returns a pull-style cursor over all rows with
// window.Start < created_at <= window.End, in (created_at, uid) order.
func (p *Provider) Records(window watermark.Window) *Cursor {
	return &Cursor{provider: p, window: window}
}

// Cursor iterates one window page by page. Not safe for concurrent use.
type Cursor struct {
	provider *Provider
	window   watermark.Window

	page []Record
	idx  int

	started bool
	done    bool
	lastCT  time.Time
	lastUID string
}

// Next returns the next record. The second return value is false once the
// window is exhausted.
func (c *Cursor) Next(ctx context.Context) (Record, bool, error) {
	for {
		if c.idx < len(c.page) {
			rec := c.page[c.idx]
			c.idx++
			return rec, true, nil
		}
		if c.done {
			return Record{}, false, nil
		}
		if err := c.fetchPage(ctx); err != nil {
			return Record{}, false, err
		}
	}
}

func (c *Cursor) fetchPage(ctx context.Context) error {
	cfg := c.provider.cfg
	query := fmt.Sprintf(
		`SELECT %s, %s, %s FROM %s WHERE %s > ? AND %s <= ?`,
		cfg.UIDColumn, cfg.CreatedAtCol, cfg.LocationColumn,
		cfg.Table, cfg.CreatedAtCol, cfg.CreatedAtCol)
	args := []any{c.window.Start, c.window.End}
	if c.started {
		query += fmt.Sprintf(` AND (%s > ? OR (%s = ? AND %s > ?))`,
			cfg.CreatedAtCol, cfg.CreatedAtCol, cfg.UIDColumn)
		args = append(args, c.lastCT, c.lastCT, c.lastUID)
	}
	query += fmt.Sprintf(` ORDER BY %s, %s LIMIT ?`, cfg.CreatedAtCol, cfg.UIDColumn)
	args = append(args, cfg.PageSize)

	rows, err := c.provider.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query source page: %w", err)
	}
	defer rows.Close()

	c.page = c.page[:0]
	c.idx = 0
	n := 0
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.UID, &rec.CreatedAt, &rec.FileLocation); err != nil {
			return fmt.Errorf("failed to scan source row: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		n++
		// The cursor advances from the last DB row even when the row is
		// filtered out below, so pages never re-read skipped rows.
		c.lastCT = rec.CreatedAt
		c.lastUID = rec.UID
		c.started = true
		if cfg.ShardsTotal > 1 && shardOf(rec.UID, cfg.ShardsTotal) != cfg.ShardID {
			continue
		}
		c.page = append(c.page, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate source page: %w", err)
	}
	if n < cfg.PageSize {
		c.done = true
	}
	return nil
}

// Statistics summarizes the rows pending in a window.
type Statistics struct {
	Count     int64
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// Statistics counts the rows in a window without streaming them.
func (p *Provider) Statistics(ctx context.Context, window watermark.Window) (Statistics, error) {
	cfg := p.cfg
	sizeExpr := "0"
	if cfg.SizeColumn != "" {
		sizeExpr = fmt.Sprintf("COALESCE(SUM(%s), 0)", cfg.SizeColumn)
	}
	query := fmt.Sprintf(
		`SELECT COUNT(*), %s, MIN(%s), MAX(%s) FROM %s WHERE %s > ? AND %s <= ?`,
		sizeExpr, cfg.CreatedAtCol, cfg.CreatedAtCol,
		cfg.Table, cfg.CreatedAtCol, cfg.CreatedAtCol)

	var stats Statistics
	var oldest, newest sql.NullTime
	err := p.db.QueryRowContext(ctx, query, window.Start, window.End).
		Scan(&stats.Count, &stats.TotalSize, &oldest, &newest)
	if err != nil {
		return Statistics{}, fmt.Errorf("failed to query source statistics: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = oldest.Time.UTC()
	}
	if newest.Valid {
		stats.Newest = newest.Time.UTC()
	}
	return stats, nil
}
