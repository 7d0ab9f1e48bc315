// Package sidecar implements the per-shard metadata document: an enriched
// copy of the shard index with payload checksums, plus tombstones and
// aggregate stats. The document is stored as JSON next to the shard (same
// key with a .meta suffix) and can always be rebuilt from the shard itself.
package sidecar

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/datavision/easystore/routing"
	"github.com/datavision/easystore/shardcodec"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DocumentVersion is the current sidecar document schema version.
	DocumentVersion = 1

	// ChecksumAlgo is the only checksum algorithm produced by this package.
	ChecksumAlgo = "sha256"

	// MetaExt is the sidecar object key suffix.
	MetaExt = ".meta"
)

var (
	// ErrCorruptMetadata wraps sidecar documents that fail to parse.
	ErrCorruptMetadata = errors.New("corrupt sidecar metadata")

	// ErrEntryNotFound is returned when a (uid, created_at) has no entry.
	ErrEntryNotFound = errors.New("entry not found in sidecar")

	// ErrAlreadyDeleted is returned when a tombstone already exists.
	ErrAlreadyDeleted = errors.New("entry already tombstoned")
)

// BuildKey derives the sidecar index key for a (uid, created_at) pair. The
// timestamp is rendered in UTC with a Z suffix.
func BuildKey(uid string, ts time.Time) string {
	return uid + ":" + shardcodec.FormatTimestampUTC(ts)
}

// MetaKeyFor maps a shard object key to its sidecar object key.
func MetaKeyFor(shardKey string) string {
	if strings.HasSuffix(shardKey, routing.ShardExt) {
		return strings.TrimSuffix(shardKey, routing.ShardExt) + MetaExt
	}
	return shardKey + MetaExt
}

// IndexEntry mirrors one shard index entry, enriched with a checksum of the
// uncompressed payload.
type IndexEntry struct {
	UID              string              `json:"uid"`
	CreatedAt        string              `json:"created_at,omitempty"`
	IsBigFile        bool                `json:"is_bigfile,omitempty"`
	Offset           uint64              `json:"offset,omitempty"`
	Length           uint64              `json:"length,omitempty"`
	Codec            string              `json:"codec,omitempty"`
	CompressedSize   uint64              `json:"compressed_size,omitempty"`
	UncompressedSize uint64              `json:"uncompressed_size,omitempty"`
	BigFileHash      string              `json:"bigfile_hash,omitempty"`
	BigFileSize      uint64              `json:"bigfile_size,omitempty"`
	Checksum         string              `json:"checksum,omitempty"`
	ChecksumAlgo     string              `json:"checksum_algo,omitempty"`
	Meta             jsoniter.RawMessage `json:"meta,omitempty"`
}

// Tombstone records a logical deletion. Its presence supersedes the live
// index entry for the same key.
type Tombstone struct {
	UID       string `json:"uid"`
	CreatedAt string `json:"created_at,omitempty"`
	DeletedAt string `json:"deleted_at"`
	DeletedBy string `json:"deleted_by"`
	Reason    string `json:"reason"`
	TicketID  string `json:"ticket_id,omitempty"`
}

// Stats aggregates the document.
type Stats struct {
	Entries       int     `json:"entries"`
	DeletedFiles  int     `json:"deleted_files"`
	DeletionRatio float64 `json:"deletion_ratio"`
}

// Document is one parsed sidecar.
type Document struct {
	Version     int                    `json:"version"`
	ShardFile   string                 `json:"shard_file"`
	ShardSize   int64                  `json:"shard_size"`
	CreatedAt   string                 `json:"created_at"`
	LastUpdated string                 `json:"last_updated"`
	Index       map[string]*IndexEntry `json:"index"`
	Tombstones  map[string]*Tombstone  `json:"tombstones,omitempty"`
	Stats       Stats                  `json:"stats"`
}

// NewDocument returns an empty document for a shard.
func NewDocument(shardKey string, shardSize int64, now time.Time) *Document {
	ts := shardcodec.FormatTimestampUTC(now)
	return &Document{
		Version:     DocumentVersion,
		ShardFile:   shardKey,
		ShardSize:   shardSize,
		CreatedAt:   ts,
		LastUpdated: ts,
		Index:       make(map[string]*IndexEntry),
		Tombstones:  make(map[string]*Tombstone),
	}
}

// Decode parses a sidecar document.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptMetadata, err)
	}
	if doc.Index == nil {
		doc.Index = make(map[string]*IndexEntry)
	}
	if doc.Tombstones == nil {
		doc.Tombstones = make(map[string]*Tombstone)
	}
	return &doc, nil
}

// Encode renders the document as JSON.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// lookupKey resolves the document key for (uid, ts): the exact composite key
// first, then the bare uid, then a unique "uid:" prefix match.
func lookupKey[V any](m map[string]V, uid string, ts time.Time) (string, bool) {
	exact := BuildKey(uid, ts)
	if _, ok := m[exact]; ok {
		return exact, true
	}
	if _, ok := m[uid]; ok {
		return uid, true
	}
	prefix := uid + ":"
	found := ""
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			if found != "" {
				return "", false // ambiguous
			}
			found = k
		}
	}
	return found, found != ""
}

// GetEntry returns the index entry for (uid, ts), or nil.
func (d *Document) GetEntry(uid string, ts time.Time) *IndexEntry {
	key, ok := lookupKey(d.Index, uid, ts)
	if !ok {
		return nil
	}
	return d.Index[key]
}

// IsTombstoned reports whether (uid, ts) has a tombstone.
func (d *Document) IsTombstoned(uid string, ts time.Time) bool {
	_, ok := lookupKey(d.Tombstones, uid, ts)
	return ok
}

// AddEntry inserts an index entry derived from a shard entry. The entry is
// keyed by uid:created_at when the shard meta carries a creation timestamp,
// by bare uid otherwise.
func (d *Document) AddEntry(e *shardcodec.Entry, codec string, checksum string) error {
	entry := &IndexEntry{
		UID:              e.UID,
		IsBigFile:        e.IsBigFile,
		Offset:           e.Offset,
		Length:           e.Length,
		Codec:            codec,
		CompressedSize:   e.CompressedSize,
		UncompressedSize: e.UncompressedSize,
		BigFileHash:      e.BigFileHash,
		BigFileSize:      e.BigFileSize,
		Checksum:         checksum,
		ChecksumAlgo:     ChecksumAlgo,
	}
	if len(e.Meta) > 0 {
		entry.Meta = jsoniter.RawMessage(e.Meta)
	}
	key := e.UID
	props, err := e.Properties()
	if err != nil {
		return err
	}
	if props != nil && !props.CreatedAt.IsZero() {
		entry.CreatedAt = shardcodec.FormatTimestampUTC(props.CreatedAt)
		key = BuildKey(e.UID, props.CreatedAt)
	}
	d.Index[key] = entry
	d.RecomputeStats()
	return nil
}

// AddTombstone records a logical deletion for (uid, ts). The live entry must
// exist; a second tombstone for the same key fails with ErrAlreadyDeleted.
func (d *Document) AddTombstone(uid string, ts time.Time, deletedBy, reason, ticketID string, now time.Time) error {
	key, ok := lookupKey(d.Index, uid, ts)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, BuildKey(uid, ts))
	}
	if _, dup := d.Tombstones[key]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyDeleted, key)
	}
	d.Tombstones[key] = &Tombstone{
		UID:       uid,
		CreatedAt: d.Index[key].CreatedAt,
		DeletedAt: shardcodec.FormatTimestampUTC(now),
		DeletedBy: deletedBy,
		Reason:    reason,
		TicketID:  ticketID,
	}
	d.LastUpdated = shardcodec.FormatTimestampUTC(now)
	d.RecomputeStats()
	return nil
}

// RecomputeStats refreshes the aggregate counters.
func (d *Document) RecomputeStats() {
	d.Stats.Entries = len(d.Index)
	d.Stats.DeletedFiles = len(d.Tombstones)
	if d.Stats.Entries > 0 {
		d.Stats.DeletionRatio = float64(d.Stats.DeletedFiles) / float64(d.Stats.Entries)
	} else {
		d.Stats.DeletionRatio = 0
	}
}

// VerifyResult is the outcome of a checksum verification.
type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	// VerifyMissing means no checksum is stored for the entry; this is not
	// an error.
	VerifyMissing
	VerifyMismatch
)

func (v VerifyResult) String() string {
	switch v {
	case VerifyOK:
		return "ok"
	case VerifyMissing:
		return "missing"
	case VerifyMismatch:
		return "mismatch"
	}
	return "unknown"
}

// ChecksumOf returns the hex SHA-256 of an uncompressed payload.
func ChecksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares the stored checksum for (uid, ts) against the
// given uncompressed payload bytes.
func (d *Document) VerifyChecksum(uid string, ts time.Time, data []byte) VerifyResult {
	entry := d.GetEntry(uid, ts)
	if entry == nil || entry.Checksum == "" {
		return VerifyMissing
	}
	if ChecksumOf(data) == entry.Checksum {
		return VerifyOK
	}
	return VerifyMismatch
}

// BuildFromShard produces a fresh sidecar document from a shard reader by
// reading every payload and computing its checksum.
func BuildFromShard(r *shardcodec.Reader, shardKey string, shardSize int64, now time.Time) (*Document, error) {
	doc := NewDocument(shardKey, shardSize, now)
	err := r.Index().Each(func(e *shardcodec.Entry) error {
		data, err := r.ReadEntry(e)
		if err != nil {
			return fmt.Errorf("failed to read %q while rebuilding sidecar: %w", e.UID, err)
		}
		return doc.AddEntry(e, e.Codec.String(), ChecksumOf(data))
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
