package retrieve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jellydator/ttlcache/v3"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/compression"
	"github.com/datavision/easystore/metrics"
	"github.com/datavision/easystore/routing"
	"github.com/datavision/easystore/shardcodec"
	"github.com/datavision/easystore/sidecar"
)

// errNotInShard signals the candidate loop to try the next shard.
var errNotInShard = errors.New("uid not in shard")

// Retriever is the shared, concurrency-safe read path. It holds an LRU of
// parsed in-shard indexes and a short-lived negative cache for
// extended-retention probes.
type Retriever struct {
	store    blobstore.Store
	sidecars *sidecar.Manager
	cfg      Config

	indexCache *lru.Cache[string, *shardcodec.Index]
	extMiss    *ttlcache.Cache[string, struct{}]
}

// New returns a Retriever over the given store. sidecars may be nil, in which
// case every read uses the in-shard index and tombstones are not visible.
func New(store blobstore.Store, sidecars *sidecar.Manager, cfg Config) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	indexCache, err := lru.New[string, *shardcodec.Index](cfg.IndexCacheSize)
	if err != nil {
		return nil, err
	}
	extMiss := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.ExtMissTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go extMiss.Start()
	return &Retriever{
		store:      store,
		sidecars:   sidecars,
		cfg:        cfg,
		indexCache: indexCache,
		extMiss:    extMiss,
	}, nil
}

// Close stops the negative-probe cache janitor.
func (r *Retriever) Close() error {
	r.extMiss.Stop()
	return nil
}

// Get returns the payload bytes for (uid, createdAt). Tombstoned files fail
// with ErrTombstoned; unknown files with ErrNotFound.
func (r *Retriever) Get(ctx context.Context, uid string, createdAt time.Time) ([]byte, error) {
	ts := createdAt.UTC()

	if data, ok, err := r.getFromExtRetention(ctx, uid, ts); err != nil {
		metrics.RetrievalsTotal.WithLabelValues("ext_retention", "error").Inc()
		return nil, err
	} else if ok {
		metrics.RetrievalsTotal.WithLabelValues("ext_retention", "ok").Inc()
		return data, nil
	}

	shards, err := r.candidateShards(ctx, uid, ts)
	if err != nil {
		return nil, err
	}
	for _, obj := range shards {
		data, source, err := r.getFromShard(ctx, obj, uid, ts)
		switch {
		case err == nil:
			metrics.RetrievalsTotal.WithLabelValues(source, "ok").Inc()
			return data, nil
		case errors.Is(err, errNotInShard):
			continue
		case errors.Is(err, ErrTombstoned):
			metrics.RetrievalsTotal.WithLabelValues(source, "tombstoned").Inc()
			return nil, err
		default:
			metrics.RetrievalsTotal.WithLabelValues(source, "error").Inc()
			return nil, err
		}
	}
	metrics.RetrievalsTotal.WithLabelValues("shard", "not_found").Inc()
	return nil, fmt.Errorf("%w: uid %q at %s", ErrNotFound, uid, shardcodec.FormatTimestampUTC(ts))
}

// Has reports whether (uid, createdAt) is readable, without fetching any
// payload bytes. Tombstoned files report false.
func (r *Retriever) Has(ctx context.Context, uid string, createdAt time.Time) (bool, error) {
	ts := createdAt.UTC()
	if r.cfg.ExtPrefix != "" {
		_, err := r.store.Head(ctx, BuildExtKey(r.cfg.ExtPrefix, uid, ts))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return false, err
		}
	}
	shards, err := r.candidateShards(ctx, uid, ts)
	if err != nil {
		return false, err
	}
	for _, obj := range shards {
		found, err := r.shardContains(ctx, obj, uid, ts)
		if errors.Is(err, sidecar.ErrAlreadyDeleted) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Delete tombstones (uid, createdAt) in the sidecar of the shard holding it.
// Returns ErrNotFound when no candidate shard contains the UID and
// sidecar.ErrAlreadyDeleted on a repeat deletion.
func (r *Retriever) Delete(ctx context.Context, uid string, createdAt time.Time, deletedBy, reason, ticketID string) error {
	if r.sidecars == nil {
		return errors.New("deletion requires a sidecar manager")
	}
	ts := createdAt.UTC()
	shards, err := r.candidateShards(ctx, uid, ts)
	if err != nil {
		return err
	}
	for _, obj := range shards {
		found, err := r.shardContains(ctx, obj, uid, ts)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		return r.sidecars.AddTombstone(ctx, obj.Key, uid, ts, deletedBy, reason, ticketID)
	}
	return fmt.Errorf("%w: uid %q at %s", ErrNotFound, uid, shardcodec.FormatTimestampUTC(ts))
}

// getFromExtRetention probes the extended-retention area. Negative HEADs are
// remembered for ExtMissTTL to keep hot read paths cheap.
func (r *Retriever) getFromExtRetention(ctx context.Context, uid string, ts time.Time) ([]byte, bool, error) {
	if r.cfg.ExtPrefix == "" {
		return nil, false, nil
	}
	key := BuildExtKey(r.cfg.ExtPrefix, uid, ts)
	if r.extMiss.Get(key) != nil {
		return nil, false, nil
	}
	if _, err := r.store.Head(ctx, key); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			r.extMiss.Set(key, struct{}{}, ttlcache.DefaultTTL)
			return nil, false, nil
		}
		return nil, false, err
	}
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// candidateShards lists the physical shards for the routed coordinate, sorted
// by key so suffix order decides first-hit. The listing already carries each
// object's size, which shardIndex needs to place the footer.
func (r *Retriever) candidateShards(ctx context.Context, uid string, ts time.Time) ([]blobstore.ObjectInfo, error) {
	loc, err := routing.Locate(uid, ts, r.cfg.NBits)
	if err != nil {
		return nil, err
	}
	family := fmt.Sprintf("%s%s_%s", r.cfg.Prefix, loc.DateDir, loc.ShardHex)
	infos, err := r.store.List(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("failed to list shard candidates for %s: %w", family, err)
	}
	shards := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, routing.ShardExt) {
			shards = append(shards, info)
		}
	}
	return shards, nil
}

// getFromShard reads (uid, ts) out of one candidate shard. The sidecar is
// consulted first; a missing sidecar or a sidecar without the entry falls
// back to the in-shard index.
func (r *Retriever) getFromShard(ctx context.Context, obj blobstore.ObjectInfo, uid string, ts time.Time) ([]byte, string, error) {
	shardKey := obj.Key
	var doc *sidecar.Document
	if r.sidecars != nil {
		var err error
		doc, err = r.sidecars.LoadExisting(ctx, shardKey)
		if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			klog.Warningf("failed to load sidecar for %s, falling back to shard index: %v", shardKey, err)
			doc = nil
		}
	}

	if doc != nil {
		if doc.IsTombstoned(uid, ts) {
			return nil, "sidecar", fmt.Errorf("%w: uid %q in %s", ErrTombstoned, uid, shardKey)
		}
		if e := doc.GetEntry(uid, ts); e != nil {
			data, err := r.readSidecarEntry(ctx, shardKey, e)
			if err != nil {
				return nil, "sidecar", err
			}
			data, err = r.checkPayload(doc, uid, ts, data)
			return data, "sidecar", err
		}
	}

	idx, err := r.shardIndex(ctx, obj)
	if err != nil {
		return nil, "shard", err
	}
	entry := idx.Get(uid)
	if entry == nil {
		return nil, "shard", errNotInShard
	}
	data, err := r.readShardEntry(ctx, shardKey, entry)
	if err != nil {
		return nil, "shard", err
	}
	if doc != nil {
		data, err = r.checkPayload(doc, uid, ts, data)
	}
	return data, "shard", err
}

// shardContains reports presence without reading payload bytes. A tombstone
// surfaces as ErrTombstoned here so Delete can distinguish it.
func (r *Retriever) shardContains(ctx context.Context, obj blobstore.ObjectInfo, uid string, ts time.Time) (bool, error) {
	if r.sidecars != nil {
		doc, err := r.sidecars.LoadExisting(ctx, obj.Key)
		if err == nil {
			if doc.IsTombstoned(uid, ts) {
				return false, fmt.Errorf("%w: uid %q in %s", sidecar.ErrAlreadyDeleted, uid, obj.Key)
			}
			if doc.GetEntry(uid, ts) != nil {
				return true, nil
			}
		} else if !errors.Is(err, blobstore.ErrNotFound) {
			return false, err
		}
	}
	idx, err := r.shardIndex(ctx, obj)
	if err != nil {
		return false, err
	}
	return idx.Has(uid), nil
}

// shardIndex returns the parsed index for a shard, fetching header, footer
// and index with three range requests on a cold cache. The object size comes
// from the candidate listing, so no extra stat round trip is needed.
func (r *Retriever) shardIndex(ctx context.Context, obj blobstore.ObjectInfo) (*shardcodec.Index, error) {
	shardKey := obj.Key
	if idx, ok := r.indexCache.Get(shardKey); ok {
		metrics.IndexCacheHits.Inc()
		return idx, nil
	}
	metrics.IndexCacheMisses.Inc()

	if obj.Size < shardcodec.HeaderSize+shardcodec.FooterSize {
		return nil, fmt.Errorf("shard %s too small: %d bytes", shardKey, obj.Size)
	}

	rangeGets := 0
	header, err := r.store.GetRange(ctx, shardKey, 0, shardcodec.HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", shardKey, err)
	}
	rangeGets++
	version, err := shardcodec.ParseHeader(header)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", shardKey, err)
	}

	footer, err := r.store.GetRange(ctx, shardKey, obj.Size-shardcodec.FooterSize, shardcodec.FooterSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read footer of %s: %w", shardKey, err)
	}
	rangeGets++
	indexSize, err := shardcodec.ParseFooter(footer)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", shardKey, err)
	}

	indexStart := obj.Size - shardcodec.FooterSize - int64(indexSize)
	if indexStart < shardcodec.HeaderSize || indexSize > uint64(obj.Size) {
		return nil, fmt.Errorf("shard %s: invalid index size %d for %d bytes", shardKey, indexSize, obj.Size)
	}
	indexData, err := r.store.GetRange(ctx, shardKey, indexStart, int64(indexSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read index of %s: %w", shardKey, err)
	}
	rangeGets++
	metrics.RetrievalRangeGets.Observe(float64(rangeGets))

	index, err := shardcodec.ParseIndex(indexData, version, uint64(indexStart))
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", shardKey, err)
	}
	r.indexCache.Add(shardKey, index)
	return index, nil
}

// readSidecarEntry fetches and decodes a payload described by a sidecar index
// entry: one range request for inline payloads, one object GET for BigFiles.
func (r *Retriever) readSidecarEntry(ctx context.Context, shardKey string, e *sidecar.IndexEntry) ([]byte, error) {
	if e.IsBigFile {
		return r.readBigFile(ctx, shardKey, e.BigFileHash, e.BigFileSize)
	}
	codec, err := compression.ParseCodec(e.Codec)
	if err != nil {
		return nil, fmt.Errorf("sidecar entry %q in %s: %w", e.UID, shardKey, err)
	}
	entry := &shardcodec.Entry{
		UID:              e.UID,
		Offset:           e.Offset,
		Length:           e.Length,
		Codec:            codec,
		CompressedSize:   e.CompressedSize,
		UncompressedSize: e.UncompressedSize,
	}
	return r.readInline(ctx, shardKey, entry)
}

// readShardEntry fetches and decodes a payload described by an in-shard index
// entry.
func (r *Retriever) readShardEntry(ctx context.Context, shardKey string, entry *shardcodec.Entry) ([]byte, error) {
	if entry.IsBigFile {
		return r.readBigFile(ctx, shardKey, entry.BigFileHash, entry.BigFileSize)
	}
	return r.readInline(ctx, shardKey, entry)
}

func (r *Retriever) readInline(ctx context.Context, shardKey string, entry *shardcodec.Entry) ([]byte, error) {
	raw, err := r.store.GetRange(ctx, shardKey, int64(entry.Offset), int64(entry.Length))
	if err != nil {
		return nil, fmt.Errorf("failed to read payload for %q from %s: %w", entry.UID, shardKey, err)
	}
	return shardcodec.DecodeEntryPayload(entry, raw)
}

func (r *Retriever) readBigFile(ctx context.Context, shardKey, hash string, size uint64) ([]byte, error) {
	key := shardcodec.BuildBigFileKey(shardKey, r.cfg.BigFilesPrefix, hash)
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read bigfile %s: %w", key, err)
	}
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("bigfile %s size mismatch: have %d, want %d", key, len(data), size)
	}
	return data, nil
}

// checkPayload verifies data against the sidecar checksum. Mismatches fail
// only when enforcement is on; otherwise they are logged and the bytes pass
// through.
func (r *Retriever) checkPayload(doc *sidecar.Document, uid string, ts time.Time, data []byte) ([]byte, error) {
	result := doc.VerifyChecksum(uid, ts, data)
	metrics.ChecksumVerificationsTotal.WithLabelValues(result.String()).Inc()
	if result != sidecar.VerifyMismatch {
		return data, nil
	}
	if r.cfg.EnforceChecksums {
		return nil, fmt.Errorf("%w: uid %q at %s", ErrChecksumMismatch, uid, shardcodec.FormatTimestampUTC(ts))
	}
	klog.Warningf("checksum mismatch for uid %q at %s, returning bytes anyway",
		uid, shardcodec.FormatTimestampUTC(ts))
	return data, nil
}
