package sidecar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/metrics"
	"github.com/datavision/easystore/rangecache"
	"github.com/datavision/easystore/shardcodec"
)

// DefaultCacheSize bounds the number of parsed sidecars held in memory.
const DefaultCacheSize = 1024

// rebuildCacheBytes bounds the byte-range cache used while re-reading a shard
// during a sidecar rebuild.
const rebuildCacheBytes = 32 << 20

// StoreBigFiles resolves BigFile payloads stored next to a shard in a blob
// store, following the dirname(shard_key)/{prefix}/{hash} convention.
type StoreBigFiles struct {
	ctx      context.Context
	store    blobstore.Store
	shardKey string
	prefix   string
}

// NewStoreBigFiles returns a BigFile source for the given shard key.
func NewStoreBigFiles(ctx context.Context, store blobstore.Store, shardKey, prefix string) *StoreBigFiles {
	return &StoreBigFiles{ctx: ctx, store: store, shardKey: shardKey, prefix: prefix}
}

// Get implements shardcodec.BigFileSource.
func (s *StoreBigFiles) Get(hash string) ([]byte, error) {
	return s.store.Get(s.ctx, shardcodec.BuildBigFileKey(s.shardKey, s.prefix, hash))
}

// Manager loads, caches and updates sidecar documents. Tombstone writes are
// read-modify-write on the sidecar object, serialized per shard key.
type Manager struct {
	store          blobstore.Store
	cache          *lru.Cache[string, *Document]
	bigFilesPrefix string
	now            func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBigFilesPrefix overrides the BigFiles directory name used during
// sidecar rebuilds.
func WithBigFilesPrefix(prefix string) ManagerOption {
	return func(m *Manager) { m.bigFilesPrefix = prefix }
}

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager over the given blob store.
func NewManager(store blobstore.Store, cacheSize int, opts ...ManagerOption) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Document](cacheSize)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:          store,
		cache:          cache,
		bigFilesPrefix: shardcodec.DefaultBigFilesPrefix,
		now:            time.Now,
		locks:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) shardLock(shardKey string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[shardKey]
	if !ok {
		l = &sync.Mutex{}
		m.locks[shardKey] = l
	}
	return l
}

// Load returns the sidecar for shardKey, from cache, then the blob store,
// then by rebuilding it from the shard itself.
func (m *Manager) Load(ctx context.Context, shardKey string) (*Document, error) {
	doc, err := m.LoadExisting(ctx, shardKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return m.Rebuild(ctx, shardKey)
	}
	return doc, err
}

// LoadExisting returns the sidecar for shardKey from cache or the blob store.
// A missing sidecar surfaces as blobstore.ErrNotFound; callers that can fall
// back to the in-shard index use this instead of Load to avoid a rebuild.
func (m *Manager) LoadExisting(ctx context.Context, shardKey string) (*Document, error) {
	if doc, ok := m.cache.Get(shardKey); ok {
		metrics.SidecarCacheHits.Inc()
		return doc, nil
	}
	metrics.SidecarCacheMisses.Inc()

	data, err := m.store.Get(ctx, MetaKeyFor(shardKey))
	if err != nil {
		return nil, err
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("sidecar for %q: %w", shardKey, err)
	}
	m.cache.Add(shardKey, doc)
	return doc, nil
}

// Rebuild reconstructs the sidecar from the shard's own index, reading every
// payload to compute checksums, and persists the result.
func (m *Manager) Rebuild(ctx context.Context, shardKey string) (*Document, error) {
	klog.Infof("rebuilding sidecar for %s", shardKey)
	info, err := m.store.Head(ctx, shardKey)
	if err != nil {
		return nil, fmt.Errorf("failed to stat shard %q: %w", shardKey, err)
	}
	src := rangecache.NewReaderAt(ctx, shardKey,
		blobstore.NewObjectReaderAt(ctx, m.store, shardKey, info.Size), info.Size, rebuildCacheBytes)
	r, err := shardcodec.OpenReaderAt(src, info.Size,
		shardcodec.WithBigFileSource(NewStoreBigFiles(ctx, m.store, shardKey, m.bigFilesPrefix)))
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to open shard %q: %w", shardKey, err)
	}
	defer r.Close()
	doc, err := BuildFromShard(r, shardKey, info.Size, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.Save(ctx, shardKey, doc); err != nil {
		return nil, err
	}
	metrics.SidecarRebuildsTotal.Inc()
	return doc, nil
}

// Save persists the document and refreshes the cache.
func (m *Manager) Save(ctx context.Context, shardKey string, doc *Document) error {
	data, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode sidecar for %q: %w", shardKey, err)
	}
	if err := m.store.Put(ctx, MetaKeyFor(shardKey), data); err != nil {
		return fmt.Errorf("failed to write sidecar for %q: %w", shardKey, err)
	}
	m.cache.Add(shardKey, doc)
	return nil
}

// Invalidate drops the cached document for shardKey.
func (m *Manager) Invalidate(shardKey string) {
	m.cache.Remove(shardKey)
}

// AddTombstone records a logical deletion for (uid, ts) in the shard's
// sidecar. Concurrent tombstones on the same shard are serialized.
func (m *Manager) AddTombstone(ctx context.Context, shardKey, uid string, ts time.Time, deletedBy, reason, ticketID string) error {
	lock := m.shardLock(shardKey)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so concurrent writers never lose updates.
	m.Invalidate(shardKey)
	doc, err := m.Load(ctx, shardKey)
	if err != nil {
		return err
	}
	if err := doc.AddTombstone(uid, ts, deletedBy, reason, ticketID, m.now()); err != nil {
		return err
	}
	if err := m.Save(ctx, shardKey, doc); err != nil {
		return err
	}
	metrics.TombstonesTotal.Inc()
	klog.Infof("tombstoned %s in %s (by %s: %s)", BuildKey(uid, ts), shardKey, deletedBy, reason)
	return nil
}

// VerifyChecksum checks decompressed payload bytes against the sidecar's
// stored checksum for (uid, ts).
func (m *Manager) VerifyChecksum(ctx context.Context, shardKey, uid string, ts time.Time, data []byte) (VerifyResult, error) {
	doc, err := m.Load(ctx, shardKey)
	if err != nil {
		return VerifyMissing, err
	}
	result := doc.VerifyChecksum(uid, ts, data)
	metrics.ChecksumVerificationsTotal.WithLabelValues(result.String()).Inc()
	return result, nil
}
