// Package rangecache caches byte ranges fetched from a remote random-access
// source, so repeated reads of a shard's header, footer and index regions do
// not hit the blob store again. Entries are merged when they overlap or touch
// and evicted least-recently-used once a memory budget is exceeded.
package rangecache

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Range is a half-open byte interval [start, end).
type Range [2]int64

func (r Range) length() int64 { return r[1] - r[0] }

func (r Range) contains(r2 Range) bool {
	return r[0] <= r2[0] && r[1] >= r2[1]
}

func (r Range) intersects(r2 Range) bool {
	return r[0] < r2[1] && r[1] > r2[0]
}

func (r Range) touches(r2 Range) bool {
	return r.intersects(r2) || r[1] == r2[0] || r2[1] == r[0]
}

func (r Range) validFor(size int64) bool {
	return r[0] >= 0 && r[1] <= size && r[0] <= r[1]
}

type entry struct {
	data     []byte
	lastRead time.Time
}

// Fetcher reads len(p) bytes at off from the backing source.
type Fetcher func(p []byte, off int64) (int, error)

// Cache is a byte-range cache over a fixed-size source.
type Cache struct {
	name     string
	size     int64
	maxBytes int64
	fetch    Fetcher

	mu      sync.Mutex
	used    int64
	entries map[Range]*entry
	order   *list.List // Range values; front is MRU
	elems   map[Range]*list.Element

	// Coordinates concurrent misses on the same range; conds use mu.
	fetching map[Range]*sync.Cond
}

// New returns a Cache over a source of the given size. maxBytes bounds the
// cached bytes; zero means no bound.
func New(name string, size, maxBytes int64, fetch Fetcher) *Cache {
	if fetch == nil {
		panic("rangecache: fetch must not be nil")
	}
	return &Cache{
		name:     name,
		size:     size,
		maxBytes: maxBytes,
		fetch:    fetch,
		entries:  make(map[Range]*entry),
		order:    list.New(),
		elems:    make(map[Range]*list.Element),
		fetching: make(map[Range]*sync.Cond),
	}
}

// Size returns the size of the backing source.
func (c *Cache) Size() int64 { return c.size }

// Used returns the bytes currently held by the cache.
func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Close drops all cached data.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Range]*entry)
	c.order.Init()
	c.elems = make(map[Range]*list.Element)
	c.used = 0
	return nil
}

// StartGC evicts entries unread for maxAge on a background ticker until ctx
// is cancelled.
func (c *Cache) StartGC(ctx context.Context, maxAge time.Duration) {
	go func() {
		t := time.NewTicker(maxAge)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.evictOlderThan(maxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache) evictOlderThan(maxAge time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r, e := range c.entries {
		if time.Since(e.lastRead) > maxAge {
			c.remove(r)
		}
	}
}

// remove drops one entry; mu must be held.
func (c *Cache) remove(r Range) {
	e, ok := c.entries[r]
	if !ok {
		return
	}
	delete(c.entries, r)
	c.used -= int64(len(e.data))
	if el, ok := c.elems[r]; ok {
		c.order.Remove(el)
		delete(c.elems, r)
	}
}

// lookup serves want from an exact or superset entry; mu must be held.
func (c *Cache) lookup(want Range) ([]byte, bool) {
	for r, e := range c.entries {
		if r.contains(want) {
			e.lastRead = time.Now()
			if el, ok := c.elems[r]; ok {
				c.order.MoveToFront(el)
			}
			out := make([]byte, want.length())
			copy(out, e.data[want[0]-r[0]:])
			return out, true
		}
	}
	return nil, false
}

// insert stores data for r, merging every entry it overlaps or touches into
// one contiguous range; mu must be held. New data wins on overlap.
func (c *Cache) insert(r Range, data []byte) {
	merged := r
	var neighbors []Range
	for have := range c.entries {
		if have.touches(r) {
			neighbors = append(neighbors, have)
			if have[0] < merged[0] {
				merged[0] = have[0]
			}
			if have[1] > merged[1] {
				merged[1] = have[1]
			}
		}
	}

	buf := make([]byte, merged.length())
	for _, have := range neighbors {
		copy(buf[have[0]-merged[0]:], c.entries[have].data)
		c.remove(have)
	}
	copy(buf[r[0]-merged[0]:], data)

	c.entries[merged] = &entry{data: buf, lastRead: time.Now()}
	c.used += int64(len(buf))
	c.elems[merged] = c.order.PushFront(merged)

	for c.maxBytes > 0 && c.used > c.maxBytes && c.order.Len() > 1 {
		back := c.order.Back()
		c.remove(back.Value.(Range))
	}
}

// GetRange returns the bytes [off, off+length), from cache or by fetching.
// Concurrent misses on the same range fetch once.
func (c *Cache) GetRange(ctx context.Context, off, length int64) ([]byte, error) {
	want := Range{off, off + length}
	if !want.validFor(c.size) {
		return nil, fmt.Errorf("invalid range [%d, %d) for %s of %d bytes", want[0], want[1], c.name, c.size)
	}
	if length == 0 {
		return nil, nil
	}

	c.mu.Lock()
	for {
		if data, ok := c.lookup(want); ok {
			c.mu.Unlock()
			return data, nil
		}
		cond, inflight := c.fetching[want]
		if !inflight {
			break
		}
		// Another goroutine is fetching this exact range; wait and re-check.
		cond.Wait()
	}
	cond := sync.NewCond(&c.mu)
	c.fetching[want] = cond
	c.mu.Unlock()

	klog.V(5).Infof("range cache miss on %s: [%d, %d)", c.name, want[0], want[1])
	buf := make([]byte, length)
	n, err := c.fetch(buf, off)

	c.mu.Lock()
	delete(c.fetching, want)
	cond.Broadcast()
	if err != nil && !(err == io.EOF && int64(n) == length) {
		c.mu.Unlock()
		return nil, err
	}
	if int64(n) != length {
		c.mu.Unlock()
		return nil, fmt.Errorf("short read from %s: got %d bytes, want %d", c.name, n, length)
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.insert(want, buf)
	c.mu.Unlock()

	out := make([]byte, length)
	copy(out, buf)
	return out, nil
}

// ReaderAt adapts a Cache to io.ReaderAt, clamping reads at the source size
// the way file reads do.
type ReaderAt struct {
	ctx   context.Context
	cache *Cache
	src   io.ReaderAt
}

// NewReaderAt wraps src with a byte-range cache. Reads past the end of the
// source return the available prefix and io.EOF.
func NewReaderAt(ctx context.Context, name string, src io.ReaderAt, size, maxBytes int64) *ReaderAt {
	return &ReaderAt{
		ctx:   ctx,
		cache: New(name, size, maxBytes, src.ReadAt),
		src:   src,
	}
}

// Cache exposes the underlying range cache.
func (r *ReaderAt) Cache() *Cache { return r.cache }

// ReadAt implements io.ReaderAt.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	size := r.cache.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := int64(len(p))
	eof := false
	if off+want > size {
		want = size - off
		eof = true
	}
	data, err := r.cache.GetRange(r.ctx, off, want)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if eof || n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the cache and the source when it is closeable.
func (r *ReaderAt) Close() error {
	r.cache.Close()
	if closer, ok := r.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
