package packer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/compression"
	"github.com/datavision/easystore/metrics"
	"github.com/datavision/easystore/routing"
	"github.com/datavision/easystore/shardcodec"
	"github.com/datavision/easystore/sidecar"
)

// Config controls planning, compression and upload behavior.
type Config struct {
	NBits        int
	MaxShardSize int64
	// Prefix is the object key prefix for shards; normalized to end in "/"
	// when non-empty.
	Prefix string

	Compression compression.Config
	Codec       shardcodec.Config

	// UploadConcurrency bounds parallel shard uploads.
	UploadConcurrency int

	// PublishSidecars writes a .meta document for every uploaded shard so
	// readers never need to rebuild one.
	PublishSidecars bool
}

// DefaultMaxShardSize is a soft per-shard payload budget.
const DefaultMaxShardSize = 1 << 30

// Validate checks the config and fills defaults.
func (c *Config) Validate() error {
	if c.NBits == 0 {
		c.NBits = routing.DefaultBits
	}
	if err := routing.ValidateBits(c.NBits); err != nil {
		return err
	}
	if c.MaxShardSize == 0 {
		c.MaxShardSize = DefaultMaxShardSize
	}
	if c.MaxShardSize < 0 {
		return fmt.Errorf("max shard size must be positive; got %d", c.MaxShardSize)
	}
	if c.Codec == (shardcodec.Config{}) {
		c.Codec = shardcodec.DefaultConfig()
	}
	if err := c.Codec.Validate(); err != nil {
		return err
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 4
	}
	c.Prefix = NormalizePrefix(c.Prefix)
	return nil
}

// NormalizePrefix trims leading slashes and guarantees a single trailing
// slash on non-empty prefixes.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// UploadedShard describes one shard object written by a pack run.
type UploadedShard struct {
	Key           ShardKey
	ObjectKey     string
	FileCount     int
	TotalSize     int64
	BigFileHashes []string
}

// Result summarizes a pack run.
type Result struct {
	Shards      []UploadedShard
	FilesPacked int
	BytesPacked int64
}

// Packer writes planned shards to a temp area and uploads them. One Packer
// instance is scoped to one migration cycle: BigFile uploads are deduped by
// key for its lifetime, and physical shard suffixes are allocated from the
// store's existing contents on first use per shard key.
type Packer struct {
	store    blobstore.Store
	sidecars *sidecar.Manager
	cfg      Config

	mu          sync.Mutex
	nextSuffix  map[ShardKey]int
	sentBigFile map[string]struct{}
}

// New returns a Packer over the given store. sidecars may be nil when
// Config.PublishSidecars is false.
func New(store blobstore.Store, sidecars *sidecar.Manager, cfg Config) (*Packer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PublishSidecars && sidecars == nil {
		return nil, fmt.Errorf("sidecar manager required when publishing sidecars")
	}
	return &Packer{
		store:       store,
		sidecars:    sidecars,
		cfg:         cfg,
		nextSuffix:  make(map[ShardKey]int),
		sentBigFile: make(map[string]struct{}),
	}, nil
}

// shardObjectKey allocates the next physical shard key for a coordinate:
// {prefix}{date}_{hex}_{NNNN}.des with a monotone suffix. Existing objects
// from earlier cycles are never overwritten.
func (p *Packer) shardObjectKey(ctx context.Context, key ShardKey) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, seeded := p.nextSuffix[key]
	if !seeded {
		family := fmt.Sprintf("%s%s_%s_", p.cfg.Prefix, key.DateDir, key.ShardHex)
		existing, err := p.store.List(ctx, family)
		if err != nil {
			return "", fmt.Errorf("failed to list existing shards for %s: %w", key, err)
		}
		for _, obj := range existing {
			name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, family), routing.ShardExt)
			if n, err := strconv.Atoi(name); err == nil && n >= next {
				next = n + 1
			}
		}
	}
	p.nextSuffix[key] = next + 1
	return fmt.Sprintf("%s%s_%s_%04d%s",
		p.cfg.Prefix, key.DateDir, key.ShardHex, next, routing.ShardExt), nil
}

// claimBigFile reports whether the BigFile object still needs uploading in
// this cycle.
func (p *Packer) claimBigFile(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.sentBigFile[key]; done {
		return false
	}
	p.sentBigFile[key] = struct{}{}
	return true
}

type stagedShard struct {
	key       ShardKey
	objectKey string
	path      string
	files     []File
	entries   []shardcodec.Entry
	hashes    []string
	totalSize int64
}

// Pack plans the batch, writes every shard to a temp directory, then uploads
// shards, new BigFiles and sidecars. The returned Result covers this batch
// only.
func (p *Packer) Pack(ctx context.Context, files []File) (*Result, error) {
	if len(files) == 0 {
		return &Result{}, nil
	}
	plan, err := BuildPlan(files, p.cfg.NBits, p.cfg.MaxShardSize)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "des-pack-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	bigFiles := shardcodec.NewDirBigFiles(filepath.Join(tmpDir, p.cfg.Codec.BigFilesPrefix))

	staged := make([]*stagedShard, 0, len(plan))
	for _, planned := range plan {
		s, err := p.writeShard(ctx, tmpDir, bigFiles, planned)
		if err != nil {
			return nil, err
		}
		staged = append(staged, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.UploadConcurrency)
	for _, s := range staged {
		s := s
		g.Go(func() error {
			return p.uploadShard(gctx, s, bigFiles)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{}
	for _, s := range staged {
		result.Shards = append(result.Shards, UploadedShard{
			Key:           s.key,
			ObjectKey:     s.objectKey,
			FileCount:     len(s.files),
			TotalSize:     s.totalSize,
			BigFileHashes: s.hashes,
		})
		result.FilesPacked += len(s.files)
		result.BytesPacked += s.totalSize
	}
	return result, nil
}

func (p *Packer) writeShard(ctx context.Context, tmpDir string, bigFiles *shardcodec.DirBigFiles, planned PlannedShard) (*stagedShard, error) {
	objectKey, err := p.shardObjectKey(ctx, planned.Key)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(tmpDir, filepath.Base(objectKey))
	w, err := shardcodec.CreateFile(path,
		shardcodec.WithCompression(p.cfg.Compression),
		shardcodec.WithBigFiles(bigFiles),
		shardcodec.WithConfig(p.cfg.Codec),
	)
	if err != nil {
		return nil, err
	}
	for _, f := range planned.Files {
		props := f.Props
		if props == nil {
			props = &shardcodec.Properties{}
		}
		if props.CreatedAt.IsZero() {
			props.CreatedAt = f.CreatedAt
		}
		if _, err := w.Add(f.UID, f.Payload, props); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to add %q to %s: %w", f.UID, objectKey, err)
		}
	}
	entries := w.Entries()
	hashes := w.BigFileHashes()
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize %s: %w", objectKey, err)
	}
	return &stagedShard{
		key:       planned.Key,
		objectKey: objectKey,
		path:      path,
		files:     planned.Files,
		entries:   entries,
		hashes:    hashes,
		totalSize: planned.TotalSize,
	}, nil
}

func (p *Packer) uploadShard(ctx context.Context, s *stagedShard, bigFiles *shardcodec.DirBigFiles) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read staged shard %s: %w", s.path, err)
	}
	if err := p.store.Put(ctx, s.objectKey, data); err != nil {
		metrics.ShardUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to upload shard %s: %w", s.objectKey, err)
	}
	metrics.ShardUploadsTotal.WithLabelValues("ok").Inc()
	klog.Infof("uploaded shard %s (%d files, %d bytes)", s.objectKey, len(s.files), s.totalSize)

	for _, hash := range s.hashes {
		bfKey := shardcodec.BuildBigFileKey(s.objectKey, p.cfg.Codec.BigFilesPrefix, hash)
		if !p.claimBigFile(bfKey) {
			continue
		}
		payload, err := bigFiles.Get(hash)
		if err != nil {
			return fmt.Errorf("staged bigfile %s missing: %w", hash, err)
		}
		if err := p.store.Put(ctx, bfKey, payload); err != nil {
			return fmt.Errorf("failed to upload bigfile %s: %w", bfKey, err)
		}
		metrics.BigFileUploadsTotal.Inc()
	}

	if p.cfg.PublishSidecars {
		if err := p.publishSidecar(ctx, s, int64(len(data))); err != nil {
			return err
		}
	}
	return nil
}

// publishSidecar builds the sidecar from the staged entries and payloads so
// checksums come for free while the raw bytes are still in memory.
func (p *Packer) publishSidecar(ctx context.Context, s *stagedShard, shardSize int64) error {
	doc := sidecar.NewDocument(s.objectKey, shardSize, time.Now())
	byUID := make(map[string][]byte, len(s.files))
	for _, f := range s.files {
		byUID[f.UID] = f.Payload
	}
	for i := range s.entries {
		e := &s.entries[i]
		if err := doc.AddEntry(e, e.Codec.String(), sidecar.ChecksumOf(byUID[e.UID])); err != nil {
			return fmt.Errorf("failed to build sidecar entry for %q: %w", e.UID, err)
		}
	}
	return p.sidecars.Save(ctx, s.objectKey, doc)
}
