package packer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/compression"
	"github.com/datavision/easystore/shardcodec"
	"github.com/datavision/easystore/sidecar"
)

var createdAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func file(uid string, payload []byte) File {
	return File{UID: uid, CreatedAt: createdAt, Payload: payload}
}

func TestBuildPlanGroupsByShardKey(t *testing.T) {
	files := []File{
		// 100, 356 and 612 are congruent mod 256 and share hex 64.
		file("100", []byte("a")),
		file("356", []byte("b")),
		file("612", []byte("c")),
		// 7 routes to hex 07.
		file("7", []byte("d")),
	}
	plan, err := BuildPlan(files, 8, 1<<20)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, ShardKey{DateDir: "20240101", ShardHex: "64"}, plan[0].Key)
	require.Len(t, plan[0].Files, 3)
	require.Equal(t, ShardKey{DateDir: "20240101", ShardHex: "07"}, plan[1].Key)
	require.Len(t, plan[1].Files, 1)
}

func TestBuildPlanSplitsBySize(t *testing.T) {
	files := []File{
		file("100", bytes.Repeat([]byte("a"), 5)),
		file("356", bytes.Repeat([]byte("b"), 5)),
		file("612", bytes.Repeat([]byte("c"), 5)),
		file("868", bytes.Repeat([]byte("d"), 5)),
	}
	// 5+5 > 8, so every file lands in its own shard under the same key.
	plan, err := BuildPlan(files, 8, 8)
	require.NoError(t, err)
	require.Len(t, plan, 4)
	for _, shard := range plan {
		require.Equal(t, ShardKey{DateDir: "20240101", ShardHex: "64"}, shard.Key)
		require.Len(t, shard.Files, 1)
		require.Equal(t, int64(5), shard.TotalSize)
	}

	// An oversized single file still produces a shard.
	plan, err = BuildPlan([]File{file("100", bytes.Repeat([]byte("x"), 100))}, 8, 8)
	require.NoError(t, err)
	require.Len(t, plan, 1)
}

func TestBuildPlanValidation(t *testing.T) {
	_, err := BuildPlan([]File{file("100", []byte("a"))}, 8, 0)
	require.Error(t, err)
	_, err = BuildPlan([]File{file("100", []byte("a"))}, 99, 1024)
	require.Error(t, err)
}

func newTestPacker(t *testing.T, store blobstore.Store, cfg Config) *Packer {
	t.Helper()
	sidecars, err := sidecar.NewManager(store, 8)
	require.NoError(t, err)
	cfg.PublishSidecars = true
	p, err := New(store, sidecars, cfg)
	require.NoError(t, err)
	return p
}

func TestPackUploadsShardsAndSidecars(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	p := newTestPacker(t, store, Config{
		NBits:       8,
		Prefix:      "des",
		Compression: compression.BalancedZstd(),
	})

	payloads := map[string][]byte{
		"100": []byte("payload-a"),
		"356": []byte("payload-b"),
		"612": []byte("payload-c"),
	}
	var files []File
	for _, uid := range []string{"100", "356", "612"} {
		files = append(files, file(uid, payloads[uid]))
	}
	result, err := p.Pack(ctx, files)
	require.NoError(t, err)
	require.Equal(t, 3, result.FilesPacked)
	require.Len(t, result.Shards, 1)
	require.Equal(t, "des/20240101_64_0000.des", result.Shards[0].ObjectKey)

	// The uploaded shard is a valid container with all payloads.
	data, err := store.Get(ctx, result.Shards[0].ObjectKey)
	require.NoError(t, err)
	r, err := shardcodec.FromBytes(data)
	require.NoError(t, err)
	for uid, payload := range payloads {
		got, err := r.Read(uid)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}

	// A sidecar was published alongside, with verified checksums.
	metaData, err := store.Get(ctx, sidecar.MetaKeyFor(result.Shards[0].ObjectKey))
	require.NoError(t, err)
	doc, err := sidecar.Decode(metaData)
	require.NoError(t, err)
	require.Equal(t, 3, doc.Stats.Entries)
	for uid, payload := range payloads {
		require.Equal(t, sidecar.VerifyOK, doc.VerifyChecksum(uid, createdAt, payload))
	}
}

func TestPackSuffixesAreMonotone(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	p := newTestPacker(t, store, Config{NBits: 8, MaxShardSize: 8})

	files := []File{
		file("100", bytes.Repeat([]byte("a"), 5)),
		file("356", bytes.Repeat([]byte("b"), 5)),
	}
	result, err := p.Pack(ctx, files)
	require.NoError(t, err)
	require.Len(t, result.Shards, 2)
	keys := []string{result.Shards[0].ObjectKey, result.Shards[1].ObjectKey}
	require.Contains(t, keys, "20240101_64_0000.des")
	require.Contains(t, keys, "20240101_64_0001.des")

	// A fresh packer (next cycle) continues after the existing objects.
	p2 := newTestPacker(t, store, Config{NBits: 8, MaxShardSize: 8})
	result2, err := p2.Pack(ctx, []File{file("612", bytes.Repeat([]byte("c"), 5))})
	require.NoError(t, err)
	require.Equal(t, "20240101_64_0002.des", result2.Shards[0].ObjectKey)
}

func TestPackBigFileDedup(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	cfg := Config{
		NBits: 8,
		Codec: shardcodec.Config{BigFileThreshold: 8, BigFilesPrefix: "_bigFiles"},
	}
	p := newTestPacker(t, store, cfg)

	big := bytes.Repeat([]byte("X"), 64)
	result, err := p.Pack(ctx, []File{file("100", big), file("356", big)})
	require.NoError(t, err)
	require.Len(t, result.Shards, 1)

	hash := shardcodec.HashPayload(big)
	require.Equal(t, []string{hash}, result.Shards[0].BigFileHashes)

	// Exactly one BigFile object exists and both UIDs resolve through it.
	objects, err := store.List(ctx, "_bigFiles/")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	shardData, err := store.Get(ctx, result.Shards[0].ObjectKey)
	require.NoError(t, err)
	require.NotContains(t, string(shardData), string(big))

	r, err := shardcodec.FromBytes(shardData,
		shardcodec.WithBigFileSource(sidecar.NewStoreBigFiles(ctx, store, result.Shards[0].ObjectKey, "_bigFiles")))
	require.NoError(t, err)
	for _, uid := range []string{"100", "356"} {
		got, err := r.Read(uid)
		require.NoError(t, err)
		require.Equal(t, big, got)
	}
}

func TestPackEmptyBatch(t *testing.T) {
	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	p := newTestPacker(t, store, Config{})
	result, err := p.Pack(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, result.FilesPacked)
	require.Empty(t, result.Shards)
}
