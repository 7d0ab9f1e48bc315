package sidecar

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/compression"
	"github.com/datavision/easystore/shardcodec"
)

var testCreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBuildKey(t *testing.T) {
	require.Equal(t, "u:2024-01-01T00:00:00Z", BuildKey("u", testCreatedAt))

	cet := time.FixedZone("CET", 3600)
	require.Equal(t, "u:2024-01-01T00:00:00Z",
		BuildKey("u", time.Date(2024, 1, 1, 1, 0, 0, 0, cet)))
}

func TestMetaKeyFor(t *testing.T) {
	require.Equal(t, "20240101/39.meta", MetaKeyFor("20240101/39.des"))
	require.Equal(t, "20240101_39_0001.meta", MetaKeyFor("20240101_39_0001.des"))
	require.Equal(t, "weird-key.meta", MetaKeyFor("weird-key"))
}

func TestGetEntryLookupOrder(t *testing.T) {
	doc := NewDocument("x.des", 0, testCreatedAt)
	doc.Index["u:2024-01-01T00:00:00Z"] = &IndexEntry{UID: "u"}
	doc.Index["bare"] = &IndexEntry{UID: "bare"}
	doc.Index["pfx:2020-05-05T00:00:00Z"] = &IndexEntry{UID: "pfx"}

	// Exact composite key.
	require.NotNil(t, doc.GetEntry("u", testCreatedAt))
	// Bare uid when the timestamp does not match.
	require.NotNil(t, doc.GetEntry("bare", testCreatedAt))
	// Unique prefix match with a different timestamp.
	require.NotNil(t, doc.GetEntry("pfx", testCreatedAt))
	require.Nil(t, doc.GetEntry("absent", testCreatedAt))

	// Ambiguous prefix matches resolve to nothing.
	doc.Index["pfx:2021-06-06T00:00:00Z"] = &IndexEntry{UID: "pfx"}
	require.Nil(t, doc.GetEntry("pfx", testCreatedAt))
}

func TestTombstones(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	doc := NewDocument("x.des", 0, testCreatedAt)
	doc.Index[BuildKey("u", testCreatedAt)] = &IndexEntry{UID: "u", CreatedAt: "2024-01-01T00:00:00Z"}
	doc.Index[BuildKey("v", testCreatedAt)] = &IndexEntry{UID: "v"}
	doc.RecomputeStats()

	require.False(t, doc.IsTombstoned("u", testCreatedAt))
	require.NoError(t, doc.AddTombstone("u", testCreatedAt, "op", "GDPR", "T-1", now))
	require.True(t, doc.IsTombstoned("u", testCreatedAt))
	require.False(t, doc.IsTombstoned("v", testCreatedAt))

	ts := doc.Tombstones[BuildKey("u", testCreatedAt)]
	require.NotNil(t, ts)
	require.Equal(t, "op", ts.DeletedBy)
	require.Equal(t, "2024-02-01T12:00:00Z", ts.DeletedAt)
	require.Equal(t, "T-1", ts.TicketID)

	require.Equal(t, 2, doc.Stats.Entries)
	require.Equal(t, 1, doc.Stats.DeletedFiles)
	require.InDelta(t, 0.5, doc.Stats.DeletionRatio, 1e-9)

	err := doc.AddTombstone("u", testCreatedAt, "op", "again", "", now)
	require.ErrorIs(t, err, ErrAlreadyDeleted)
	err = doc.AddTombstone("missing", testCreatedAt, "op", "r", "", now)
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestVerifyChecksum(t *testing.T) {
	doc := NewDocument("x.des", 0, testCreatedAt)
	payload := []byte("payload")
	doc.Index[BuildKey("u", testCreatedAt)] = &IndexEntry{
		UID:          "u",
		Checksum:     ChecksumOf(payload),
		ChecksumAlgo: ChecksumAlgo,
	}
	doc.Index["nochecksum"] = &IndexEntry{UID: "nochecksum"}

	require.Equal(t, VerifyOK, doc.VerifyChecksum("u", testCreatedAt, payload))
	require.Equal(t, VerifyMismatch, doc.VerifyChecksum("u", testCreatedAt, []byte("tampered")))
	require.Equal(t, VerifyMissing, doc.VerifyChecksum("nochecksum", testCreatedAt, payload))
	require.Equal(t, VerifyMissing, doc.VerifyChecksum("absent", testCreatedAt, payload))
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := NewDocument("20240101/39.des", 1234, testCreatedAt)
	doc.Index[BuildKey("u", testCreatedAt)] = &IndexEntry{
		UID: "u", Codec: "zstd", Checksum: "abc", ChecksumAlgo: ChecksumAlgo,
	}
	doc.RecomputeStats()

	data, err := doc.Encode()
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, doc.ShardFile, back.ShardFile)
	require.Equal(t, doc.Stats, back.Stats)
	require.NotNil(t, back.GetEntry("u", testCreatedAt))

	_, err = Decode([]byte("{not json"))
	require.ErrorIs(t, err, ErrCorruptMetadata)
}

// writeTestShard packs a couple of payloads into a shard object in the store
// and returns the shard key and payloads.
func writeTestShard(t *testing.T, ctx context.Context, store blobstore.Store) (string, map[string][]byte) {
	t.Helper()
	payloads := map[string][]byte{
		"100": []byte("payload-one"),
		"356": bytes.Repeat([]byte("two-"), 64),
	}
	var buf bytes.Buffer
	w := shardcodec.NewWriter(&buf, shardcodec.WithCompression(compression.BalancedZstd()))
	for _, uid := range []string{"100", "356"} {
		_, err := w.Add(uid, payloads[uid], &shardcodec.Properties{CreatedAt: testCreatedAt})
		require.NoError(t, err)
	}
	require.NoError(t, w.Finalize())

	shardKey := "20240101/64/20240101_64_0000.des"
	require.NoError(t, store.Put(ctx, shardKey, buf.Bytes()))
	return shardKey, payloads
}

func TestManagerRebuildOnMissingSidecar(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	shardKey, payloads := writeTestShard(t, ctx, store)

	m, err := NewManager(store, 8)
	require.NoError(t, err)

	// No .meta object exists yet; Load must rebuild and persist one.
	doc, err := m.Load(ctx, shardKey)
	require.NoError(t, err)
	require.Equal(t, 2, doc.Stats.Entries)
	_, err = store.Head(ctx, MetaKeyFor(shardKey))
	require.NoError(t, err)

	for uid, payload := range payloads {
		entry := doc.GetEntry(uid, testCreatedAt)
		require.NotNil(t, entry, uid)
		require.Equal(t, "2024-01-01T00:00:00Z", entry.CreatedAt)
		require.Equal(t, ChecksumOf(payload), entry.Checksum)
		require.Equal(t, ChecksumAlgo, entry.ChecksumAlgo)
	}

	// Rebuilding again yields the same index keys and checksums.
	m2, err := NewManager(store, 8)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, MetaKeyFor(shardKey)))
	doc2, err := m2.Load(ctx, shardKey)
	require.NoError(t, err)
	require.Equal(t, len(doc.Index), len(doc2.Index))
	for key, entry := range doc.Index {
		require.NotNil(t, doc2.Index[key])
		require.Equal(t, entry.Checksum, doc2.Index[key].Checksum)
	}
}

func TestManagerTombstoneFlow(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	shardKey, _ := writeTestShard(t, ctx, store)

	m, err := NewManager(store, 8)
	require.NoError(t, err)

	require.NoError(t, m.AddTombstone(ctx, shardKey, "100", testCreatedAt, "op", "GDPR", ""))
	err = m.AddTombstone(ctx, shardKey, "100", testCreatedAt, "op", "GDPR", "")
	require.ErrorIs(t, err, ErrAlreadyDeleted)
	err = m.AddTombstone(ctx, shardKey, "nope", testCreatedAt, "op", "GDPR", "")
	require.ErrorIs(t, err, ErrEntryNotFound)

	// The tombstone survives a cold reload from the store.
	m2, err := NewManager(store, 8)
	require.NoError(t, err)
	doc, err := m2.Load(ctx, shardKey)
	require.NoError(t, err)
	require.True(t, doc.IsTombstoned("100", testCreatedAt))
	require.False(t, doc.IsTombstoned("356", testCreatedAt))
}

func TestManagerVerifyChecksum(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	shardKey, payloads := writeTestShard(t, ctx, store)

	m, err := NewManager(store, 8)
	require.NoError(t, err)

	result, err := m.VerifyChecksum(ctx, shardKey, "100", testCreatedAt, payloads["100"])
	require.NoError(t, err)
	require.Equal(t, VerifyOK, result)

	result, err = m.VerifyChecksum(ctx, shardKey, "100", testCreatedAt, []byte("tampered"))
	require.NoError(t, err)
	require.Equal(t, VerifyMismatch, result)
}
