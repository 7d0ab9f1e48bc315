package retrieve

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/compression"
	"github.com/datavision/easystore/packer"
	"github.com/datavision/easystore/shardcodec"
	"github.com/datavision/easystore/sidecar"
)

var createdAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// countingStore tracks blob calls so tests can assert the range-GET budget.
type countingStore struct {
	blobstore.Store
	rangeGets atomic.Int64
	gets      atomic.Int64
	heads     atomic.Int64
}

func (s *countingStore) GetRange(ctx context.Context, key string, off, length int64) ([]byte, error) {
	s.rangeGets.Add(1)
	return s.Store.GetRange(ctx, key, off, length)
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, key)
}

func (s *countingStore) Head(ctx context.Context, key string) (blobstore.ObjectInfo, error) {
	s.heads.Add(1)
	return s.Store.Head(ctx, key)
}

type testEnv struct {
	store    *countingStore
	sidecars *sidecar.Manager
	shardKey string
}

func packTestShard(t *testing.T, payloads map[string][]byte, codecCfg shardcodec.Config) *testEnv {
	t.Helper()
	local, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	store := &countingStore{Store: local}
	sidecars, err := sidecar.NewManager(store, 16)
	require.NoError(t, err)

	p, err := packer.New(store, sidecars, packer.Config{
		NBits:           8,
		Compression:     compression.BalancedZstd(),
		Codec:           codecCfg,
		PublishSidecars: true,
	})
	require.NoError(t, err)

	var files []packer.File
	for uid, payload := range payloads {
		files = append(files, packer.File{UID: uid, CreatedAt: createdAt, Payload: payload})
	}
	result, err := p.Pack(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, result.Shards, 1)
	return &testEnv{store: store, sidecars: sidecars, shardKey: result.Shards[0].ObjectKey}
}

func newRetriever(t *testing.T, env *testEnv, cfg Config) *Retriever {
	t.Helper()
	cfg.NBits = 8
	r, err := New(env.store, env.sidecars, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestGetViaSidecar(t *testing.T) {
	ctx := context.Background()
	payloads := map[string][]byte{"100": []byte("payload-a"), "356": []byte("payload-b")}
	env := packTestShard(t, payloads, shardcodec.Config{})
	r := newRetriever(t, env, Config{})

	env.store.rangeGets.Store(0)
	for uid, want := range payloads {
		got, err := r.Get(ctx, uid, createdAt)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	// Sidecar-directed reads fetch exactly one range per payload.
	require.Equal(t, int64(len(payloads)), env.store.rangeGets.Load())
}

func TestGetNotFound(t *testing.T) {
	env := packTestShard(t, map[string][]byte{"100": []byte("a")}, shardcodec.Config{})
	r := newRetriever(t, env, Config{})

	_, err := r.Get(context.Background(), "999", createdAt)
	require.ErrorIs(t, err, ErrNotFound)

	// A date with no shards at all is also a clean miss.
	_, err = r.Get(context.Background(), "100", createdAt.AddDate(0, 0, 1))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTombstonePrecedence(t *testing.T) {
	ctx := context.Background()
	env := packTestShard(t, map[string][]byte{"100": []byte("a"), "356": []byte("b")}, shardcodec.Config{})
	r := newRetriever(t, env, Config{})

	require.NoError(t, r.Delete(ctx, "100", createdAt, "op", "GDPR", "T-1"))

	_, err := r.Get(ctx, "100", createdAt)
	require.ErrorIs(t, err, ErrTombstoned)

	ok, err := r.Has(ctx, "100", createdAt)
	require.NoError(t, err)
	require.False(t, ok)

	// The shard payload is untouched; other entries still read fine.
	got, err := r.Get(ctx, "356", createdAt)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got)

	err = r.Delete(ctx, "100", createdAt, "op", "GDPR", "T-2")
	require.ErrorIs(t, err, sidecar.ErrAlreadyDeleted)
}

func TestDeleteUnknownUID(t *testing.T) {
	env := packTestShard(t, map[string][]byte{"100": []byte("a")}, shardcodec.Config{})
	r := newRetriever(t, env, Config{})
	err := r.Delete(context.Background(), "999", createdAt, "op", "user_request", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMissingSidecarFallback(t *testing.T) {
	ctx := context.Background()
	env := packTestShard(t, map[string][]byte{"100": []byte("payload-a")}, shardcodec.Config{})

	// Lose the sidecar; a fresh manager has no cached copy either.
	require.NoError(t, env.store.Delete(ctx, sidecar.MetaKeyFor(env.shardKey)))
	sidecars, err := sidecar.NewManager(env.store, 16)
	require.NoError(t, err)
	env.sidecars = sidecars
	r := newRetriever(t, env, Config{})

	env.store.rangeGets.Store(0)
	env.store.heads.Store(0)
	got, err := r.Get(ctx, "100", createdAt)
	require.NoError(t, err)
	require.Equal(t, []byte("payload-a"), got)
	// Cold fallback: header, footer, index, payload. The shard size comes
	// from the candidate listing, so no stat call on top of that.
	require.Equal(t, int64(4), env.store.rangeGets.Load())
	require.Equal(t, int64(0), env.store.heads.Load())

	// The parsed index is cached: the next read costs one range request.
	env.store.rangeGets.Store(0)
	_, err = r.Get(ctx, "100", createdAt)
	require.NoError(t, err)
	require.Equal(t, int64(1), env.store.rangeGets.Load())
}

func TestExtRetentionPrecedence(t *testing.T) {
	ctx := context.Background()
	env := packTestShard(t, map[string][]byte{"100": []byte("from-shard")}, shardcodec.Config{})
	r := newRetriever(t, env, Config{ExtPrefix: DefaultExtPrefix})

	extKey := BuildExtKey(DefaultExtPrefix, "100", createdAt)
	require.Equal(t, "_ext_retention/20240101/100_2024-01-01T00:00:00Z.dat", extKey)
	require.NoError(t, env.store.Put(ctx, extKey, []byte("from-ext")))

	got, err := r.Get(ctx, "100", createdAt)
	require.NoError(t, err)
	require.Equal(t, []byte("from-ext"), got)
}

func TestBigFileRead(t *testing.T) {
	ctx := context.Background()
	big := make([]byte, 64)
	for i := range big {
		big[i] = 'X'
	}
	env := packTestShard(t, map[string][]byte{"100": big},
		shardcodec.Config{BigFileThreshold: 8, BigFilesPrefix: "_bigFiles"})
	r := newRetriever(t, env, Config{BigFilesPrefix: "_bigFiles"})

	got, err := r.Get(ctx, "100", createdAt)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestChecksumEnforcement(t *testing.T) {
	ctx := context.Background()
	env := packTestShard(t, map[string][]byte{"100": []byte("payload-a")}, shardcodec.Config{})

	// Corrupt the stored checksum so verification reports a mismatch.
	doc, err := env.sidecars.Load(ctx, env.shardKey)
	require.NoError(t, err)
	doc.GetEntry("100", createdAt).Checksum = "deadbeef"
	require.NoError(t, env.sidecars.Save(ctx, env.shardKey, doc))

	enforcing := newRetriever(t, env, Config{EnforceChecksums: true})
	_, err = enforcing.Get(ctx, "100", createdAt)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	lenient := newRetriever(t, env, Config{})
	got, err := lenient.Get(ctx, "100", createdAt)
	require.NoError(t, err)
	require.Equal(t, []byte("payload-a"), got)
}

func TestHas(t *testing.T) {
	ctx := context.Background()
	env := packTestShard(t, map[string][]byte{"100": []byte("a")}, shardcodec.Config{})
	r := newRetriever(t, env, Config{})

	ok, err := r.Has(ctx, "100", createdAt)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Has(ctx, "999", createdAt)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 8, cfg.NBits)
	require.NotZero(t, cfg.IndexCacheSize)

	bad := Config{NBits: 99}
	require.Error(t, bad.Validate())
}
