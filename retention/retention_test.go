package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/packer"
	"github.com/datavision/easystore/retrieve"
	"github.com/datavision/easystore/sidecar"
)

var (
	createdAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testNow   = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func setup(t *testing.T) (*blobstore.LocalStore, *retrieve.Retriever, *Manager) {
	t.Helper()
	ctx := context.Background()

	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	sidecars, err := sidecar.NewManager(store, 16)
	require.NoError(t, err)

	p, err := packer.New(store, sidecars, packer.Config{NBits: 8, PublishSidecars: true})
	require.NoError(t, err)
	_, err = p.Pack(ctx, []packer.File{
		{UID: "100", CreatedAt: createdAt, Payload: []byte("precious")},
	})
	require.NoError(t, err)

	r, err := retrieve.New(store, sidecars, retrieve.Config{NBits: 8, ExtPrefix: retrieve.DefaultExtPrefix})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	mgr := NewManager(store, "", WithClock(func() time.Time { return testNow }))
	return store, r, mgr
}

func TestMoveThenUpdate(t *testing.T) {
	ctx := context.Background()
	store, r, mgr := setup(t)

	due := testNow.AddDate(1, 0, 0)
	result, err := mgr.SetRetentionPolicy(ctx, "100", createdAt, due, r)
	require.NoError(t, err)
	require.Equal(t, ActionMoved, result.Action)
	require.Equal(t, "_ext_retention/20240101/100_2024-01-01T00:00:00Z.dat", result.Key)
	require.Equal(t, due, result.RetentionUntil)

	// The copy exists, is locked, and now serves reads.
	data, err := store.Get(ctx, result.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("precious"), data)
	lock, ok := store.RetentionFor(result.Key)
	require.True(t, ok)
	require.Equal(t, due, lock)

	got, err := r.Get(ctx, "100", createdAt)
	require.NoError(t, err)
	require.Equal(t, []byte("precious"), got)

	// A second call only refreshes the lock; shorter dates never shorten it.
	later := due.AddDate(1, 0, 0)
	result, err = mgr.SetRetentionPolicy(ctx, "100", createdAt, later, r)
	require.NoError(t, err)
	require.Equal(t, ActionUpdated, result.Action)
	lock, _ = store.RetentionFor(result.Key)
	require.Equal(t, later, lock)

	result, err = mgr.SetRetentionPolicy(ctx, "100", createdAt, due, r)
	require.NoError(t, err)
	require.Equal(t, ActionUpdated, result.Action)
	lock, _ = store.RetentionFor(result.Key)
	require.Equal(t, later, lock)
}

func TestPastDueDateRejected(t *testing.T) {
	_, r, mgr := setup(t)
	_, err := mgr.SetRetentionPolicy(context.Background(), "100", createdAt, testNow.AddDate(0, 0, -1), r)
	require.ErrorIs(t, err, ErrPastDueDate)
}

func TestUnknownFile(t *testing.T) {
	_, r, mgr := setup(t)
	_, err := mgr.SetRetentionPolicy(context.Background(), "999", createdAt, testNow.AddDate(1, 0, 0), r)
	require.ErrorIs(t, err, retrieve.ErrNotFound)
}
