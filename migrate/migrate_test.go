package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/blobstore"
	"github.com/datavision/easystore/packer"
	"github.com/datavision/easystore/sidecar"
	"github.com/datavision/easystore/sourcedb"
	"github.com/datavision/easystore/watermark"
)

type testEnv struct {
	db     *sql.DB
	repo   *watermark.Repository
	store  *blobstore.LocalStore
	srcDir string
	orch   *Orchestrator
}

var testNow = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE cold_files (
		uid           TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		file_location TEXT NOT NULL
	)`)
	require.NoError(t, err)

	repo := watermark.NewRepository(db)
	require.NoError(t, repo.EnsureInitialized(ctx,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3))

	provider, err := sourcedb.NewProvider(db, sourcedb.Config{
		Table:          "cold_files",
		UIDColumn:      "uid",
		CreatedAtCol:   "created_at",
		LocationColumn: "file_location",
		PageSize:       5,
	})
	require.NoError(t, err)

	store, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	sidecars, err := sidecar.NewManager(store, 16)
	require.NoError(t, err)

	env := &testEnv{db: db, repo: repo, store: store, srcDir: t.TempDir()}
	env.orch, err = New(repo, provider, store, sidecars, Files{Local: LocalFiles{}},
		packer.Config{NBits: 8, PublishSidecars: true}, cfg,
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return env
}

// addRow creates the payload file and registers the source row.
func (e *testEnv) addRow(t *testing.T, uid string, createdAt time.Time, payload []byte) string {
	t.Helper()
	path := filepath.Join(e.srcDir, uid+".bin")
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	_, err := e.db.Exec(
		`INSERT INTO cold_files (uid, created_at, file_location) VALUES (?, ?, ?)`,
		uid, createdAt, path)
	require.NoError(t, err)
	return path
}

func TestCycleMigratesWindowAndAdvancesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	inWindow := time.Date(2024, 1, 3, 6, 0, 0, 0, time.UTC)
	tooNew := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		env.addRow(t, fmt.Sprintf("%d", 100+i), inWindow, []byte(fmt.Sprintf("payload-%d", i)))
	}
	env.addRow(t, "999", tooNew, []byte("too-new"))

	result, err := env.orch.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, result.FilesProcessed)
	require.Equal(t, 8, result.FilesMigrated)
	require.Zero(t, result.FilesFailed)
	require.NotZero(t, result.ShardsCreated)
	require.Empty(t, result.Errors)
	require.True(t, result.WatermarkAdvanced)
	require.Equal(t, time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), result.ArchivedUntil)

	// Shards (and their sidecars) were published.
	shards, err := env.store.List(ctx, "20240103_")
	require.NoError(t, err)
	require.NotEmpty(t, shards)

	// The immediately following cycle sees an empty window.
	result2, err := env.orch.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result2.Window.IsEmpty())
	require.Zero(t, result2.FilesProcessed)
	require.False(t, result2.WatermarkAdvanced)
}

func TestCycleRecordsPerFileFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	at := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	env.addRow(t, "100", at, []byte("ok"))
	// A row whose payload file is missing fails per-file, not per-cycle.
	_, err := env.db.Exec(
		`INSERT INTO cold_files (uid, created_at, file_location) VALUES (?, ?, ?)`,
		"101", at, filepath.Join(env.srcDir, "missing.bin"))
	require.NoError(t, err)
	// An s3 row with no s3 reader configured also fails per-file.
	_, err = env.db.Exec(
		`INSERT INTO cold_files (uid, created_at, file_location) VALUES (?, ?, ?)`,
		"102", at, "s3://bucket/key")
	require.NoError(t, err)

	result, err := env.orch.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, result.FilesProcessed)
	require.Equal(t, 1, result.FilesMigrated)
	require.Equal(t, 2, result.FilesFailed)
	require.Len(t, result.Errors, 2)
	// The cycle still advanced: one file made it.
	require.True(t, result.WatermarkAdvanced)
}

func TestCycleWithNothingMigratedDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})

	at := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	_, err := env.db.Exec(
		`INSERT INTO cold_files (uid, created_at, file_location) VALUES (?, ?, ?)`,
		"100", at, filepath.Join(env.srcDir, "missing.bin"))
	require.NoError(t, err)

	result, err := env.orch.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesFailed)
	require.Zero(t, result.FilesMigrated)
	require.False(t, result.WatermarkAdvanced)

	cfg, err := env.repo.GetConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), cfg.ArchivedUntil)
}

func TestDeleteSourceFilesAfterAdvance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{DeleteSourceFiles: true})

	at := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	kept := env.addRow(t, "100", at, []byte("payload"))
	missing := filepath.Join(env.srcDir, "missing.bin")
	_, err := env.db.Exec(
		`INSERT INTO cold_files (uid, created_at, file_location) VALUES (?, ?, ?)`,
		"101", at, missing)
	require.NoError(t, err)

	result, err := env.orch.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.WatermarkAdvanced)

	// Migrated source files are gone; the failed row's location was never
	// deleted (it never existed).
	_, err = os.Stat(kept)
	require.True(t, os.IsNotExist(err))
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := ParseS3URI("s3://my-bucket/a/b/c.bin")
	require.NoError(t, err)
	require.Equal(t, "my-bucket", bucket)
	require.Equal(t, "a/b/c.bin", key)

	for _, bad := range []string{"/local/path", "s3://", "s3://bucket", "s3://bucket/"} {
		_, _, err := ParseS3URI(bad)
		require.Error(t, err, bad)
	}
}
