package zones

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func twoZones() *Config {
	return &Config{
		NBits: 8,
		Zones: []Zone{
			{Name: "eu", Range: Range{Start: 0, End: 128}, S3: S3Spec{Bucket: "des-eu"}},
			{Name: "us", Range: Range{Start: 128, End: 256}, S3: S3Spec{Bucket: "des-us"}},
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, twoZones().Validate())

	gap := twoZones()
	gap.Zones[1].Range.Start = 130
	require.ErrorContains(t, gap.Validate(), "not covered")

	overlap := twoZones()
	overlap.Zones[1].Range.Start = 100
	require.ErrorContains(t, overlap.Validate(), "overlaps")

	short := twoZones()
	short.Zones[1].Range.End = 200
	require.ErrorContains(t, short.Validate(), "not covered")

	outside := twoZones()
	outside.Zones[1].Range.End = 300
	require.ErrorContains(t, outside.Validate(), "exceeds")

	require.Error(t, (&Config{NBits: 8}).Validate())
	noBucket := twoZones()
	noBucket.Zones[0].S3.Bucket = ""
	require.ErrorContains(t, noBucket.Validate(), "no bucket")
}

func TestZoneFor(t *testing.T) {
	cfg := twoZones()
	require.NoError(t, cfg.Validate())

	z, err := cfg.ZoneFor(0)
	require.NoError(t, err)
	require.Equal(t, "eu", z.Name)

	z, err = cfg.ZoneFor(127)
	require.NoError(t, err)
	require.Equal(t, "eu", z.Name)

	z, err = cfg.ZoneFor(128)
	require.NoError(t, err)
	require.Equal(t, "us", z.Name)
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "zones.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
n_bits: 8
zones:
  - name: eu
    range: {start: 0, end: 128}
    s3: {bucket: des-eu, prefix: shards}
  - name: us
    range: {start: 128, end: 256}
    s3: {bucket: des-us, region: us-east-1}
`), 0o644))
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	require.Len(t, cfg.Zones, 2)
	require.Equal(t, "shards", cfg.Zones[0].S3.Prefix)
	require.Equal(t, "us-east-1", cfg.Zones[1].S3.Region)

	jsonPath := filepath.Join(dir, "zones.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
  "n_bits": 8,
  "zones": [
    {"name": "all", "range": {"start": 0, "end": 256}, "s3": {"bucket": "des"}}
  ]
}`), 0o644))
	cfg, err = Load(jsonPath)
	require.NoError(t, err)
	require.Len(t, cfg.Zones, 1)

	_, err = Load(filepath.Join(dir, "zones.toml"))
	require.Error(t, err)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("n_bits: 8\nzones: []\n"), 0o644))
	_, err = Load(badPath)
	require.Error(t, err)
}

type fakeRetriever struct {
	name string
	gets []string
}

func (f *fakeRetriever) Get(ctx context.Context, uid string, createdAt time.Time) ([]byte, error) {
	f.gets = append(f.gets, uid)
	return []byte(f.name), nil
}

func (f *fakeRetriever) Has(ctx context.Context, uid string, createdAt time.Time) (bool, error) {
	return true, nil
}

func (f *fakeRetriever) Delete(ctx context.Context, uid string, createdAt time.Time, deletedBy, reason, ticketID string) error {
	return nil
}

func TestMultiRetrieverRoutesByShardIndex(t *testing.T) {
	ctx := context.Background()
	eu := &fakeRetriever{name: "eu"}
	us := &fakeRetriever{name: "us"}
	m, err := NewMultiRetriever(twoZones(), map[string]FileRetriever{"eu": eu, "us": us})
	require.NoError(t, err)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// 100 mod 256 = 100 -> eu; 200 mod 256 = 200 -> us.
	got, err := m.Get(ctx, "100", at)
	require.NoError(t, err)
	require.Equal(t, []byte("eu"), got)

	got, err = m.Get(ctx, "200", at)
	require.NoError(t, err)
	require.Equal(t, []byte("us"), got)

	require.Equal(t, []string{"100"}, eu.gets)
	require.Equal(t, []string{"200"}, us.gets)
}

func TestMultiRetrieverRequiresAllZones(t *testing.T) {
	_, err := NewMultiRetriever(twoZones(), map[string]FileRetriever{"eu": &fakeRetriever{}})
	require.ErrorContains(t, err, "no retriever bound")
}
