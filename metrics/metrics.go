package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var MigrationCyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "des_migration_cycles_total",
		Help: "Migration cycles by outcome",
	},
	[]string{"outcome"},
)

var MigratedFilesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_migrated_files_total",
		Help: "Files packed into shards and uploaded",
	},
)

var MigratedBytesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_migrated_bytes_total",
		Help: "Raw payload bytes packed into shards",
	},
)

var MigrationCycleDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "des_migration_cycle_duration_seconds",
		Help:    "Wall time of a full migration cycle",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	},
)

var MigrationPendingFiles = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "des_migration_pending_files",
		Help: "Files remaining in the current migration window",
	},
)

var ArchivedUntil = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "des_archived_until_timestamp_seconds",
		Help: "Current watermark as a unix timestamp",
	},
)

var ShardUploadsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "des_shard_uploads_total",
		Help: "Shard uploads by outcome",
	},
	[]string{"outcome"},
)

var BigFileUploadsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_bigfile_uploads_total",
		Help: "BigFile objects uploaded",
	},
)

var SidecarCacheHits = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_sidecar_cache_hits_total",
		Help: "Sidecar lookups served from the in-memory cache",
	},
)

var SidecarCacheMisses = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_sidecar_cache_misses_total",
		Help: "Sidecar lookups that had to fetch the sidecar object",
	},
)

var SidecarRebuildsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_sidecar_rebuilds_total",
		Help: "Sidecar documents rebuilt from their shard index",
	},
)

var ChecksumVerificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "des_checksum_verifications_total",
		Help: "Payload checksum verifications by result",
	},
	[]string{"result"},
)

var RetrievalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "des_retrievals_total",
		Help: "Point reads by source and outcome",
	},
	[]string{"source", "outcome"},
)

var RetrievalRangeGets = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "des_retrieval_range_gets",
		Help:    "Range requests issued per in-shard retrieval",
		Buckets: []float64{1, 2, 3, 4, 5, 6},
	},
)

var IndexCacheHits = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_index_cache_hits_total",
		Help: "Shard index lookups served from the in-memory cache",
	},
)

var IndexCacheMisses = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_index_cache_misses_total",
		Help: "Shard index lookups that had to fetch the index",
	},
)

var ExtRetentionMovesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_ext_retention_moves_total",
		Help: "Payloads copied out to extended-retention storage",
	},
)

var ExtRetentionUpdatesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_ext_retention_updates_total",
		Help: "Retention policy updates on existing extended-retention objects",
	},
)

var BlobRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "des_blob_requests_total",
		Help: "Blob store calls by operation and outcome",
	},
	[]string{"op", "outcome"},
)

var TombstonesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "des_tombstones_total",
		Help: "Logical deletions recorded in sidecars",
	},
)

// Version information of this binary.
var Version = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "des_version",
		Help: "Version information of this binary",
	},
	[]string{"started_at", "tag", "commit", "compiler"},
)
