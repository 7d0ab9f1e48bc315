// Package packer groups archivable files into shard containers and uploads
// them, together with their BigFile objects and sidecars, to a blob store.
// Planning is pure; all IO happens in the Packer.
package packer

import (
	"fmt"
	"time"

	"github.com/datavision/easystore/routing"
	"github.com/datavision/easystore/shardcodec"
)

// File is one payload to pack, already read into memory.
type File struct {
	UID       string
	CreatedAt time.Time
	Payload   []byte

	// Props becomes the entry meta; CreatedAt is always filled in.
	Props *shardcodec.Properties
}

// ShardKey is the routing coordinate a file belongs to. Many physical shards
// may share one key.
type ShardKey struct {
	DateDir  string
	ShardHex string
}

func (k ShardKey) String() string {
	return k.DateDir + "/" + k.ShardHex
}

// PlannedShard is one physical shard to write: a key plus the files assigned
// to it, in input order.
type PlannedShard struct {
	Key       ShardKey
	Files     []File
	TotalSize int64
}

// BuildPlan assigns files to shard keys via the router and splits a key's
// run of files into multiple shards once the accumulated raw payload size
// would exceed maxShardSize. The split is a soft limit: a single file larger
// than maxShardSize still produces a (single-file) shard.
//
// The plan is deterministic: files are processed in input order, and shard
// keys appear in first-occurrence order.
func BuildPlan(files []File, nBits int, maxShardSize int64) ([]PlannedShard, error) {
	if maxShardSize <= 0 {
		return nil, fmt.Errorf("max shard size must be positive; got %d", maxShardSize)
	}

	grouped := make(map[ShardKey][]File)
	var keyOrder []ShardKey
	for _, f := range files {
		loc, err := routing.Locate(f.UID, f.CreatedAt, nBits)
		if err != nil {
			return nil, err
		}
		key := ShardKey{DateDir: loc.DateDir, ShardHex: loc.ShardHex}
		if _, seen := grouped[key]; !seen {
			keyOrder = append(keyOrder, key)
		}
		grouped[key] = append(grouped[key], f)
	}

	var planned []PlannedShard
	for _, key := range keyOrder {
		var cur []File
		var curSize int64
		for _, f := range grouped[key] {
			if len(cur) > 0 && curSize+int64(len(f.Payload)) > maxShardSize {
				planned = append(planned, PlannedShard{Key: key, Files: cur, TotalSize: curSize})
				cur = nil
				curSize = 0
			}
			cur = append(cur, f)
			curSize += int64(len(f.Payload))
		}
		if len(cur) > 0 {
			planned = append(planned, PlannedShard{Key: key, Files: cur, TotalSize: curSize})
		}
	}
	return planned, nil
}
