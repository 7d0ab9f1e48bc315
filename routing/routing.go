// Package routing deterministically maps (uid, created_at) to a shard
// location without consulting any database or external state.
package routing

import (
	"fmt"
	"hash/crc32"
	"math/big"
	"strconv"
	"time"
)

const (
	// MinBits and MaxBits bound the shard-index space: 2^4 .. 2^16 shards.
	MinBits = 4
	MaxBits = 16

	// DefaultBits is the routing width used when none is configured.
	DefaultBits = 8

	// ShardExt is the file extension of shard container objects.
	ShardExt = ".des"
)

// Location is the resolved shard coordinates for a single UID.
type Location struct {
	UID        string
	CreatedAt  time.Time
	DateDir    string
	ShardIndex uint32
	ShardHex   string
	ObjectKey  string
}

// ValidateBits checks that nBits is within the supported routing width.
func ValidateBits(nBits int) error {
	if nBits < MinBits || nBits > MaxBits {
		return fmt.Errorf("n_bits must be between %d and %d, inclusive; got %d", MinBits, MaxBits, nBits)
	}
	return nil
}

// NormalizeUID returns the canonical string form of a UID. Integer UIDs map
// to their decimal representation; strings pass through unchanged.
func NormalizeUID[T int | int64 | uint64 | string](uid T) string {
	switch v := any(uid).(type) {
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case string:
		return v
	}
	panic("unreachable")
}

// FormatDateDir formats the timestamp as a YYYYMMDD directory name.
func FormatDateDir(createdAt time.Time) string {
	return createdAt.Format("20060102")
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ShardIndex computes the shard index for a UID in a 2^nBits space.
//
// Numeric UIDs shard via modulo so that consecutive IDs spread evenly;
// everything else hashes with CRC32 (IEEE) over the UTF-8 bytes. The result
// is identical across platforms and releases: shard placement is part of the
// on-store contract.
func ShardIndex(uid string, nBits int) (uint32, error) {
	if err := ValidateBits(nBits); err != nil {
		return 0, err
	}
	mask := uint32(1)<<uint(nBits) - 1

	if isAllDigits(uid) {
		// UIDs may exceed 64 bits; modulo in big-integer space keeps the
		// numeric path exact for arbitrarily long decimal strings.
		if n, err := strconv.ParseUint(uid, 10, 64); err == nil {
			return uint32(n % uint64(mask+1)), nil
		}
		bigN, ok := new(big.Int).SetString(uid, 10)
		if !ok {
			return 0, fmt.Errorf("invalid numeric uid %q", uid)
		}
		mod := new(big.Int).Mod(bigN, big.NewInt(int64(mask)+1))
		return uint32(mod.Uint64()), nil
	}

	return crc32.ChecksumIEEE([]byte(uid)) & mask, nil
}

// ShardHex converts a shard index to zero-padded uppercase hex, ceil(nBits/4)
// characters wide. Padding to the ceiling keeps every index in a given width
// the same length, so no shard's listing prefix is a prefix of another's.
func ShardHex(shardIndex uint32, nBits int) (string, error) {
	if err := ValidateBits(nBits); err != nil {
		return "", err
	}
	maxValue := uint32(1)<<uint(nBits) - 1
	if shardIndex > maxValue {
		return "", fmt.Errorf("shard_index %d outside range 0..%d", shardIndex, maxValue)
	}
	width := (nBits + 3) / 4
	return fmt.Sprintf("%0*X", width, shardIndex), nil
}

// BuildObjectKey builds the canonical shard object key as YYYYMMDD/HH.des.
func BuildObjectKey(dateDir string, shardHex string) string {
	return dateDir + "/" + shardHex + ShardExt
}

// Locate resolves the full shard location for a UID and timestamp.
func Locate(uid string, createdAt time.Time, nBits int) (Location, error) {
	dateDir := FormatDateDir(createdAt)
	shardIndex, err := ShardIndex(uid, nBits)
	if err != nil {
		return Location{}, err
	}
	shardHex, err := ShardHex(shardIndex, nBits)
	if err != nil {
		return Location{}, err
	}
	return Location{
		UID:        uid,
		CreatedAt:  createdAt,
		DateDir:    dateDir,
		ShardIndex: shardIndex,
		ShardHex:   shardHex,
		ObjectKey:  BuildObjectKey(dateDir, shardHex),
	}, nil
}
