// Package shardcodec implements the DES shard container format.
//
// A shard is an append-only byte sequence (little-endian):
//
//	[ HEADER 8B ][ DATA ... ][ INDEX ][ FOOTER 12B ]
//
// Header:
//
//	4 bytes  magic    = "DES2"
//	1 byte   version  (1 = legacy inline-only, 2 = BigFiles-aware)
//	3 bytes  reserved = zero
//
// Data section: payloads written back-to-back in insertion order, each
// optionally compressed.
//
// Index section: entry count (uint32) followed by per-entry records. The v2
// inline record is
//
//	u16 name_len | name | u8 flags(0) | u64 offset | u64 length | u8 codec |
//	u64 compressed_size | u64 uncompressed_size | u32 meta_len | meta
//
// and the v2 BigFile record is
//
//	u16 name_len | name | u8 flags(1) | u16 hash_len | hash |
//	u64 bigfile_size | u32 meta_len | meta
//
// The v1 record has no flags byte and no meta:
//
//	u16 name_len | name | u64 offset | u64 length | u8 codec |
//	u64 compressed_size | u64 uncompressed_size
//
// Footer:
//
//	4 bytes  magic = "DESI"
//	8 bytes  index_size (uint64)
//
// The index begins at filesize - 12 - index_size. A shard is fully
// self-describing: no external state is needed to parse it.
package shardcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize = 8
	FooterSize = 12

	// Version1 shards carry inline entries only, without flags or meta.
	Version1 = 1
	// Version2 shards add the flags byte, per-entry meta, and BigFiles.
	Version2 = 2
)

var (
	headerMagic = [4]byte{'D', 'E', 'S', '2'}
	footerMagic = [4]byte{'D', 'E', 'S', 'I'}
)

// ErrCorruptShard is wrapped by every framing violation the codec detects.
var ErrCorruptShard = errors.New("corrupt shard")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptShard, fmt.Sprintf(format, args...))
}

// ParseHeader validates the 8-byte header and returns the format version.
func ParseHeader(b []byte) (uint8, error) {
	if len(b) < HeaderSize {
		return 0, corruptf("header too short: %d bytes", len(b))
	}
	if [4]byte(b[:4]) != headerMagic {
		return 0, corruptf("invalid header magic %q", b[:4])
	}
	version := b[4]
	if version != Version1 && version != Version2 {
		return 0, corruptf("unsupported shard version %d", version)
	}
	return version, nil
}

// ParseFooter validates the 12-byte footer and returns the index size.
func ParseFooter(b []byte) (uint64, error) {
	if len(b) < FooterSize {
		return 0, corruptf("footer too short: %d bytes", len(b))
	}
	if [4]byte(b[:4]) != footerMagic {
		return 0, corruptf("invalid footer magic %q", b[:4])
	}
	return binary.LittleEndian.Uint64(b[4:12]), nil
}

func encodeHeader(version uint8) []byte {
	b := make([]byte, HeaderSize)
	copy(b, headerMagic[:])
	b[4] = version
	return b
}

func encodeFooter(indexSize uint64) []byte {
	b := make([]byte, FooterSize)
	copy(b, footerMagic[:])
	binary.LittleEndian.PutUint64(b[4:], indexSize)
	return b
}
