package shardcodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/datavision/easystore/compression"
)

// ErrUIDNotFound is returned by Read for UIDs absent from the shard index.
var ErrUIDNotFound = errors.New("uid not found in shard")

// ReaderAtCloser is the byte source a shard Reader consumes. File handles,
// in-memory buffers, and remote range readers all satisfy it.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

type nopCloserAt struct{ io.ReaderAt }

func (nopCloserAt) Close() error { return nil }

// Reader parses a shard container and serves point reads from it.
type Reader struct {
	src      ReaderAtCloser
	size     int64
	version  uint8
	index    *Index
	bigFiles BigFileSource
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithBigFileSource lets the reader resolve BigFile entries.
func WithBigFileSource(src BigFileSource) ReaderOption {
	return func(r *Reader) { r.bigFiles = src }
}

// OpenReaderAt parses a shard from an arbitrary random-access source.
func OpenReaderAt(src ReaderAtCloser, size int64, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{src: src, size: size}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenFile opens a shard file from disk. When no BigFile source is given,
// the conventional _bigFiles directory next to the shard is used.
func OpenFile(path string, opts ...ReaderOption) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat shard file: %w", err)
	}
	r, err := OpenReaderAt(f, st.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	if r.bigFiles == nil {
		cfg := DefaultConfig()
		r.bigFiles = NewDirBigFiles(bigFilesDirFor(path, cfg.BigFilesPrefix))
	}
	return r, nil
}

// FromBytes parses a shard held fully in memory.
func FromBytes(data []byte, opts ...ReaderOption) (*Reader, error) {
	return OpenReaderAt(nopCloserAt{bytes.NewReader(data)}, int64(len(data)), opts...)
}

func (r *Reader) load() error {
	if r.size < HeaderSize+FooterSize {
		return corruptf("file too small to be a valid shard: %d bytes", r.size)
	}

	header := make([]byte, HeaderSize)
	if _, err := r.src.ReadAt(header, 0); err != nil {
		return fmt.Errorf("failed to read shard header: %w", err)
	}
	version, err := ParseHeader(header)
	if err != nil {
		return err
	}
	r.version = version

	footer := make([]byte, FooterSize)
	if _, err := r.src.ReadAt(footer, r.size-FooterSize); err != nil {
		return fmt.Errorf("failed to read shard footer: %w", err)
	}
	indexSize, err := ParseFooter(footer)
	if err != nil {
		return err
	}

	indexStart := r.size - FooterSize - int64(indexSize)
	if indexStart < HeaderSize || indexSize > uint64(r.size) {
		return corruptf("invalid index size %d for file of %d bytes", indexSize, r.size)
	}

	indexData := make([]byte, indexSize)
	if _, err := r.src.ReadAt(indexData, indexStart); err != nil {
		return fmt.Errorf("failed to read shard index: %w", err)
	}
	index, err := ParseIndex(indexData, version, uint64(indexStart))
	if err != nil {
		return err
	}
	r.index = index
	return nil
}

// Version returns the container format version (1 or 2).
func (r *Reader) Version() uint8 { return r.version }

// Index returns the parsed shard index.
func (r *Reader) Index() *Index { return r.index }

// Has reports whether uid is present in the shard.
func (r *Reader) Has(uid string) bool { return r.index.Has(uid) }

// Read returns the decompressed payload for uid.
func (r *Reader) Read(uid string) ([]byte, error) {
	entry := r.index.Get(uid)
	if entry == nil {
		return nil, fmt.Errorf("%w: %q", ErrUIDNotFound, uid)
	}
	return r.ReadEntry(entry)
}

// ReadEntry returns the decompressed payload for an index entry.
func (r *Reader) ReadEntry(entry *Entry) ([]byte, error) {
	if entry.IsBigFile {
		if r.bigFiles == nil {
			return nil, fmt.Errorf("bigfile entry %q but no bigfile source configured", entry.UID)
		}
		data, err := r.bigFiles.Get(entry.BigFileHash)
		if err != nil {
			return nil, err
		}
		if uint64(len(data)) != entry.BigFileSize {
			return nil, corruptf("bigfile %q size mismatch: have %d, want %d",
				entry.UID, len(data), entry.BigFileSize)
		}
		return data, nil
	}

	raw := make([]byte, entry.Length)
	if _, err := r.src.ReadAt(raw, int64(entry.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read payload for %q: %w", entry.UID, err)
	}
	return DecodeEntryPayload(entry, raw)
}

// Close releases the underlying source.
func (r *Reader) Close() error {
	return r.src.Close()
}

// DecodeEntryPayload decompresses the stored bytes of an inline entry and
// verifies the recorded uncompressed size.
func DecodeEntryPayload(entry *Entry, stored []byte) ([]byte, error) {
	if uint64(len(stored)) != entry.Length {
		return nil, corruptf("payload %q length mismatch: have %d, want %d",
			entry.UID, len(stored), entry.Length)
	}
	data, err := compression.Decompress(entry.Codec, stored)
	if err != nil {
		return nil, corruptf("payload %q: %s", entry.UID, err)
	}
	if uint64(len(data)) != entry.UncompressedSize {
		return nil, corruptf("payload %q decompressed size mismatch: have %d, want %d",
			entry.UID, len(data), entry.UncompressedSize)
	}
	return data, nil
}

func bigFilesDirFor(shardPath, prefix string) string {
	return filepath.Join(filepath.Dir(shardPath), prefix)
}
