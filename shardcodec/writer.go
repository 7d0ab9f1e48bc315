package shardcodec

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/datavision/easystore/compression"
)

var (
	// ErrDuplicateUID is returned when a UID is added to a shard twice.
	ErrDuplicateUID = errors.New("uid already exists in shard")

	// ErrWriterFinalized is returned by Add after Finalize or Close.
	ErrWriterFinalized = errors.New("shard writer is finalized")
)

// Writer builds a version-2 shard container against a byte sink. The order
// of Add calls fixes the payload order in the data section. Finalize writes
// the index and footer; until then the sink holds only header + data.
type Writer struct {
	sink        io.Writer
	ownsSink    bool
	compression CompressionPolicy
	cfg         Config
	bigFiles    BigFileSink

	started   bool
	finalized bool
	offset    uint64
	entries   []Entry
	byUID     map[string]int
}

// CompressionPolicy decides codec and bytes for an inline payload.
// compression.Config satisfies it.
type CompressionPolicy interface {
	// Encode returns the stored bytes and the codec that produced them.
	// logicalName lets the policy skip already-compressed content.
	Encode(logicalName string, data []byte) ([]byte, compression.Codec, error)
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompression sets the inline compression policy; nil stores payloads raw.
func WithCompression(p CompressionPolicy) WriterOption {
	return func(w *Writer) { w.compression = p }
}

// WithBigFiles enables spilling payloads larger than cfg.BigFileThreshold
// into the given sink. Without it every payload is stored inline.
func WithBigFiles(sink BigFileSink) WriterOption {
	return func(w *Writer) { w.bigFiles = sink }
}

// WithConfig overrides the default codec config.
func WithConfig(cfg Config) WriterOption {
	return func(w *Writer) { w.cfg = cfg }
}

// NewWriter returns a Writer over an arbitrary sink. The header is written
// lazily on the first Add (or explicitly via Start).
func NewWriter(sink io.Writer, opts ...WriterOption) *Writer {
	w := &Writer{
		sink:  sink,
		cfg:   DefaultConfig(),
		byUID: make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateFile creates a shard file at path and returns a Writer that owns it.
func CreateFile(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create shard file: %w", err)
	}
	w := NewWriter(f, opts...)
	w.ownsSink = true
	return w, nil
}

// Start writes the header if it has not been written yet.
func (w *Writer) Start() error {
	if w.started {
		return nil
	}
	if _, err := w.sink.Write(encodeHeader(Version2)); err != nil {
		return fmt.Errorf("failed to write shard header: %w", err)
	}
	w.started = true
	w.offset = HeaderSize
	return nil
}

// Len returns the number of entries added so far.
func (w *Writer) Len() int { return len(w.entries) }

// Has reports whether uid has already been added.
func (w *Writer) Has(uid string) bool {
	_, ok := w.byUID[uid]
	return ok
}

// Add appends one payload to the shard and returns its index entry.
//
// Payloads larger than the BigFile threshold are written to the BigFile sink
// keyed by their SHA-256 and only referenced from the index; everything else
// is (optionally compressed and) appended to the data section.
func (w *Writer) Add(uid string, payload []byte, props *Properties) (Entry, error) {
	if w.finalized {
		return Entry{}, ErrWriterFinalized
	}
	if _, dup := w.byUID[uid]; dup {
		return Entry{}, fmt.Errorf("%w: %q", ErrDuplicateUID, uid)
	}
	if err := w.Start(); err != nil {
		return Entry{}, err
	}

	meta, err := props.Encode()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode entry meta for %q: %w", uid, err)
	}

	if w.bigFiles != nil && int64(len(payload)) > w.cfg.BigFileThreshold {
		hash := HashPayload(payload)
		if err := w.bigFiles.Put(hash, payload); err != nil {
			return Entry{}, fmt.Errorf("failed to store bigfile for %q: %w", uid, err)
		}
		e := Entry{
			UID:         uid,
			IsBigFile:   true,
			BigFileHash: hash,
			BigFileSize: uint64(len(payload)),
			Meta:        meta,
		}
		w.byUID[uid] = len(w.entries)
		w.entries = append(w.entries, e)
		return e, nil
	}

	stored := payload
	codec := compression.CodecNone
	if w.compression != nil {
		logicalName := uid
		if props != nil && props.OriginalName != "" {
			logicalName = props.OriginalName
		}
		stored, codec, err = w.compression.Encode(logicalName, payload)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to compress payload for %q: %w", uid, err)
		}
	}

	if _, err := w.sink.Write(stored); err != nil {
		return Entry{}, fmt.Errorf("failed to write payload for %q: %w", uid, err)
	}
	e := Entry{
		UID:              uid,
		Offset:           w.offset,
		Length:           uint64(len(stored)),
		Codec:            codec,
		CompressedSize:   uint64(len(stored)),
		UncompressedSize: uint64(len(payload)),
		Meta:             meta,
	}
	w.offset += uint64(len(stored))
	w.byUID[uid] = len(w.entries)
	w.entries = append(w.entries, e)
	return e, nil
}

// Entries returns the entries added so far, in insertion order.
func (w *Writer) Entries() []Entry {
	return append([]Entry(nil), w.entries...)
}

// BigFileHashes returns the distinct BigFile hashes referenced by this shard,
// in first-reference order.
func (w *Writer) BigFileHashes() []string {
	seen := make(map[string]struct{})
	var hashes []string
	for i := range w.entries {
		e := &w.entries[i]
		if !e.IsBigFile {
			continue
		}
		if _, ok := seen[e.BigFileHash]; ok {
			continue
		}
		seen[e.BigFileHash] = struct{}{}
		hashes = append(hashes, e.BigFileHash)
	}
	return hashes
}

// Finalize writes the index and footer and flushes the sink. The writer
// rejects further Adds afterwards.
func (w *Writer) Finalize() error {
	if w.finalized {
		return nil
	}
	if err := w.Start(); err != nil {
		return err
	}
	index, err := EncodeIndex(w.entries, Version2)
	if err != nil {
		return fmt.Errorf("failed to encode shard index: %w", err)
	}
	if _, err := w.sink.Write(index); err != nil {
		return fmt.Errorf("failed to write shard index: %w", err)
	}
	if _, err := w.sink.Write(encodeFooter(uint64(len(index)))); err != nil {
		return fmt.Errorf("failed to write shard footer: %w", err)
	}
	if f, ok := w.sink.(interface{ Sync() error }); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync shard: %w", err)
		}
	}
	w.finalized = true
	return nil
}

// Close finalizes the shard and closes the sink if the writer owns it.
func (w *Writer) Close() error {
	err := w.Finalize()
	if w.ownsSink {
		if c, ok := w.sink.(io.Closer); ok {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
	}
	return err
}

