package shardcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/datavision/easystore/compression"
)

const (
	flagBigFile = 1 << 0

	maxNameLen = 0xFFFF
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Properties is the typed per-entry metadata carried in the index. Unknown
// fields survive a decode/encode round trip through Extra, so newer writers
// can add fields without breaking older readers.
type Properties struct {
	CreatedAt    time.Time
	OriginalName string
	ContentType  string
	Extra        map[string]jsoniter.RawMessage
}

type propertiesWire struct {
	CreatedAt    string `json:"created_at,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
}

// FormatTimestampUTC renders a timestamp as UTC ISO-8601 with a Z suffix.
// This is the canonical timestamp form across shard meta and sidecars.
func FormatTimestampUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z07:00")
}

// Encode renders the properties as the raw JSON stored in the index record.
func (p *Properties) Encode() ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	fields := make(map[string]jsoniter.RawMessage, len(p.Extra)+3)
	for k, v := range p.Extra {
		fields[k] = v
	}
	wire := propertiesWire{
		OriginalName: p.OriginalName,
		ContentType:  p.ContentType,
	}
	if !p.CreatedAt.IsZero() {
		wire.CreatedAt = FormatTimestampUTC(p.CreatedAt)
	}
	known, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var knownFields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(known, &knownFields); err != nil {
		return nil, err
	}
	for k, v := range knownFields {
		fields[k] = v
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return json.Marshal(fields)
}

// DecodeProperties parses raw entry meta. Nil or empty input yields nil.
func DecodeProperties(raw []byte) (*Properties, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid entry meta: %w", err)
	}
	var wire propertiesWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("invalid entry meta: %w", err)
	}
	p := &Properties{
		OriginalName: wire.OriginalName,
		ContentType:  wire.ContentType,
	}
	if wire.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, wire.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at in entry meta: %w", err)
		}
		p.CreatedAt = t.UTC()
	}
	delete(fields, "created_at")
	delete(fields, "original_name")
	delete(fields, "content_type")
	if len(fields) > 0 {
		p.Extra = fields
	}
	return p, nil
}

// Entry is a single file record inside a shard index.
type Entry struct {
	UID       string
	IsBigFile bool

	// Inline payloads.
	Offset           uint64
	Length           uint64
	Codec            compression.Codec
	CompressedSize   uint64
	UncompressedSize uint64

	// BigFile payloads.
	BigFileHash string // hex SHA-256 of the raw payload
	BigFileSize uint64

	// Meta is the raw JSON properties document; may be nil.
	Meta []byte
}

// Properties decodes the entry's raw meta.
func (e *Entry) Properties() (*Properties, error) {
	return DecodeProperties(e.Meta)
}

func (e *Entry) encode(buf *bytes.Buffer, version uint8) error {
	name := []byte(e.UID)
	if len(name) > maxNameLen {
		return fmt.Errorf("uid too long to encode: %d bytes", len(name))
	}
	var scratch [8]byte
	writeU16 := func(v uint16) {
		binary.LittleEndian.PutUint16(scratch[:2], v)
		buf.Write(scratch[:2])
	}
	writeU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf.Write(scratch[:4])
	}
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:8], v)
		buf.Write(scratch[:8])
	}

	writeU16(uint16(len(name)))
	buf.Write(name)

	if version == Version1 {
		if e.IsBigFile {
			return fmt.Errorf("version 1 shards cannot carry BigFile entries")
		}
		writeU64(e.Offset)
		writeU64(e.Length)
		buf.WriteByte(uint8(e.Codec))
		writeU64(e.CompressedSize)
		writeU64(e.UncompressedSize)
		return nil
	}

	if e.IsBigFile {
		buf.WriteByte(flagBigFile)
		hash := []byte(e.BigFileHash)
		if len(hash) > maxNameLen {
			return fmt.Errorf("bigfile hash too long: %d bytes", len(hash))
		}
		writeU16(uint16(len(hash)))
		buf.Write(hash)
		writeU64(e.BigFileSize)
	} else {
		buf.WriteByte(0)
		writeU64(e.Offset)
		writeU64(e.Length)
		buf.WriteByte(uint8(e.Codec))
		writeU64(e.CompressedSize)
		writeU64(e.UncompressedSize)
	}
	writeU32(uint32(len(e.Meta)))
	buf.Write(e.Meta)
	return nil
}

// EncodeIndex serializes entries (in the given order) into the INDEX section.
func EncodeIndex(entries []Entry, version uint8) ([]byte, error) {
	var buf bytes.Buffer
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(entries)))
	buf.Write(count[:])
	for i := range entries {
		if err := entries[i].encode(&buf, version); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

type indexParser struct {
	data []byte
	off  int
}

func (p *indexParser) remaining() int { return len(p.data) - p.off }

func (p *indexParser) u8() (uint8, error) {
	if p.remaining() < 1 {
		return 0, corruptf("truncated index at offset %d", p.off)
	}
	v := p.data[p.off]
	p.off++
	return v, nil
}

func (p *indexParser) u16() (uint16, error) {
	if p.remaining() < 2 {
		return 0, corruptf("truncated index at offset %d", p.off)
	}
	v := binary.LittleEndian.Uint16(p.data[p.off:])
	p.off += 2
	return v, nil
}

func (p *indexParser) u32() (uint32, error) {
	if p.remaining() < 4 {
		return 0, corruptf("truncated index at offset %d", p.off)
	}
	v := binary.LittleEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *indexParser) u64() (uint64, error) {
	if p.remaining() < 8 {
		return 0, corruptf("truncated index at offset %d", p.off)
	}
	v := binary.LittleEndian.Uint64(p.data[p.off:])
	p.off += 8
	return v, nil
}

func (p *indexParser) take(n int) ([]byte, error) {
	if p.remaining() < n {
		return nil, corruptf("truncated index at offset %d", p.off)
	}
	v := p.data[p.off : p.off+n]
	p.off += n
	return v, nil
}

// ParseIndex decodes the INDEX section. dataEnd is the absolute offset where
// the data section ends (i.e. where the index begins); inline entries are
// rejected if they extend past it.
func ParseIndex(data []byte, version uint8, dataEnd uint64) (*Index, error) {
	p := &indexParser{data: data}
	count, err := p.u32()
	if err != nil {
		return nil, err
	}
	idx := &Index{
		entries: make(map[string]*Entry, count),
		order:   make([]string, 0, count),
	}
	for i := uint32(0); i < count; i++ {
		nameLen, err := p.u16()
		if err != nil {
			return nil, err
		}
		name, err := p.take(int(nameLen))
		if err != nil {
			return nil, err
		}
		e := Entry{UID: string(name)}

		var flags uint8
		if version >= Version2 {
			flags, err = p.u8()
			if err != nil {
				return nil, err
			}
		}

		if flags&flagBigFile != 0 {
			hashLen, err := p.u16()
			if err != nil {
				return nil, err
			}
			hash, err := p.take(int(hashLen))
			if err != nil {
				return nil, err
			}
			e.IsBigFile = true
			e.BigFileHash = string(hash)
			if e.BigFileSize, err = p.u64(); err != nil {
				return nil, err
			}
		} else {
			if e.Offset, err = p.u64(); err != nil {
				return nil, err
			}
			if e.Length, err = p.u64(); err != nil {
				return nil, err
			}
			codecByte, err := p.u8()
			if err != nil {
				return nil, err
			}
			codec, err := compression.CodecFromByte(codecByte)
			if err != nil {
				return nil, corruptf("entry %q: %s", e.UID, err)
			}
			e.Codec = codec
			if e.CompressedSize, err = p.u64(); err != nil {
				return nil, err
			}
			if e.UncompressedSize, err = p.u64(); err != nil {
				return nil, err
			}
			// Checked without summing so huge offset/length pairs cannot
			// wrap around uint64 and slip past the bound.
			if e.Offset > dataEnd || e.Length > dataEnd-e.Offset {
				return nil, corruptf("entry %q extends beyond data section (%d+%d > %d)",
					e.UID, e.Offset, e.Length, dataEnd)
			}
			if e.Offset < HeaderSize {
				return nil, corruptf("entry %q offset %d inside header", e.UID, e.Offset)
			}
		}

		if version >= Version2 {
			metaLen, err := p.u32()
			if err != nil {
				return nil, err
			}
			meta, err := p.take(int(metaLen))
			if err != nil {
				return nil, err
			}
			if metaLen > 0 {
				e.Meta = append([]byte(nil), meta...)
			}
		}

		if _, dup := idx.entries[e.UID]; dup {
			return nil, corruptf("duplicate uid %q in index", e.UID)
		}
		entry := e
		idx.entries[e.UID] = &entry
		idx.order = append(idx.order, e.UID)
	}
	if p.remaining() != 0 {
		return nil, corruptf("trailing %d bytes after index entries", p.remaining())
	}
	return idx, nil
}

// Index is the in-memory shard index, preserving insertion order.
type Index struct {
	entries map[string]*Entry
	order   []string
}

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.entries) }

// Has reports whether uid is present.
func (ix *Index) Has(uid string) bool {
	_, ok := ix.entries[uid]
	return ok
}

// Get returns the entry for uid, or nil.
func (ix *Index) Get(uid string) *Entry {
	return ix.entries[uid]
}

// UIDs returns the UIDs in insertion order.
func (ix *Index) UIDs() []string {
	return append([]string(nil), ix.order...)
}

// Each calls fn for every entry in insertion order; it stops on first error.
func (ix *Index) Each(fn func(e *Entry) error) error {
	for _, uid := range ix.order {
		if err := fn(ix.entries[uid]); err != nil {
			return err
		}
	}
	return nil
}
