// Package compression defines the per-entry payload codecs used by shard
// containers and the policy that decides when to apply them.
package compression

import (
	"fmt"
	"path"
	"strings"
)

// Codec identifies the compression algorithm applied to a shard payload.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
	CodecLZ4  Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses the string form used in sidecar documents.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return CodecNone, fmt.Errorf("unknown codec %q", s)
}

// CodecFromByte maps the on-disk codec byte to a Codec.
func CodecFromByte(b uint8) (Codec, error) {
	switch Codec(b) {
	case CodecNone, CodecZstd, CodecLZ4:
		return Codec(b), nil
	}
	return CodecNone, fmt.Errorf("unknown codec byte %d", b)
}

// Profile is a named compression preset.
type Profile string

const (
	ProfileAggressive Profile = "aggressive"
	ProfileBalanced   Profile = "balanced"
	ProfileSpeed      Profile = "speed"
)

// DefaultSkipExtensions lists file extensions whose payloads are already
// compressed and not worth recompressing.
var DefaultSkipExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".gz", ".zip", ".bz2", ".xz",
}

// Config controls payload compression for shard writers.
type Config struct {
	Codec   Codec
	Level   int // 0 means the codec default
	Profile Profile

	// SkipExtensions disables compression for payloads whose logical name
	// carries one of these (lowercase, dot-prefixed) extensions.
	SkipExtensions []string
}

// ShouldCompress reports whether the payload with the given logical name
// should be compressed under this config.
func (c Config) ShouldCompress(logicalName string) bool {
	if c.Codec == CodecNone {
		return false
	}
	ext := strings.ToLower(path.Ext(logicalName))
	if ext == "" {
		return true
	}
	skip := c.SkipExtensions
	if skip == nil {
		skip = DefaultSkipExtensions
	}
	for _, s := range skip {
		if ext == s {
			return false
		}
	}
	return true
}

// Compress applies the configured codec to data.
func (c Config) Compress(data []byte) ([]byte, error) {
	switch c.Codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		return compressZSTD(data, c.Level)
	case CodecLZ4:
		return compressLZ4(data, c.Level)
	}
	return nil, fmt.Errorf("unsupported codec %s", c.Codec)
}

// Encode applies the skip policy and codec to a named payload. It returns
// the bytes to store and the codec that produced them; payloads whose
// logical name carries a skip extension are returned unchanged with
// CodecNone.
func (c Config) Encode(logicalName string, data []byte) ([]byte, Codec, error) {
	if !c.ShouldCompress(logicalName) {
		return data, CodecNone, nil
	}
	out, err := c.Compress(data)
	if err != nil {
		return nil, CodecNone, err
	}
	return out, c.Codec, nil
}

// Decompress reverses the given codec on data.
func Decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		return decompressZSTD(data)
	case CodecLZ4:
		return decompressLZ4(data)
	}
	return nil, fmt.Errorf("unsupported codec %s", codec)
}

// AggressiveZstd favors ratio over speed.
func AggressiveZstd() Config {
	return Config{Codec: CodecZstd, Level: 9, Profile: ProfileAggressive}
}

// BalancedZstd is the default profile for cold archival data.
func BalancedZstd() Config {
	return Config{Codec: CodecZstd, Level: 5, Profile: ProfileBalanced}
}

// SpeedLZ4 favors throughput; useful when the migration window is tight.
func SpeedLZ4() Config {
	return Config{Codec: CodecLZ4, Profile: ProfileSpeed}
}

// ProfileConfig returns the Config for a named profile.
func ProfileConfig(p Profile) (Config, error) {
	switch p {
	case ProfileAggressive:
		return AggressiveZstd(), nil
	case ProfileBalanced, "":
		return BalancedZstd(), nil
	case ProfileSpeed:
		return SpeedLZ4(), nil
	}
	return Config{}, fmt.Errorf("unknown compression profile %q", p)
}
