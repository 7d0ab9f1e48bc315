package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 100)

	for _, cfg := range []Config{
		BalancedZstd(),
		AggressiveZstd(),
		SpeedLZ4(),
		{Codec: CodecNone},
	} {
		t.Run(cfg.Codec.String(), func(t *testing.T) {
			compressed, err := cfg.Compress(payload)
			require.NoError(t, err)
			if cfg.Codec != CodecNone {
				require.Less(t, len(compressed), len(payload))
			}
			out, err := Decompress(cfg.Codec, compressed)
			require.NoError(t, err)
			require.Equal(t, payload, out)
		})
	}
}

func TestShouldCompress(t *testing.T) {
	cfg := BalancedZstd()
	require.True(t, cfg.ShouldCompress("document.txt"))
	require.True(t, cfg.ShouldCompress("no-extension"))
	require.False(t, cfg.ShouldCompress("photo.jpg"))
	require.False(t, cfg.ShouldCompress("photo.JPG"))
	require.False(t, cfg.ShouldCompress("archive.tar.gz"))

	none := Config{Codec: CodecNone}
	require.False(t, none.ShouldCompress("document.txt"))

	custom := Config{Codec: CodecZstd, SkipExtensions: []string{".bin"}}
	require.False(t, custom.ShouldCompress("blob.bin"))
	require.True(t, custom.ShouldCompress("photo.jpg"))
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("zstd")
	require.NoError(t, err)
	require.Equal(t, CodecZstd, c)

	c, err = ParseCodec("")
	require.NoError(t, err)
	require.Equal(t, CodecNone, c)

	_, err = ParseCodec("snappy")
	require.Error(t, err)
}

func TestCodecFromByte(t *testing.T) {
	for b, want := range map[uint8]Codec{0: CodecNone, 1: CodecZstd, 2: CodecLZ4} {
		got, err := CodecFromByte(b)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := CodecFromByte(9)
	require.Error(t, err)
}

func TestProfileConfig(t *testing.T) {
	cfg, err := ProfileConfig(ProfileSpeed)
	require.NoError(t, err)
	require.Equal(t, CodecLZ4, cfg.Codec)

	cfg, err = ProfileConfig("")
	require.NoError(t, err)
	require.Equal(t, CodecZstd, cfg.Codec)

	_, err = ProfileConfig("turbo")
	require.Error(t, err)
}
