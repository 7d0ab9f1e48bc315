package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	zstdpool "github.com/mostynb/zstdpool-freelist"
)

var zstdDecoderPool = zstdpool.NewDecoderPool()

func decompressZSTD(data []byte) ([]byte, error) {
	dec, err := zstdDecoderPool.Get(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get zstd decoder from pool: %w", err)
	}
	defer zstdDecoderPool.Put(dec)

	content, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress zstd data: %w", err)
	}
	return content, nil
}

// One encoder pool per speed tier; pools are configured at creation so the
// numeric level picks the pool rather than reconfiguring encoders.
var (
	zstdEncoderPoolDefault = zstdpool.NewEncoderPool(
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	)
	zstdEncoderPoolBest = zstdpool.NewEncoderPool(
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
	)
	zstdEncoderPoolFast = zstdpool.NewEncoderPool(
		zstd.WithEncoderLevel(zstd.SpeedFastest),
	)
)

func compressZSTD(data []byte, level int) ([]byte, error) {
	pool := &zstdEncoderPoolDefault
	switch {
	case level >= 9:
		pool = &zstdEncoderPoolBest
	case level > 0 && level <= 2:
		pool = &zstdEncoderPoolFast
	}
	enc, err := pool.Get(nil)
	if err != nil {
		return nil, err
	}
	defer pool.Put(enc)
	return enc.EncodeAll(data, nil), nil
}
