package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v3"
)

func compressLZ4(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if level > 0 {
		zw.Header.CompressionLevel = level
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress lz4 data: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize lz4 frame: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress lz4 data: %w", err)
	}
	return content, nil
}
