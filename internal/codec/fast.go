package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// lz4Magic is the four-byte LZ4 frame magic number
// (github.com/pierrec/lz4/v4 writes it at the start of every frame),
// used by DetectKind to auto-identify a Fast-compressed stream without
// consulting the frame's compression_type byte.
var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

func compressFast(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: close: %w", err)
	}

	return buf.Bytes(), nil
}

func decompressFast(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}

	return out, nil
}
