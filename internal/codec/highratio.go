package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// flateMagic prefixes every HighRatio stream this codec writes. Raw
// DEFLATE carries no magic number of its own, so a two-byte marker is
// prepended to let DetectKind auto-identify the algorithm the way the
// LZ4 frame format lets Fast streams be identified implicitly.
var flateMagic = []byte{0x4c, 0x52}

func compressHighRatio(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(flateMagic)

	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("flate compress: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("flate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate compress: close: %w", err)
	}

	return buf.Bytes(), nil
}

func decompressHighRatio(data []byte) ([]byte, error) {
	body := data
	if bytes.HasPrefix(data, flateMagic) {
		body = data[len(flateMagic):]
	}

	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("flate decompress: %w", err)
	}

	return out, nil
}
