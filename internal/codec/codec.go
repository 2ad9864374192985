// Package codec implements the Codec component: frame-payload
// compression and decompression with algorithm tagging, auto-detection,
// and the legacy-mislabel fallback chain.
package codec

import (
	"bytes"
	"fmt"

	"github.com/lrfstore/lrf/internal/lrferr"
)

// Kind tags the compression algorithm applied to a chunk frame's payload.
// Its values match the header's global-compression-code field and the
// frame's compression_type byte exactly, so a Kind can be written straight
// into either field.
type Kind uint8

const (
	None     Kind = 0
	Fast     Kind = 1
	HighRatio Kind = 2
	AltFast  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Fast:
		return "fast"
	case HighRatio:
		return "high-ratio"
	case AltFast:
		return "alt-fast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Codec compresses and decompresses chunk payloads. A single Codec
// instance is safe for concurrent use; it holds no mutable state beyond
// the compression level configured at construction.
type Codec struct {
	level int
}

// New returns a Codec whose high-ratio algorithm uses the given deflate
// level (compression_level, clamped to 1..9).
func New(level int) *Codec {
	if level < 1 {
		level = 1
	}
	if level > 9 {
		level = 9
	}
	return &Codec{level: level}
}

// Compress encodes data with algorithm kind. It never fails for valid
// inputs; callers that want the "prefer compressed only if smaller"
// policy compare len(output) against len(data) themselves, as
// PreferredCompress does.
func (c *Codec) Compress(data []byte, kind Kind) ([]byte, error) {
	switch kind {
	case None:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case Fast, AltFast:
		return compressFast(data)
	case HighRatio:
		return compressHighRatio(data, c.level)
	default:
		return nil, lrferr.Unsupported{Reason: fmt.Sprintf("unknown compression kind %d", kind)}
	}
}

// Decompress reverses Compress given the algorithm it was encoded with. On a
// Fast-tagged stream that fails to decompress, the caller (Region Reader) is
// responsible for the "retry once as HighRatio" fallback for legacy
// mislabeling; Decompress itself only handles one kind at a time so that
// retry logic stays visible and testable at the caller.
func (c *Codec) Decompress(data []byte, kind Kind) ([]byte, error) {
	switch kind {
	case None:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case Fast, AltFast:
		out, err := decompressFast(data)
		if err != nil {
			return nil, lrferr.DecompressFailed{Algorithm: kind.String(), Err: err}
		}
		return out, nil
	case HighRatio:
		out, err := decompressHighRatio(data)
		if err != nil {
			return nil, lrferr.DecompressFailed{Algorithm: kind.String(), Err: err}
		}
		return out, nil
	default:
		return nil, lrferr.Unsupported{Reason: fmt.Sprintf("unknown compression kind %d", kind)}
	}
}

// DecompressWithFallback implements legacy-mislabel recovery: if primary
// fails, it retries once against fallback before giving up. The Region
// Reader calls this for every frame it decodes; it does not look at how
// neighbouring frames decompressed.
func (c *Codec) DecompressWithFallback(data []byte, primary, fallback Kind) ([]byte, error) {
	out, err := c.Decompress(data, primary)
	if err == nil {
		return out, nil
	}

	if fallback == primary {
		return nil, err
	}

	out, fbErr := c.Decompress(data, fallback)
	if fbErr != nil {
		return nil, err
	}

	return out, nil
}

// PreferredCompress runs kind's compressor and falls back to None when the
// result isn't strictly smaller than the input, implementing the Region
// Writer's "emit none-tagged frame otherwise" policy.
func (c *Codec) PreferredCompress(data []byte, kind Kind) ([]byte, Kind, error) {
	if kind == None || len(data) == 0 {
		out, err := c.Compress(data, None)
		return out, None, err
	}

	compressed, err := c.Compress(data, kind)
	if err != nil {
		return nil, None, err
	}

	if len(compressed) >= len(data) {
		out, err := c.Compress(data, None)
		return out, None, err
	}

	return compressed, kind, nil
}

// DetectKind inspects a magic prefix to auto-detect the algorithm a
// stream was compressed with, when such a prefix is present. Returns
// ok=false when no known magic is present, in which case the caller must
// already know the kind (e.g. from the frame's compression_type byte).
func DetectKind(data []byte) (kind Kind, ok bool) {
	if bytes.HasPrefix(data, lz4Magic) {
		return Fast, true
	}
	if bytes.HasPrefix(data, flateMagic) {
		return HighRatio, true
	}
	return None, false
}
