package trace

import (
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Reusable zstd codecs; both are safe for concurrent use with EncodeAll
// and DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompress(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

// ExportTrace writes the session's full snapshot history to w as a
// zstd-compressed CBOR trace file.
func ExportTrace(w io.Writer, s *Session, entry int) error {
	tf := &TraceFile{
		Module:    s.Module().Name,
		Entry:     entry,
		Created:   time.Now().UTC(),
		Snapshots: s.History().Snapshots(),
	}
	raw, err := MarshalTrace(tf)
	if err != nil {
		return fmt.Errorf("trace: export: %w", err)
	}
	if _, err := w.Write(compress(raw)); err != nil {
		return fmt.Errorf("trace: export: %w", err)
	}
	return nil
}

// ImportTrace reads a zstd-compressed trace file from r.
func ImportTrace(r io.Reader) (*TraceFile, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("trace: import: %w", err)
	}
	raw, err := decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("trace: import: %w", err)
	}
	return UnmarshalTrace(raw)
}
