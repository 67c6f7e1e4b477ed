package tiercache

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
)

var gzipMagic = []byte("TCZ1")

// ErrCorruptPayload is returned when a gzip-framed value fails to decompress.
var ErrCorruptPayload = errors.New("tiercache: corrupt compressed payload")

// GzipSerializer wraps another serializer and gzips payloads larger than
// MinSize. Compressed payloads carry a small magic header so mixed caches
// (written before compression was enabled) still decode.
type GzipSerializer struct {
	Inner Serializer

	// MinSize is the smallest payload worth compressing. Zero means 1 KiB.
	MinSize int
}

func (g GzipSerializer) inner() Serializer {
	if g.Inner == nil {
		return JSONSerializer{}
	}
	return g.Inner
}

func (g GzipSerializer) minSize() int {
	if g.MinSize <= 0 {
		return 1 << 10
	}
	return g.MinSize
}

func (g GzipSerializer) Marshal(v any) ([]byte, error) {
	plain, err := g.inner().Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(plain) < g.minSize() {
		return plain, nil
	}
	var buf bytes.Buffer
	buf.Write(gzipMagic)
	zw, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if _, err := zw.Write(plain); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g GzipSerializer) Unmarshal(data []byte, dest any) error {
	if len(data) > len(gzipMagic) && bytes.Equal(data[:len(gzipMagic)], gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data[len(gzipMagic):]))
		if err != nil {
			return ErrCorruptPayload
		}
		defer zr.Close()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return ErrCorruptPayload
		}
		data = plain
	}
	return g.inner().Unmarshal(data, dest)
}
