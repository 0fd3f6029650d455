// Package compression implements the payload codecs understood by the
// client. Record payloads travel with a codec id; producers compress with a
// Compressor, consumers pick the matching Decompressor out of a registry.
package compression

import (
	"bytes"
	"io"

	"github.com/DataDog/zstd"
	"github.com/pierrec/lz4"
)

const (
	TypeNone int16 = 0
	TypeLz4  int16 = 3
	TypeZstd int16 = 4
)

type Compressor interface {
	Compress([]byte) ([]byte, error)
	Type() int16
}

type Decompressor interface {
	Decompress([]byte) ([]byte, error)
	Type() int16
}

// Decompressors returns a registry of all known decompressors keyed by codec
// id.
func Decompressors() map[int16]Decompressor {
	return map[int16]Decompressor{
		TypeNone: &None{},
		TypeLz4:  &Lz4{},
		TypeZstd: &Zstd{},
	}
}

type Lz4 struct{}

func (c *Lz4) Compress(src []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Lz4) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

func (c *Lz4) Type() int16 {
	return TypeLz4
}

type Zstd struct {
	Level int
}

func (c *Zstd) Compress(src []byte) ([]byte, error) {
	if c.Level == 0 {
		return zstd.Compress(nil, src)
	}
	return zstd.CompressLevel(nil, src, c.Level)
}

func (c *Zstd) Decompress(src []byte) ([]byte, error) {
	return zstd.Decompress(nil, src)
}

func (c *Zstd) Type() int16 {
	return TypeZstd
}

type None struct{}

func (c *None) Compress(src []byte) ([]byte, error) {
	return src, nil
}

func (c *None) Decompress(src []byte) ([]byte, error) {
	return src, nil
}

func (c *None) Type() int16 {
	return TypeNone
}
