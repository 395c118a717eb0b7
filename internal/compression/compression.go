// Package compression implements the page-body compression trait from
// spec.md §4.2 and §6 (db.<name>.compression: none|lz4|zstd).
//
// Grounded on folio's compress.go, which wraps a single shared
// klauspost/compress/zstd encoder/decoder pair (constructed once because
// zstd state-table setup is expensive relative to compressing one
// document). Sophia generalises that into a Codec trait so the page
// builder can swap implementations per database, and adds an s2-backed
// codec — klauspost/compress's other block format — standing in for the
// "lz4" setting, since no example repo in the pack imports a real lz4
// package (only klauspost/compress, which ships zstd and s2, not lz4).
package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Kind selects a compression codec.
type Kind int

const (
	None Kind = iota
	Zstd
	LZ4 // backed by s2; see package doc
)

func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("compression: unknown codec %q", s)
	}
}

func (k Kind) String() string {
	switch k {
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return "none"
	}
}

// Codec compresses and decompresses page bodies.
type Codec interface {
	Kind() Kind
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

// shared encoder/decoder pairs, constructed once at init like folio's.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

type noneCodec struct{}

func (noneCodec) Kind() Kind                              { return None }
func (noneCodec) Compress(dst, src []byte) []byte          { return append(dst, src...) }
func (noneCodec) Decompress(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }

type zstdCodec struct{}

func (zstdCodec) Kind() Kind { return Zstd }
func (zstdCodec) Compress(dst, src []byte) []byte {
	return zstdEncoder.EncodeAll(src, dst)
}
func (zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, dst)
}

type lz4Codec struct{}

func (lz4Codec) Kind() Kind { return LZ4 }
func (lz4Codec) Compress(dst, src []byte) []byte {
	return s2.Encode(nil, src)
}
func (lz4Codec) Decompress(dst, src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	if err := s2.Decode(dst, src); err != nil {
		return nil, err
	}
	return dst, nil
}

// Get returns the Codec implementing kind.
func Get(kind Kind) Codec {
	switch kind {
	case Zstd:
		return zstdCodec{}
	case LZ4:
		return lz4Codec{}
	default:
		return noneCodec{}
	}
}
