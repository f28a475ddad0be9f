// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package compr wraps third-party compression
// libraries behind one interface so that tilefmt
// can pick a fast codec for partial files and a
// read-optimized codec for final files without
// caring which library implements either one.
package compr

import (
	"fmt"
	"unsafe"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compressor appends the compressed form of src to dst.
type Compressor interface {
	Name() string
	Compress(src, dst []byte) []byte
}

// Decompressor decodes src into a dst slice of
// precisely the expected decoded length.
type Decompressor interface {
	Name() string
	Decompress(src, dst []byte) error
}

type noopCompressor struct{}

func (noopCompressor) Name() string                { return "none" }
func (noopCompressor) Compress(s, d []byte) []byte  { return append(d, s...) }
func (noopCompressor) Decompress(s, d []byte) error {
	if len(s) != len(d) {
		return fmt.Errorf("uncompressed block: expected %d bytes, got %d", len(d), len(s))
	}
	copy(d, s)
	return nil
}

type zstdCompressor struct{ enc *zstd.Encoder }

func (z zstdCompressor) Name() string { return "zstd" }
func (z zstdCompressor) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

type zstdDecompressor struct{ dec *zstd.Decoder }

func (z zstdDecompressor) Name() string { return "zstd" }
func (z zstdDecompressor) Decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := z.dec.DecodeAll(src, into)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("zstd: expected %d bytes decompressed, got %d", len(dst), len(ret))
	}
	return nil
}

type s2Compressor struct{}

func (s2Compressor) Name() string { return "s2" }

func (s2Compressor) Compress(src, dst []byte) []byte {
	tail := dst[len(dst):cap(dst)]
	// s2 requires non-overlapping src and dst
	if overlaps(src, tail) {
		tail = nil
	}
	got := s2.Encode(tail, src)
	if len(dst) == 0 {
		return got
	}
	if len(tail) > 0 && len(got) > 0 && &tail[0] == &got[0] {
		return dst[:len(dst)+len(got)]
	}
	return append(dst, got...)
}

func (s2Compressor) Decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := s2.Decode(into, src)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("s2: expected %d bytes decompressed, got %d", len(dst), len(ret))
	}
	return nil
}

var sharedZstdDecoder *zstd.Decoder

func init() {
	d, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	sharedZstdDecoder = d
}

// Compression selects a compression algorithm by name.
// "" selects an uncompressed passthrough codec.
func Compression(name string) Compressor {
	switch name {
	case "zstd":
		z, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "s2":
		return s2Compressor{}
	case "", "none":
		return noopCompressor{}
	default:
		return nil
	}
}

// Decompression selects a decompression algorithm by name.
func Decompression(name string) Decompressor {
	switch name {
	case "zstd":
		return zstdDecompressor{sharedZstdDecoder}
	case "s2":
		return s2Compressor{}
	case "", "none":
		return noopCompressor{}
	default:
		return nil
	}
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(&a[0]))
	a1 := a0 + uintptr(len(a))
	b0 := uintptr(unsafe.Pointer(&b[0]))
	b1 := b0 + uintptr(len(b))
	return a0 < b1 && b0 < a1
}
