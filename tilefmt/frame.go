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

// Package tilefmt implements the two on-disk tile codecs from
// spec section 4.2: a "partial" codec optimized for a single
// sequential write-then-read-once pass, and a "final" codec
// optimized for later random access, which embeds the tile's
// {extent, children, total_points} metadata alongside its data.
//
// Both codecs share one columnar frame format (this file) and
// differ only in which compr.Compressor they wrap it with and
// in whether a metadata header precedes the data, following the
// same separation the teacher draws between ion's raw block
// encoding and blockfmt's trailer-carrying container
// (ion/blockfmt/trailer.go, ion/blockfmt/multiwriter.go).
package tilefmt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/compr"
)

// frameMagic tags the start of every encoded batch frame, the
// same way ion.Symtab checks for its own BVM marker before
// trusting a buffer (ion/symtab.go).
const frameMagic = 0x51544231 // "QTB1"

// EncodeBatch serializes one batch into a self-describing,
// uncompressed byte slice: a small schema header followed by
// its columns in a fixed order (x, y, [z], ix, then attributes
// in b.Schema.Fields order, so that encode and decode never
// depend on map iteration order and the decoded schema equals
// the encoded one).
func EncodeBatch(b column.Batch) []byte {
	buf := make([]byte, 0, 64+b.Len()*16)
	buf = appendU32(buf, frameMagic)
	buf = appendU32(buf, uint32(b.Len()))
	hasZ := byte(0)
	if b.Schema.HasZ {
		hasZ = 1
	}
	buf = append(buf, hasZ)

	names := make([]string, len(b.Schema.Fields))
	for i, f := range b.Schema.Fields {
		names[i] = f.Name
	}
	buf = appendU16(buf, uint16(len(names)))
	for _, name := range names {
		f := fieldByName(b.Schema, name)
		buf = appendString(buf, name)
		buf = append(buf, byte(f.Type))
	}

	buf = appendFloat32s(buf, b.X)
	buf = appendFloat32s(buf, b.Y)
	if b.Schema.HasZ {
		buf = appendFloat32s(buf, b.Z)
	}
	buf = appendUint64s(buf, b.Ix)

	for _, name := range names {
		v := b.Attrs[name]
		switch vv := v.(type) {
		case column.Float32Vector:
			buf = appendFloat32s(buf, vv)
		case column.Int64Vector:
			buf = appendInt64s(buf, vv)
		case column.Uint64Vector:
			buf = appendUint64s(buf, vv)
		case column.StringVector:
			buf = appendU32(buf, uint32(len(vv)))
			for _, s := range vv {
				buf = appendString(buf, s)
			}
		case column.DictVector:
			buf = appendString(buf, vv.Column)
			buf = appendU32(buf, uint32(len(vv.Codes)))
			for _, c := range vv.Codes {
				buf = appendU16(buf, c)
			}
		default:
			panic(fmt.Sprintf("tilefmt: unsupported attribute vector type %T", v))
		}
	}
	return buf
}

func fieldByName(s column.Schema, name string) column.Field {
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	panic("tilefmt: attribute present without a schema field: " + name)
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(data []byte) (column.Batch, error) {
	r := &reader{buf: data}
	magic, err := r.u32()
	if err != nil {
		return column.Batch{}, err
	}
	if magic != frameMagic {
		return column.Batch{}, fmt.Errorf("tilefmt: bad frame magic %#x", magic)
	}
	n, err := r.u32()
	if err != nil {
		return column.Batch{}, err
	}
	hasZ, err := r.byte()
	if err != nil {
		return column.Batch{}, err
	}
	numAttrs, err := r.u16()
	if err != nil {
		return column.Batch{}, err
	}
	fields := make([]column.Field, numAttrs)
	for i := range fields {
		name, err := r.string()
		if err != nil {
			return column.Batch{}, err
		}
		t, err := r.byte()
		if err != nil {
			return column.Batch{}, err
		}
		fields[i] = column.Field{Name: name, Type: column.DType(t)}
	}

	b := column.Batch{Schema: column.Schema{Fields: fields, HasZ: hasZ != 0}}
	if b.X, err = r.float32s(int(n)); err != nil {
		return column.Batch{}, err
	}
	if b.Y, err = r.float32s(int(n)); err != nil {
		return column.Batch{}, err
	}
	if b.Schema.HasZ {
		if b.Z, err = r.float32s(int(n)); err != nil {
			return column.Batch{}, err
		}
	}
	if b.Ix, err = r.uint64s(int(n)); err != nil {
		return column.Batch{}, err
	}

	if numAttrs > 0 {
		b.Attrs = make(map[string]column.Vector, numAttrs)
	}
	for _, f := range fields {
		switch f.Type {
		case column.Float32:
			v, err := r.float32s(int(n))
			if err != nil {
				return column.Batch{}, err
			}
			b.Attrs[f.Name] = v
		case column.Int64:
			v, err := r.int64s(int(n))
			if err != nil {
				return column.Batch{}, err
			}
			b.Attrs[f.Name] = v
		case column.Uint64:
			v, err := r.uint64s(int(n))
			if err != nil {
				return column.Batch{}, err
			}
			b.Attrs[f.Name] = v
		case column.String:
			cnt, err := r.u32()
			if err != nil {
				return column.Batch{}, err
			}
			out := make(column.StringVector, cnt)
			for i := range out {
				if out[i], err = r.string(); err != nil {
					return column.Batch{}, err
				}
			}
			b.Attrs[f.Name] = out
		case column.Dict:
			col, err := r.string()
			if err != nil {
				return column.Batch{}, err
			}
			cnt, err := r.u32()
			if err != nil {
				return column.Batch{}, err
			}
			codes := make([]uint16, cnt)
			for i := range codes {
				if codes[i], err = r.u16(); err != nil {
					return column.Batch{}, err
				}
			}
			b.Attrs[f.Name] = column.DictVector{Column: col, Codes: codes}
		default:
			return column.Batch{}, fmt.Errorf("tilefmt: unsupported dtype %v", f.Type)
		}
	}
	return b, nil
}

// FrameWriter appends a sequence of compressed batch frames to
// an io.Writer, each prefixed with its compressed and
// decompressed lengths so a FrameReader can allocate exactly
// once per frame.
type FrameWriter struct {
	w    io.Writer
	comp compr.Compressor
}

func NewFrameWriter(w io.Writer, comp compr.Compressor) *FrameWriter {
	return &FrameWriter{w: w, comp: comp}
}

func (fw *FrameWriter) WriteBatch(b column.Batch) error {
	raw := EncodeBatch(b)
	packed := fw.comp.Compress(raw, nil)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(packed)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(raw)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(packed)
	return err
}

// FrameReader reads back a sequence written by FrameWriter.
type FrameReader struct {
	r    io.Reader
	comp compr.Decompressor
}

func NewFrameReader(r io.Reader, comp compr.Decompressor) *FrameReader {
	return &FrameReader{r: r, comp: comp}
}

// ReadBatch returns io.EOF once the underlying reader is
// exhausted between frames.
func (fr *FrameReader) ReadBatch() (column.Batch, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return column.Batch{}, fmt.Errorf("tilefmt: truncated frame header: %w", err)
		}
		return column.Batch{}, err
	}
	packedLen := binary.LittleEndian.Uint32(hdr[0:4])
	rawLen := binary.LittleEndian.Uint32(hdr[4:8])
	packed := make([]byte, packedLen)
	if _, err := io.ReadFull(fr.r, packed); err != nil {
		return column.Batch{}, fmt.Errorf("tilefmt: truncated frame body: %w", err)
	}
	raw := make([]byte, rawLen)
	if err := fr.comp.Decompress(packed, raw); err != nil {
		return column.Batch{}, fmt.Errorf("tilefmt: decompress frame: %w", err)
	}
	return DecodeBatch(raw)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return fmt.Errorf("tilefmt: truncated frame body")
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) float32s(n int) (column.Float32Vector, error) {
	if err := r.need(n * 4); err != nil {
		return nil, err
	}
	out := make(column.Float32Vector, n)
	for i := range out {
		out[i] = float32FromBits(binary.LittleEndian.Uint32(r.buf[r.pos:]))
		r.pos += 4
	}
	return out, nil
}

func (r *reader) int64s(n int) (column.Int64Vector, error) {
	if err := r.need(n * 8); err != nil {
		return nil, err
	}
	out := make(column.Int64Vector, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(r.buf[r.pos:]))
		r.pos += 8
	}
	return out, nil
}

func (r *reader) uint64s(n int) (column.Uint64Vector, error) {
	if err := r.need(n * 8); err != nil {
		return nil, err
	}
	out := make(column.Uint64Vector, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(r.buf[r.pos:])
		r.pos += 8
	}
	return out, nil
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendFloat32s(buf []byte, v []float32) []byte {
	for _, f := range v {
		buf = appendU32(buf, float32Bits(f))
	}
	return buf
}

func appendInt64s(buf []byte, v []int64) []byte {
	var tmp [8]byte
	for _, x := range v {
		binary.LittleEndian.PutUint64(tmp[:], uint64(x))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func appendUint64s(buf []byte, v []uint64) []byte {
	var tmp [8]byte
	for _, x := range v {
		binary.LittleEndian.PutUint64(tmp[:], x)
		buf = append(buf, tmp[:]...)
	}
	return buf
}
