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

// Package column defines the columnar record-batch
// representation that batches of input rows are carried
// in: parallel typed slices sharing one schema, plus the
// operations (slicing, masking, extent computation) that
// the quadtree partitioner needs to perform on them without
// caring what a particular attribute column actually holds.
package column

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// DType is the wire type of an attribute column.
type DType int

const (
	Float32 DType = iota
	Int64
	Uint64
	String
	Dict
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case String:
		return "string"
	case Dict:
		return "dict"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Field describes one attribute column.
type Field struct {
	Name string
	Type DType
}

// Schema is the ordered list of attribute fields a Batch
// carries in addition to the mandatory x, y, (z), ix columns.
// Two batches inserted into the same tile must carry equal
// schemas (see quadtree.ErrSchemaMismatch).
type Schema struct {
	Fields []Field
	HasZ   bool
}

// Equal reports whether two schemas describe the same
// columns, in the same order, with the same types.
func (s Schema) Equal(o Schema) bool {
	return s.HasZ == o.HasZ && slices.Equal(s.Fields, o.Fields)
}

// Vector is an attribute column: a typed, masked, sliceable
// sequence of values with a fixed length matching its Batch.
type Vector interface {
	Len() int
	DType() DType
	// Select returns a new Vector containing only the
	// elements for which mask[i] is true, preserving order.
	Select(mask []bool) Vector
	// Append returns a new Vector with the elements of other
	// appended after the receiver's. other must have the same
	// dynamic type as the receiver.
	Append(other Vector) Vector
}

// Float32Vector is a column of 32-bit floats.
type Float32Vector []float32

func (v Float32Vector) Len() int      { return len(v) }
func (v Float32Vector) DType() DType  { return Float32 }
func (v Float32Vector) Select(mask []bool) Vector {
	out := make(Float32Vector, 0, countTrue(mask))
	for i, keep := range mask {
		if keep {
			out = append(out, v[i])
		}
	}
	return out
}
func (v Float32Vector) Append(o Vector) Vector {
	return append(append(Float32Vector{}, v...), o.(Float32Vector)...)
}

// Int64Vector is a column of signed 64-bit integers.
type Int64Vector []int64

func (v Int64Vector) Len() int     { return len(v) }
func (v Int64Vector) DType() DType { return Int64 }
func (v Int64Vector) Select(mask []bool) Vector {
	out := make(Int64Vector, 0, countTrue(mask))
	for i, keep := range mask {
		if keep {
			out = append(out, v[i])
		}
	}
	return out
}
func (v Int64Vector) Append(o Vector) Vector {
	return append(append(Int64Vector{}, v...), o.(Int64Vector)...)
}

// Uint64Vector is a column of unsigned 64-bit integers,
// used for the mandatory row-identifier column "ix".
type Uint64Vector []uint64

func (v Uint64Vector) Len() int     { return len(v) }
func (v Uint64Vector) DType() DType { return Uint64 }
func (v Uint64Vector) Select(mask []bool) Vector {
	out := make(Uint64Vector, 0, countTrue(mask))
	for i, keep := range mask {
		if keep {
			out = append(out, v[i])
		}
	}
	return out
}
func (v Uint64Vector) Append(o Vector) Vector {
	return append(append(Uint64Vector{}, v...), o.(Uint64Vector)...)
}

// StringVector is a column of opaque payload strings that
// have not yet been passed through a dictionary recoder.
type StringVector []string

func (v StringVector) Len() int     { return len(v) }
func (v StringVector) DType() DType { return String }
func (v StringVector) Select(mask []bool) Vector {
	out := make(StringVector, 0, countTrue(mask))
	for i, keep := range mask {
		if keep {
			out = append(out, v[i])
		}
	}
	return out
}
func (v StringVector) Append(o Vector) Vector {
	return append(append(StringVector{}, v...), o.(StringVector)...)
}

// DictVector is a column of tile-local indices into a
// globally shared value dictionary (see package dict).
type DictVector struct {
	Column string // name of the dictionary this column is coded against
	Codes  []uint16
}

func (v DictVector) Len() int     { return len(v.Codes) }
func (v DictVector) DType() DType { return Dict }
func (v DictVector) Select(mask []bool) Vector {
	out := DictVector{Column: v.Column, Codes: make([]uint16, 0, countTrue(mask))}
	for i, keep := range mask {
		if keep {
			out.Codes = append(out.Codes, v.Codes[i])
		}
	}
	return out
}
func (v DictVector) Append(o Vector) Vector {
	ov := o.(DictVector)
	codes := make([]uint16, 0, len(v.Codes)+len(ov.Codes))
	codes = append(codes, v.Codes...)
	codes = append(codes, ov.Codes...)
	return DictVector{Column: v.Column, Codes: codes}
}

func countTrue(mask []bool) int {
	n := 0
	for _, b := range mask {
		if b {
			n++
		}
	}
	return n
}
