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

package column

import "sort"

// Batch is an ordered group of rows sharing one schema: the
// mandatory x, y, (z) coordinates, the mandatory row
// identifier ix, and zero or more opaque attribute columns.
//
// A Batch is immutable once constructed; every operation that
// logically mutates a batch (Select, Append) returns a new one.
type Batch struct {
	Schema Schema
	X      Float32Vector
	Y      Float32Vector
	Z      Float32Vector // nil unless Schema.HasZ
	Ix     Uint64Vector
	Attrs  map[string]Vector
}

// Len returns the number of rows in the batch.
func (b Batch) Len() int { return len(b.X) }

// Select returns the subset of rows for which mask[i] is true,
// preserving row order. It is the building block for the
// quadtree's axis-aligned partitioning (see quadtree.splitAxis).
func (b Batch) Select(mask []bool) Batch {
	out := Batch{
		Schema: b.Schema,
		X:      b.X.Select(mask).(Float32Vector),
		Y:      b.Y.Select(mask).(Float32Vector),
		Ix:     b.Ix.Select(mask).(Uint64Vector),
	}
	if b.Schema.HasZ {
		out.Z = b.Z.Select(mask).(Float32Vector)
	}
	if len(b.Attrs) > 0 {
		out.Attrs = make(map[string]Vector, len(b.Attrs))
		for k, v := range b.Attrs {
			out.Attrs[k] = v.Select(mask)
		}
	}
	return out
}

// Append concatenates two batches with equal schemas.
func (b Batch) Append(o Batch) Batch {
	out := Batch{
		Schema: b.Schema,
		X:      b.X.Append(o.X).(Float32Vector),
		Y:      b.Y.Append(o.Y).(Float32Vector),
		Ix:     b.Ix.Append(o.Ix).(Uint64Vector),
	}
	if b.Schema.HasZ {
		out.Z = b.Z.Append(o.Z).(Float32Vector)
	}
	if len(b.Attrs) > 0 {
		out.Attrs = make(map[string]Vector, len(b.Attrs))
		for k, v := range b.Attrs {
			out.Attrs[k] = v.Append(o.Attrs[k])
		}
	}
	return out
}

// AttrNames returns the attribute column names in
// deterministic, sorted order, so that writers and tests
// never depend on Go's randomized map iteration order.
func (b Batch) AttrNames() []string {
	names := make([]string, 0, len(b.Attrs))
	for k := range b.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Axis returns the coordinate vector for dimension i
// (0 = x, 1 = y, 2 = z). For i == 2 on a batch without a
// z column it returns the nil Z vector; callers should
// consult Schema.HasZ first. Any other i panics.
func (b Batch) Axis(i int) Float32Vector {
	switch i {
	case 0:
		return b.X
	case 1:
		return b.Y
	case 2:
		return b.Z
	default:
		panic("column: axis index out of range")
	}
}

// NumAxes returns 2 for quadtree batches and 3 for octree batches.
func (b Batch) NumAxes() int {
	if b.Schema.HasZ {
		return 3
	}
	return 2
}
