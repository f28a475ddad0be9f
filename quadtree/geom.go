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

package quadtree

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/nomic-ai/quadtile/column"
)

// Coord uniquely identifies a tile: (depth, i, j[, k]) with
// 0 <= i, j, k < 2^depth, per spec section 3.
type Coord struct {
	Depth    uint32
	I, J, K  uint64
	HasZ     bool
}

// ID returns the "depth/i/j[/k]" string used both as a map
// key for the open-tile meter and as the child-id strings
// embedded in final tile metadata (spec section 6).
func (c Coord) ID() string {
	if c.HasZ {
		return fmt.Sprintf("%d/%d/%d/%d", c.Depth, c.I, c.J, c.K)
	}
	return fmt.Sprintf("%d/%d/%d", c.Depth, c.I, c.J)
}

// Path returns the on-disk path for this tile's file, relative
// to a destination directory, with the given suffix appended
// (".feather", ".needs_metadata.feather", ".overflow.arrow"),
// matching the layout in spec section 6.
func (c Coord) Path(dest, suffix string) string {
	parts := []string{dest, strconv.FormatUint(uint64(c.Depth), 10), strconv.FormatUint(c.I, 10)}
	if c.HasZ {
		parts = append(parts, strconv.FormatUint(c.J, 10), strconv.FormatUint(c.K, 10)+suffix)
	} else {
		parts = append(parts, strconv.FormatUint(c.J, 10)+suffix)
	}
	return filepath.Join(parts...)
}

// numAxes returns the dimensionality implied by the coordinate.
func (c Coord) numAxes() int {
	if c.HasZ {
		return 3
	}
	return 2
}

// childCoord returns the coordinate of the child selected by
// bits, a numAxes-bit number where bit (numAxes-1-axis) selects
// the low (0) or high (1) half along that axis. Axis 0 is the
// most significant bit, which makes x the slowest-varying
// coordinate in child enumeration order — matching the nested
// x-outer, y-middle, z-inner loop the reference tiler uses to
// build children (see original_source/src/tiler_pc.py,
// Tile.make_children).
func (c Coord) childCoord(bits, numAxes int) Coord {
	out := Coord{Depth: c.Depth + 1, HasZ: c.HasZ}
	bit := func(axis int) uint64 {
		shift := numAxes - 1 - axis
		return uint64((bits >> shift) & 1)
	}
	out.I = c.I*2 + bit(0)
	out.J = c.J*2 + bit(1)
	if c.HasZ {
		out.K = c.K*2 + bit(2)
	}
	return out
}

// splitAxis partitions b into (lo, hi) along axis at the given
// midpoint: rows with coordinate strictly less than mid go to
// lo, everything else (including exactly mid) goes to hi. This
// is the disjoint, closed-open covering [lo, mid) u [mid, hi]
// required by spec section 4.1.3, and it is stable with
// respect to row order within b.
func splitAxis(b column.Batch, axis int, mid float32) (lo, hi column.Batch) {
	v := b.Axis(axis)
	loMask := make([]bool, len(v))
	hiMask := make([]bool, len(v))
	for i, f := range v {
		if f < mid {
			loMask[i] = true
		} else {
			hiMask[i] = true
		}
	}
	return b.Select(loMask), b.Select(hiMask)
}

// childExtents returns the 2^numAxes child extents of parent,
// in the same enumeration order as childCoord / partitionToChildren:
// each axis' interval [lo, hi] splits into [lo, mid] (bit 0) and
// [mid, hi] (bit 1), per spec section 4.1.3.
func childExtents(parent column.Extent, numAxes int) []column.Extent {
	n := 1 << uint(numAxes)
	out := make([]column.Extent, n)
	for idx := 0; idx < n; idx++ {
		e := parent
		for axis := 0; axis < numAxes; axis++ {
			shift := numAxes - 1 - axis
			bit := (idx >> shift) & 1
			iv := parent.Axis(axis)
			mid := iv.Mid()
			if bit == 0 {
				e = e.WithAxis(axis, column.Interval{Lo: iv.Lo, Hi: mid})
			} else {
				e = e.WithAxis(axis, column.Interval{Lo: mid, Hi: iv.Hi})
			}
		}
		out[idx] = e
	}
	return out
}

// partitionToChildren splits b into 2^numAxes sub-batches, one
// per child, in the same order as childExtents: it applies the
// axis splits in x, y, [z] order (spec section 4.1.3's "fixed
// axis order"), each time doubling the number of frames, so the
// result is ordered identically to a nested loop over x, then
// y, then z, exactly as the reference tiler's partition_to_children
// builds its frame list.
func partitionToChildren(b column.Batch, extent column.Extent, numAxes int) []column.Batch {
	frames := []column.Batch{b}
	for axis := 0; axis < numAxes; axis++ {
		mid := extent.Axis(axis).Mid()
		expanded := make([]column.Batch, 0, len(frames)*2)
		for _, f := range frames {
			lo, hi := splitAxis(f, axis, mid)
			expanded = append(expanded, lo, hi)
		}
		frames = expanded
	}
	return frames
}
