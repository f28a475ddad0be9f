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

import (
	"encoding/json"
	"fmt"
)

// Interval is a closed [Lo, Hi] range along one axis.
type Interval struct {
	Lo, Hi float32
}

func (iv Interval) Mid() float32 {
	return iv.Lo + (iv.Hi-iv.Lo)/2
}

// Extent is the bounding box a tile owns along each of its
// 2 or 3 spatial axes, in x, y, [z] order. It is the value
// serialized verbatim (as a JSON object keyed by axis name)
// into every tile's metadata, per spec section 6.
type Extent struct {
	HasZ   bool
	X, Y, Z Interval
}

// Axis returns the interval for dimension i (0=x, 1=y, 2=z).
func (e Extent) Axis(i int) Interval {
	switch i {
	case 0:
		return e.X
	case 1:
		return e.Y
	case 2:
		return e.Z
	default:
		panic("column: axis index out of range")
	}
}

// WithAxis returns a copy of e with dimension i replaced.
func (e Extent) WithAxis(i int, iv Interval) Extent {
	switch i {
	case 0:
		e.X = iv
	case 1:
		e.Y = iv
	case 2:
		e.Z = iv
	default:
		panic("column: axis index out of range")
	}
	return e
}

// NumAxes returns 2 or 3.
func (e Extent) NumAxes() int {
	if e.HasZ {
		return 3
	}
	return 2
}

// Contains reports whether the point (x, y, [z]) lies within
// e under the half-open/closed rule of spec section 4.1.3:
// [lo, hi] on the last (root) extent, but every split produces
// child extents of the form [lo, m] / [m, hi], and a row with
// coordinate == m always routed to the high side, so in
// practice Contains only needs to check the closed bounds.
func (e Extent) Contains(x, y, z float32) bool {
	if x < e.X.Lo || x > e.X.Hi || y < e.Y.Lo || y > e.Y.Hi {
		return false
	}
	if e.HasZ && (z < e.Z.Lo || z > e.Z.Hi) {
		return false
	}
	return true
}

// MarshalJSON encodes the extent as {"x":[lo,hi],"y":[lo,hi][,"z":[lo,hi]]}
// exactly as required by the tile metadata contract.
func (e Extent) MarshalJSON() ([]byte, error) {
	m := map[string][2]float32{
		"x": {e.X.Lo, e.X.Hi},
		"y": {e.Y.Lo, e.Y.Hi},
	}
	if e.HasZ {
		m["z"] = [2]float32{e.Z.Lo, e.Z.Hi}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes an extent written by MarshalJSON.
func (e *Extent) UnmarshalJSON(data []byte) error {
	var m map[string][2]float32
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	x, ok := m["x"]
	if !ok {
		return fmt.Errorf("extent: missing \"x\"")
	}
	y, ok := m["y"]
	if !ok {
		return fmt.Errorf("extent: missing \"y\"")
	}
	e.X = Interval{x[0], x[1]}
	e.Y = Interval{y[0], y[1]}
	if z, ok := m["z"]; ok {
		e.HasZ = true
		e.Z = Interval{z[0], z[1]}
	}
	return nil
}

// ExtentAccumulator computes the bounding box of a stream of
// batches in a single pass, matching the role of the "extent
// oracle" described in spec section 2 as an external
// collaborator to the partitioner.
type ExtentAccumulator struct {
	started bool
	ext     Extent
}

// Observe folds one batch's coordinates into the accumulator.
func (a *ExtentAccumulator) Observe(b Batch) {
	if b.Len() == 0 {
		return
	}
	axes := b.NumAxes()
	if !a.started {
		a.started = true
		a.ext.HasZ = b.Schema.HasZ
		for i := 0; i < axes; i++ {
			v := b.Axis(i)
			a.ext = a.ext.WithAxis(i, Interval{v[0], v[0]})
		}
	}
	for i := 0; i < axes; i++ {
		v := b.Axis(i)
		iv := a.ext.Axis(i)
		for _, f := range v {
			if f < iv.Lo {
				iv.Lo = f
			}
			if f > iv.Hi {
				iv.Hi = f
			}
		}
		a.ext = a.ext.WithAxis(i, iv)
	}
}

// Extent returns the accumulated bounding box.
func (a *ExtentAccumulator) Extent() Extent { return a.ext }
