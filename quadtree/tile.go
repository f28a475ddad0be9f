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
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/tilefmt"
)

type flushState int

const (
	unflushed flushState = iota
	partialFlushed
	finalFlushed
)

// Tile is one node of the pyramid: spec section 3's data model.
// A Tile owns its own slice of the coordinate space (Extent),
// buffers rows up to Capacity, and once full either spills into
// children or, lacking budget to create them, into an overflow
// stream. A Tile's children and overflow are never both
// non-empty (spec section 3's core invariant).
type Tile struct {
	Coord    Coord
	Extent   column.Extent
	Capacity int

	p      *Partitioner
	schema column.Schema
	hasSchema bool

	buffer   []column.Batch
	nrows    int
	memOpen  bool

	children []*Tile
	overflow *overflowStream

	flush       flushState
	totalPoints uint64
}

func newTile(p *Partitioner, coord Coord, extent column.Extent, capacity int) *Tile {
	return &Tile{Coord: coord, Extent: extent, Capacity: capacity, p: p}
}

// checkSchema enforces that every batch routed through a tile
// carries the same columns as the first one it ever saw.
func (t *Tile) checkSchema(s column.Schema) error {
	if !t.hasSchema {
		t.schema = s
		t.hasSchema = true
		return nil
	}
	if !t.schema.Equal(s) {
		return &FatalError{Coord: t.Coord, Err: ErrSchemaMismatch}
	}
	return nil
}

// addToBuffer appends rows directly into this tile's own
// buffer. It must only be called before the tile has been
// first-flushed: the buffer is written to the partial file
// exactly once, by FirstFlushAll, and a row arriving afterward
// would silently vanish from that file. The call graph makes
// this unreachable in ordinary operation (insert's "own buffer"
// step only runs during the initial Insert passes, which
// necessarily complete before FirstFlushAll is ever invoked, and
// DrainOverflows only reinserts into newly created children, not
// back into a tile's own buffer) — this check exists to turn a
// violation of that invariant into an immediate, attributable
// failure instead of a silently dropped row. This resolves spec
// section 9's Open Question (b) by construction rather than by
// bookkeeping: a tile can never need to be "re-added" to the
// open-memory set, because its buffer cannot be reopened once
// flushed.
func (t *Tile) addToBuffer(b column.Batch) {
	if t.flush != unflushed {
		panic(fmt.Sprintf("quadtree: tile %s: buffer write after first flush", t.Coord.ID()))
	}
	t.buffer = append(t.buffer, b)
	t.nrows += b.Len()
	if !t.memOpen {
		t.memOpen = true
		t.p.meter.openMemory++
	}
}

// checkContainment is the defensive assertion spec section 7's
// error table demands for "record outside extent": by
// construction (section 4.1.3's strictly-less-than/ties-high
// partition rule) a row routed to t.insert should always fall
// within t.Extent, but a caller that fed rows through the wrong
// root tile, or a future bug in partitionToChildren, would
// otherwise silently buffer or spill a point that belongs
// somewhere else entirely. This cannot occur in ordinary
// operation, so a hit here is fatal rather than recoverable.
func (t *Tile) checkContainment(b column.Batch) error {
	for i := 0; i < b.Len(); i++ {
		var z float32
		if b.Schema.HasZ {
			z = b.Z[i]
		}
		if !t.Extent.Contains(b.X[i], b.Y[i], z) {
			return &FatalError{Coord: t.Coord, Err: ErrOutsideExtent}
		}
	}
	return nil
}

// insert is the recursive core of spec section 4.1.1: fill this
// tile's own buffer first, then route whatever remains either
// to children (creating them if budget allows) or to overflow.
func (t *Tile) insert(b column.Batch, budget int) error {
	if b.Len() == 0 {
		return nil
	}
	if err := t.checkSchema(b.Schema); err != nil {
		return err
	}
	if err := t.checkContainment(b); err != nil {
		return err
	}

	room := t.Capacity - t.nrows
	if room > 0 {
		n := b.Len()
		take := room
		if take > n {
			take = n
		}
		mask := make([]bool, n)
		for i := 0; i < take; i++ {
			mask[i] = true
		}
		head := b.Select(mask)
		rest := b.Select(invertMask(mask))
		t.addToBuffer(head)
		b = rest
	}
	if b.Len() == 0 {
		return nil
	}

	numAxes := t.Coord.numAxes()
	D := 1 << uint(numAxes)

	// Once a tile has opened an overflow stream, every further
	// row for it keeps going to that stream even if this call's
	// budget would otherwise allow creating children: children
	// and overflow must never coexist (spec section 3), and only
	// DrainOverflows is allowed to transition a tile from one to
	// the other, by explicitly replaying the spilled rows through
	// freshly created children.
	if t.children == nil && (t.overflow != nil || budget < D) {
		return t.routeOverflow(b)
	}

	frames := partitionToChildren(b, t.Extent, numAxes)
	if t.children == nil {
		if err := t.makeChildren(numAxes); err != nil {
			return err
		}
		budget -= D
		if budget < 0 {
			budget = 0
		}
	}

	total := b.Len()
	rowCounts := make([]int, len(frames))
	for i, f := range frames {
		rowCounts[i] = f.Len()
	}
	carry := 0.0
	for k, child := range t.children {
		if rowCounts[k] == 0 {
			continue
		}
		raw := float64(budget)*float64(rowCounts[k])/float64(total) + carry
		group := math.Floor(raw / float64(D))
		childBudget := int(group * float64(D))
		carry = raw - group*float64(D)
		if err := child.insert(frames[k], childBudget); err != nil {
			return err
		}
	}
	return nil
}

// makeChildren allocates the 2^numAxes children of t, in the
// enumeration order Coord.childCoord and childExtents agree on.
func (t *Tile) makeChildren(numAxes int) error {
	extents := childExtents(t.Extent, numAxes)
	n := 1 << uint(numAxes)
	t.children = make([]*Tile, n)
	for idx := 0; idx < n; idx++ {
		coord := t.Coord.childCoord(idx, numAxes)
		t.children[idx] = newTile(t.p, coord, extents[idx], t.p.capacityFor(coord.Depth))
	}
	return nil
}

// routeOverflow appends b to this tile's overflow stream,
// opening it on first use.
func (t *Tile) routeOverflow(b column.Batch) error {
	if t.overflow == nil {
		path := t.Coord.Path(t.p.Dest, overflowSuffix)
		ov, err := openOverflow(path)
		if err != nil {
			var fe *FatalError
			if errors.As(err, &fe) {
				fe.Coord = t.Coord
			}
			return err
		}
		t.overflow = ov
		t.p.meter.openOverflow++
	}
	return t.overflow.write(b)
}

// firstFlush writes this tile's own buffered rows to its
// partial file (spec section 4.1.4). It is idempotent: a tile
// with flush != unflushed is left untouched.
func (t *Tile) firstFlush() error {
	if t.flush != unflushed {
		return nil
	}
	t.flush = partialFlushed
	defer func() {
		if t.memOpen {
			t.p.meter.openMemory--
			t.memOpen = false
		}
	}()
	if t.nrows == 0 {
		return nil
	}
	path := t.Coord.Path(t.p.Dest, partialSuffix)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := tilefmt.WritePartial(path, t.buffer); err != nil {
		return &FatalError{Coord: t.Coord, Err: err}
	}
	t.buffer = nil
	return nil
}

// walk visits t and every descendant, pre-order.
func (t *Tile) walk(visit func(*Tile) error) error {
	if err := visit(t); err != nil {
		return err
	}
	for _, c := range t.children {
		if err := c.walk(visit); err != nil {
			return err
		}
	}
	return nil
}

func invertMask(mask []bool) []bool {
	out := make([]bool, len(mask))
	for i, m := range mask {
		out[i] = !m
	}
	return out
}
