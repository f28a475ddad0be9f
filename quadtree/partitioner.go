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

// Package quadtree implements the tile pyramid partitioner
// described in spec sections 3 and 4: a streaming, single-
// threaded, memory- and file-descriptor-bounded quadtree (or
// octree) builder that spills overflow to disk instead of
// growing memory usage without bound.
package quadtree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/dict"
	"github.com/nomic-ai/quadtile/tilefmt"
)

const (
	partialSuffix = ".needs_metadata.feather"
	finalSuffix   = ".feather"
)

// meter is the Partitioner's own resource accounting: the
// count of tiles currently holding rows in memory plus the
// count of open overflow files, kept as plain counters on the
// Partitioner rather than as process-global state, per spec
// section 9's design note that a shared global would make two
// Partitioners in the same process (e.g. two depth-capped
// passes run concurrently in tests) corrupt each other's
// budgets.
type meter struct {
	openMemory   int
	openOverflow int
}

func (m *meter) used() int { return m.openMemory + m.openOverflow }

// Options configures a new Partitioner; see spec section 6.4
// for the CLI surface that sets these.
type Options struct {
	// TileSize is the row capacity of every tile except the
	// root, if FirstTileSize is set.
	TileSize int
	// FirstTileSize is the row capacity of the root tile. Zero
	// means "use TileSize".
	FirstTileSize int
	// MaxFiles bounds open_memory_tiles + open_overflow_files at
	// any instant (spec section 5).
	MaxFiles int
	// FinalCodec names the compr.Compression to use for final
	// tile files ("zstd" or "" for uncompressed).
	FinalCodec string
	// Dicts is the set of already-built global value
	// dictionaries (see package dict) for every dictionary-typed
	// attribute column. It must be supplied before any Insert
	// call and is treated as read-only thereafter.
	Dicts map[string]*dict.Table
}

// Partitioner builds one tile pyramid rooted at Extent, written
// under Dest.
type Partitioner struct {
	Dest   string
	Extent column.Extent
	opts   Options
	meter  meter
	Root   *Tile
}

// NewPartitioner creates a Partitioner and its (empty) root
// tile. dest is created if it does not already exist.
func NewPartitioner(dest string, extent column.Extent, opts Options) (*Partitioner, error) {
	if opts.TileSize <= 0 {
		return nil, fmt.Errorf("quadtree: TileSize must be positive")
	}
	if opts.MaxFiles <= 0 {
		return nil, fmt.Errorf("quadtree: MaxFiles must be positive")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	p := &Partitioner{Dest: dest, Extent: extent, opts: opts}
	root := Coord{Depth: 0, HasZ: extent.HasZ}
	p.Root = newTile(p, root, extent, p.capacityFor(0))
	return p, nil
}

// capacityFor returns the row capacity of a tile at the given
// depth: the root may have its own FirstTileSize, every other
// depth uses TileSize (spec section 4.1, "first tile size").
func (p *Partitioner) capacityFor(depth uint32) int {
	if depth == 0 && p.opts.FirstTileSize > 0 {
		return p.opts.FirstTileSize
	}
	return p.opts.TileSize
}

// Insert routes one batch of rows into the pyramid, starting
// from the root with whatever tile budget the current resource
// usage allows (spec section 4.1.2): the number of additional
// tiles that may be opened before MaxFiles is hit.
func (p *Partitioner) Insert(b column.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	budget := p.opts.MaxFiles - p.meter.used()
	if budget < 0 {
		budget = 0
	}
	return p.Root.insert(b, budget)
}

// FirstFlushAll walks the whole tree and writes every tile's
// buffered rows to its partial file (spec section 4.1.4). It is
// safe to call more than once; already-flushed tiles are
// skipped.
func (p *Partitioner) FirstFlushAll() error {
	return p.Root.walk(func(t *Tile) error {
		return t.firstFlush()
	})
}

// DrainOverflows walks the whole tree and, for every tile that
// still holds an open overflow stream, closes it, reads its
// spilled rows back, forces that tile to create children (with
// a budget of at least 2^D so the children themselves are
// guaranteed to be createable), and reinserts the rows — then
// first-flushes the newly created subtree. Spec section 4.1.5.
//
// It returns the number of tiles it drained; callers typically
// loop DrainOverflows until it returns zero, since draining one
// tile can itself produce grandchildren that overflow in turn.
func (p *Partitioner) DrainOverflows() (int, error) {
	drained := 0
	err := p.Root.walk(func(t *Tile) error {
		if t.overflow == nil {
			return nil
		}
		batches, err := t.overflow.drain()
		if err != nil {
			return err
		}
		p.meter.openOverflow--
		t.overflow = nil
		drained++

		numAxes := t.Coord.numAxes()
		D := 1 << uint(numAxes)
		if t.children == nil {
			if err := t.makeChildren(numAxes); err != nil {
				return err
			}
		}
		budget := p.opts.MaxFiles - p.meter.used()
		if budget < D {
			budget = D
		}
		for _, b := range batches {
			if err := t.insert(b, budget); err != nil {
				return err
			}
		}
		return t.walk(func(c *Tile) error { return c.firstFlush() })
	})
	return drained, err
}

// FinalFlushAll performs the final, bottom-up pass over the
// tree (spec section 4.2): every tile's partial file is read
// back, combined into one batch, recoded against the global
// dictionaries, and rewritten as a final file with its
// {extent, children, total_points} metadata. A tile's
// total_points is the sum of its own rows plus every
// descendant's, so interior tiles' metadata is only known once
// their children are finalized — hence the bottom-up order.
func (p *Partitioner) FinalFlushAll() error {
	_, err := p.finalFlush(p.Root)
	return err
}

func (p *Partitioner) finalFlush(t *Tile) (uint64, error) {
	var total uint64
	var childIDs []string
	for _, c := range t.children {
		n, err := p.finalFlush(c)
		if err != nil {
			return 0, err
		}
		total += n
		if n > 0 {
			childIDs = append(childIDs, c.Coord.ID())
		}
	}

	var own column.Batch
	partialPath := t.Coord.Path(p.Dest, partialSuffix)
	if t.flush == unflushed {
		if err := t.firstFlush(); err != nil {
			return 0, err
		}
	}
	if _, err := os.Stat(partialPath); err == nil {
		batches, err := tilefmt.ReadPartial(partialPath)
		if err != nil {
			return 0, &FatalError{Coord: t.Coord, Err: err}
		}
		own = tilefmt.Combine(batches)
	} else if !os.IsNotExist(err) {
		return 0, err
	} else if t.nrows > 0 {
		return 0, &FatalError{Coord: t.Coord, Err: ErrMissingPartial}
	}

	total += uint64(own.Len())
	if own.Len() == 0 && len(childIDs) == 0 {
		t.flush = finalFlushed
		t.totalPoints = total
		return total, nil
	}

	recoded, fingerprints, err := p.recode(own)
	if err != nil {
		return 0, &FatalError{Coord: t.Coord, Err: err}
	}

	meta := tilefmt.Metadata{
		Extent:           t.Extent,
		Children:         childIDs,
		TotalPoints:      total,
		DictFingerprints: fingerprints,
	}
	finalPath := t.Coord.Path(p.Dest, finalSuffix)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, err
	}
	if err := tilefmt.WriteFinal(finalPath, p.opts.FinalCodec, meta, recoded); err != nil {
		return 0, &FatalError{Coord: t.Coord, Err: err}
	}
	if own.Len() > 0 {
		if err := os.Remove(partialPath); err != nil && !os.IsNotExist(err) {
			return 0, err
		}
	}
	t.flush = finalFlushed
	t.totalPoints = total
	return total, nil
}

// recode replaces every StringVector attribute that has a
// matching entry in p.opts.Dicts with a DictVector of tile-local
// codes, per spec section 4.2 / 6.2, and marks that field's
// schema type as column.Dict. Attributes without a configured
// dictionary pass through unchanged.
func (p *Partitioner) recode(b column.Batch) (column.Batch, map[string]string, error) {
	if len(p.opts.Dicts) == 0 || len(b.Attrs) == 0 {
		return b, nil, nil
	}
	out := b
	out.Attrs = make(map[string]column.Vector, len(b.Attrs))
	out.Schema.Fields = append([]column.Field(nil), b.Schema.Fields...)
	var fingerprints map[string]string
	for name, v := range b.Attrs {
		table, ok := p.opts.Dicts[name]
		if !ok {
			out.Attrs[name] = v
			continue
		}
		sv, ok := v.(column.StringVector)
		if !ok {
			out.Attrs[name] = v
			continue
		}
		codes := make([]uint16, len(sv))
		for i, s := range sv {
			code, ok := table.Index(s)
			if !ok {
				return column.Batch{}, nil, fmt.Errorf("column %q: value %q absent from dictionary and no sentinel configured", name, s)
			}
			codes[i] = code
		}
		out.Attrs[name] = column.DictVector{Column: name, Codes: codes}
		for i := range out.Schema.Fields {
			if out.Schema.Fields[i].Name == name {
				out.Schema.Fields[i].Type = column.Dict
			}
		}
		if fingerprints == nil {
			fingerprints = make(map[string]string)
		}
		fingerprints[name] = table.Fingerprint()
	}
	return out, fingerprints, nil
}

// Summary describes one finalized tile, for reporting or tests.
type Summary struct {
	Coord       Coord
	TotalPoints uint64
}

// Summary walks the finalized tree and returns a flat list of
// every tile and its total point count.
func (p *Partitioner) Summary() ([]Summary, error) {
	var out []Summary
	err := p.Root.walk(func(t *Tile) error {
		out = append(out, Summary{Coord: t.Coord, TotalPoints: t.totalPoints})
		return nil
	})
	return out, err
}
