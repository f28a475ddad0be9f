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
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/dict"
	"github.com/nomic-ai/quadtile/tilefmt"
)

func uniformBatch(n int, seed int64, lo, hi float32) column.Batch {
	r := rand.New(rand.NewSource(seed))
	b := column.Batch{
		X:  make(column.Float32Vector, n),
		Y:  make(column.Float32Vector, n),
		Ix: make(column.Uint64Vector, n),
	}
	for i := 0; i < n; i++ {
		b.X[i] = lo + r.Float32()*(hi-lo)
		b.Y[i] = lo + r.Float32()*(hi-lo)
		b.Ix[i] = uint64(i)
	}
	return b
}

func rootExtent() column.Extent {
	return column.Extent{X: column.Interval{Lo: 0, Hi: 1}, Y: column.Interval{Lo: 0, Hi: 1}}
}

// runToCompletion performs the full insert -> first-flush ->
// drain-until-dry -> final-flush pipeline the CLI drives.
func runToCompletion(t *testing.T, p *Partitioner, batches []column.Batch) {
	t.Helper()
	for _, b := range batches {
		if err := p.Insert(b); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := p.FirstFlushAll(); err != nil {
		t.Fatalf("FirstFlushAll: %v", err)
	}
	for {
		n, err := p.DrainOverflows()
		if err != nil {
			t.Fatalf("DrainOverflows: %v", err)
		}
		if n == 0 {
			break
		}
	}
	if err := p.FinalFlushAll(); err != nil {
		t.Fatalf("FinalFlushAll: %v", err)
	}
}

// collectFinalFiles walks dest for every *.feather file (the
// final codec's suffix) and reads each one back.
func collectFinalFiles(t *testing.T, dest string) map[string]struct {
	meta  tilefmt.Metadata
	batch column.Batch
} {
	t.Helper()
	out := make(map[string]struct {
		meta  tilefmt.Metadata
		batch column.Batch
	})
	err := filepath.Walk(dest, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != finalSuffix {
			return nil
		}
		meta, b, err := tilefmt.ReadFinal(path)
		if err != nil {
			return err
		}
		out[path] = struct {
			meta  tilefmt.Metadata
			batch column.Batch
		}{meta, b}
		return nil
	})
	if err != nil {
		t.Fatalf("walking %s: %v", dest, err)
	}
	return out
}

func TestConservation(t *testing.T) {
	dest := t.TempDir()
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 200, FirstTileSize: 50, MaxFiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	input := uniformBatch(5000, 1, 0, 1)
	// Feed it in a few chunks, the way a CLI reading batched CSV would.
	var chunks []column.Batch
	for i := 0; i < input.Len(); i += 777 {
		end := i + 777
		if end > input.Len() {
			end = input.Len()
		}
		mask := make([]bool, input.Len())
		for j := i; j < end; j++ {
			mask[j] = true
		}
		chunks = append(chunks, input.Select(mask))
	}
	runToCompletion(t, p, chunks)

	files := collectFinalFiles(t, dest)
	seen := make(map[uint64]bool)
	for _, f := range files {
		for _, ix := range f.batch.Ix {
			if seen[ix] {
				t.Fatalf("ix %d appears in more than one final tile", ix)
			}
			seen[ix] = true
		}
	}
	if len(seen) != input.Len() {
		t.Fatalf("expected %d distinct rows across final tiles, got %d", input.Len(), len(seen))
	}
	for _, ix := range input.Ix {
		if !seen[ix] {
			t.Fatalf("row ix=%d missing from output", ix)
		}
	}
}

func TestContainment(t *testing.T) {
	dest := t.TempDir()
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 100, FirstTileSize: 20, MaxFiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, p, []column.Batch{uniformBatch(3000, 2, 0, 1)})

	files := collectFinalFiles(t, dest)
	if len(files) == 0 {
		t.Fatal("expected at least one final tile")
	}
	for path, f := range files {
		for i := range f.batch.X {
			if !f.meta.Extent.Contains(f.batch.X[i], f.batch.Y[i], 0) {
				t.Fatalf("%s: row %d (%g,%g) outside extent %+v", path, i, f.batch.X[i], f.batch.Y[i], f.meta.Extent)
			}
		}
	}
}

func TestCapacityBound(t *testing.T) {
	dest := t.TempDir()
	const tileSize = 64
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: tileSize, FirstTileSize: 16, MaxFiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, p, []column.Batch{uniformBatch(4000, 3, 0, 1)})

	var walkErr error
	p.Root.walk(func(tile *Tile) error {
		capacity := tile.Capacity
		if tile.nrows > capacity {
			walkErr = fmt.Errorf("tile %s: %d rows exceeds capacity %d", tile.Coord.ID(), tile.nrows, capacity)
		}
		return nil
	})
	if walkErr != nil {
		t.Fatal(walkErr)
	}
}

func TestMetadataConsistency(t *testing.T) {
	dest := t.TempDir()
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 100, FirstTileSize: 30, MaxFiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, p, []column.Batch{uniformBatch(2500, 4, 0, 1)})

	files := collectFinalFiles(t, dest)
	for path, f := range files {
		var childSum uint64
		for _, id := range f.meta.Children {
			childPath := coordPathFromID(t, dest, id)
			cf, ok := files[childPath]
			if !ok {
				t.Fatalf("%s: listed child %s has no final file", path, id)
			}
			if cf.meta.TotalPoints == 0 {
				t.Fatalf("%s: listed child %s has total_points == 0", path, id)
			}
			childSum += cf.meta.TotalPoints
		}
		if f.meta.TotalPoints != uint64(f.batch.Len())+childSum {
			t.Fatalf("%s: total_points=%d != own(%d)+children(%d)", path, f.meta.TotalPoints, f.batch.Len(), childSum)
		}
	}
}

// coordPathFromID reconstructs the final-file path for a
// "depth/i/j" id string, the same way Coord.Path does, so the
// test can cross-reference a parent's Children list against the
// files collectFinalFiles already read.
func coordPathFromID(t *testing.T, dest, id string) string {
	t.Helper()
	var depth, i, j uint32
	if _, err := fmt.Sscanf(id, "%d/%d/%d", &depth, &i, &j); err != nil {
		t.Fatalf("parsing child id %q: %v", id, err)
	}
	c := Coord{Depth: depth, I: uint64(i), J: uint64(j)}
	return c.Path(dest, finalSuffix)
}

func TestDescriptorBound(t *testing.T) {
	dest := t.TempDir()
	const maxFiles = 6
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 40, FirstTileSize: 10, MaxFiles: maxFiles})
	if err != nil {
		t.Fatal(err)
	}
	batches := []column.Batch{uniformBatch(3000, 5, 0, 1)}
	for _, b := range batches {
		if err := p.Insert(b); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if used := p.meter.used(); used > maxFiles {
			t.Fatalf("meter used=%d exceeds max_files=%d", used, maxFiles)
		}
	}
	if err := p.FirstFlushAll(); err != nil {
		t.Fatal(err)
	}
	for {
		n, err := p.DrainOverflows()
		if err != nil {
			t.Fatal(err)
		}
		if used := p.meter.used(); used > maxFiles {
			t.Fatalf("meter used=%d exceeds max_files=%d mid-drain", used, maxFiles)
		}
		if n == 0 {
			break
		}
	}
	if err := p.FinalFlushAll(); err != nil {
		t.Fatal(err)
	}
}

func TestIdempotentFirstFlush(t *testing.T) {
	dest := t.TempDir()
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 1000, FirstTileSize: 1000, MaxFiles: 8})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Insert(uniformBatch(50, 6, 0, 1)); err != nil {
		t.Fatal(err)
	}
	if err := p.Root.firstFlush(); err != nil {
		t.Fatal(err)
	}
	path := p.Root.Coord.Path(dest, partialSuffix)
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Root.firstFlush(); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("second first-flush produced different bytes")
	}
}

func TestDrainStability(t *testing.T) {
	dest := t.TempDir()
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 20, FirstTileSize: 5, MaxFiles: 5})
	if err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, p, []column.Batch{uniformBatch(5000, 7, 0, 1)})

	var stray []string
	filepath.Walk(dest, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".arrow" {
			stray = append(stray, path)
		}
		return nil
	})
	if len(stray) != 0 {
		t.Fatalf("overflow files left behind after drain: %v", stray)
	}
}

func TestSingleClusterDegeneratesToSpine(t *testing.T) {
	dest := t.TempDir()
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 50, FirstTileSize: 50, MaxFiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	n := 2000
	b := column.Batch{X: make(column.Float32Vector, n), Y: make(column.Float32Vector, n), Ix: make(column.Uint64Vector, n)}
	for i := range b.X {
		b.X[i], b.Y[i] = 0.5, 0.5
		b.Ix[i] = uint64(i)
	}
	runToCompletion(t, p, []column.Batch{b})

	// Every point sits at (0.5, 0.5). Ties go high, so the root
	// sends the cluster to its last-enumerated (NE) child, whose
	// extent starts at 0.5; below that the cluster lies on the low
	// edge of every extent. At each depth exactly one child, the
	// one whose half-open cell [lo, hi) holds 0.5 on both axes,
	// may hold rows or children, so the tree is a single spine.
	tile := p.Root
	for tile.children != nil {
		spine := -1
		for i, c := range tile.children {
			if c.Extent.X.Lo <= 0.5 && 0.5 < c.Extent.X.Hi && c.Extent.Y.Lo <= 0.5 && 0.5 < c.Extent.Y.Hi {
				spine = i
				continue
			}
			if c.totalPoints != 0 {
				t.Fatalf("off-spine child %s unexpectedly has %d points", c.Coord.ID(), c.totalPoints)
			}
		}
		if spine < 0 {
			t.Fatalf("no child of %s contains the cluster point", tile.Coord.ID())
		}
		if tile == p.Root && spine != len(tile.children)-1 {
			t.Fatalf("expected the root's NE child to hold the cluster, got child %d", spine)
		}
		tile = tile.children[spine]
	}
}

func TestJitterBroadensCluster(t *testing.T) {
	dest := t.TempDir()
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 50, FirstTileSize: 50, MaxFiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	n := 4000
	r := rand.New(rand.NewSource(9))
	b := column.Batch{X: make(column.Float32Vector, n), Y: make(column.Float32Vector, n), Ix: make(column.Uint64Vector, n)}
	for i := range b.X {
		b.X[i] = 0.5 + float32(r.NormFloat64())*1e-3
		b.Y[i] = 0.5 + float32(r.NormFloat64())*1e-3
		b.Ix[i] = uint64(i)
	}
	runToCompletion(t, p, []column.Batch{b})

	if p.Root.children == nil {
		t.Fatal("expected root to have split into children")
	}
	populated := 0
	for _, c := range p.Root.children {
		if c.totalPoints > 0 {
			populated++
		}
	}
	if populated < 3 {
		t.Fatalf("expected jitter to populate at least 3 of 4 depth-1 children, got %d", populated)
	}
}

func TestRootCapacitySmallerThanFirstBatch(t *testing.T) {
	dest := t.TempDir()
	// TileSize is chosen comfortably larger than a quarter of the
	// batch so every child tile absorbs its whole share directly,
	// isolating this test to the root-overflow behavior it's
	// meant to check rather than cascading further into grandchildren.
	p, err := NewPartitioner(dest, rootExtent(), Options{TileSize: 2000, FirstTileSize: 100, MaxFiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	b := uniformBatch(3000, 10, 0, 1)
	if err := p.Insert(b); err != nil {
		t.Fatal(err)
	}
	if p.Root.nrows != 100 {
		t.Fatalf("expected root to buffer exactly its capacity (100), got %d", p.Root.nrows)
	}
	if p.Root.children == nil {
		t.Fatal("expected remainder of the first batch to route to children within the same Insert call")
	}
	var childRows int
	for _, c := range p.Root.children {
		childRows += c.nrows
	}
	if p.Root.nrows+childRows != b.Len() {
		t.Fatalf("root(%d)+children(%d) != input(%d)", p.Root.nrows, childRows, b.Len())
	}
}

func TestSharedDictionaryOverflowSentinel(t *testing.T) {
	builder := dict.NewBuilder("country")
	builder.Observe(repeatStr("US", 100))
	builder.Observe(repeatStr("FR", 50))
	for i := 0; i < 5000; i++ {
		builder.Observe([]string{fmt.Sprintf("country-%d", i)})
	}
	table, err := builder.Table(4095)
	if err != nil {
		t.Fatal(err)
	}
	if !table.HasSentinel {
		t.Fatal("expected sentinel with > 4095 distinct values")
	}
	if len(table.Values) != 4095 {
		t.Fatalf("expected 4095 values (4094 + sentinel), got %d", len(table.Values))
	}

	dest := t.TempDir()
	p, err := NewPartitioner(dest, rootExtent(), Options{
		TileSize: 200, FirstTileSize: 200, MaxFiles: 64,
		Dicts: map[string]*dict.Table{"country": table},
	})
	if err != nil {
		t.Fatal(err)
	}
	n := 300
	b := column.Batch{
		Schema: column.Schema{Fields: []column.Field{{Name: "country", Type: column.String}}},
		X:      make(column.Float32Vector, n),
		Y:      make(column.Float32Vector, n),
		Ix:     make(column.Uint64Vector, n),
		Attrs:  map[string]column.Vector{"country": make(column.StringVector, n)},
	}
	r := rand.New(rand.NewSource(11))
	countries := b.Attrs["country"].(column.StringVector)
	for i := 0; i < n; i++ {
		b.X[i], b.Y[i] = r.Float32(), r.Float32()
		b.Ix[i] = uint64(i)
		if i%3 == 0 {
			countries[i] = "US"
		} else {
			countries[i] = fmt.Sprintf("country-%d", i) // in the table unless outside the 4094 most common, then the sentinel
		}
	}
	runToCompletion(t, p, []column.Batch{b})

	files := collectFinalFiles(t, dest)
	sawSentinel := false
	for _, f := range files {
		dv, ok := f.batch.Attrs["country"].(column.DictVector)
		if !ok {
			continue
		}
		for _, code := range dv.Codes {
			if int(code) == len(table.Values)-1 {
				sawSentinel = true
			}
		}
	}
	if !sawSentinel {
		t.Fatal("expected at least one row recoded to the sentinel index")
	}
}

func repeatStr(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
