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
	"strings"
	"testing"
)

func sampleBatch() Batch {
	return Batch{
		Schema: Schema{Fields: []Field{{Name: "label", Type: String}}},
		X:      Float32Vector{0, 1, 2, 3, 4},
		Y:      Float32Vector{5, 4, 3, 2, 1},
		Ix:     Uint64Vector{0, 1, 2, 3, 4},
		Attrs:  map[string]Vector{"label": StringVector{"a", "b", "c", "d", "e"}},
	}
}

func TestSelectPreservesOrder(t *testing.T) {
	b := sampleBatch()
	mask := []bool{true, false, true, false, true}
	out := b.Select(mask)
	if out.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", out.Len())
	}
	wantIx := []uint64{0, 2, 4}
	for i, ix := range out.Ix {
		if ix != wantIx[i] {
			t.Errorf("row %d: expected ix=%d, got %d", i, wantIx[i], ix)
		}
	}
	lbl := out.Attrs["label"].(StringVector)
	if strings.Join(lbl, ",") != "a,c,e" {
		t.Errorf("label column not selected in order: %v", lbl)
	}
}

func TestAppendRoundtrip(t *testing.T) {
	b := sampleBatch()
	mask := make([]bool, b.Len())
	for i := range mask {
		mask[i] = i%2 == 0
	}
	inv := make([]bool, len(mask))
	for i, m := range mask {
		inv[i] = !m
	}
	lo := b.Select(mask)
	hi := b.Select(inv)
	if lo.Len()+hi.Len() != b.Len() {
		t.Fatalf("split doesn't conserve row count: %d + %d != %d", lo.Len(), hi.Len(), b.Len())
	}
	merged := lo.Append(hi)
	if merged.Len() != b.Len() {
		t.Fatalf("append doesn't conserve row count")
	}
	seen := map[uint64]bool{}
	for _, ix := range merged.Ix {
		seen[ix] = true
	}
	for _, ix := range b.Ix {
		if !seen[ix] {
			t.Errorf("missing ix=%d after split+append", ix)
		}
	}
}

func TestExtentAccumulator(t *testing.T) {
	var acc ExtentAccumulator
	acc.Observe(Batch{X: Float32Vector{0, 5, -2}, Y: Float32Vector{1, -1, 9}, Ix: Uint64Vector{0, 1, 2}})
	acc.Observe(Batch{X: Float32Vector{10}, Y: Float32Vector{0}, Ix: Uint64Vector{3}})
	e := acc.Extent()
	if e.X.Lo != -2 || e.X.Hi != 10 {
		t.Errorf("bad x extent: %+v", e.X)
	}
	if e.Y.Lo != -1 || e.Y.Hi != 9 {
		t.Errorf("bad y extent: %+v", e.Y)
	}
}

func TestExtentJSON(t *testing.T) {
	e := Extent{X: Interval{0, 1}, Y: Interval{-1, 1}}
	data, err := e.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var round Extent
	if err := round.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if round != e {
		t.Errorf("extent didn't round-trip: %+v != %+v", round, e)
	}
}
