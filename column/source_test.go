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
	"io"
	"strings"
	"testing"
)

func TestCSVSourceBasic(t *testing.T) {
	data := "x,y,country\n0.1,0.2,US\nnan,0.2,US\n0.4,0.5,FR\n"
	src, err := NewCSVSource(strings.NewReader(data), CSVOptions{BatchRows: 10})
	if err != nil {
		t.Fatal(err)
	}
	b, err := src.Next()
	if err != nil {
		t.Fatal(err)
	}
	// the "nan" row should have been dropped
	if b.Len() != 2 {
		t.Fatalf("expected 2 rows (nan dropped), got %d", b.Len())
	}
	if b.Ix[0] != 0 || b.Ix[1] != 1 {
		t.Errorf("expected sequential ix assignment, got %v", b.Ix)
	}
	lbl, ok := b.Attrs["country"].(StringVector)
	if !ok {
		t.Fatalf("expected country column to be a StringVector, got %T", b.Attrs["country"])
	}
	if lbl[0] != "US" || lbl[1] != "FR" {
		t.Errorf("unexpected country values: %v", lbl)
	}
	if _, err := src.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after exhausting source, got %v", err)
	}
}

func TestJitterSourceDeterministic(t *testing.T) {
	base := func() Source {
		return &SliceSource{Batches: []Batch{{
			X:  Float32Vector{0.5, 0.5},
			Y:  Float32Vector{0.5, 0.5},
			Ix: Uint64Vector{0, 1},
		}}}
	}
	a := NewJitterSource(base(), 1e-3, 42)
	b := NewJitterSource(base(), 1e-3, 42)
	ba, _ := a.Next()
	bb, _ := b.Next()
	for i := range ba.X {
		if ba.X[i] != bb.X[i] || ba.Y[i] != bb.Y[i] {
			t.Fatalf("same seed produced different jitter at row %d", i)
		}
	}
	if ba.X[0] == 0.5 && ba.Y[0] == 0.5 {
		t.Errorf("jitter had no effect")
	}
}
