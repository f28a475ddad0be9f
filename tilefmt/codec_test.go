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

package tilefmt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/compr"
)

func sampleBatch(hasZ bool) column.Batch {
	n := 5
	b := column.Batch{
		Schema: column.Schema{
			HasZ: hasZ,
			Fields: []column.Field{
				{Name: "count", Type: column.Int64},
				{Name: "weight", Type: column.Float32},
				{Name: "region", Type: column.String},
			},
		},
		X:  column.Float32Vector{0, 1, 2, 3, 4},
		Y:  column.Float32Vector{10, 11, 12, 13, 14},
		Ix: column.Uint64Vector{100, 101, 102, 103, 104},
		Attrs: map[string]column.Vector{
			"count":  column.Int64Vector{-1, 0, 1, 2, 3},
			"weight": column.Float32Vector{0.5, 1.5, 2.5, 3.5, 4.5},
			"region": column.StringVector{"a", "b", "", "d", "e"},
		},
	}
	if hasZ {
		b.Z = column.Float32Vector{20, 21, 22, 23, 24}
	}
	_ = n
	return b
}

func sampleBatchWithDict() column.Batch {
	b := sampleBatch(false)
	delete(b.Attrs, "region")
	b.Schema.Fields = []column.Field{
		b.Schema.Fields[0],
		b.Schema.Fields[1],
		{Name: "region", Type: column.Dict},
	}
	b.Attrs["region"] = column.DictVector{Column: "region", Codes: []uint16{0, 1, 4094, 2, 0}}
	return b
}

func assertBatchesEqual(t *testing.T, want, got column.Batch) {
	t.Helper()
	if want.Len() != got.Len() {
		t.Fatalf("length mismatch: want %d, got %d", want.Len(), got.Len())
	}
	if !want.Schema.Equal(got.Schema) {
		t.Fatalf("schema mismatch: want %+v, got %+v", want.Schema, got.Schema)
	}
	if !floatsEqual(want.X, got.X) || !floatsEqual(want.Y, got.Y) {
		t.Fatalf("coordinate mismatch")
	}
	if want.Schema.HasZ && !floatsEqual(want.Z, got.Z) {
		t.Fatalf("z mismatch")
	}
	for i := range want.Ix {
		if want.Ix[i] != got.Ix[i] {
			t.Fatalf("ix[%d] mismatch: want %d, got %d", i, want.Ix[i], got.Ix[i])
		}
	}
	for _, name := range want.AttrNames() {
		wv, gv := want.Attrs[name], got.Attrs[name]
		if wv.DType() != gv.DType() {
			t.Fatalf("attr %q dtype mismatch", name)
		}
		switch w := wv.(type) {
		case column.Float32Vector:
			if !floatsEqual(w, gv.(column.Float32Vector)) {
				t.Fatalf("attr %q float32 mismatch", name)
			}
		case column.Int64Vector:
			g := gv.(column.Int64Vector)
			for i := range w {
				if w[i] != g[i] {
					t.Fatalf("attr %q int64[%d] mismatch", name, i)
				}
			}
		case column.StringVector:
			g := gv.(column.StringVector)
			for i := range w {
				if w[i] != g[i] {
					t.Fatalf("attr %q string[%d] mismatch: want %q, got %q", name, i, w[i], g[i])
				}
			}
		case column.DictVector:
			g := gv.(column.DictVector)
			if w.Column != g.Column {
				t.Fatalf("attr %q dict column name mismatch", name)
			}
			for i := range w.Codes {
				if w.Codes[i] != g.Codes[i] {
					t.Fatalf("attr %q dict code[%d] mismatch", name, i)
				}
			}
		}
	}
}

func floatsEqual(a, b column.Float32Vector) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	for _, hasZ := range []bool{false, true} {
		b := sampleBatch(hasZ)
		got, err := DecodeBatch(EncodeBatch(b))
		if err != nil {
			t.Fatalf("hasZ=%v: DecodeBatch: %v", hasZ, err)
		}
		assertBatchesEqual(t, b, got)
	}
}

func TestEncodeDecodeBatchWithDictColumn(t *testing.T) {
	b := sampleBatchWithDict()
	got, err := DecodeBatch(EncodeBatch(b))
	if err != nil {
		t.Fatal(err)
	}
	assertBatchesEqual(t, b, got)
}

func TestDecodeBatchRejectsBadMagic(t *testing.T) {
	_, err := DecodeBatch([]byte{0, 1, 2, 3})
	if err == nil {
		t.Fatal("expected an error decoding a truncated/corrupt buffer")
	}
}

func TestFrameWriterReaderRoundTrip(t *testing.T) {
	for _, codecName := range []string{"zstd", "s2", "none"} {
		var buf bytes.Buffer
		fw := NewFrameWriter(&buf, compr.Compression(codecName))
		batches := []column.Batch{sampleBatch(false), sampleBatch(true), sampleBatchWithDict()}
		for _, b := range batches {
			if err := fw.WriteBatch(b); err != nil {
				t.Fatalf("codec %s: WriteBatch: %v", codecName, err)
			}
		}
		fr := NewFrameReader(&buf, compr.Decompression(codecName))
		for i, want := range batches {
			got, err := fr.ReadBatch()
			if err != nil {
				t.Fatalf("codec %s: ReadBatch %d: %v", codecName, i, err)
			}
			assertBatchesEqual(t, want, got)
		}
	}
}

func TestPartialWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0", "0", "0.needs_metadata.feather")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	in := []column.Batch{sampleBatch(false), sampleBatch(false)}
	if err := WritePartial(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadPartial(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("frame count mismatch: want %d, got %d", len(in), len(out))
	}
	for i := range in {
		assertBatchesEqual(t, in[i], out[i])
	}
}

func TestCombinePreservesRowOrder(t *testing.T) {
	a := sampleBatch(false)
	b := sampleBatch(false)
	combined := Combine([]column.Batch{a, b})
	if combined.Len() != a.Len()+b.Len() {
		t.Fatalf("combined length: want %d, got %d", a.Len()+b.Len(), combined.Len())
	}
	for i, ix := range a.Ix {
		if combined.Ix[i] != ix {
			t.Fatalf("row %d out of order in combined batch", i)
		}
	}
	for i, ix := range b.Ix {
		if combined.Ix[a.Len()+i] != ix {
			t.Fatalf("row %d (second batch) out of order in combined batch", i)
		}
	}
}

func TestFinalWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0", "0", "0.feather")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	meta := Metadata{
		Extent:           column.Extent{X: column.Interval{Lo: 0, Hi: 10}, Y: column.Interval{Lo: 0, Hi: 10}},
		Children:         []string{"1/0/0", "1/0/1", "1/1/0", "1/1/1"},
		TotalPoints:      42,
		DictFingerprints: map[string]string{"region": "deadbeef"},
	}
	combined := sampleBatch(false)
	if err := WriteFinal(path, "zstd", meta, combined); err != nil {
		t.Fatal(err)
	}

	gotMeta, err := ReadFinalMetadata(path)
	if err != nil {
		t.Fatal(err)
	}
	if gotMeta.TotalPoints != meta.TotalPoints || len(gotMeta.Children) != len(meta.Children) {
		t.Fatalf("metadata-only read mismatch: want %+v, got %+v", meta, gotMeta)
	}

	gotMeta, gotBatch, err := ReadFinal(path)
	if err != nil {
		t.Fatal(err)
	}
	if gotMeta.TotalPoints != meta.TotalPoints {
		t.Fatalf("total points mismatch: want %d, got %d", meta.TotalPoints, gotMeta.TotalPoints)
	}
	if gotMeta.DictFingerprints["region"] != "deadbeef" {
		t.Fatalf("dict fingerprint not preserved: %+v", gotMeta.DictFingerprints)
	}
	assertBatchesEqual(t, combined, gotBatch)
}

func TestFinalFileUsesRequestedCodec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.feather")
	meta := Metadata{Extent: column.Extent{X: column.Interval{Lo: 0, Hi: 1}, Y: column.Interval{Lo: 0, Hi: 1}}}
	if err := WriteFinal(path, "none", meta, sampleBatch(false)); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	codecName, _, _, err := readFinalHeader(f)
	if err != nil {
		t.Fatal(err)
	}
	if codecName != "none" {
		t.Fatalf("codec name not preserved: want %q, got %q", "none", codecName)
	}
}
