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
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"strconv"
)

// Source yields an ordered sequence of batches sharing a
// single schema, the "record source" external collaborator
// of spec section 2. Next returns io.EOF (wrapping or bare)
// once exhausted.
type Source interface {
	Next() (Batch, error)
}

// SliceSource replays a fixed, in-memory list of batches.
// It is primarily useful in tests and for re-driving a batch
// read back out of an overflow stream.
type SliceSource struct {
	Batches []Batch
	pos     int
}

func (s *SliceSource) Next() (Batch, error) {
	if s.pos >= len(s.Batches) {
		return Batch{}, io.EOF
	}
	b := s.Batches[s.pos]
	s.pos++
	return b, nil
}

// CSVOptions configures CSVSource.
type CSVOptions struct {
	// BatchRows is the number of rows read per Next call.
	BatchRows int
	// HasZ requests a mandatory "z" column.
	HasZ bool
	// Overrides maps a column name to an explicit DType.
	// There is no type inference: every attribute column
	// without an override is read as String.
	Overrides map[string]DType
	// StartIx is the first row identifier assigned; rows
	// are numbered sequentially from there. If the CSV
	// already has an "ix" column it is used verbatim instead.
	StartIx uint64
}

// CSVSource parses a plain, headered CSV file into batches.
// Type inference is deliberately simple (spec section 1 lists
// full CSV type inference as an out-of-scope collaborator of
// the partitioner); CSVSource exists only so that the CLI has
// a concrete, idiomatic record source to drive the partitioner
// with, not to be a general-purpose CSV engine.
type CSVSource struct {
	r       *csv.Reader
	opts    CSVOptions
	cols    []string
	xi, yi  int
	zi      int
	ixi     int // -1 if absent
	nextIx  uint64
	done    bool
}

// NewCSVSource opens a CSV source reading from r, whose first
// row must be a header naming (at least) "x" and "y", and
// optionally "z" and "ix".
func NewCSVSource(r io.Reader, opts CSVOptions) (*CSVSource, error) {
	if opts.BatchRows <= 0 {
		opts.BatchRows = 65536
	}
	cr := csv.NewReader(bufio.NewReaderSize(r, 1<<20))
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("column: reading CSV header: %w", err)
	}
	cols := append([]string(nil), header...)
	s := &CSVSource{r: cr, opts: opts, cols: cols, xi: -1, yi: -1, zi: -1, ixi: -1, nextIx: opts.StartIx}
	for i, name := range cols {
		switch name {
		case "x":
			s.xi = i
		case "y":
			s.yi = i
		case "z":
			s.zi = i
		case "ix":
			s.ixi = i
		}
	}
	if s.xi < 0 || s.yi < 0 {
		return nil, fmt.Errorf("column: CSV header missing required x/y columns: %v", cols)
	}
	if opts.HasZ && s.zi < 0 {
		return nil, fmt.Errorf("column: octree mode requires a z column: %v", cols)
	}
	return s, nil
}

func (s *CSVSource) schema() Schema {
	var fields []Field
	for i, name := range s.cols {
		if i == s.xi || i == s.yi || i == s.zi || i == s.ixi {
			continue
		}
		if t, ok := s.opts.Overrides[name]; ok {
			fields = append(fields, Field{Name: name, Type: t})
			continue
		}
		fields = append(fields, Field{Name: name, Type: String})
	}
	return Schema{Fields: fields, HasZ: s.opts.HasZ}
}

// Next reads up to opts.BatchRows rows and returns them as one
// batch. Rows whose x coordinate fails to parse as a finite
// float are dropped, matching spec section 4.1.5's statement
// that non-finite x is filtered upstream of the partitioner.
func (s *CSVSource) Next() (Batch, error) {
	if s.done {
		return Batch{}, io.EOF
	}
	sch := s.schema()
	b := Batch{Schema: sch}
	var attrRaw map[string][]string
	if len(sch.Fields) > 0 {
		attrRaw = make(map[string][]string, len(sch.Fields))
	}
	for n := 0; n < s.opts.BatchRows; n++ {
		rec, err := s.r.Read()
		if err == io.EOF {
			s.done = true
			break
		}
		if err != nil {
			return Batch{}, fmt.Errorf("column: reading CSV row: %w", err)
		}
		x, err := strconv.ParseFloat(rec[s.xi], 32)
		if err != nil || isNonFinite(x) {
			continue // dropped: non-finite / unparsable x, per spec 4.1.5
		}
		y, err := strconv.ParseFloat(rec[s.yi], 32)
		if err != nil {
			continue
		}
		b.X = append(b.X, float32(x))
		b.Y = append(b.Y, float32(y))
		if sch.HasZ {
			z, err := strconv.ParseFloat(rec[s.zi], 32)
			if err != nil {
				z = 0
			}
			b.Z = append(b.Z, float32(z))
		}
		if s.ixi >= 0 {
			ix, _ := strconv.ParseUint(rec[s.ixi], 10, 64)
			b.Ix = append(b.Ix, ix)
		} else {
			b.Ix = append(b.Ix, s.nextIx)
			s.nextIx++
		}
		for _, f := range sch.Fields {
			idx := s.colIndex(f.Name)
			attrRaw[f.Name] = append(attrRaw[f.Name], rec[idx])
		}
	}
	if b.Len() == 0 {
		return Batch{}, io.EOF
	}
	if len(sch.Fields) > 0 {
		b.Attrs = make(map[string]Vector, len(sch.Fields))
		for _, f := range sch.Fields {
			raw := attrRaw[f.Name]
			switch f.Type {
			case Int64:
				v := make(Int64Vector, len(raw))
				for i, s := range raw {
					n, _ := strconv.ParseInt(s, 10, 64)
					v[i] = n
				}
				b.Attrs[f.Name] = v
			case Uint64:
				v := make(Uint64Vector, len(raw))
				for i, s := range raw {
					n, _ := strconv.ParseUint(s, 10, 64)
					v[i] = n
				}
				b.Attrs[f.Name] = v
			case Float32:
				v := make(Float32Vector, len(raw))
				for i, s := range raw {
					n, _ := strconv.ParseFloat(s, 32)
					v[i] = float32(n)
				}
				b.Attrs[f.Name] = v
			default:
				b.Attrs[f.Name] = StringVector(raw)
			}
		}
	}
	return b, nil
}

func (s *CSVSource) colIndex(name string) int {
	for i, c := range s.cols {
		if c == name {
			return i
		}
	}
	return -1
}

func isNonFinite(f float64) bool {
	return f != f || f > maxFinite || f < -maxFinite
}

const maxFinite = 3.4e38 // float32 max magnitude, generous bound for the parse-time finiteness check

// JitterSource wraps a Source and adds Gaussian noise with
// standard deviation Amount to x, y, (z), matching the original tiler's "--randomize" flag
// (see spec section 6.4): on data with millions of coincident
// points, a small jitter breaks ties and keeps the tree from
// degenerating into a single-child spine at every level.
type JitterSource struct {
	Inner  Source
	Amount float64
	rng    *rand.Rand
}

// NewJitterSource returns a JitterSource seeded deterministically
// so that repeated runs with the same seed produce the same tree.
func NewJitterSource(inner Source, amount float64, seed int64) *JitterSource {
	return &JitterSource{Inner: inner, Amount: amount, rng: rand.New(rand.NewSource(seed))}
}

func (j *JitterSource) Next() (Batch, error) {
	b, err := j.Inner.Next()
	if err != nil {
		return b, err
	}
	if j.Amount <= 0 {
		return b, nil
	}
	x := append(Float32Vector(nil), b.X...)
	y := append(Float32Vector(nil), b.Y...)
	for i := range x {
		x[i] += float32(j.rng.NormFloat64() * j.Amount)
		y[i] += float32(j.rng.NormFloat64() * j.Amount)
	}
	b.X, b.Y = x, y
	if b.Schema.HasZ {
		z := append(Float32Vector(nil), b.Z...)
		for i := range z {
			z[i] += float32(j.rng.NormFloat64() * j.Amount)
		}
		b.Z = z
	}
	return b, nil
}
