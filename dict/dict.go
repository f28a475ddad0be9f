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

// Package dict implements the "dictionary recoder" external
// collaborator from spec section 2: it accumulates value
// frequencies for a dictionary-typed column across every
// input shard and emits one bounded, globally shared value
// table so that every tile's tile-local index array refers
// to the same string at the same index (spec section 4.2).
package dict

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dchest/siphash"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Sentinel is the value out-of-table strings are remapped to.
const Sentinel = "<Other>"

// nullValue is the internal stand-in for an empty/missing string,
// counted separately so that NULLs don't get sorted as the empty
// string would be (which tends to be extremely common and would
// otherwise always occupy table slot 0).
const nullValue = "<NA>"

// numBuckets shards the frequency counter, the same way the
// teacher routes rows to worker shards by hashing a key
// (splitter.go): rather than one large map guarded implicitly
// by Go's map growth strategy, Observe spreads strings across
// a fixed number of smaller maps keyed by a siphash of the
// value, which keeps any single bucket's map small even for
// very high cardinality columns.
const numBuckets = 16

// Builder accumulates a column's value frequencies across any
// number of Observe calls (one per shard, or one per batch),
// then emits a bounded Table via Table.
type Builder struct {
	Column  string
	k0, k1  uint64
	buckets [numBuckets]map[string]int
}

// NewBuilder returns a Builder for the named column. The siphash
// key is fixed (not randomized) so that two Builders observing
// the same data in the same order produce byte-identical
// dictionaries across runs, which is required for Conservation
// (spec section 8) to be independently verifiable.
func NewBuilder(column string) *Builder {
	return &Builder{Column: column, k0: 0x9ae16a3b2f90404f, k1: 0xc2b2ae3d27d4eb4f}
}

func (b *Builder) bucketFor(s string) map[string]int {
	h := siphash.Hash(b.k0, b.k1, []byte(s))
	idx := h % numBuckets
	if b.buckets[idx] == nil {
		b.buckets[idx] = make(map[string]int)
	}
	return b.buckets[idx]
}

// Observe folds one shard's (or one batch's) string values
// into the running frequency count.
func (b *Builder) Observe(values []string) {
	for _, s := range values {
		if s == "" {
			s = nullValue
		}
		b.bucketFor(s)[s]++
	}
}

// Reset clears the accumulated counts without releasing the
// bucket maps, mirroring the teacher's maps.Clear(c.ind) reuse
// pattern in db/partition.go.
func (b *Builder) Reset() {
	for i := range b.buckets {
		if b.buckets[i] != nil {
			maps.Clear(b.buckets[i])
		}
	}
}

type freqEntry struct {
	value string
	count int
}

// Table builds the bounded value table: the maxEntries-1 most
// common values (ties broken lexically, for determinism), plus
// a sentinel slot at index maxEntries-1 for everything else, as
// required by spec section 6.2. If fewer than maxEntries distinct
// values were observed, no sentinel is necessary and the table
// is exactly as large as the distinct value count.
func (b *Builder) Table(maxEntries int) (*Table, error) {
	if maxEntries < 2 {
		return nil, fmt.Errorf("dict: maxEntries must be >= 2, got %d", maxEntries)
	}
	var all []freqEntry
	for i := range b.buckets {
		for v, c := range b.buckets[i] {
			all = append(all, freqEntry{v, c})
		}
	}
	slices.SortFunc(all, func(a, b freqEntry) bool {
		if a.count != b.count {
			return a.count > b.count
		}
		return a.value < b.value
	})
	limit := maxEntries - 1
	needsSentinel := len(all) > limit
	if needsSentinel {
		all = all[:limit]
	}
	t := &Table{
		Column: b.Column,
		Values: make([]string, len(all), len(all)+1),
		index:  make(map[string]uint16, len(all)+1),
	}
	for i, e := range all {
		t.Values[i] = e.value
		t.index[e.value] = uint16(i)
	}
	if needsSentinel {
		t.HasSentinel = true
		t.Values = append(t.Values, Sentinel)
	}
	return t, nil
}

// Table is the globally shared value dictionary for one
// dictionary-typed column: an ordered value list, index 0..N-1,
// with an optional trailing sentinel for out-of-table values.
type Table struct {
	Column      string   `json:"column"`
	Values      []string `json:"values"`
	HasSentinel bool     `json:"has_sentinel"`

	index map[string]uint16 // lazily (re)built by ensureIndex
}

func (t *Table) ensureIndex() {
	if t.index != nil {
		return
	}
	t.index = make(map[string]uint16, len(t.Values))
	for i, v := range t.Values {
		t.index[v] = uint16(i)
	}
}

// Index maps a raw value to its tile-local code. Values absent
// from the table are remapped to the sentinel slot; a missing
// sentinel with an absent value is a fatal condition the caller
// (the partitioner's per-batch remap step) must check for, per
// spec section 7's "Dictionary key absent from global table" row.
func (t *Table) Index(value string) (code uint16, ok bool) {
	if value == "" {
		value = nullValue
	}
	t.ensureIndex()
	if idx, found := t.index[value]; found {
		return idx, true
	}
	if t.HasSentinel {
		return uint16(len(t.Values) - 1), true
	}
	return 0, false
}

// Remap returns the string a tile-local code stands for.
func (t *Table) Remap(code uint16) (string, error) {
	if int(code) >= len(t.Values) {
		return "", fmt.Errorf("dict: code %d out of range for column %q (%d values)", code, t.Column, len(t.Values))
	}
	v := t.Values[code]
	if v == nullValue {
		return "", nil
	}
	return v, nil
}

// Fingerprint returns a stable, compact identifier for the
// table's contents, so two tiles can cheaply confirm they were
// coded against the same dictionary (spec section 6.3's
// "dictionary.json" note) without comparing the full value list.
// It hashes the ordered value list with blake2b, the same
// content-identity hash the teacher uses for its own block
// fingerprints (ion/blockfmt/fs.go's "b2sum:" digest).
func (t *Table) Fingerprint() string {
	var buf []byte
	for _, v := range t.Values {
		buf = append(buf, v...)
		buf = append(buf, 0)
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}

// MarshalJSON and UnmarshalJSON let Table round-trip through
// the on-disk dictionary.json file described in spec section 6.3.
func (t *Table) MarshalJSON() ([]byte, error) {
	type alias Table
	return json.Marshal((*alias)(t))
}

func (t *Table) UnmarshalJSON(data []byte) error {
	type alias Table
	if err := json.Unmarshal(data, (*alias)(t)); err != nil {
		return err
	}
	t.index = nil
	return nil
}
