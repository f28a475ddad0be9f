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
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/compr"
)

// partialCodecName is fixed: a partial file is written once by
// the partitioner and read back exactly once, by the same
// process, during FinalFlush — there is no cross-process or
// cross-version compatibility concern that would call for a
// configurable codec here, only raw write/read speed, so s2
// (the teacher's low-latency codec, see compr/compression.go)
// is the only choice.
const partialCodecName = "s2"

// WritePartial streams buf, a tile's buffered sub-batches
// (still in insertion order; spec section 4.1.4 never asks the
// partial codec to sort or merge them), to path as a sequence
// of independently compressed frames. No metadata is written:
// a partial file's extent and point count aren't known to be
// final until the whole tree has stopped accepting inserts.
func WritePartial(path string, buf []column.Batch) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fw := NewFrameWriter(f, compr.Compression(partialCodecName))
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(buf)))
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}
	for _, b := range buf {
		if err := fw.WriteBatch(b); err != nil {
			return fmt.Errorf("tilefmt: write partial frame: %w", err)
		}
	}
	return f.Close()
}

// Combine concatenates a tile's buffered sub-batches into the
// single contiguous batch WriteFinal expects, preserving
// insertion order (and therefore the "ix" order a consumer of
// the final file would see).
func Combine(batches []column.Batch) column.Batch {
	if len(batches) == 0 {
		return column.Batch{}
	}
	out := batches[0]
	for _, b := range batches[1:] {
		out = out.Append(b)
	}
	return out
}

// ReadPartial reads back every frame a WritePartial call wrote,
// in order, without combining them into one batch — combining
// is left to the caller (the final-flush step, which needs to
// do it exactly once, after deciding whether any more rows are
// still coming).
func ReadPartial(path string) ([]column.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("tilefmt: read partial header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	fr := NewFrameReader(f, compr.Decompression(partialCodecName))
	out := make([]column.Batch, 0, n)
	for i := uint32(0); i < n; i++ {
		b, err := fr.ReadBatch()
		if err != nil {
			return nil, fmt.Errorf("tilefmt: read partial frame %d/%d: %w", i, n, err)
		}
		out = append(out, b)
	}
	return out, nil
}
