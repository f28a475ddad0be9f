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
	"io"
	"os"
	"path/filepath"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/compr"
	"github.com/nomic-ai/quadtile/tilefmt"
)

// overflowSuffix is the file extension for a tile's overflow
// stream, per spec section 6.3's on-disk layout.
const overflowSuffix = ".overflow.arrow"

// overflowCodecName selects the uncompressed passthrough codec
// (compr.Compression("") is the same as "none"): overflow is a short-lived,
// same-process spill file written and read back once during
// the very next DrainOverflows pass, so spending CPU to
// compress it buys nothing (spec section 4.3).
const overflowCodecName = ""

// overflowStream is an append-only spill file for rows a tile
// couldn't route to a child (insufficient tile budget) and
// couldn't buffer itself (already at capacity).
type overflowStream struct {
	path string
	f    *os.File
	fw   *tilefmt.FrameWriter
	rows int
}

// openOverflow creates a brand-new overflow file at path. It
// refuses to open over a file that already exists there: per
// spec section 9's Open Question (a), a leftover overflow file
// means some earlier DrainOverflows pass wrote it but was never
// completed (the process crashed, or the caller skipped the
// drain step), and silently truncating or appending to it would
// either lose those rows or double-count them. Surfacing
// ErrStaleOverflow instead lets the caller decide — rerun drain
// from a clean checkpoint, or delete the stale file deliberately.
func openOverflow(path string) (*overflowStream, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, &FatalError{Err: fmt.Errorf("%w: %s", ErrStaleOverflow, path)}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &overflowStream{
		path: path,
		f:    f,
		fw:   tilefmt.NewFrameWriter(f, compr.Compression(overflowCodecName)),
	}, nil
}

func (o *overflowStream) write(b column.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	if err := o.fw.WriteBatch(b); err != nil {
		return err
	}
	o.rows += b.Len()
	return nil
}

func (o *overflowStream) close() error {
	return o.f.Close()
}

// drain closes the stream for writing, reads every batch back
// in the order it was written, removes the file (so a repeated
// drain attempt does not see a stale file and fail per
// openOverflow's guard), and returns the batches for
// reinsertion.
func (o *overflowStream) drain() ([]column.Batch, error) {
	if err := o.close(); err != nil {
		return nil, err
	}
	f, err := os.Open(o.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fr := tilefmt.NewFrameReader(f, compr.Decompression(overflowCodecName))
	var out []column.Batch
	for {
		b, err := fr.ReadBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("quadtree: reading overflow %s: %w", o.path, err)
		}
		out = append(out, b)
	}
	if err := os.Remove(o.path); err != nil {
		return nil, err
	}
	return out, nil
}
