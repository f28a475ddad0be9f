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

import "fmt"

// Sentinel errors a caller can test for with errors.Is, mirroring
// the handful of named sentinels the teacher exports from its
// own storage layer (e.g. blockfmt.ErrBadMagic in ion/blockfmt).
var (
	// ErrSchemaMismatch is returned when a batch inserted into a
	// tile doesn't carry the same column.Schema as the first
	// batch that tile ever accepted. Per spec section 7, this is
	// fatal: partitioning cannot proceed with an inconsistent
	// column set.
	ErrSchemaMismatch = fmt.Errorf("quadtree: batch schema does not match tile's established schema")

	// ErrMissingPartial is returned by FinalFlushAll when a tile
	// buffered rows of its own but its partial file is absent,
	// meaning its first flush failed or the file was removed.
	ErrMissingPartial = fmt.Errorf("quadtree: tile has buffered rows but no partial file on disk")

	// ErrOutsideExtent indicates a row routed to a tile whose
	// extent does not contain it. By construction (spec section
	// 4.1.3's partition arithmetic) this cannot happen, so
	// Tile.insert's checkContainment assertion is defensive: it
	// is never returned directly by a public function, only
	// wrapped in a FatalError if the invariant is ever violated.
	ErrOutsideExtent = fmt.Errorf("quadtree: row outside tile extent")

	// ErrStaleOverflow is returned when opening an overflow file
	// that already exists on disk: spec section 9's Open
	// Question (a) is resolved by refusing to append to or
	// silently truncate a pre-existing overflow file, since its
	// presence means an earlier DrainOverflows pass started but
	// never completed for that tile.
	ErrStaleOverflow = fmt.Errorf("quadtree: overflow file already exists from an incomplete prior drain")
)

// FatalError wraps an error with the tile Coord that triggered
// it, per spec section 7's requirement that "fatal" conditions
// report in a way that singles out the offending tile. The
// Partitioner uses it for schema mismatches, rows outside a
// tile's extent, missing partial files, stale overflow files,
// and failures encoding or decoding a tile file; other I/O
// errors (creating directories, checking for or removing tile
// files, and most overflow file operations) are returned
// unwrapped.
type FatalError struct {
	Coord Coord
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("quadtree: tile %s: %v", e.Coord.ID(), e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
