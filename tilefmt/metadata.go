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

import "github.com/nomic-ai/quadtile/column"

// Metadata is the JSON object embedded in every final tile
// file, per spec section 6.5: a final file is self-describing
// without consulting any sibling file.
type Metadata struct {
	Extent   column.Extent `json:"extent"`
	Children []string      `json:"children"`

	// TotalPoints is encoded as a JSON string, per spec section 6's
	// on-disk metadata contract ("total_points" is a decimal string,
	// not a bare number).
	TotalPoints uint64 `json:"total_points,string"`

	// DictFingerprints records, for every dictionary-coded
	// attribute column present in this tile, the Table
	// fingerprint it was recoded against (dict.Table.Fingerprint),
	// so a reader can detect a stale or mismatched dictionary.json
	// without loading and comparing the whole value list.
	DictFingerprints map[string]string `json:"dict_fingerprints,omitempty"`
}
