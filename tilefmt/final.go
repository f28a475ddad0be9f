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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/compr"
)

// WriteFinal writes the canonical, random-access tile file: a
// codec-name header, the JSON metadata blob, then exactly one
// frame holding the tile's fully combined row set (spec section
// 4.2's "final" codec combines every buffered sub-batch into a
// single contiguous frame before writing, so random access to a
// tile never has to walk more than one frame).
func WriteFinal(path, codecName string, meta Metadata, combined column.Batch) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeCodecHeader(f, codecName); err != nil {
		return err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("tilefmt: marshal metadata: %w", err)
	}
	var lenHdr [4]byte
	binary.LittleEndian.PutUint32(lenHdr[:], uint32(len(metaBytes)))
	if _, err := f.Write(lenHdr[:]); err != nil {
		return err
	}
	if _, err := f.Write(metaBytes); err != nil {
		return err
	}

	fw := NewFrameWriter(f, compr.Compression(codecName))
	if err := fw.WriteBatch(combined); err != nil {
		return fmt.Errorf("tilefmt: write final frame: %w", err)
	}
	return f.Close()
}

// ReadFinalMetadata reads only the metadata header, for callers
// (e.g. a tile-pyramid browser) that need extent/children/
// total_points without paying for the row data.
func ReadFinalMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()
	_, meta, _, err := readFinalHeader(f)
	return meta, err
}

// ReadFinal reads a whole final file back: its metadata and its
// single combined batch.
func ReadFinal(path string) (Metadata, column.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, column.Batch{}, err
	}
	defer f.Close()
	codecName, meta, _, err := readFinalHeader(f)
	if err != nil {
		return Metadata{}, column.Batch{}, err
	}
	fr := NewFrameReader(f, compr.Decompression(codecName))
	b, err := fr.ReadBatch()
	if err != nil {
		return Metadata{}, column.Batch{}, fmt.Errorf("tilefmt: read final frame: %w", err)
	}
	return meta, b, nil
}

func readFinalHeader(f *os.File) (codecName string, meta Metadata, headerLen int64, err error) {
	codecName, err = readCodecHeader(f)
	if err != nil {
		return "", Metadata{}, 0, err
	}
	var lenHdr [4]byte
	if _, err := io.ReadFull(f, lenHdr[:]); err != nil {
		return "", Metadata{}, 0, fmt.Errorf("tilefmt: read metadata length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenHdr[:])
	metaBytes := make([]byte, n)
	if _, err := io.ReadFull(f, metaBytes); err != nil {
		return "", Metadata{}, 0, fmt.Errorf("tilefmt: read metadata body: %w", err)
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return "", Metadata{}, 0, fmt.Errorf("tilefmt: unmarshal metadata: %w", err)
	}
	return codecName, meta, 0, nil
}

const maxCodecNameLen = 16

func writeCodecHeader(w io.Writer, name string) error {
	if len(name) > maxCodecNameLen {
		return fmt.Errorf("tilefmt: codec name %q too long", name)
	}
	var hdr [1 + maxCodecNameLen]byte
	hdr[0] = byte(len(name))
	copy(hdr[1:], name)
	_, err := w.Write(hdr[:])
	return err
}

func readCodecHeader(r io.Reader) (string, error) {
	var hdr [1 + maxCodecNameLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", fmt.Errorf("tilefmt: read codec header: %w", err)
	}
	n := hdr[0]
	if int(n) > maxCodecNameLen {
		return "", fmt.Errorf("tilefmt: corrupt codec header")
	}
	return string(hdr[1 : 1+n]), nil
}
