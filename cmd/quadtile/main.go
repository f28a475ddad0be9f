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

// Command quadtile builds a quadtree (or octree) tile pyramid
// from one or more CSV point datasets, per spec section 6.4.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/nomic-ai/quadtile/column"
	"github.com/nomic-ai/quadtile/dict"
	"github.com/nomic-ai/quadtile/quadtree"
)

// fileList collects repeated -f occurrences, matching the
// original tiler's argparse `nargs='+'` "one or more input
// files" behavior (original_source/src/tiler_pc.py's --files/-f).
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }
func (f *fileList) Set(s string) error {
	*f = append(*f, s)
	return nil
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("quadtile: ")

	var inPaths fileList
	var (
		dest          = flag.String("d", "", "destination directory (required)")
		tileSize      = flag.Int("tile-size", 50000, "row capacity of every non-root tile")
		firstTileSize = flag.Int("first-tile-size", 0, "row capacity of the root tile (0 = use -tile-size)")
		maxFiles      = flag.Int("max-files", 100, "max concurrently open memory tiles + overflow files")
		jitter        = flag.Float64("jitter", 0, "stddev of Gaussian jitter applied to coordinates before insertion (0 disables)")
		jitterSeed    = flag.Int64("jitter-seed", 1, "deterministic seed for -jitter")
		limits        = flag.Int("limits", 4095, "max distinct values per dictionary-typed column, including the overflow sentinel")
		octree        = flag.Bool("octree", false, "partition in 3 dimensions (x, y, z) instead of 2")
		dtypeFlag     = flag.String("dtype", "", "comma-separated name:type overrides for attribute columns, e.g. country:dict,count:int64")
		batchRows     = flag.Int("batch-rows", 65536, "rows read per CSV batch")
		finalCodec    = flag.String("final-codec", "zstd", "compression codec for final tile files: zstd or none")
		logLevelFlag  = flag.String("log-level", "info", "one of debug, info, warn, error")
	)
	flag.Var(&inPaths, "f", "input CSV file (repeatable for multiple files, e.g. -f a.csv -f b.csv)")
	flag.Parse()

	if len(inPaths) == 0 || *dest == "" {
		fmt.Fprintln(os.Stderr, "usage: quadtile -f input.csv [-f input2.csv ...] -d dest/ [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	level, err := parseLogLevel(*logLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quadtile: -log-level: %s\n", err)
		os.Exit(2)
	}

	overrides, dictCols, err := parseDtypes(*dtypeFlag)
	if err != nil {
		log.Fatalf("-dtype: %s", err)
	}

	if err := run(runConfig{
		inPaths:       inPaths,
		dest:          *dest,
		tileSize:      *tileSize,
		firstTileSize: *firstTileSize,
		maxFiles:      *maxFiles,
		jitter:        *jitter,
		jitterSeed:    *jitterSeed,
		limits:        *limits,
		octree:        *octree,
		overrides:     overrides,
		dictCols:      dictCols,
		batchRows:     *batchRows,
		finalCodec:    *finalCodec,
		logLevel:      level,
	}); err != nil {
		log.Fatal(err)
	}
}

// logLevel gates the verbosity of run's and scan's progress
// logging, matching the original tiler's --log-level argument
// (original_source/src/tiler_pc.py's logging.getLogger().setLevel).
type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func parseLogLevel(s string) (logLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug, nil
	case "info":
		return levelInfo, nil
	case "warn":
		return levelWarn, nil
	case "error":
		return levelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", s)
	}
}

// leveled wraps the standard logger with a minimum-severity
// threshold, the smallest amount of machinery that lets
// -log-level actually gate output without reaching for a
// structured-logging library the teacher itself never uses.
type leveled struct {
	threshold logLevel
}

func (l leveled) logf(level logLevel, format string, args ...interface{}) {
	if level < l.threshold {
		return
	}
	log.Printf(format, args...)
}

func (l leveled) Debugf(format string, args ...interface{}) { l.logf(levelDebug, format, args...) }
func (l leveled) Infof(format string, args ...interface{})  { l.logf(levelInfo, format, args...) }
func (l leveled) Warnf(format string, args ...interface{})  { l.logf(levelWarn, format, args...) }
func (l leveled) Errorf(format string, args ...interface{}) { l.logf(levelError, format, args...) }

type runConfig struct {
	inPaths                           []string
	dest                              string
	tileSize, firstTileSize, maxFiles int
	jitter                            float64
	jitterSeed                        int64
	limits                            int
	octree                            bool
	overrides                         map[string]column.DType
	dictCols                          []string
	batchRows                         int
	finalCodec                        string
	logLevel                          logLevel
}

// multiFileSource reads a sequence of CSV files as a single
// column.Source, assigning row identifiers sequentially across
// file boundaries when a file doesn't carry its own "ix" column.
// This implements the original tiler's multi-file input list
// (original_source/src/tiler_pc.py's rewrite_in_arrow_format,
// which loops "for FIN in files").
type multiFileSource struct {
	paths   []string
	opts    column.CSVOptions
	idx     int
	cur     *column.CSVSource
	curFile *os.File
	nextIx  uint64
}

func newMultiFileSource(paths []string, opts column.CSVOptions) *multiFileSource {
	return &multiFileSource{paths: paths, opts: opts, nextIx: opts.StartIx}
}

func (m *multiFileSource) Next() (column.Batch, error) {
	for {
		if m.cur == nil {
			if m.idx >= len(m.paths) {
				return column.Batch{}, io.EOF
			}
			f, err := os.Open(m.paths[m.idx])
			if err != nil {
				return column.Batch{}, fmt.Errorf("opening %s: %w", m.paths[m.idx], err)
			}
			opts := m.opts
			opts.StartIx = m.nextIx
			src, err := column.NewCSVSource(f, opts)
			if err != nil {
				f.Close()
				return column.Batch{}, fmt.Errorf("opening %s: %w", m.paths[m.idx], err)
			}
			m.cur, m.curFile = src, f
			m.idx++
		}
		b, err := m.cur.Next()
		if err == io.EOF {
			m.curFile.Close()
			m.cur, m.curFile = nil, nil
			continue
		}
		if err != nil {
			return column.Batch{}, err
		}
		if b.Len() > 0 {
			last := b.Ix[b.Len()-1]
			if last+1 > m.nextIx {
				m.nextIx = last + 1
			}
		}
		return b, nil
	}
}

func (m *multiFileSource) Close() error {
	if m.curFile != nil {
		return m.curFile.Close()
	}
	return nil
}

func (c runConfig) openSource() (column.Source, func() error, error) {
	m := newMultiFileSource(c.inPaths, column.CSVOptions{
		BatchRows: c.batchRows,
		HasZ:      c.octree,
		Overrides: c.overrides,
	})
	if c.jitter > 0 {
		return column.NewJitterSource(m, c.jitter, c.jitterSeed), m.Close, nil
	}
	return m, m.Close, nil
}

func run(c runConfig) error {
	lg := leveled{threshold: c.logLevel}
	lg.Infof("pass 1/3: computing extent and dictionary statistics from %d file(s)", len(c.inPaths))
	lg.Debugf("input files: %s", strings.Join(c.inPaths, ", "))
	extent, dicts, err := scan(c, lg)
	if err != nil {
		return fmt.Errorf("scanning input: %w", err)
	}
	lg.Infof("extent: x=[%g,%g] y=[%g,%g]", extent.X.Lo, extent.X.Hi, extent.Y.Lo, extent.Y.Hi)

	if err := writeDictionaries(c.dest, dicts); err != nil {
		return fmt.Errorf("writing dictionaries: %w", err)
	}

	opts := quadtree.Options{
		TileSize:      c.tileSize,
		FirstTileSize: c.firstTileSize,
		MaxFiles:      c.maxFiles,
		FinalCodec:    c.finalCodec,
		Dicts:         dicts,
	}
	p, err := quadtree.NewPartitioner(c.dest, extent, opts)
	if err != nil {
		return err
	}

	lg.Infof("pass 2/3: inserting rows")
	src, closeSrc, err := c.openSource()
	if err != nil {
		return err
	}
	defer closeSrc()
	var nrows int
	for {
		b, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if err := p.Insert(b); err != nil {
			return fmt.Errorf("inserting batch: %w", err)
		}
		nrows += b.Len()
		lg.Debugf("inserted batch of %d rows (%d total)", b.Len(), nrows)
	}
	lg.Infof("inserted %d rows", nrows)

	if err := p.FirstFlushAll(); err != nil {
		return fmt.Errorf("first flush: %w", err)
	}
	for {
		n, err := p.DrainOverflows()
		if err != nil {
			return fmt.Errorf("draining overflow: %w", err)
		}
		if n == 0 {
			break
		}
		lg.Warnf("drained %d overflowed tiles", n)
	}

	lg.Infof("pass 3/3: writing final tiles")
	if err := p.FinalFlushAll(); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}

	summary, err := p.Summary()
	if err != nil {
		return err
	}
	lg.Infof("wrote %d tiles to %s", len(summary), c.dest)
	return nil
}

// scan performs the first pass over the input: computing the
// root extent (spec section 2's "extent oracle") and building
// one dict.Builder per dictionary-typed column, so that the
// second (insertion) pass can recode strings into tile-local
// indices against a table that is already finalized, per spec
// section 4.2.
func scan(c runConfig, lg leveled) (column.Extent, map[string]*dict.Table, error) {
	src, closeSrc, err := c.openSource()
	if err != nil {
		return column.Extent{}, nil, err
	}
	defer closeSrc()

	var acc column.ExtentAccumulator
	builders := make(map[string]*dict.Builder, len(c.dictCols))
	for _, name := range c.dictCols {
		builders[name] = dict.NewBuilder(name)
	}
	for {
		b, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return column.Extent{}, nil, err
		}
		acc.Observe(b)
		lg.Debugf("scanned batch of %d rows", b.Len())
		for name, builder := range builders {
			sv, ok := b.Attrs[name].(column.StringVector)
			if !ok {
				continue
			}
			builder.Observe(sv)
		}
	}
	tables := make(map[string]*dict.Table, len(builders))
	for name, builder := range builders {
		t, err := builder.Table(c.limits)
		if err != nil {
			return column.Extent{}, nil, err
		}
		tables[name] = t
	}
	return acc.Extent(), tables, nil
}

// writeDictionaries persists each column's finalized value table
// to <dest>/_dictionaries/<column>.json, per spec section 6.3.
func writeDictionaries(dest string, dicts map[string]*dict.Table) error {
	if len(dicts) == 0 {
		return nil
	}
	dir := filepath.Join(dest, "_dictionaries")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, table := range dicts {
		data, err := json.MarshalIndent(table, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// parseDtypes parses the -dtype flag's "name:type,name:type"
// syntax, returning the column.DType overrides plus the subset
// of names typed "dict" (which additionally get a dict.Builder
// in the scan pass, and are carried as a plain StringVector
// until the final flush recodes them).
func parseDtypes(s string) (map[string]column.DType, []string, error) {
	if s == "" {
		return nil, nil, nil
	}
	overrides := make(map[string]column.DType)
	var dictCols []string
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("bad entry %q, want name:type", pair)
		}
		name, typ := parts[0], parts[1]
		switch typ {
		case "float32":
			overrides[name] = column.Float32
		case "int64":
			overrides[name] = column.Int64
		case "uint64":
			overrides[name] = column.Uint64
		case "string":
			overrides[name] = column.String
		case "dict":
			overrides[name] = column.String // carried as strings until recoding at final flush
			dictCols = append(dictCols, name)
		default:
			return nil, nil, fmt.Errorf("unknown type %q for column %q", typ, name)
		}
	}
	return overrides, dictCols, nil
}
