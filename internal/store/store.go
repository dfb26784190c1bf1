// Package store is the on-disk tile tree: Norder<o>/Dir<d>/Npix<i>.<ext>
// files plus the properties and coverage files at the root.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/google/renameio"
)

// CoverageFile is the coverage map at the store root.
const CoverageFile = "Moc.fits"

var ErrNoLeaves = errors.New("store: no tile level found")

// Store is a tile tree rooted at a directory.
type Store struct {
	Root string
}

func Open(root string) *Store {
	return &Store{Root: root}
}

// Path joins a slash-separated relative path onto the root.
func (s *Store) Path(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(rel))
}

func (s *Store) TilePath(c cell.Cell, f tile.Format) string {
	return s.Path(cell.Path(c, f.Ext()))
}

func (s *Store) AllskyPath(f tile.Format) string {
	return s.Path(cell.AllskyPath(f.Ext()))
}

func (s *Store) CoveragePath() string {
	return s.Path(CoverageFile)
}

func (s *Store) Properties() properties.File {
	return properties.File{Path: s.Path(properties.FileName)}
}

// Exists reports whether c has a tile in format f.
func (s *Store) Exists(c cell.Cell, f tile.Format) bool {
	_, err := os.Stat(s.TilePath(c, f))
	return err == nil
}

// WriteFile writes path atomically, creating parent directories. Readers
// never observe a partial file.
func WriteFile(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = t.Cleanup() }()
	if err := fn(t); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return t.CloseAtomicallyReplace()
}

func (s *Store) WriteNumeric(c cell.Cell, t *tile.Numeric) error {
	return WriteFile(s.TilePath(c, tile.FormatFITS), t.Encode)
}

func (s *Store) WriteColor(c cell.Cell, f tile.Format, t *tile.Color) error {
	return WriteFile(s.TilePath(c, f), func(w io.Writer) error { return t.Encode(w, f) })
}

func (s *Store) ReadNumeric(c cell.Cell) (*tile.Numeric, error) {
	return ReadNumericFile(s.TilePath(c, tile.FormatFITS))
}

func (s *Store) ReadColor(c cell.Cell, f tile.Format) (*tile.Color, error) {
	return ReadColorFile(s.TilePath(c, f), f)
}

func ReadNumericFile(path string) (*tile.Numeric, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	t, err := tile.DecodeNumeric(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func ReadColorFile(path string, format tile.Format) (*tile.Color, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	t, err := tile.DecodeColor(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Orders lists the Norder directories present, ascending.
func (s *Store) Orders() ([]int, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	var orders []int
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), "Norder")
		if !ok || !e.IsDir() {
			continue
		}
		if o, err := strconv.Atoi(rest); err == nil {
			orders = append(orders, o)
		}
	}
	sort.Ints(orders)
	return orders, nil
}

// LeafOrder returns the deepest order holding at least one tile.
func (s *Store) LeafOrder() (int, error) {
	orders, err := s.Orders()
	if err != nil {
		return 0, err
	}
	for i := len(orders) - 1; i >= 0; i-- {
		n := 0
		err := s.WalkLevel(orders[i], func(cell.Cell, string) error {
			n++
			return fs.SkipAll
		})
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return orders[i], nil
		}
	}
	return 0, ErrNoLeaves
}

// WalkLevel calls fn for every tile file at order, in no particular order.
// ext is the file extension as stored. fn may return fs.SkipAll to stop.
func (s *Store) WalkLevel(order int, fn func(c cell.Cell, ext string) error) error {
	level := s.Path(cell.LevelDir(order))
	dirs, err := os.ReadDir(level)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), "Dir") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(level, d.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasPrefix(f.Name(), "Npix") {
				continue
			}
			c, ext, err := cell.ParsePath(cell.LevelDir(order) + "/" + d.Name() + "/" + f.Name())
			if err != nil {
				continue
			}
			if err := fn(c, ext); err != nil {
				if errors.Is(err, fs.SkipAll) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// Leaves returns the cells at order that have a tile in format f, sorted
// by index.
func (s *Store) Leaves(order int, f tile.Format) ([]cell.Cell, error) {
	var out []cell.Cell
	err := s.WalkLevel(order, func(c cell.Cell, ext string) error {
		if ext == f.Ext() {
			out = append(out, c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, err
}

// DetectFormats returns the formats with at least one tile at order. A
// compressed tile counts for its inner format.
func (s *Store) DetectFormats(order int) ([]tile.Format, error) {
	seen := map[string]bool{}
	err := s.WalkLevel(order, func(_ cell.Cell, ext string) error {
		base, _, _ := strings.Cut(ext, ".")
		seen[base] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []tile.Format
	for _, f := range tile.Formats {
		if seen[f.Ext()] {
			out = append(out, f)
		}
	}
	return out, nil
}

// TileWidth reads the width of the first tile found at order in format f.
func (s *Store) TileWidth(order int, f tile.Format) (int, error) {
	width := 0
	err := s.WalkLevel(order, func(c cell.Cell, ext string) error {
		if ext != f.Ext() {
			return nil
		}
		if f.Numeric() {
			t, err := s.ReadNumeric(c)
			if err != nil {
				return err
			}
			width = t.Width
		} else {
			t, err := s.ReadColor(c, f)
			if err != nil {
				return err
			}
			width = t.Width()
		}
		return fs.SkipAll
	})
	if err != nil {
		return 0, err
	}
	if width == 0 {
		return 0, fmt.Errorf("%w: no %s tile at order %d", ErrNoLeaves, f, order)
	}
	return width, nil
}
