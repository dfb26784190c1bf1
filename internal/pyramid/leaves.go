package pyramid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/diskcache"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
)

// compressedExts are tried, in order, after the plain extension.
var compressedExts = []string{".gz", ".zst", ".lz4"}

// StoreNumeric loads leaves that already live in st.
func StoreNumeric(st *store.Store) Leaves[*tile.Numeric] {
	return Leaves[*tile.Numeric]{
		Load: func(_ context.Context, c cell.Cell) (*tile.Numeric, bool, error) {
			return stored(st.ReadNumeric(c))
		},
	}
}

// StoreColor loads png or jpg leaves that already live in st.
func StoreColor(st *store.Store, f tile.Format) Leaves[*tile.Color] {
	return Leaves[*tile.Color]{
		Load: func(_ context.Context, c cell.Cell) (*tile.Color, bool, error) {
			return stored(st.ReadColor(c, f))
		},
	}
}

// Dir is a source tree in the store layout whose tiles may be stored
// compressed (Npix12.fits.gz). Compressed tiles are read through Cache.
type Dir struct {
	Root  string
	Cache *diskcache.Cache
}

// Numeric loads FITS leaves from d and copies them into the store.
func (d Dir) Numeric() Leaves[*tile.Numeric] {
	return Leaves[*tile.Numeric]{
		Copy: true,
		Load: func(ctx context.Context, c cell.Cell) (*tile.Numeric, bool, error) {
			var t *tile.Numeric
			ok, err := d.read(ctx, c, tile.FormatFITS, func(r io.Reader) (err error) {
				t, err = tile.DecodeNumeric(r)
				return err
			})
			return t, ok, err
		},
	}
}

// Color loads png or jpg leaves from d and copies them into the store.
func (d Dir) Color(f tile.Format) Leaves[*tile.Color] {
	return Leaves[*tile.Color]{
		Copy: true,
		Load: func(ctx context.Context, c cell.Cell) (*tile.Color, bool, error) {
			var t *tile.Color
			ok, err := d.read(ctx, c, f, func(r io.Reader) (err error) {
				t, err = tile.DecodeColor(r, f)
				return err
			})
			return t, ok, err
		},
	}
}

// locate returns the first existing file for c, plain before compressed.
func (d Dir) locate(c cell.Cell, f tile.Format) (string, bool) {
	base := filepath.Join(d.Root, filepath.FromSlash(cell.Path(c, f.Ext())))
	candidates := []string{base}
	if d.Cache != nil {
		for _, ext := range compressedExts {
			candidates = append(candidates, base+ext)
		}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// read decodes c with decode. Cache failures are returned as they are,
// since an overflowing cache must stop the run; decode failures degrade
// the leaf.
func (d Dir) read(ctx context.Context, c cell.Cell, f tile.Format, decode func(io.Reader) error) (bool, error) {
	path, ok := d.locate(c, f)
	if !ok {
		return false, nil
	}
	var (
		r   io.ReadCloser
		err error
	)
	if diskcache.Compressed(path) {
		r, err = d.Cache.Open(ctx, path)
		if err != nil {
			if errors.Is(err, diskcache.ErrCacheOverflow) || ctx.Err() != nil {
				return false, err
			}
			return false, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, path, err)
		}
	} else {
		r, err = os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
		}
	}
	defer func() { _ = r.Close() }()
	if err := decode(r); err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, path, err)
	}
	return true, nil
}

// Bands joins three numeric band sources into one multi-band source. A
// band that cannot be read is missing for that cell; the cell is absent
// only when all three bands are.
func Bands(sources [3]Leaves[*tile.Numeric], log *slog.Logger) Leaves[tile.Bands] {
	if log == nil {
		log = slog.Default()
	}
	return Leaves[tile.Bands]{
		Copy: true,
		Load: func(ctx context.Context, c cell.Cell) (tile.Bands, bool, error) {
			var b tile.Bands
			for i, src := range sources {
				if src.Load == nil {
					continue
				}
				t, ok, err := src.Load(ctx, c)
				if errors.Is(err, ErrSourceUnreadable) {
					log.Warn("band degraded to missing", "cell", c.String(), "band", i, "err", err)
					continue
				}
				if err != nil {
					return tile.Bands{}, false, err
				}
				if ok {
					b[i] = t
				}
			}
			return b, b.Present(), nil
		},
	}
}

// Grey renders numeric leaves as grey color tiles through cut and tf,
// for building a visual pyramid from numeric data.
func Grey(src Leaves[*tile.Numeric], cut tile.Cut, tf tile.Transfer) Leaves[*tile.Color] {
	return Leaves[*tile.Color]{
		Copy: true,
		Load: func(ctx context.Context, c cell.Cell) (*tile.Color, bool, error) {
			t, ok, err := src.Load(ctx, c)
			if err != nil || !ok {
				return nil, false, err
			}
			return tile.Bands{t, t, t}.ToColor([3]tile.Cut{cut, cut, cut}, tf), true, nil
		},
	}
}
