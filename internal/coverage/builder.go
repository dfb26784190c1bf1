package coverage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/control"
	"github.com/agentic-research/skytiles/internal/healpix"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEmptyLeafDir means the store has no leaf tiles to scan.
	ErrEmptyLeafDir = errors.New("coverage: leaf directory is empty")
	// ErrNoLeafScanned means every leaf failed to open.
	ErrNoLeafScanned = errors.New("coverage: no leaf tile could be scanned")
)

// Builder derives a coverage set from the leaf tiles of a store.
type Builder struct {
	Store *store.Store
	// Format selects the leaf tiles to scan. Zero value is FITS; when no
	// FITS leaves exist the first format found is used.
	Format tile.Format
	Index  healpix.Index
	// Workers bounds parallel leaf rescans in high-resolution mode.
	Workers int
	Token   *control.Token
	Logger  *slog.Logger
}

// Result carries the set and how it was produced.
type Result struct {
	Set       *Set
	LeafOrder int
	Order     int
	HighRes   bool
	Scanned   int64
	Skipped   int64
}

// Build scans the leaf level. order < 0 uses the leaf order. An order
// deeper than the leaf order rescans leaf pixels; a coarser one degrades
// the leaf-level set.
func (b *Builder) Build(ctx context.Context, order int) (*Result, error) {
	log := b.Logger
	if log == nil {
		log = slog.Default()
	}
	leafOrder, err := b.Store.LeafOrder()
	if errors.Is(err, store.ErrNoLeaves) {
		return nil, ErrEmptyLeafDir
	}
	if err != nil {
		return nil, err
	}
	format, err := b.leafFormat(leafOrder)
	if err != nil {
		return nil, err
	}
	leaves, err := b.Store.Leaves(leafOrder, format)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		return nil, ErrEmptyLeafDir
	}
	if order < 0 {
		order = leafOrder
	}
	res := &Result{LeafOrder: leafOrder, Order: order, HighRes: order > leafOrder}
	log.Info("building coverage", "leaf_order", leafOrder, "order", order, "high_res", res.HighRes, "leaves", len(leaves))

	if res.HighRes {
		res.Set, err = b.scanPixels(ctx, log, leaves, format, order, res)
	} else {
		res.Set, err = b.scanLeaves(ctx, leaves, order, res)
	}
	if err != nil {
		return nil, err
	}
	if res.Scanned == 0 {
		return nil, ErrNoLeafScanned
	}
	return res, nil
}

func (b *Builder) leafFormat(leafOrder int) (tile.Format, error) {
	formats, err := b.Store.DetectFormats(leafOrder)
	if err != nil {
		return 0, err
	}
	if len(formats) == 0 {
		return 0, ErrEmptyLeafDir
	}
	for _, f := range formats {
		if f == b.Format {
			return f, nil
		}
	}
	return formats[0], nil
}

// scanLeaves inserts one cell per existing leaf. The set is normalized
// after each branch.
func (b *Builder) scanLeaves(ctx context.Context, leaves []cell.Cell, order int, res *Result) (*Set, error) {
	s := New()
	for _, br := range byBranch(leaves) {
		if err := b.Token.Check(ctx); err != nil {
			return nil, err
		}
		for _, c := range br {
			s.Add(c.Ancestor(order))
			res.Scanned++
		}
		s.Normalize()
	}
	return s, nil
}

// byBranch groups leaves by their order-3 ancestor, in index order.
func byBranch(leaves []cell.Cell) [][]cell.Cell {
	groups := map[cell.Cell][]cell.Cell{}
	for _, c := range leaves {
		br := c.Ancestor(min(cell.BranchOrder, c.Order))
		groups[br] = append(groups[br], c)
	}
	keys := make([]cell.Cell, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Index < keys[j].Index })
	out := make([][]cell.Cell, len(keys))
	for i, k := range keys {
		out[i] = groups[k]
	}
	return out
}

// scanPixels reopens every leaf and inserts the cells of its non-blank
// pixels at order. Leaves are processed per branch; each branch's cells
// are normalized before being merged.
func (b *Builder) scanPixels(ctx context.Context, log *slog.Logger, leaves []cell.Cell, format tile.Format, order int, res *Result) (*Set, error) {
	idx := b.Index
	if idx == nil {
		idx = healpix.Nested{}
	}
	var (
		mu      sync.Mutex
		out     = New()
		scanned atomic.Int64
		skipped atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, b.Workers))
	for _, br := range byBranch(leaves) {
		g.Go(func() error {
			if err := b.Token.Check(gctx); err != nil {
				return err
			}
			local := New()
			for _, c := range br {
				if err := b.scanLeaf(idx, c, format, order, local); err != nil {
					log.Warn("skipping unreadable leaf", "cell", c.String(), "path", b.Store.TilePath(c, format), "err", err)
					skipped.Add(1)
					continue
				}
				scanned.Add(1)
			}
			local.Normalize()
			mu.Lock()
			out = out.Union(local)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Scanned, res.Skipped = scanned.Load(), skipped.Load()
	return out, nil
}

func (b *Builder) scanLeaf(idx healpix.Index, c cell.Cell, format tile.Format, order int, into *Set) error {
	var (
		width int
		blank func(x, y int) bool
	)
	if format.Numeric() {
		t, err := b.Store.ReadNumeric(c)
		if err != nil {
			return err
		}
		width, blank = t.Width, t.IsBlank
	} else {
		t, err := b.Store.ReadColor(c, format)
		if err != nil {
			return err
		}
		width, blank = t.Width(), t.IsBlank
	}
	if width&(width-1) != 0 {
		return fmt.Errorf("tile width %d is not a power of two", width)
	}
	for y := 0; y < width; y++ {
		for x := 0; x < width; x++ {
			if blank(x, y) {
				continue
			}
			into.Add(idx.PixelCell(c, width, x, y).Ancestor(order))
		}
	}
	return nil
}
