package pyramid

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentic-research/skytiles/internal/aggregate"
	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/control"
	"github.com/agentic-research/skytiles/internal/coverage"
	"github.com/agentic-research/skytiles/internal/journal"
	"github.com/agentic-research/skytiles/internal/metrics"
	"github.com/agentic-research/skytiles/internal/progress"
	"github.com/agentic-research/skytiles/internal/scheduler"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
)

// Config drives one build. It is not modified once a build starts.
type Config struct {
	Store    *store.Store
	MaxOrder int
	// MinOrder is the coarsest order written.
	MinOrder int
	Policy   aggregate.Policy
	Workers  int
	// Coverage restricts the descent to cells it intersects; optional.
	Coverage *coverage.Set

	Token   *control.Token
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Stats   *progress.Stats
	// Journal records unreadable leaves; optional.
	Journal *journal.Journal
	// OnWrite is called after each tile is persisted; optional.
	OnWrite func(c cell.Cell)
}

// Leaves loads the tiles at MaxOrder.
type Leaves[T any] struct {
	Load func(ctx context.Context, c cell.Cell) (T, bool, error)
	// Copy writes every loaded leaf into the store. It is false when the
	// leaves already live there.
	Copy bool
}

// Result summarises one build.
type Result struct {
	Branches   int
	Tiles      int64
	Absent     int64
	Unreadable int64
	Elapsed    time.Duration
}

// ops is how one tile type is combined, written and read back.
type ops[T any] struct {
	kind    string
	ext     string
	combine func(children [4]T) T
	write   func(c cell.Cell, t T) error
	read    func(c cell.Cell) (T, bool, error)
}

type Builder struct {
	cfg   Config
	log   *slog.Logger
	stats *progress.Stats

	tiles      atomic.Int64
	absent     atomic.Int64
	unreadable atomic.Int64
}

func New(cfg Config) *Builder {
	if cfg.Policy == nil {
		cfg.Policy = aggregate.Mean{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = progress.NewStats()
	}
	return &Builder{cfg: cfg, log: log, stats: stats}
}

// Roots returns the branch roots of a build: every order-3 cell, or the
// ones the coverage intersects. Below order 3 the roots are the leaf
// cells themselves.
func Roots(maxOrder int, cov *coverage.Set) []cell.Cell {
	order := min(maxOrder, cell.BranchOrder)
	if cov == nil {
		return cell.Roots(order)
	}
	return cov.Roots(order)
}

// Numeric builds the FITS pyramid.
func (b *Builder) Numeric(ctx context.Context, roots []cell.Cell, leaves Leaves[*tile.Numeric]) (*Result, error) {
	o := b.numericOps()
	return build(ctx, b, roots, leaves, o, o)
}

// Color builds a png or jpg pyramid.
func (b *Builder) Color(ctx context.Context, f tile.Format, roots []cell.Cell, leaves Leaves[*tile.Color]) (*Result, error) {
	if f.Numeric() {
		return nil, fmt.Errorf("pyramid: %s is not a visual format", f)
	}
	o := b.colorOps(f)
	return build(ctx, b, roots, leaves, o, o)
}

// RGB builds a color pyramid from three numeric bands. Bands are
// aggregated separately, down to MinOrder, and converted to color only
// when a node is written. Each band keeps the encoding constants of the
// first leaf loaded for it.
func (b *Builder) RGB(ctx context.Context, f tile.Format, roots []cell.Cell, leaves Leaves[tile.Bands], cuts [3]tile.Cut, tf tile.Transfer) (*Result, error) {
	if f.Numeric() {
		return nil, fmt.Errorf("pyramid: %s is not a visual format", f)
	}
	var protos [3]atomic.Pointer[tile.Numeric]
	load := leaves.Load
	leaves.Load = func(ctx context.Context, c cell.Cell) (tile.Bands, bool, error) {
		t, ok, err := load(ctx, c)
		if ok {
			for i, band := range t {
				if band != nil && protos[i].Load() == nil {
					protos[i].CompareAndSwap(nil, band.Like())
				}
			}
		}
		return t, ok, err
	}
	bands := ops[tile.Bands]{
		kind: "rgb",
		ext:  tile.FormatFITS.Ext(),
		combine: func(children [4]tile.Bands) tile.Bands {
			var p [3]*tile.Numeric
			for i := range p {
				p[i] = protos[i].Load()
			}
			return aggregate.BandsLike(b.cfg.Policy, p, children)
		},
		write: func(c cell.Cell, t tile.Bands) error {
			return b.cfg.Store.WriteColor(c, f, t.ToColor(cuts, tf))
		},
	}

	start := time.Now()
	top := newReducer(roots, max(b.cfg.MinOrder, 0), node(b, bands))
	err := runBranches(ctx, b, roots, leaves, bands, top.done)
	return b.result(len(roots), start), err
}

func (b *Builder) numericOps() ops[*tile.Numeric] {
	st := b.cfg.Store
	return ops[*tile.Numeric]{
		kind: "fits",
		ext:  tile.FormatFITS.Ext(),
		combine: func(children [4]*tile.Numeric) *tile.Numeric {
			return aggregate.Numeric(b.cfg.Policy, children)
		},
		write: st.WriteNumeric,
		read: func(c cell.Cell) (*tile.Numeric, bool, error) {
			return stored(st.ReadNumeric(c))
		},
	}
}

func (b *Builder) colorOps(f tile.Format) ops[*tile.Color] {
	st := b.cfg.Store
	return ops[*tile.Color]{
		kind: f.String(),
		ext:  f.Ext(),
		combine: func(children [4]*tile.Color) *tile.Color {
			return aggregate.Color(b.cfg.Policy, children)
		},
		write: func(c cell.Cell, t *tile.Color) error {
			return st.WriteColor(c, f, t)
		},
		read: func(c cell.Cell) (*tile.Color, bool, error) {
			return stored(st.ReadColor(c, f))
		},
	}
}

// stored maps a store read onto the leaf contract.
func stored[T any](t T, err error) (T, bool, error) {
	var zero T
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return zero, false, nil
	case err != nil:
		return zero, false, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	return t, true, nil
}

// build runs the branch phase on the pool, then builds the orders above
// the branch roots from what the branches wrote.
func build[T, U any](ctx context.Context, b *Builder, roots []cell.Cell, leaves Leaves[T], branch ops[T], top ops[U]) (*Result, error) {
	start := time.Now()
	err := runBranches(ctx, b, roots, leaves, branch, nil)
	if rootOrder := rootOrderOf(b, roots); err == nil && rootOrder > b.cfg.MinOrder {
		err = buildTop(ctx, b, rootOrder, top)
	}
	return b.result(len(roots), start), err
}

func rootOrderOf(b *Builder, roots []cell.Cell) int {
	if len(roots) > 0 {
		return roots[0].Order
	}
	return min(b.cfg.MaxOrder, cell.BranchOrder)
}

// runBranches walks every root on the pool. onRoot, when set, receives
// each root's tile as its branch finishes.
func runBranches[T any](ctx context.Context, b *Builder, roots []cell.Cell, leaves Leaves[T], branch ops[T], onRoot func(context.Context, cell.Cell, T, bool) error) error {
	w := &Walker[T]{
		MaxOrder:     b.cfg.MaxOrder,
		Leaf:         leafFunc(b, leaves, branch),
		Node:         node(b, branch),
		Within:       b.within(),
		Token:        b.cfg.Token,
		Logger:       b.log,
		OnUnreadable: b.onUnreadable(branch.ext),
	}
	jobs := make([]scheduler.Job, len(roots))
	for i, root := range roots {
		jobs[i] = func(ctx context.Context) error {
			t, ok, err := w.Walk(ctx, root)
			if err != nil {
				return err
			}
			if onRoot != nil {
				if err := onRoot(ctx, root, t, ok); err != nil {
					return err
				}
			}
			b.stats.Done.Add(1)
			return nil
		}
	}
	b.stats.Total.Add(int64(len(roots)))
	b.log.Info("building pyramid", "format", branch.kind, "branches", len(roots),
		"order", b.cfg.MaxOrder, "policy", b.cfg.Policy.Name())

	pool := scheduler.NewPool(scheduler.PoolConfig{
		Size:    b.cfg.Workers,
		Token:   b.cfg.Token,
		Logger:  b.log,
		Metrics: b.cfg.Metrics,
	})
	return pool.Run(ctx, jobs)
}

func (b *Builder) result(branches int, start time.Time) *Result {
	return &Result{
		Branches:   branches,
		Tiles:      b.tiles.Load(),
		Absent:     b.absent.Load(),
		Unreadable: b.unreadable.Load(),
		Elapsed:    time.Since(start),
	}
}

// buildTop walks from MinOrder down to the branch order, reading the
// branch roots back from the store.
func buildTop[U any](ctx context.Context, b *Builder, rootOrder int, o ops[U]) error {
	w := &Walker[U]{
		MaxOrder: rootOrder,
		Leaf: func(_ context.Context, c cell.Cell) (U, bool, error) {
			return o.read(c)
		},
		Node:   node(b, o),
		Token:  b.cfg.Token,
		Logger: b.log,
	}
	// At MaxOrder the branch roots are the leaves, already counted by the
	// branch phase.
	if rootOrder < b.cfg.MaxOrder {
		w.OnUnreadable = b.onUnreadable(o.ext)
	}
	for _, root := range cell.Roots(max(b.cfg.MinOrder, 0)) {
		if _, _, err := w.Walk(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

func leafFunc[T any](b *Builder, leaves Leaves[T], o ops[T]) func(context.Context, cell.Cell) (T, bool, error) {
	return func(ctx context.Context, c cell.Cell) (T, bool, error) {
		t, ok, err := leaves.Load(ctx, c)
		if err != nil || !ok {
			if err == nil {
				b.absent.Add(1)
				b.stats.Absent.Add(1)
				b.cfg.Metrics.Absent("leaf")
			}
			return t, false, err
		}
		if leaves.Copy {
			if err := b.persist(ctx, c, "leaf", func() error { return o.write(c, t) }); err != nil {
				return t, false, err
			}
		}
		return t, true, nil
	}
}

// node combines the present children and persists the parent. Nodes
// coarser than MinOrder are combined but not written.
func node[T any](b *Builder, o ops[T]) func(context.Context, cell.Cell, [4]T, [4]bool) (T, error) {
	return func(ctx context.Context, c cell.Cell, children [4]T, _ [4]bool) (T, error) {
		t := o.combine(children)
		if c.Order < b.cfg.MinOrder {
			return t, nil
		}
		return t, b.persist(ctx, c, "node", func() error { return o.write(c, t) })
	}
}

func (b *Builder) within() func(cell.Cell) bool {
	if b.cfg.Coverage == nil {
		return nil
	}
	return b.cfg.Coverage.Intersects
}

// onUnreadable counts a degraded leaf and records it in the journal.
func (b *Builder) onUnreadable(ext string) func(cell.Cell, error) {
	return func(c cell.Cell, cause error) {
		b.unreadable.Add(1)
		b.stats.Problems.Add(1)
		path := cell.Path(c, ext)
		if err := b.cfg.Journal.Record(path, journal.KindUnreadable, 1, cause); err != nil {
			b.log.Warn("journal record failed", "path", path, "err", err)
		}
	}
}

// persist runs write unless the run has been aborted.
func (b *Builder) persist(ctx context.Context, c cell.Cell, kind string, write func() error) error {
	if err := b.cfg.Token.Check(ctx); err != nil {
		return err
	}
	if err := write(); err != nil {
		return fmt.Errorf("write %s: %w", c, err)
	}
	b.tiles.Add(1)
	b.stats.Tiles.Add(1)
	b.cfg.Metrics.Tile(kind)
	if b.cfg.OnWrite != nil {
		b.cfg.OnWrite(c)
	}
	return nil
}
