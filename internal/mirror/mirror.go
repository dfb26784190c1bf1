// Package mirror copies a remote or local tile store into a local one.
// A full mirror copies every tile; a region-restricted mirror copies only
// the leaves and regenerates the interior tiles from them.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/skytiles/api"
	"github.com/agentic-research/skytiles/internal/aggregate"
	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/control"
	"github.com/agentic-research/skytiles/internal/coverage"
	"github.com/agentic-research/skytiles/internal/journal"
	"github.com/agentic-research/skytiles/internal/metrics"
	"github.com/agentic-research/skytiles/internal/progress"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/agentic-research/skytiles/internal/pyramid"
	"github.com/agentic-research/skytiles/internal/scheduler"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/agentic-research/skytiles/internal/transfer"
)

// MaxProblems is the size of the problem report. One more failed file
// aborts the run.
const MaxProblems = 100

var ErrTooManyProblems = errors.New("too many problem files")

type Config struct {
	Source transfer.Source
	Store  *store.Store
	// MaxOrder is the deepest order to copy; zero means the remote order.
	MaxOrder int
	// Formats to copy; empty means every remote format.
	Formats []tile.Format
	// Region restricts the mirror. Interior tiles are then rebuilt
	// locally instead of copied.
	Region *coverage.Set
	// Policy rebuilds interior tiles of a partial mirror; nil means the
	// per-format default.
	Policy aggregate.Policy

	Strict       bool
	MaxTry       int
	StallTimeout time.Duration
	Cooldown     time.Duration

	// Workers is the starting pool size.
	Workers    int
	MinWorkers int
	MaxWorkers int
	// ReportInterval is the progress and controller sampling period.
	ReportInterval time.Duration

	Token      *control.Token
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Journal    *journal.Journal
	OnProgress api.ProgressFunc
}

// Problem is a file that failed after its retry budget.
type Problem struct {
	Path     string
	Attempts int
	Err      error
}

// Report summarises a mirror run. It is returned even when the run
// fails.
type Report struct {
	Run         string
	Source      string
	Order       int
	Formats     []tile.Format
	Partial     bool
	Copied      int64
	Skipped     int64
	NotFound    int64
	Bytes       int64
	Regenerated int64
	Problems    []Problem
	Elapsed     time.Duration
}

type Engine struct {
	cfg    Config
	log    *slog.Logger
	client *transfer.Client
	stats  *progress.Stats

	copied   atomic.Int64
	skipped  atomic.Int64
	notFound atomic.Int64

	mu       sync.Mutex
	problems []Problem
}

func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = scheduler.DefaultMinWorkers
	}
	return &Engine{
		cfg: cfg,
		log: log,
		client: &transfer.Client{
			Source:       cfg.Source,
			StallTimeout: cfg.StallTimeout,
			Cooldown:     cfg.Cooldown,
			Token:        cfg.Token,
			Logger:       log,
			Metrics:      cfg.Metrics,
		},
		stats: progress.NewStats(),
	}
}

// Run validates the remote, copies the tiles, then writes the local
// properties, coverage and Allsky files.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{Run: e.cfg.Journal.Run(), Source: e.cfg.Source.String(), Partial: e.cfg.Region != nil}
	defer func() { e.fill(rep, start) }()

	r, err := e.fetchRemote(ctx)
	if err != nil {
		return rep, err
	}
	order, formats, err := e.validate(r)
	if err != nil {
		return rep, err
	}
	rep.Order, rep.Formats = order, formats

	scope := r.coverage
	if e.cfg.Region != nil {
		if scope == nil {
			scope = e.cfg.Region.Clone()
		} else {
			scope = scope.Intersect(e.cfg.Region)
		}
		if scope.Empty() {
			return rep, e.incompatible("region does not intersect the remote coverage")
		}
	}
	e.log.Info("mirroring", "source", rep.Source, "order", order,
		"formats", tile.JoinFormats(formats), "partial", rep.Partial)

	if err := e.copyBranches(ctx, order, formats, scope, rep.Partial); err != nil {
		return rep, err
	}
	if rep.Partial {
		n, err := e.regenerate(ctx, order, formats, scope)
		rep.Regenerated = n
		if err != nil {
			return rep, err
		}
	} else if err := e.copyTop(ctx, order, formats, scope); err != nil {
		return rep, err
	}
	if err := e.writeCoverage(ctx, r, order, scope, rep.Partial); err != nil {
		return rep, err
	}
	return rep, e.writeProperties(r, order, formats, scope, rep.Partial)
}

func (e *Engine) fill(rep *Report, start time.Time) {
	rep.Copied = e.copied.Load()
	rep.Skipped = e.skipped.Load()
	rep.NotFound = e.notFound.Load()
	rep.Bytes = e.stats.Bytes.Load()
	e.mu.Lock()
	rep.Problems = append([]Problem(nil), e.problems...)
	e.mu.Unlock()
	rep.Elapsed = time.Since(start)
}

// copyBranches walks every branch of every format on the pool. Leaves
// are always copied; interior tiles only for a full mirror.
func (e *Engine) copyBranches(ctx context.Context, order int, formats []tile.Format, scope *coverage.Set, partial bool) error {
	roots := pyramid.Roots(order, scope)
	pool := scheduler.NewPool(scheduler.PoolConfig{
		Size:    e.cfg.Workers,
		Token:   e.cfg.Token,
		Logger:  e.log,
		Metrics: e.cfg.Metrics,
	})
	ctrl := scheduler.NewController(scheduler.ControllerConfig{
		MinWorkers: e.cfg.MinWorkers,
		MaxWorkers: e.cfg.MaxWorkers,
		Baseline:   e.cfg.Workers,
		Remote:     e.cfg.Source.Remote(),
		Logger:     e.log,
	}, pool)

	var jobs []scheduler.Job
	for _, f := range formats {
		w := e.walker(order, f, scope, partial)
		for _, root := range roots {
			jobs = append(jobs, func(ctx context.Context) error {
				if _, _, err := w.Walk(ctx, root); err != nil {
					return err
				}
				e.stats.Done.Add(1)
				return nil
			})
		}
	}
	e.stats.Total.Add(int64(len(jobs)))

	rctx, stop := context.WithCancel(ctx)
	rep := &progress.Reporter{
		Stats:      e.stats,
		Phase:      "mirror",
		Interval:   e.cfg.ReportInterval,
		Workers:    pool.Size,
		OnSnapshot: e.cfg.OnProgress,
		OnThroughput: func(bps float64) {
			e.cfg.Metrics.SetWorkers(ctrl.Observe(bps))
		},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		rep.Run(rctx)
	}()
	err := pool.Run(ctx, jobs)
	stop()
	<-done
	return err
}

func (e *Engine) walker(order int, f tile.Format, scope *coverage.Set, partial bool) *pyramid.Walker[struct{}] {
	w := &pyramid.Walker[struct{}]{
		MaxOrder: order,
		Token:    e.cfg.Token,
		Logger:   e.log,
		Leaf: func(ctx context.Context, c cell.Cell) (struct{}, bool, error) {
			ok, err := e.fetch(ctx, c, f, false)
			return struct{}{}, ok, err
		},
		Node: func(ctx context.Context, c cell.Cell, _ [4]struct{}, _ [4]bool) (struct{}, error) {
			if !partial {
				if _, err := e.fetch(ctx, c, f, true); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		},
	}
	if scope != nil {
		w.Within = scope.Intersects
	}
	return w
}

// fetch copies one tile. It reports whether the tile is now present;
// failures within the problem budget are absorbed.
func (e *Engine) fetch(ctx context.Context, c cell.Cell, f tile.Format, bulk bool) (bool, error) {
	rel := cell.Path(c, f.Ext())
	res, err := e.client.Fetch(ctx, rel, e.cfg.Store.TilePath(c, f), transfer.Options{
		Strict: e.cfg.Strict,
		MaxTry: e.cfg.MaxTry,
		Bulk:   bulk,
	})
	var terr *transfer.Error
	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrNotFound):
		e.notFound.Add(1)
		e.stats.Absent.Add(1)
		if jerr := e.cfg.Journal.Record(rel, journal.KindNotFound, 1, nil); jerr != nil {
			e.log.Warn("journal", "err", jerr)
		}
		return false, nil
	case errors.As(err, &terr):
		return false, e.problem(rel, terr)
	default:
		return false, err
	}

	if res.Skipped {
		e.skipped.Add(1)
	} else {
		e.copied.Add(1)
		e.stats.Bytes.Add(res.Bytes)
	}
	e.stats.Tiles.Add(1)
	return true, nil
}

// problem records a failed file. It fails the run once the report is
// full.
func (e *Engine) problem(rel string, err *transfer.Error) error {
	e.log.Warn("transfer failed", "path", rel, "attempts", err.Attempts, "err", err.Err)
	e.stats.Problems.Add(1)
	if jerr := e.cfg.Journal.Record(rel, journal.KindFailed, err.Attempts, err.Err); jerr != nil {
		e.log.Warn("journal", "err", jerr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.problems) >= MaxProblems {
		return fmt.Errorf("%w: more than %d (last %s)", ErrTooManyProblems, MaxProblems, rel)
	}
	e.problems = append(e.problems, Problem{Path: rel, Attempts: err.Attempts, Err: err.Err})
	return nil
}

// copyTop copies the orders above the branch roots and the Allsky files
// of a full mirror. These are few, so they run on the calling goroutine.
func (e *Engine) copyTop(ctx context.Context, order int, formats []tile.Format, scope *coverage.Set) error {
	rootOrder := min(order, cell.BranchOrder)
	for _, f := range formats {
		for o := 0; o < rootOrder; o++ {
			for _, c := range cell.Roots(o) {
				if scope != nil && !scope.Intersects(c) {
					continue
				}
				if _, err := e.fetch(ctx, c, f, true); err != nil {
					return err
				}
			}
		}
		if err := e.fetchExtra(ctx, cell.AllskyPath(f.Ext()), e.cfg.Store.AllskyPath(f)); err != nil {
			return err
		}
	}
	return nil
}

// fetchExtra copies an optional non-tile file. Absence is not counted.
func (e *Engine) fetchExtra(ctx context.Context, rel, dest string) error {
	_, err := e.client.Fetch(ctx, rel, dest, transfer.Options{Strict: e.cfg.Strict, Bulk: true})
	var terr *transfer.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transfer.ErrNotFound):
		e.log.Debug("optional file absent", "path", rel)
		return nil
	case errors.As(err, &terr):
		return e.problem(rel, terr)
	}
	return err
}

// regenerate rebuilds the interior tiles of a partial mirror from the
// copied leaves, then the Allsky files.
func (e *Engine) regenerate(ctx context.Context, order int, formats []tile.Format, scope *coverage.Set) (int64, error) {
	var total int64
	for _, f := range formats {
		policy := e.cfg.Policy
		if policy == nil {
			policy = aggregate.Default(f.Numeric())
		}
		b := pyramid.New(pyramid.Config{
			Store:    e.cfg.Store,
			MaxOrder: order,
			Policy:   policy,
			Workers:  e.cfg.Workers,
			Coverage: scope,
			Token:    e.cfg.Token,
			Logger:   e.log,
			Metrics:  e.cfg.Metrics,
			Journal:  e.cfg.Journal,
		})
		roots := pyramid.Roots(order, scope)
		var (
			res *pyramid.Result
			err error
		)
		if f.Numeric() {
			res, err = b.Numeric(ctx, roots, pyramid.StoreNumeric(e.cfg.Store))
		} else {
			res, err = b.Color(ctx, f, roots, pyramid.StoreColor(e.cfg.Store, f))
		}
		if res != nil {
			total += res.Tiles
		}
		if err != nil {
			return total, fmt.Errorf("regenerate %s: %w", f, err)
		}
		if _, err := pyramid.Allsky(ctx, e.cfg.Store, f, e.cfg.Token, e.log); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) writeCoverage(ctx context.Context, r *remote, order int, scope *coverage.Set, partial bool) error {
	if !partial {
		if r.coverage == nil {
			return nil
		}
		return e.fetchExtra(ctx, store.CoverageFile, e.cfg.Store.CoveragePath())
	}
	return scope.Degrade(order).WriteFile(e.cfg.Store.CoveragePath(), r.frame)
}

func (e *Engine) writeProperties(r *remote, order int, formats []tile.Format, scope *coverage.Set, partial bool) error {
	return e.cfg.Store.Properties().Update(func(p *properties.Properties) error {
		p.Merge(r.props)
		p.Set(properties.KeyOrder, fmt.Sprint(order))
		p.Set(properties.KeyTileFormat, tile.JoinFormats(formats))
		p.Set(properties.KeyMirrorSource, e.cfg.Source.String())
		status, _ := r.props.Get(properties.KeyStatus)
		p.Set(properties.KeyStatus, mirrorStatus(status, partial))
		if partial {
			p.Set(properties.KeySkyFraction, fmt.Sprintf("%.5f", scope.SkyFraction()))
		}
		p.Stamp(time.Now())
		return nil
	})
}
