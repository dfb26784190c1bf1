package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/agentic-research/skytiles/api"
	"github.com/agentic-research/skytiles/internal/aggregate"
	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/config"
	"github.com/agentic-research/skytiles/internal/coverage"
	"github.com/agentic-research/skytiles/internal/diskcache"
	"github.com/agentic-research/skytiles/internal/journal"
	"github.com/agentic-research/skytiles/internal/progress"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/agentic-research/skytiles/internal/pyramid"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// buildOptions are the build flags that are not part of config.Config.
type buildOptions struct {
	// Source is a leaf tree to import; empty aggregates the leaves
	// already in the store.
	Source string
	// Grey renders visual formats from the FITS leaves.
	Grey     bool
	Cut      *tile.Cut
	Transfer tile.Transfer
}

var (
	buildFlags     buildOptions
	orderFlag      int
	minOrderFlag   int
	policyFlag     string
	formatFlags    []string
	cacheDirFlag   string
	cacheLimitFlag string
	cachePersist   bool
	cutFlag        []float64
	transferFlag   string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Aggregate leaf tiles into every coarser order of the store",
	Long: `Build reads the leaf tiles, either from --source or from the store itself,
and writes every coarser order down to --min-order, children before parents.
Compressed source tiles (.gz, .zst, .lz4) are decompressed through the disk cache.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		opts := buildFlags
		if len(cutFlag) > 0 {
			cuts, err := config.ParseCuts(cutFlag)
			if err != nil {
				return err
			}
			opts.Cut = cuts[tile.Red]
		}
		if transferFlag != "" {
			if opts.Transfer, err = tile.ParseTransfer(transferFlag); err != nil {
				return err
			}
		}

		s, err := openSession(cmd, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		sum, err := runBuild(cmd.Context(), s, opts)
		return s.report(sum, err)
	},
}

func init() {
	f := buildCmd.Flags()
	f.StringVarP(&buildFlags.Source, "source", "s", "", "Leaf tile tree to import (default: the store's own leaves)")
	f.BoolVar(&buildFlags.Grey, "grey", false, "Render png/jpeg formats from the FITS leaves")
	f.Float64SliceVar(&cutFlag, "cut", nil, "Pixel cut min,max for --grey (default: hips_pixel_cut)")
	f.StringVar(&transferFlag, "transfer", "", "Transfer function for --grey: linear, log, sqrt, asinh")
	addTreeFlags(buildCmd)
	addCacheFlags(buildCmd)
	rootCmd.AddCommand(buildCmd)
}

// addTreeFlags registers the flags shared by the commands that write a
// pyramid.
func addTreeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&orderFlag, "order", 0, "Leaf order (default: detected)")
	f.IntVar(&minOrderFlag, "min-order", 0, "Coarsest order written")
	f.StringVar(&policyFlag, "policy", "", "Aggregation policy: mean, median, first")
	f.StringSliceVarP(&formatFlags, "format", "f", nil, "Tile formats (default: detected)")
}

func addCacheFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cacheDirFlag, "cache-dir", "", "Disk cache directory (default: a temporary directory)")
	f.StringVar(&cacheLimitFlag, "cache-limit", "", "Disk cache byte budget, e.g. 8GiB")
	f.BoolVar(&cachePersist, "cache-persist", false, "Keep the disk cache for later runs")
}

// buildConfig applies the tree and cache flags on top of loadConfig.
func buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("order") {
		cfg.Order = orderFlag
	}
	if flags.Changed("min-order") {
		cfg.MinOrder = minOrderFlag
	}
	if flags.Changed("policy") {
		if cfg.Policy, err = aggregate.Parse(policyFlag); err != nil {
			return cfg, err
		}
	}
	if flags.Changed("format") {
		if cfg.Formats, err = config.ParseFormats(formatFlags); err != nil {
			return cfg, err
		}
	}
	if flags.Lookup("cache-dir") != nil {
		if flags.Changed("cache-dir") {
			cfg.Cache.Dir = cacheDirFlag
		}
		if flags.Changed("cache-persist") {
			cfg.Cache.Persist = cachePersist
		}
		if flags.Changed("cache-limit") {
			n, err := humanize.ParseBytes(cacheLimitFlag)
			if err != nil {
				return cfg, fmt.Errorf("cache limit: %w", err)
			}
			cfg.Cache.Limit = int64(n)
		}
	}
	return cfg, nil
}

func (s *session) newCache() *diskcache.Cache {
	return diskcache.New(diskcache.Config{
		Dir:     s.cfg.Cache.Dir,
		Limit:   s.cfg.Cache.Limit,
		Persist: s.cfg.Cache.Persist,
		Logger:  s.log,
		Metrics: s.metrics,
	})
}

// progress logs snapshots of stats until the returned stop is called.
func (s *session) progress(ctx context.Context, stats *progress.Stats, phase string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r := &progress.Reporter{
		Stats:    stats,
		Phase:    phase,
		Interval: 10 * time.Second,
		OnSnapshot: func(snap api.Snapshot) {
			if snap.Total == 0 {
				return
			}
			s.log.Info("progress", "phase", snap.Phase, "done", snap.Done, "total", snap.Total,
				"tiles", snap.Tiles, "absent", snap.Absent, "problems", snap.Problems)
		},
	}
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func runBuild(ctx context.Context, s *session, opts buildOptions) (*summary, error) {
	sum := newSummary("build")
	from := s.store
	if opts.Source != "" {
		from = store.Open(opts.Source)
	}
	cfg, err := s.cfg.Resolve(from)
	if err != nil {
		return sum, err
	}
	if opts.Grey && !slices.Contains(cfg.Formats, tile.FormatFITS) {
		cfg.Formats = append([]tile.Format{tile.FormatFITS}, cfg.Formats...)
	}

	var cache *diskcache.Cache
	if opts.Source != "" {
		cache = s.newCache()
		defer func() {
			if err := cache.Close(); err != nil {
				s.log.Warn("close disk cache", "err", err)
			}
		}()
	}
	numeric := func() pyramid.Leaves[*tile.Numeric] {
		if opts.Source != "" {
			return pyramid.Dir{Root: opts.Source, Cache: cache}.Numeric()
		}
		return pyramid.StoreNumeric(s.store)
	}

	cut := opts.Cut
	if opts.Grey && cut == nil {
		props, err := from.Properties().Load()
		if err != nil {
			return sum, err
		}
		if c, ok := props.PixelCut(); ok {
			cut = &c
		} else {
			return sum, errors.New("--grey needs --cut or hips_pixel_cut in the source properties")
		}
	}

	j, err := s.openJournal("build")
	if err != nil {
		return sum, err
	}
	defer s.closeJournal(j)
	sum.add("run", j.Run())

	stats := progress.NewStats()
	stop := s.progress(ctx, stats, "build")
	defer stop()

	cov := s.coverage(from)
	roots := pyramid.Roots(cfg.Order, cov)
	var total pyramid.Result
	for _, f := range cfg.Formats {
		b := pyramid.New(pyramid.Config{
			Store:    s.store,
			MaxOrder: cfg.Order,
			MinOrder: cfg.MinOrder,
			Policy:   cfg.PolicyFor(f),
			Workers:  cfg.Workers,
			Coverage: cov,
			Token:    s.token,
			Logger:   s.log.With("format", f.String()),
			Metrics:  s.metrics,
			Stats:    stats,
			Journal:  j,
		})
		var res *pyramid.Result
		switch {
		case f.Numeric():
			res, err = b.Numeric(ctx, roots, numeric())
		case opts.Grey:
			// The FITS pass above has already copied the leaves.
			res, err = b.Color(ctx, f, roots, pyramid.Grey(pyramid.StoreNumeric(s.store), *cut, opts.Transfer))
		case opts.Source != "":
			res, err = b.Color(ctx, f, roots, pyramid.Dir{Root: opts.Source, Cache: cache}.Color(f))
		default:
			res, err = b.Color(ctx, f, roots, pyramid.StoreColor(s.store, f))
		}
		if res != nil {
			total.Tiles += res.Tiles
			total.Absent += res.Absent
			total.Unreadable += res.Unreadable
			total.Branches = res.Branches
		}
		if err != nil {
			return fill(sum, cfg, &total, stats), err
		}
		if err := s.allsky(ctx, cfg.Order, f); err != nil {
			return fill(sum, cfg, &total, stats), err
		}
	}

	if err := s.writeBuildProperties(cfg, cut); err != nil {
		return fill(sum, cfg, &total, stats), err
	}
	return fill(sum, cfg, &total, stats), nil
}

func fill(sum *summary, cfg config.Config, r *pyramid.Result, stats *progress.Stats) *summary {
	return sum.
		add("order", cfg.Order).
		add("formats", tile.JoinFormats(cfg.Formats)).
		add("branches", r.Branches).
		add("tiles", r.Tiles).
		add("absent", r.Absent).
		add("unreadable", r.Unreadable).
		add("elapsed", stats.Elapsed())
}

// openJournal opens the store's journal for a run of command. Unreadable
// leaves are recorded there for the problems command.
func (s *session) openJournal(command string) (*journal.Journal, error) {
	return journal.Open(s.store.Path(journal.FileName), command)
}

func (s *session) closeJournal(j *journal.Journal) {
	if err := j.Close(); err != nil {
		s.log.Warn("close journal", "err", err)
	}
}

// coverage loads the coverage file of the given stores and returns their
// union, or nil when any of them has none. A nil set walks every branch.
func (s *session) coverage(stores ...*store.Store) *coverage.Set {
	var union *coverage.Set
	for _, st := range stores {
		cov, err := coverage.ReadFile(st.CoveragePath())
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("ignoring unreadable coverage file", "path", st.CoveragePath(), "err", err)
			}
			return nil
		}
		if union == nil {
			union = cov
		} else {
			union = union.Union(cov)
		}
	}
	if union != nil {
		s.log.Info("restricting walk to coverage", "cells", union.Len())
	}
	return union
}

// allsky writes the Allsky mosaic once the order-3 tiles exist.
func (s *session) allsky(ctx context.Context, order int, f tile.Format) error {
	if order < cell.BranchOrder {
		return nil
	}
	n, err := pyramid.Allsky(ctx, s.store, f, s.token, s.log)
	if err != nil {
		return err
	}
	s.log.Debug("allsky written", "format", f.String(), "tiles", n)
	return nil
}

func (s *session) writeBuildProperties(cfg config.Config, cut *tile.Cut) error {
	width, err := s.store.TileWidth(cfg.Order, cfg.Formats[0])
	if err != nil {
		width = cfg.TileWidth
	}
	return s.store.Properties().Update(func(p *properties.Properties) error {
		p.Set(properties.KeyOrder, fmt.Sprint(cfg.Order))
		if cfg.MinOrder > 0 {
			p.Set(properties.KeyOrderMin, fmt.Sprint(cfg.MinOrder))
		}
		if width > 0 {
			p.Set(properties.KeyTileWidth, fmt.Sprint(width))
		}
		p.Set(properties.KeyTileFormat, tile.JoinFormats(cfg.Formats))
		p.Set(properties.KeyFrame, cfg.Frame)
		if cut != nil {
			p.Set(properties.KeyPixelCut, fmt.Sprintf("%g %g", cut.Min, cut.Max))
		}
		if _, ok := p.Get(properties.KeyStatus); !ok {
			p.Set(properties.KeyStatus, "public master clonable")
		}
		if _, ok := p.Get(properties.KeyDataproduct); !ok {
			p.Set(properties.KeyDataproduct, "image")
		}
		p.Set(properties.KeyBuilder, "skytiles")
		p.Stamp(time.Now())
		return nil
	})
}
