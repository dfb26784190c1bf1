package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/agentic-research/skytiles/internal/config"
	"github.com/agentic-research/skytiles/internal/progress"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/agentic-research/skytiles/internal/pyramid"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/spf13/cobra"
)

var (
	rgbSources  []string
	rgbCuts     []float64
	rgbTransfer string
)

var rgbCmd = &cobra.Command{
	Use:   "rgb --red DIR --green DIR --blue DIR",
	Short: "Compose a color store from three FITS band stores",
	Long: `Rgb aggregates the three bands separately and converts each written tile to
color. A band missing for a cell is filled from the others: two present bands
average into the missing one, a single present band is used for all three.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		for i, src := range rgbSources {
			if src != "" {
				cfg.RGB.Sources[i] = src
			}
		}
		if len(rgbCuts) > 0 {
			if cfg.RGB.Cuts, err = config.ParseCuts(rgbCuts); err != nil {
				return err
			}
		}
		if rgbTransfer != "" {
			if cfg.RGB.Transfer, err = tile.ParseTransfer(rgbTransfer); err != nil {
				return err
			}
		}

		s, err := openSession(cmd, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		sum, err := runRGB(cmd.Context(), s)
		return s.report(sum, err)
	},
}

func init() {
	rgbSources = make([]string, 3)
	f := rgbCmd.Flags()
	f.StringVar(&rgbSources[tile.Red], "red", "", "Red band store")
	f.StringVar(&rgbSources[tile.Green], "green", "", "Green band store")
	f.StringVar(&rgbSources[tile.Blue], "blue", "", "Blue band store")
	f.Float64SliceVar(&rgbCuts, "cut", nil, "min,max for every band, or six values in red, green, blue order")
	f.StringVar(&rgbTransfer, "transfer", "", "Transfer function: linear, log, sqrt, asinh")
	addTreeFlags(rgbCmd)
	addCacheFlags(rgbCmd)
	rootCmd.AddCommand(rgbCmd)
}

func runRGB(ctx context.Context, s *session) (*summary, error) {
	sum := newSummary("rgb")
	for i, src := range s.cfg.RGB.Sources {
		if src == "" {
			return sum, fmt.Errorf("rgb: band %d has no source store", i)
		}
	}
	bands := [3]*store.Store{}
	for i, src := range s.cfg.RGB.Sources {
		bands[i] = store.Open(src)
	}

	cfg := s.cfg
	cfg.Formats = nil
	cfg, err := cfg.Resolve(bands[tile.Red])
	if err != nil {
		return sum, fmt.Errorf("rgb: red band: %w", err)
	}
	format := tile.FormatPNG
	for _, f := range s.cfg.Formats {
		if !f.Numeric() {
			format = f
			break
		}
	}
	cfg.Formats = []tile.Format{format}

	cuts, err := bandCuts(cfg, bands)
	if err != nil {
		return sum, err
	}

	cache := s.newCache()
	defer func() {
		if err := cache.Close(); err != nil {
			s.log.Warn("close disk cache", "err", err)
		}
	}()
	var sources [3]pyramid.Leaves[*tile.Numeric]
	for i, src := range cfg.RGB.Sources {
		sources[i] = pyramid.Dir{Root: src, Cache: cache}.Numeric()
	}

	j, err := s.openJournal("rgb")
	if err != nil {
		return sum, err
	}
	defer s.closeJournal(j)
	sum.add("run", j.Run())

	stats := progress.NewStats()
	stop := s.progress(ctx, stats, "rgb")
	defer stop()

	cov := s.coverage(bands[:]...)
	b := pyramid.New(pyramid.Config{
		Store:    s.store,
		MaxOrder: cfg.Order,
		MinOrder: cfg.MinOrder,
		Policy:   cfg.PolicyFor(format),
		Workers:  cfg.Workers,
		Coverage: cov,
		Token:    s.token,
		Logger:   s.log,
		Metrics:  s.metrics,
		Stats:    stats,
		Journal:  j,
	})
	res, err := b.RGB(ctx, format, pyramid.Roots(cfg.Order, cov), pyramid.Bands(sources, s.log), cuts, cfg.RGB.Transfer)
	if res == nil {
		res = &pyramid.Result{}
	}
	fill(sum, cfg, res, stats).add("transfer", cfg.RGB.Transfer)
	if err != nil {
		return sum, err
	}
	if err := s.allsky(ctx, cfg.Order, format); err != nil {
		return sum, err
	}
	return sum, s.store.Properties().Update(func(p *properties.Properties) error {
		p.Set(properties.KeyOrder, fmt.Sprint(cfg.Order))
		if cfg.MinOrder > 0 {
			p.Set(properties.KeyOrderMin, fmt.Sprint(cfg.MinOrder))
		}
		if cfg.TileWidth > 0 {
			p.Set(properties.KeyTileWidth, fmt.Sprint(cfg.TileWidth))
		}
		p.Set(properties.KeyTileFormat, format.String())
		p.Set(properties.KeyFrame, cfg.Frame)
		p.Set(properties.KeyDataproduct, "image")
		if _, ok := p.Get(properties.KeyStatus); !ok {
			p.Set(properties.KeyStatus, "public master clonable")
		}
		p.Set(properties.KeyBuilder, "skytiles")
		p.Stamp(time.Now())
		return nil
	})
}

// bandCuts takes the configured cut of each band, falling back to the
// band store's hips_pixel_cut.
func bandCuts(cfg config.Config, bands [3]*store.Store) ([3]tile.Cut, error) {
	var out [3]tile.Cut
	for i, st := range bands {
		if c := cfg.RGB.Cuts[i]; c != nil {
			out[i] = *c
			continue
		}
		props, err := st.Properties().Load()
		if err != nil {
			return out, err
		}
		c, ok := props.PixelCut()
		if !ok {
			return out, fmt.Errorf("rgb: band %d: no --cut and no %s in %s", i, properties.KeyPixelCut, st.Root)
		}
		out[i] = c
	}
	return out, nil
}
