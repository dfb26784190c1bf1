package cmd

import (
	"context"
	"fmt"

	"github.com/agentic-research/skytiles/internal/coverage"
	"github.com/agentic-research/skytiles/internal/healpix"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/spf13/cobra"
)

var coverageOrder int

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Compute the coverage map of the store's leaf tiles",
	Long: `Coverage writes Moc.fits at the store root and records moc_sky_fraction in
the properties. An order finer than the leaf order rescans the leaf pixels.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openSession(cmd, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		sum, err := runCoverage(cmd.Context(), s, coverageOrder)
		return s.report(sum, err)
	},
}

func init() {
	coverageCmd.Flags().IntVar(&coverageOrder, "order", -1, "Coverage order (default: the leaf order)")
	rootCmd.AddCommand(coverageCmd)
}

func runCoverage(ctx context.Context, s *session, order int) (*summary, error) {
	sum := newSummary("coverage")
	props, err := s.store.Properties().Load()
	if err != nil {
		return sum, err
	}
	frame := s.cfg.Frame
	if frame == "" {
		frame = props.Frame()
	}

	b := &coverage.Builder{
		Store:   s.store,
		Index:   healpix.Nested{},
		Workers: s.cfg.Workers,
		Token:   s.token,
		Logger:  s.log,
	}
	if len(s.cfg.Formats) > 0 {
		b.Format = s.cfg.Formats[0]
	}
	res, err := b.Build(ctx, order)
	if err != nil {
		return sum, err
	}
	if err := res.Set.WriteFile(s.store.CoveragePath(), frame); err != nil {
		return sum, err
	}
	fraction := res.Set.SkyFraction()
	err = s.store.Properties().Update(func(p *properties.Properties) error {
		p.Set(properties.KeySkyFraction, fmt.Sprintf("%.5f", fraction))
		return nil
	})
	sum.add("leaf_order", res.LeafOrder).
		add("order", res.Order).
		add("high_res", res.HighRes).
		add("scanned", res.Scanned).
		add("skipped", res.Skipped).
		add("cells", res.Set.Len()).
		add("sky_fraction", fraction)
	return sum, err
}
