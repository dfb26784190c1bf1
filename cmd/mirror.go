package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentic-research/skytiles/api"
	"github.com/agentic-research/skytiles/internal/config"
	"github.com/agentic-research/skytiles/internal/coverage"
	"github.com/agentic-research/skytiles/internal/journal"
	"github.com/agentic-research/skytiles/internal/mirror"
	"github.com/agentic-research/skytiles/internal/transfer"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
)

var (
	mirrorStrict     bool
	mirrorRegion     []string
	mirrorMaxTry     int
	mirrorStall      time.Duration
	mirrorCooldown   time.Duration
	mirrorMaxWorkers int
	mirrorRateLimit  float64
	problemsRun      string
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror SOURCE",
	Short: "Copy a remote or local tile store into the output store",
	Long: `Mirror copies the tiles of SOURCE, an http(s) URL or a local directory, into
the output store. With --region only the leaves inside the region are copied and
the coarser tiles are rebuilt locally. Complete local files are skipped unless
--strict is given, so an interrupted mirror resumes where it stopped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := mirrorConfig(cmd, args)
		if err != nil {
			return err
		}
		s, err := openSession(cmd, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		sum, err := runMirror(cmd.Context(), s)
		return s.report(sum, err)
	},
}

var problemsCmd = &cobra.Command{
	Use:   "problems",
	Short: "List the files the last mirror or build could not copy or read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Output == "" {
			return fmt.Errorf("output store is required")
		}
		j, err := journal.Open(filepath.Join(cfg.Output, journal.FileName), "problems")
		if err != nil {
			return err
		}
		defer func() { _ = j.Close() }()

		sum, err := listProblems(j, problemsRun)
		if err != nil {
			return err
		}
		return sum.print(cmd.OutOrStdout(), jsonOutput, jsonQuery)
	},
}

func init() {
	f := mirrorCmd.Flags()
	f.BoolVar(&mirrorStrict, "strict", false, "Verify every existing file against the source instead of trusting its size")
	f.StringSliceVar(&mirrorRegion, "region", nil, "Restrict to these cells, as order/index")
	f.IntVar(&mirrorMaxTry, "max-try", 0, "Attempts per file (default 10)")
	f.DurationVar(&mirrorStall, "stall-timeout", 0, "Abandon an attempt that receives nothing for this long (default 15s)")
	f.DurationVar(&mirrorCooldown, "cooldown", 0, "Pause once half the attempts of a file have failed (default 5s)")
	f.IntVar(&mirrorMaxWorkers, "max-workers", 0, "Ceiling for the adaptive worker pool")
	f.Float64Var(&mirrorRateLimit, "rate-limit", 0, "Requests per second to an http source (0 = unlimited)")
	addTreeFlags(mirrorCmd)
	rootCmd.AddCommand(mirrorCmd)

	problemsCmd.Flags().StringVar(&problemsRun, "run", "", "Run id (default: the last run)")
	rootCmd.AddCommand(problemsCmd)
}

func mirrorConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return cfg, err
	}
	m := &cfg.Mirror
	if len(args) == 1 {
		m.Source = args[0]
	}
	if m.Source == "" {
		return cfg, fmt.Errorf("mirror: no source given")
	}
	flags := cmd.Flags()
	if flags.Changed("strict") {
		m.Strict = mirrorStrict
	}
	if flags.Changed("region") {
		if m.Region, err = config.ParseRegion(mirrorRegion); err != nil {
			return cfg, err
		}
	}
	if flags.Changed("max-try") {
		m.MaxTry = mirrorMaxTry
	}
	if flags.Changed("stall-timeout") {
		m.StallTimeout = mirrorStall
	}
	if flags.Changed("cooldown") {
		m.Cooldown = mirrorCooldown
	}
	if flags.Changed("max-workers") {
		m.MaxWorkers = mirrorMaxWorkers
	}
	if flags.Changed("rate-limit") {
		m.RateLimit = mirrorRateLimit
	}
	return cfg, nil
}

// openSource picks the transport from the form of src.
func openSource(m config.Mirror) (transfer.Source, error) {
	if strings.HasPrefix(m.Source, "http://") || strings.HasPrefix(m.Source, "https://") {
		src, err := transfer.NewHTTPSource(m.Source, m.RateLimit)
		if err != nil {
			return nil, err
		}
		if m.UserAgent != "" {
			src.UserAgent = m.UserAgent
		}
		return src, nil
	}
	return &transfer.LocalSource{FS: osfs.New(m.Source)}, nil
}

func runMirror(ctx context.Context, s *session) (*summary, error) {
	sum := newSummary("mirror")
	m := s.cfg.Mirror
	src, err := openSource(m)
	if err != nil {
		return sum, err
	}

	j, err := s.openJournal("mirror")
	if err != nil {
		return sum, err
	}
	defer s.closeJournal(j)

	var region *coverage.Set
	if len(m.Region) > 0 {
		region = coverage.Of(m.Region...)
	}
	e := mirror.New(mirror.Config{
		Source:       src,
		Store:        s.store,
		MaxOrder:     s.cfg.Order,
		Formats:      s.cfg.Formats,
		Region:       region,
		Policy:       s.cfg.Policy,
		Strict:       m.Strict,
		MaxTry:       m.MaxTry,
		StallTimeout: m.StallTimeout,
		Cooldown:     m.Cooldown,
		Workers:      s.cfg.Workers,
		MinWorkers:   m.MinWorkers,
		MaxWorkers:   m.MaxWorkers,
		Token:        s.token,
		Logger:       s.log,
		Metrics:      s.metrics,
		Journal:      j,
		OnProgress: func(snap api.Snapshot) {
			s.log.Info("progress", "done", snap.Done, "total", snap.Total, "tiles", snap.Tiles,
				"bytes", snap.Bytes, "workers", snap.Workers, "problems", snap.Problems)
		},
	})
	rep, err := e.Run(ctx)
	if rep != nil {
		sum.add("run", rep.Run).
			add("source", rep.Source).
			add("order", rep.Order).
			add("partial", rep.Partial).
			add("copied", rep.Copied).
			add("skipped", rep.Skipped).
			add("not_found", rep.NotFound).
			add("regenerated", rep.Regenerated).
			add("bytes", byteCount(rep.Bytes)).
			add("elapsed", rep.Elapsed)
		for _, p := range rep.Problems {
			sum.problem(p.Path, p.Attempts, p.Err.Error())
		}
	}
	return sum, err
}

func listProblems(j *journal.Journal, run string) (*summary, error) {
	sum := newSummary("problems")
	if run == "" {
		last, err := j.LastRun("mirror", "build", "rgb")
		if err != nil {
			return sum, err
		}
		if last == "" {
			return sum.add("run", "none"), nil
		}
		run = last
	}
	entries, err := j.Problems(run)
	if err != nil {
		return sum, err
	}
	counts, err := j.Counts(run)
	if err != nil {
		return sum, err
	}
	sum.add("run", run).
		add("failed", counts[journal.KindFailed]).
		add("not_found", counts[journal.KindNotFound]).
		add("unreadable", counts[journal.KindUnreadable])
	for _, e := range entries {
		sum.problem(e.Path, e.Attempts, e.Err)
	}
	return sum, nil
}
