package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentic-research/skytiles/internal/config"
	"github.com/agentic-research/skytiles/internal/control"
	"github.com/agentic-research/skytiles/internal/metrics"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	outputPath  string
	workers     int
	logLevel    string
	logFormat   string
	metricsAddr string
	jsonOutput  bool
	jsonQuery   string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "HCL configuration file")
	pf.StringVarP(&outputPath, "output", "o", "", "Store root")
	pf.IntVarP(&workers, "workers", "w", 0, "Worker pool size (default: number of CPUs)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while running")
	pf.BoolVar(&jsonOutput, "json", false, "Print the run summary as JSON")
	pf.StringVar(&jsonQuery, "query", "", "JSONPath applied to the JSON summary")
}

var rootCmd = &cobra.Command{
	Use:           "skytiles",
	Short:         "Build, cover and mirror hierarchical sky tile stores",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "skytiles:", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig layers the defaults, the --config file and the persistent
// flags. Command-specific flags are applied by each command.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath, cfg); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.Output = outputPath
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

func newLogger(w io.Writer, c config.Log) (*slog.Logger, error) {
	var level slog.Level
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// session is what every long-running command shares: the resolved
// configuration, the store, and the abort/pause token backed by the
// store's control file.
type session struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	store   *store.Store
	token   *control.Token
	out     io.Writer

	ctl        *control.File
	stopServer func()
}

func openSession(cmd *cobra.Command, cfg config.Config) (*session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Output, 0o755); err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	st := store.Open(cfg.Output)

	ctl, err := control.OpenFile(st.Path(control.FileName))
	if err != nil {
		return nil, err
	}
	ctl.Claim()

	s := &session{
		cfg:        cfg,
		log:        log,
		store:      st,
		token:      control.NewToken(ctl),
		out:        cmd.OutOrStdout(),
		ctl:        ctl,
		stopServer: func() {},
	}
	if metricsAddr != "" {
		if err := s.serveMetrics(metricsAddr); err != nil {
			_ = ctl.Remove()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	s.metrics = metrics.New(reg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server stopped", "err", err)
		}
	}()
	s.log.Info("serving metrics", "addr", ln.Addr().String())
	s.stopServer = func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return nil
}

func (s *session) Close() error {
	s.stopServer()
	return s.ctl.Remove()
}

// report prints the summary and returns the error that ends the
// command. An abort is a clean stop: completed output is kept and a
// later run resumes from it.
func (s *session) report(sum *summary, err error) error {
	switch {
	case err == nil:
	case errors.Is(err, control.ErrAborted) || errors.Is(err, context.Canceled):
		s.log.Info("run aborted; completed tiles are kept")
		sum.status = "aborted"
		err = nil
	default:
		sum.status = "failed"
	}
	if perr := sum.print(s.out, jsonOutput, jsonQuery); perr != nil && err == nil {
		err = perr
	}
	return err
}
