// Package config holds the run configuration. A Config is built once,
// from defaults, an optional HCL file and command-line flags, and is not
// modified afterwards; Resolve returns a new value with the settings
// detected from a store filled in.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/agentic-research/skytiles/internal/aggregate"
	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/diskcache"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/agentic-research/skytiles/internal/scheduler"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/agentic-research/skytiles/internal/transfer"
)

type Config struct {
	// Output is the store root.
	Output string
	// Order is the leaf order; zero means detect it.
	Order    int
	MinOrder int
	Workers  int
	// Policy is nil for the per-format default.
	Policy    aggregate.Policy
	Formats   []tile.Format
	Frame     string
	TileWidth int

	Cache  Cache
	Mirror Mirror
	RGB    RGB
	Log    Log
}

type Cache struct {
	Dir     string
	Limit   int64
	Persist bool
}

type Mirror struct {
	Source       string
	Strict       bool
	MaxTry       int
	StallTimeout time.Duration
	// Cooldown is the pause once half the retry budget of a file is spent.
	Cooldown   time.Duration
	MinWorkers int
	MaxWorkers int
	// RateLimit is requests per second; zero disables it.
	RateLimit float64
	UserAgent string
	Region    []cell.Cell
}

type RGB struct {
	// Sources are the red, green and blue band stores.
	Sources  [3]string
	Cuts     [3]*tile.Cut
	Transfer tile.Transfer
}

type Log struct {
	Level  string
	Format string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workers: runtime.NumCPU(),
		Cache:   Cache{Limit: diskcache.DefaultLimit},
		Mirror: Mirror{
			MaxTry:       transfer.DefaultMaxTry,
			StallTimeout: transfer.DefaultStallTimeout,
			Cooldown:     transfer.DefaultCooldown,
			MinWorkers:   scheduler.DefaultMinWorkers,
			MaxWorkers:   scheduler.DefaultMaxWorkers,
			UserAgent:    transfer.DefaultUserAgent,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// PolicyFor returns the configured policy or the default for f.
func (c Config) PolicyFor(f tile.Format) aggregate.Policy {
	if c.Policy != nil {
		return c.Policy
	}
	return aggregate.Default(f.Numeric())
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Output == "" {
		errs = append(errs, errors.New("output store is required"))
	}
	if c.Order < 0 || c.Order > cell.MaxOrder {
		errs = append(errs, fmt.Errorf("order %d out of range", c.Order))
	}
	if c.MinOrder < 0 || (c.Order > 0 && c.MinOrder > c.Order) {
		errs = append(errs, fmt.Errorf("min order %d out of range", c.MinOrder))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Cache.Limit <= 0 {
		errs = append(errs, errors.New("cache limit must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Resolve fills the order, formats, tile width and frame from st where
// they are unset. The tile width stays zero when no readable tile or
// property gives it. The receiver is left unchanged.
func (c Config) Resolve(st *store.Store) (Config, error) {
	out := c
	out.Formats = slices.Clone(c.Formats)
	out.Mirror.Region = slices.Clone(c.Mirror.Region)

	props, err := st.Properties().Load()
	if err != nil {
		return c, err
	}
	if out.Order == 0 {
		out.Order, err = st.LeafOrder()
		if errors.Is(err, store.ErrNoLeaves) {
			out.Order, err = props.Order()
		}
		if err != nil {
			return c, fmt.Errorf("detect order: %w", err)
		}
	}
	if len(out.Formats) == 0 {
		if out.Formats, err = st.DetectFormats(out.Order); err != nil {
			return c, err
		}
		if len(out.Formats) == 0 {
			if out.Formats, err = props.Formats(); err != nil {
				return c, fmt.Errorf("detect formats: %w", err)
			}
		}
	}
	if len(out.Formats) == 0 {
		return c, errors.New("detect formats: no tile format found")
	}
	if out.TileWidth == 0 {
		if w, err := st.TileWidth(out.Order, out.Formats[0]); err == nil {
			out.TileWidth = w
		} else if w, err := props.Int(properties.KeyTileWidth); err == nil {
			out.TileWidth = w
		}
	}
	if out.Frame == "" {
		out.Frame = props.Frame()
	}
	return out, nil
}
