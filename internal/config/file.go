package config

import (
	"fmt"
	"time"

	"github.com/agentic-research/skytiles/internal/aggregate"
	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// fileConfig is the HCL layout of a configuration file. Every attribute
// is optional; unset attributes keep the base value.
//
//	output  = "/data/survey"
//	order   = 9
//	policy  = "median"
//	formats = ["fits", "png"]
//
//	cache {
//	  dir   = "/scratch/cache"
//	  limit = "8 GiB"
//	}
//
//	mirror {
//	  source        = "https://example.org/survey"
//	  stall_timeout = "30s"
//	  cooldown      = "10s"
//	  region        = ["3/12", "3/13"]
//	}
type fileConfig struct {
	Output    *string   `hcl:"output,optional"`
	Order     *int      `hcl:"order,optional"`
	MinOrder  *int      `hcl:"min_order,optional"`
	Workers   *int      `hcl:"workers,optional"`
	Policy    *string   `hcl:"policy,optional"`
	Formats   *[]string `hcl:"formats,optional"`
	Frame     *string   `hcl:"frame,optional"`
	TileWidth *int      `hcl:"tile_width,optional"`

	Cache  *cacheBlock  `hcl:"cache,block"`
	Mirror *mirrorBlock `hcl:"mirror,block"`
	RGB    *rgbBlock    `hcl:"rgb,block"`
	Log    *logBlock    `hcl:"log,block"`
}

type cacheBlock struct {
	Dir     *string `hcl:"dir,optional"`
	Limit   *string `hcl:"limit,optional"`
	Persist *bool   `hcl:"persist,optional"`
}

type mirrorBlock struct {
	Source       *string   `hcl:"source,optional"`
	Strict       *bool     `hcl:"strict,optional"`
	MaxTry       *int      `hcl:"max_try,optional"`
	StallTimeout *string   `hcl:"stall_timeout,optional"`
	Cooldown     *string   `hcl:"cooldown,optional"`
	MinWorkers   *int      `hcl:"min_workers,optional"`
	MaxWorkers   *int      `hcl:"max_workers,optional"`
	RateLimit    *float64  `hcl:"rate_limit,optional"`
	UserAgent    *string   `hcl:"user_agent,optional"`
	Region       *[]string `hcl:"region,optional"`
}

type rgbBlock struct {
	Red      *string    `hcl:"red,optional"`
	Green    *string    `hcl:"green,optional"`
	Blue     *string    `hcl:"blue,optional"`
	Cuts     *[]float64 `hcl:"cuts,optional"`
	Transfer *string    `hcl:"transfer,optional"`
}

type logBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// LoadFile decodes the HCL file at path and overlays it onto base.
func LoadFile(path string, base Config) (Config, error) {
	var fc fileConfig
	if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
		return base, fmt.Errorf("load config: %w", err)
	}
	out, err := fc.apply(base)
	if err != nil {
		return base, fmt.Errorf("load config %s: %w", path, err)
	}
	return out, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (fc *fileConfig) apply(c Config) (Config, error) {
	set(&c.Output, fc.Output)
	set(&c.Order, fc.Order)
	set(&c.MinOrder, fc.MinOrder)
	set(&c.Workers, fc.Workers)
	set(&c.Frame, fc.Frame)
	set(&c.TileWidth, fc.TileWidth)

	if fc.Policy != nil {
		p, err := aggregate.Parse(*fc.Policy)
		if err != nil {
			return c, err
		}
		c.Policy = p
	}
	if fc.Formats != nil {
		formats, err := ParseFormats(*fc.Formats)
		if err != nil {
			return c, err
		}
		c.Formats = formats
	}

	if b := fc.Cache; b != nil {
		set(&c.Cache.Dir, b.Dir)
		set(&c.Cache.Persist, b.Persist)
		if b.Limit != nil {
			n, err := humanize.ParseBytes(*b.Limit)
			if err != nil {
				return c, fmt.Errorf("cache limit: %w", err)
			}
			c.Cache.Limit = int64(n)
		}
	}

	if b := fc.Mirror; b != nil {
		m := &c.Mirror
		set(&m.Source, b.Source)
		set(&m.Strict, b.Strict)
		set(&m.MaxTry, b.MaxTry)
		set(&m.MinWorkers, b.MinWorkers)
		set(&m.MaxWorkers, b.MaxWorkers)
		set(&m.RateLimit, b.RateLimit)
		set(&m.UserAgent, b.UserAgent)
		if b.StallTimeout != nil {
			d, err := time.ParseDuration(*b.StallTimeout)
			if err != nil {
				return c, fmt.Errorf("stall timeout: %w", err)
			}
			m.StallTimeout = d
		}
		if b.Cooldown != nil {
			d, err := time.ParseDuration(*b.Cooldown)
			if err != nil {
				return c, fmt.Errorf("cooldown: %w", err)
			}
			m.Cooldown = d
		}
		if b.Region != nil {
			region, err := ParseRegion(*b.Region)
			if err != nil {
				return c, err
			}
			m.Region = region
		}
	}

	if b := fc.RGB; b != nil {
		set(&c.RGB.Sources[tile.Red], b.Red)
		set(&c.RGB.Sources[tile.Green], b.Green)
		set(&c.RGB.Sources[tile.Blue], b.Blue)
		if b.Cuts != nil {
			cuts, err := ParseCuts(*b.Cuts)
			if err != nil {
				return c, err
			}
			c.RGB.Cuts = cuts
		}
		if b.Transfer != nil {
			tf, err := tile.ParseTransfer(*b.Transfer)
			if err != nil {
				return c, err
			}
			c.RGB.Transfer = tf
		}
	}

	if b := fc.Log; b != nil {
		set(&c.Log.Level, b.Level)
		set(&c.Log.Format, b.Format)
	}
	return c, nil
}

// ParseFormats parses a list of format names.
func ParseFormats(names []string) ([]tile.Format, error) {
	out := make([]tile.Format, 0, len(names))
	for _, n := range names {
		f, err := tile.ParseFormat(n)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseRegion parses "order/index" cells.
func ParseRegion(cells []string) ([]cell.Cell, error) {
	out := make([]cell.Cell, 0, len(cells))
	for _, s := range cells {
		c, err := cell.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("region: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ParseCuts reads either one min/max pair shared by every band or three
// pairs in red, green, blue order.
func ParseCuts(v []float64) ([3]*tile.Cut, error) {
	var out [3]*tile.Cut
	switch len(v) {
	case 2:
		for i := range out {
			out[i] = &tile.Cut{Min: v[0], Max: v[1]}
		}
	case 6:
		for i := range out {
			out[i] = &tile.Cut{Min: v[2*i], Max: v[2*i+1]}
		}
	default:
		return out, fmt.Errorf("cuts: want 2 or 6 values, got %d", len(v))
	}
	for i, c := range out {
		if c.Max <= c.Min {
			return out, fmt.Errorf("cuts: band %d has min %g >= max %g", i, c.Min, c.Max)
		}
	}
	return out, nil
}
