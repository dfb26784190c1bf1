package scheduler

import (
	"log/slog"
	"sync"
)

// Defaults for the adaptive controller.
const (
	DefaultMinWorkers = 16
	DefaultMaxWorkers = 64

	growStep   = 4
	shrinkStep = 2
	window     = 3
)

// Direction is the controller's current hill-climb direction.
type Direction int

const (
	Grow Direction = iota
	Shrink
)

func (d Direction) String() string {
	if d == Shrink {
		return "shrink"
	}
	return "grow"
}

// Resizer is the pool surface the controller drives.
type Resizer interface {
	Size() int
	Resize(n int)
}

type ControllerConfig struct {
	// MinWorkers is the floor; zero means DefaultMinWorkers.
	MinWorkers int
	// MaxWorkers is the user ceiling; zero means DefaultMaxWorkers.
	MaxWorkers int
	// Baseline is the pool size the run started with. The effective
	// ceiling is never below it.
	Baseline int
	// Remote enables the controller. Local copies keep a fixed pool.
	Remote bool
	Logger *slog.Logger
}

// Controller hill-climbs pool size against throughput. It keeps the last
// three samples; once the window is full, each new sample compares the
// window mean with the previous mean and reverses direction when
// throughput fell.
type Controller struct {
	cfg  ControllerConfig
	pool Resizer
	log  *slog.Logger

	mu       sync.Mutex
	samples  int
	buf      [window]float64
	filled   int
	next     int
	prevMean float64
	havePrev bool
	dir      Direction
	min, max int
}

func NewController(cfg ControllerConfig, pool Resizer) *Controller {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = DefaultMinWorkers
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	hi := max(cfg.MaxWorkers, cfg.Baseline)
	lo := min(cfg.MinWorkers, hi)
	return &Controller{cfg: cfg, pool: pool, log: log, min: lo, max: hi}
}

// Bounds returns the effective floor and ceiling.
func (c *Controller) Bounds() (lo, hi int) { return c.min, c.max }

func (c *Controller) Direction() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

// Observe feeds one throughput sample and returns the pool size after
// any adjustment.
func (c *Controller) Observe(throughput float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.pool.Size()
	c.samples++
	// The first sample covers start-up and says nothing about pool size.
	if !c.cfg.Remote || c.samples <= 1 {
		return size
	}

	c.buf[c.next] = throughput
	c.next = (c.next + 1) % window
	if c.filled < window {
		c.filled++
	}
	if c.filled < window {
		return size
	}

	mean := 0.0
	for _, v := range c.buf {
		mean += v
	}
	mean /= window
	if c.havePrev && mean < c.prevMean {
		if c.dir == Grow {
			c.dir = Shrink
		} else {
			c.dir = Grow
		}
	}
	c.prevMean, c.havePrev = mean, true

	next := size
	if c.dir == Grow {
		next = min(size+growStep, c.max)
	} else {
		next = max(size-shrinkStep, c.min)
	}
	switch {
	case next <= c.min:
		c.dir = Grow
	case next >= c.max:
		c.dir = Shrink
	}
	if next != size {
		c.log.Debug("adjusting workers", "from", size, "to", next, "mean", mean, "direction", c.dir)
		c.pool.Resize(next)
	}
	return next
}
