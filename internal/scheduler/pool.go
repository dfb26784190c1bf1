// Package scheduler runs independent branch jobs on a resizable worker
// pool and sizes that pool from observed throughput.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentic-research/skytiles/internal/control"
	"github.com/agentic-research/skytiles/internal/metrics"
)

// Job is one unit of work, typically a whole branch. A returned error
// stops the run; per-item failures must be absorbed by the job itself.
type Job func(ctx context.Context) error

type PoolConfig struct {
	Size    int
	Token   *control.Token
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pool is a set of goroutines consuming jobs. Only Resize changes its
// size; workers never resize themselves.
type Pool struct {
	cfg PoolConfig
	log *slog.Logger

	mu      sync.Mutex
	size    int
	stops   []chan struct{}
	running bool
	ctx     context.Context
	jobs    chan Job
	wg      sync.WaitGroup

	errOnce sync.Once
	err     error
	cancel  context.CancelFunc
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pool{cfg: cfg, log: log, size: cfg.Size}
}

// Size returns the number of workers the pool runs with.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Resize changes the worker count. Removed workers finish their current
// job first.
func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.size {
		return
	}
	p.log.Debug("resizing pool", "from", p.size, "to", n)
	if p.running {
		for len(p.stops) < n {
			p.startLocked()
		}
		for len(p.stops) > n {
			last := len(p.stops) - 1
			close(p.stops[last])
			p.stops = p.stops[:last]
		}
	}
	p.size = n
	p.cfg.Metrics.SetWorkers(n)
}

func (p *Pool) startLocked() {
	stop := make(chan struct{})
	p.stops = append(p.stops, stop)
	p.wg.Add(1)
	go p.work(stop)
}

// Run executes every job and returns the first error, or
// control.ErrAborted when the token aborts the run.
func (p *Pool) Run(ctx context.Context, jobs []Job) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.ctx, p.cancel = ctx, cancel
	p.jobs = make(chan Job)
	p.err = nil
	p.errOnce = sync.Once{}
	p.running = true
	for len(p.stops) < p.size {
		p.startLocked()
	}
	p.cfg.Metrics.SetWorkers(p.size)
	jobCh := p.jobs
	p.mu.Unlock()

feed:
	for _, j := range jobs {
		select {
		case jobCh <- j:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobCh)

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	p.stops = nil
	err := p.err
	p.mu.Unlock()
	if err == nil {
		err = p.cfg.Token.Check(ctx)
	}
	return err
}

func (p *Pool) fail(err error) {
	p.errOnce.Do(func() {
		p.err = err
		p.cancel()
	})
}

func (p *Pool) work(stop chan struct{}) {
	defer p.wg.Done()
	p.mu.Lock()
	ctx, jobs := p.ctx, p.jobs
	p.mu.Unlock()

	for {
		// Pause and abort are honoured between jobs only.
		if err := p.cfg.Token.WaitWhilePaused(ctx); err != nil {
			p.fail(err)
			return
		}
		select {
		case <-stop:
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			if err := p.cfg.Token.Check(ctx); err != nil {
				p.fail(err)
				return
			}
			if err := j(ctx); err != nil {
				p.fail(err)
				return
			}
		}
	}
}
