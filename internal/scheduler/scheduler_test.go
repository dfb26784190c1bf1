package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentic-research/skytiles/internal/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct{ n int }

func (f *fakePool) Size() int    { return f.n }
func (f *fakePool) Resize(n int) { f.n = n }

func TestControllerHillClimb(t *testing.T) {
	pool := &fakePool{n: 16}
	c := NewController(ControllerConfig{MinWorkers: 16, MaxWorkers: 28, Baseline: 16, Remote: true}, pool)

	var sizes []int
	for _, v := range []float64{100, 100, 100, 100, 200, 300, 300, 10} {
		sizes = append(sizes, c.Observe(v))
	}
	// One warm-up sample, two to fill the window, then +4 steps up to the
	// ceiling, a forced shrink there, and a reversal when the mean drops.
	assert.Equal(t, []int{16, 16, 16, 20, 24, 28, 26, 28}, sizes)
	assert.Equal(t, Shrink, c.Direction())
}

func TestControllerForcedGrowAtFloor(t *testing.T) {
	pool := &fakePool{n: 18}
	c := NewController(ControllerConfig{Remote: true, MaxWorkers: 40}, pool)
	c.dir = Shrink
	for _, v := range []float64{1, 1, 1} {
		c.Observe(v)
	}
	assert.Equal(t, 18, pool.n)
	assert.Equal(t, 16, c.Observe(1))
	assert.Equal(t, Grow, c.Direction())
}

func TestControllerLocalBypass(t *testing.T) {
	pool := &fakePool{n: 4}
	c := NewController(ControllerConfig{}, pool)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 4, c.Observe(float64(i*100)))
	}
}

func TestControllerCeilingClamp(t *testing.T) {
	c := NewController(ControllerConfig{MaxWorkers: 8, Baseline: 32}, &fakePool{})
	lo, hi := c.Bounds()
	assert.Equal(t, 16, lo)
	assert.Equal(t, 32, hi)

	c = NewController(ControllerConfig{MinWorkers: 16, MaxWorkers: 4}, &fakePool{})
	lo, hi = c.Bounds()
	assert.Equal(t, 4, lo)
	assert.Equal(t, 4, hi)
}

func TestPoolRunsEveryJob(t *testing.T) {
	p := NewPool(PoolConfig{Size: 4})
	var n atomic.Int64
	jobs := make([]Job, 100)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			n.Add(1)
			return nil
		}
	}
	require.NoError(t, p.Run(context.Background(), jobs))
	assert.Equal(t, int64(100), n.Load())
}

func TestPoolStopsOnAbort(t *testing.T) {
	tok := control.NewToken(nil)
	p := NewPool(PoolConfig{Size: 1, Token: tok})
	var n atomic.Int64
	jobs := make([]Job, 50)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			if n.Add(1) == 5 {
				tok.Abort()
			}
			return nil
		}
	}
	err := p.Run(context.Background(), jobs)
	assert.ErrorIs(t, err, control.ErrAborted)
	assert.Equal(t, int64(5), n.Load())
}

func TestPoolStopsOnJobError(t *testing.T) {
	boom := errors.New("boom")
	p := NewPool(PoolConfig{Size: 2})
	jobs := []Job{
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
	}
	assert.ErrorIs(t, p.Run(context.Background(), jobs), boom)
}

func TestPoolResizeDuringRun(t *testing.T) {
	p := NewPool(PoolConfig{Size: 1})
	var active, peak, done atomic.Int64
	jobs := make([]Job, 40)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			done.Add(1)
			return nil
		}
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Resize(4)
		time.Sleep(40 * time.Millisecond)
		p.Resize(2)
	}()
	require.NoError(t, p.Run(context.Background(), jobs))
	assert.Equal(t, int64(40), done.Load())
	assert.Greater(t, peak.Load(), int64(1))
	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.Equal(t, 2, p.Size())
}

func TestPoolPauseHoldsWorkers(t *testing.T) {
	tok := control.NewToken(nil)
	tok.Pause()
	p := NewPool(PoolConfig{Size: 2, Token: tok})
	var n atomic.Int64
	jobs := []Job{func(context.Context) error { n.Add(1); return nil }}

	go func() {
		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, n.Load())
		tok.Resume()
	}()
	require.NoError(t, p.Run(context.Background(), jobs))
	assert.Equal(t, int64(1), n.Load())
}
