// Package progress counts work done by a run and reports it periodically.
package progress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentic-research/skytiles/api"
)

// Stats are the counters of one run. All fields are updated atomically
// by workers.
type Stats struct {
	Done     atomic.Int64
	Total    atomic.Int64
	Tiles    atomic.Int64
	Absent   atomic.Int64
	Bytes    atomic.Int64
	Problems atomic.Int64

	start time.Time
}

func NewStats() *Stats { return &Stats{start: time.Now()} }

func (s *Stats) Elapsed() time.Duration { return time.Since(s.start) }

// Snapshot copies the counters.
func (s *Stats) Snapshot(phase string) api.Snapshot {
	return api.Snapshot{
		Phase:    phase,
		Done:     s.Done.Load(),
		Total:    s.Total.Load(),
		Tiles:    s.Tiles.Load(),
		Absent:   s.Absent.Load(),
		Bytes:    s.Bytes.Load(),
		Problems: s.Problems.Load(),
		Elapsed:  s.Elapsed(),
	}
}

// Reporter samples Stats on a fixed interval.
type Reporter struct {
	Stats    *Stats
	Phase    string
	Interval time.Duration
	// Workers returns the pool size for snapshots; optional.
	Workers func() int
	// OnSnapshot receives each snapshot; optional.
	OnSnapshot api.ProgressFunc
	// OnThroughput receives the bytes/second of each interval; optional.
	// The mirror engine feeds its concurrency controller from it.
	OnThroughput func(float64)
}

// Run reports until ctx is done, then emits one final snapshot.
func (r *Reporter) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := r.Stats.Bytes.Load()
	lastAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			r.emit(0)
			return
		case now := <-ticker.C:
			cur := r.Stats.Bytes.Load()
			rate := float64(cur-last) / now.Sub(lastAt).Seconds()
			last, lastAt = cur, now
			if r.OnThroughput != nil {
				r.OnThroughput(rate)
			}
			r.emit(rate)
		}
	}
}

func (r *Reporter) emit(rate float64) {
	if r.OnSnapshot == nil {
		return
	}
	s := r.Stats.Snapshot(r.Phase)
	s.Throughput = rate
	if r.Workers != nil {
		s.Workers = r.Workers()
	}
	r.OnSnapshot(s)
}
