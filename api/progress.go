package api

import "time"

// Snapshot is a point-in-time view of a running build or mirror.
type Snapshot struct {
	// Phase names the running stage ("build", "mirror", "coverage", "allsky").
	Phase string `json:"phase"`
	// Done and Total count finished and scheduled branch jobs.
	Done  int64 `json:"done"`
	Total int64 `json:"total"`
	// Tiles counts tiles written or copied so far.
	Tiles int64 `json:"tiles"`
	// Absent counts cells that yielded nothing.
	Absent int64 `json:"absent"`
	// Bytes counts bytes written.
	Bytes int64 `json:"bytes"`
	// Problems counts per-file failures.
	Problems int64 `json:"problems"`
	// Workers is the current worker pool size.
	Workers int `json:"workers"`
	// Throughput is bytes per second over the last reporting interval.
	Throughput float64       `json:"throughput"`
	Elapsed    time.Duration `json:"elapsed"`
}

// ProgressFunc receives periodic snapshots. It is called from a single
// reporter goroutine and must not block for long.
type ProgressFunc func(Snapshot)

// Control is the cooperative abort/pause surface a running task exposes.
type Control interface {
	Abort()
	Pause()
	Resume()
	Aborted() bool
	Paused() bool
}
