// Package transfer copies single files from a mirror source into a local
// store with retries, a stall watchdog and truncation detection.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentic-research/skytiles/internal/control"
	"github.com/agentic-research/skytiles/internal/metrics"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/google/renameio"
)

var (
	// ErrNotFound means the file does not exist at the source. It is
	// terminal and never retried.
	ErrNotFound = errors.New("not found")
	// ErrTruncated means the stream ended before the announced length.
	ErrTruncated = errors.New("truncated transfer")
	// ErrStalled means no bytes arrived within the stall timeout.
	ErrStalled = errors.New("transfer stalled")
)

// Defaults for Client.
const (
	DefaultMaxTry       = 10
	BulkMaxTry          = 2
	DefaultStallTimeout = 15 * time.Second
	DefaultCooldown     = 5 * time.Second
)

// Error is a transfer that failed after its whole retry budget.
type Error struct {
	Path     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer %s failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options tune a single Fetch.
type Options struct {
	// Strict disables the size-only skip and verifies an existing file
	// against the source's size and modification time.
	Strict bool
	// MaxTry is the attempt budget; zero means DefaultMaxTry, or
	// BulkMaxTry when Bulk is set.
	MaxTry int
	Bulk   bool
}

// Result describes a finished Fetch.
type Result struct {
	Bytes    int64
	Skipped  bool
	Verified bool
	Attempts int
}

type Client struct {
	Source       Source
	StallTimeout time.Duration
	// Cooldown is the pause inserted once at the middle of the retry
	// budget; zero means DefaultCooldown.
	Cooldown time.Duration
	Token    *control.Token
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (c *Client) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Fetch copies rel from the source to dest.
func (c *Client) Fetch(ctx context.Context, rel, dest string, opt Options) (Result, error) {
	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		if !opt.Strict && looksComplete(dest, info.Size()) {
			c.Metrics.Transfer(metrics.ResultSkipped, 0)
			return Result{Skipped: true}, nil
		}
		if opt.Strict {
			m, err := c.Source.Stat(ctx, rel)
			if err != nil {
				return Result{}, c.terminal(rel, err)
			}
			if m.Size == info.Size() && sameTime(m.ModTime, info.ModTime()) {
				c.Metrics.Transfer(metrics.ResultSkipped, 0)
				return Result{Skipped: true, Verified: true}, nil
			}
		}
	}

	maxTry := opt.MaxTry
	if maxTry <= 0 {
		maxTry = DefaultMaxTry
		if opt.Bulk {
			maxTry = BulkMaxTry
		}
	}
	var lastErr error
	for attempt := 1; attempt <= maxTry; attempt++ {
		if err := c.Token.Check(ctx); err != nil {
			return Result{}, err
		}
		n, err := c.attempt(ctx, rel, dest)
		if err == nil {
			c.Metrics.Transfer(metrics.ResultCopied, n)
			return Result{Bytes: n, Attempts: attempt}, nil
		}
		if errors.Is(err, ErrNotFound) {
			return Result{}, c.terminal(rel, err)
		}
		if cerr := c.Token.Check(ctx); cerr != nil {
			return Result{}, cerr
		}
		lastErr = err
		c.log().Debug("transfer attempt failed", "path", rel, "attempt", attempt, "err", err)
		if attempt == maxTry {
			break
		}
		c.Metrics.Retry()
		if maxTry > 2 && attempt == maxTry/2 {
			if err := c.cool(ctx); err != nil {
				return Result{}, err
			}
		}
	}
	c.Metrics.Transfer(metrics.ResultFailed, 0)
	return Result{}, &Error{Path: rel, Attempts: maxTry, Err: lastErr}
}

func (c *Client) terminal(rel string, err error) error {
	if errors.Is(err, ErrNotFound) {
		c.Metrics.Transfer(metrics.ResultNotFound, 0)
		c.log().Debug("not found", "path", rel)
		return err
	}
	c.Metrics.Transfer(metrics.ResultFailed, 0)
	return &Error{Path: rel, Attempts: 1, Err: err}
}

func (c *Client) cool(ctx context.Context) error {
	d := c.Cooldown
	if d <= 0 {
		d = DefaultCooldown
	}
	c.log().Debug("cooling off before retrying", "pause", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(control.ErrAborted, ctx.Err())
	case <-t.C:
		return nil
	}
}

func (c *Client) attempt(ctx context.Context, rel, dest string) (int64, error) {
	stall := c.StallTimeout
	if stall <= 0 {
		stall = DefaultStallTimeout
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := time.AfterFunc(stall, func() { cancel(ErrStalled) })
	defer watchdog.Stop()

	body, meta, err := c.Source.Open(ctx, rel)
	if err != nil {
		return 0, stalled(ctx, err)
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	pf, err := renameio.TempFile("", dest)
	if err != nil {
		return 0, err
	}
	// Cleanup removes the partial file unless it was renamed into place.
	defer func() { _ = pf.Cleanup() }()

	n, err := io.Copy(pf, &watchedReader{r: body, ctx: ctx, timer: watchdog, d: stall})
	if err != nil {
		return n, stalled(ctx, err)
	}
	if meta.Size >= 0 && n < meta.Size {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, meta.Size)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return n, err
	}
	if !meta.ModTime.IsZero() {
		_ = os.Chtimes(dest, meta.ModTime, meta.ModTime)
	}
	return n, nil
}

// stalled reports ErrStalled when the watchdog fired.
func stalled(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return ErrStalled
	}
	return err
}

// watchedReader re-arms the stall watchdog after every read that made
// progress and stops reading once the watchdog fired.
type watchedReader struct {
	r     io.Reader
	ctx   context.Context
	timer *time.Timer
	d     time.Duration
}

func (w *watchedReader) Read(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.r.Read(p)
	if n > 0 {
		w.timer.Reset(w.d)
	}
	return n, err
}

// looksComplete is the size-only skip test: a numeric tile larger than
// 2KB that is not gzip-compressed, or a visual tile larger than 1KB.
func looksComplete(path string, size int64) bool {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	f, err := tile.ParseFormat(ext)
	if err != nil {
		return false
	}
	if size <= f.CompleteSize() {
		return false
	}
	if f.Numeric() {
		return !gzipped(path)
	}
	return true
}

func gzipped(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic[0] == 0x1f && magic[1] == 0x8b
}

// sameTime compares at whole-second precision, which is all
// Last-Modified carries.
func sameTime(a, b time.Time) bool {
	return a.Unix() == b.Unix()
}
