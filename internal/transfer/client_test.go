package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lastModified = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type countingServer struct {
	*httptest.Server
	heads, gets atomic.Int64
	agent       atomic.Value
}

func newServer(t *testing.T, files map[string][]byte) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.agent.Store(r.UserAgent())
		if r.Method == http.MethodHead {
			cs.heads.Add(1)
		} else {
			cs.gets.Add(1)
		}
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	}))
	t.Cleanup(cs.Close)
	return cs
}

func httpClient(t *testing.T, url string) *Client {
	t.Helper()
	src, err := NewHTTPSource(url, 0)
	require.NoError(t, err)
	return &Client{Source: src, Cooldown: time.Millisecond}
}

func TestFetchIsIdempotent(t *testing.T) {
	tileData := bytes.Repeat([]byte{'A'}, 4000)
	srv := newServer(t, map[string][]byte{"/Norder3/Dir0/Npix1.fits": tileData})
	c := httpClient(t, srv.URL)
	dest := filepath.Join(t.TempDir(), "Norder3", "Dir0", "Npix1.fits")
	ctx := context.Background()

	res, err := c.Fetch(ctx, "Norder3/Dir0/Npix1.fits", dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(4000), res.Bytes)
	assert.Equal(t, int64(1), srv.gets.Load())
	assert.Equal(t, DefaultUserAgent, srv.agent.Load())
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(lastModified))

	// Size heuristic: no request at all.
	res, err = c.Fetch(ctx, "Norder3/Dir0/Npix1.fits", dest, Options{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int64(1), srv.gets.Load())
	assert.Zero(t, srv.heads.Load())

	// Strict: exactly one metadata request, no body.
	res, err = c.Fetch(ctx, "Norder3/Dir0/Npix1.fits", dest, Options{Strict: true})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.True(t, res.Verified)
	assert.Equal(t, int64(1), srv.heads.Load())
	assert.Equal(t, int64(1), srv.gets.Load())
}

func TestStrictRefetchesStaleFile(t *testing.T) {
	srv := newServer(t, map[string][]byte{"/Norder3/Dir0/Npix1.png": bytes.Repeat([]byte{'B'}, 2000)})
	c := httpClient(t, srv.URL)
	dest := filepath.Join(t.TempDir(), "Npix1.png")
	require.NoError(t, os.WriteFile(dest, bytes.Repeat([]byte{'x'}, 1500), 0o644))

	res, err := c.Fetch(context.Background(), "Norder3/Dir0/Npix1.png", dest, Options{Strict: true})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(2000), res.Bytes)
	assert.Equal(t, int64(1), srv.heads.Load())
	assert.Equal(t, int64(1), srv.gets.Load())
}

func TestSmallOrCompressedFilesAreRefetched(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "Npix1.fits")
	require.NoError(t, os.WriteFile(small, make([]byte, 2048), 0o644))
	assert.False(t, looksComplete(small, 2048))

	gz := filepath.Join(dir, "Npix2.fits")
	require.NoError(t, os.WriteFile(gz, append([]byte{0x1f, 0x8b}, make([]byte, 4000)...), 0o644))
	assert.False(t, looksComplete(gz, 4002))

	jpg := filepath.Join(dir, "Npix3.jpg")
	require.NoError(t, os.WriteFile(jpg, make([]byte, 1025), 0o644))
	assert.True(t, looksComplete(jpg, 1025))

	assert.False(t, looksComplete(filepath.Join(dir, "properties"), 1<<20))
}

func TestNotFoundIsTerminal(t *testing.T) {
	srv := newServer(t, nil)
	c := httpClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), "Norder3/Dir0/Npix9.fits", filepath.Join(t.TempDir(), "x.fits"), Options{})
	require.ErrorIs(t, err, ErrNotFound)
	var terr *Error
	assert.False(t, errors.As(err, &terr))
	assert.Equal(t, int64(1), srv.gets.Load())
}

func TestRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := httpClient(t, srv.URL)
	res, err := c.Fetch(context.Background(), "properties", filepath.Join(t.TempDir(), "properties"), Options{MaxTry: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(2), res.Bytes)
}

func TestBulkBudget(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := httpClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), "a.fits", filepath.Join(t.TempDir(), "a.fits"), Options{Bulk: true})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, BulkMaxTry, terr.Attempts)
	assert.Equal(t, int64(BulkMaxTry), calls.Load())
}

// The cooling pause happens once, after attempt maxTry/2.
func TestCooldownAtHalfBudget(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	const pause = 300 * time.Millisecond
	c := httpClient(t, srv.URL)
	c.Cooldown = pause
	_, err := c.Fetch(context.Background(), "a.fits", filepath.Join(t.TempDir(), "a.fits"), Options{MaxTry: 6})
	var terr *Error
	require.ErrorAs(t, err, &terr)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 6)
	var long []int
	for i := 1; i < len(times); i++ {
		if times[i].Sub(times[i-1]) >= pause {
			long = append(long, i)
		}
	}
	assert.Equal(t, []int{3}, long, "one pause, between attempts 3 and 4")
}

func TestCooldownDefault(t *testing.T) {
	c := &Client{Source: &shortSource{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := c.cool(ctx)
	require.Error(t, err, "a zero Cooldown still pauses, so a cancelled context interrupts it")
	assert.Less(t, time.Since(start), DefaultCooldown)
}

type shortSource struct{ opened atomic.Int64 }

func (s *shortSource) Stat(context.Context, string) (Meta, error) { return Meta{Size: 100}, nil }
func (s *shortSource) Open(context.Context, string) (io.ReadCloser, Meta, error) {
	s.opened.Add(1)
	return io.NopCloser(bytes.NewReader(make([]byte, 50))), Meta{Size: 100}, nil
}
func (s *shortSource) Remote() bool   { return true }
func (s *shortSource) String() string { return "short" }

func TestTruncationLeavesNoFile(t *testing.T) {
	src := &shortSource{}
	c := &Client{Source: src, Cooldown: time.Millisecond}
	dest := filepath.Join(t.TempDir(), "Npix1.fits")

	_, err := c.Fetch(context.Background(), "Npix1.fits", dest, Options{MaxTry: 3})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, int64(3), src.opened.Load())
	assert.NoFileExists(t, dest)
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial files are cleaned up")
}

func TestStallWatchdog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("0123456789"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := httpClient(t, srv.URL)
	c.StallTimeout = 50 * time.Millisecond
	start := time.Now()
	_, err := c.Fetch(context.Background(), "slow.fits", filepath.Join(t.TempDir(), "slow.fits"), Options{MaxTry: 1})
	require.ErrorIs(t, err, ErrStalled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalSource(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "Norder3/Dir0/Npix5.fits", []byte("local tile"), 0o644))
	c := &Client{Source: &LocalSource{FS: fs}}
	assert.False(t, c.Source.Remote())

	dest := filepath.Join(t.TempDir(), "Npix5.fits")
	res, err := c.Fetch(context.Background(), "Norder3/Dir0/Npix5.fits", dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Bytes)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "local tile", string(got))

	_, err = c.Fetch(context.Background(), "Norder3/Dir0/Npix6.fits", dest+"6", Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}
