package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies the client to remote stores.
const DefaultUserAgent = "skytiles-mirror/1"

// Meta is what a source knows about one file without reading it.
type Meta struct {
	// Size is -1 when unknown.
	Size    int64
	ModTime time.Time
}

// Source is a store laid out as a flat tree of retrievable files.
type Source interface {
	// Stat fetches metadata only. Missing files return ErrNotFound.
	Stat(ctx context.Context, rel string) (Meta, error)
	// Open streams the file. Missing files return ErrNotFound.
	Open(ctx context.Context, rel string) (io.ReadCloser, Meta, error)
	// Remote reports whether the source is reached over the network.
	Remote() bool
	String() string
}

// HTTPSource reads a store over HTTP(S).
type HTTPSource struct {
	Base      *url.URL
	Client    *http.Client
	UserAgent string
	// Limiter throttles requests when set.
	Limiter *rate.Limiter
}

// NewHTTPSource parses base. rps <= 0 disables rate limiting.
func NewHTTPSource(base string, rps float64) (*HTTPSource, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("mirror url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mirror url %q: unsupported scheme", base)
	}
	s := &HTTPSource{Base: u, Client: &http.Client{}, UserAgent: DefaultUserAgent}
	if rps > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	return s, nil
}

func (s *HTTPSource) Remote() bool   { return true }
func (s *HTTPSource) String() string { return s.Base.String() }

func (s *HTTPSource) do(ctx context.Context, method, rel string) (*http.Response, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u := s.Base.JoinPath(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.UserAgent)
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", u, ErrNotFound)
	case resp.StatusCode/100 != 2:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %s", method, u, resp.Status)
	}
	return resp, nil
}

func responseMeta(resp *http.Response) Meta {
	m := Meta{Size: resp.ContentLength}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			m.ModTime = t
		}
	}
	return m
}

func (s *HTTPSource) Stat(ctx context.Context, rel string) (Meta, error) {
	resp, err := s.do(ctx, http.MethodHead, rel)
	if err != nil {
		return Meta{}, err
	}
	_ = resp.Body.Close()
	return responseMeta(resp), nil
}

func (s *HTTPSource) Open(ctx context.Context, rel string) (io.ReadCloser, Meta, error) {
	resp, err := s.do(ctx, http.MethodGet, rel)
	if err != nil {
		return nil, Meta{}, err
	}
	return resp.Body, responseMeta(resp), nil
}

// LocalSource reads a store from a billy filesystem, usually osfs
// rooted at the source store.
type LocalSource struct {
	FS billy.Filesystem
}

func (s *LocalSource) Remote() bool   { return false }
func (s *LocalSource) String() string { return s.FS.Root() }

func (s *LocalSource) Stat(_ context.Context, rel string) (Meta, error) {
	info, err := s.FS.Stat(path.Clean(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return Meta{}, fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return Meta{}, err
	}
	return Meta{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *LocalSource) Open(ctx context.Context, rel string) (io.ReadCloser, Meta, error) {
	m, err := s.Stat(ctx, rel)
	if err != nil {
		return nil, Meta{}, err
	}
	f, err := s.FS.Open(path.Clean(rel))
	if err != nil {
		return nil, Meta{}, err
	}
	return f, m, nil
}
