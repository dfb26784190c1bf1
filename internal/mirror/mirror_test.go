package mirror

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/coverage"
	"github.com/agentic-research/skytiles/internal/journal"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/agentic-research/skytiles/internal/transfer"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func c(order int, index int64) cell.Cell { return cell.Cell{Order: order, Index: index} }

func fitsBytes(t *testing.T, v float64) []byte {
	t.Helper()
	n := tile.NewNumeric(4, -32)
	for i := range n.Pix {
		n.Pix[i] = v
	}
	var b bytes.Buffer
	require.NoError(t, n.Encode(&b))
	return b.Bytes()
}

func mocBytes(t *testing.T, cells ...cell.Cell) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, coverage.Of(cells...).Encode(&b, "equatorial"))
	return b.Bytes()
}

const remoteProps = `hips_order = 3
hips_tile_format = fits
hips_frame = equatorial
hips_status = public master
obs_title = Test survey
`

type remoteServer struct {
	*httptest.Server
	tileRequests atomic.Int64
}

// newRemote serves files by path. A nil body answers 500.
func newRemote(t *testing.T, files map[string][]byte) *remoteServer {
	t.Helper()
	rs := &remoteServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/Norder") {
			rs.tileRequests.Add(1)
		}
		data, ok := files[r.URL.Path]
		switch {
		case !ok:
			http.NotFound(w, r)
			return
		case data == nil:
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func httpEngine(t *testing.T, url string, st *store.Store, mutate func(*Config)) *Engine {
	t.Helper()
	src, err := transfer.NewHTTPSource(url, 0)
	require.NoError(t, err)
	cfg := Config{Source: src, Store: st, Workers: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestMirrorCountsMissingCellAsNotFound(t *testing.T) {
	rs := newRemote(t, map[string][]byte{
		"/properties":              []byte(remoteProps),
		"/Moc.fits":                mocBytes(t, c(3, 0), c(3, 1)),
		"/Norder3/Dir0/Npix0.fits": fitsBytes(t, 1),
		"/Norder2/Dir0/Npix0.fits": fitsBytes(t, 1),
		"/Norder1/Dir0/Npix0.fits": fitsBytes(t, 1),
		"/Norder0/Dir0/Npix0.fits": fitsBytes(t, 1),
	})
	st := store.Open(t.TempDir())
	j, err := journal.Open(filepath.Join(t.TempDir(), journal.FileName), "mirror")
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	rep, err := httpEngine(t, rs.URL, st, func(c *Config) { c.Journal = j }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), rep.Copied)
	assert.Equal(t, int64(1), rep.NotFound)
	assert.Empty(t, rep.Problems)
	assert.False(t, rep.Partial)
	assert.Equal(t, 3, rep.Order)

	assert.True(t, st.Exists(c(3, 0), tile.FormatFITS))
	assert.False(t, st.Exists(c(3, 1), tile.FormatFITS))
	assert.FileExists(t, st.CoveragePath())

	p, err := st.Properties().Load()
	require.NoError(t, err)
	status, _ := p.Get(properties.KeyStatus)
	assert.Equal(t, "public mirror", status)
	title, _ := p.Get(properties.KeyTitle)
	assert.Equal(t, "Test survey", title)
	src, _ := p.Get(properties.KeyMirrorSource)
	assert.Equal(t, rs.URL, src)

	counts, err := j.Counts("")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[journal.KindNotFound])

	// A second run skips the complete tiles without fetching them.
	before := rs.tileRequests.Load()
	rep, err = httpEngine(t, rs.URL, st, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), rep.Skipped)
	assert.Zero(t, rep.Copied)
	// Only the missing cell and the absent Allsky are asked for again.
	assert.Equal(t, before+2, rs.tileRequests.Load())
}

func TestIncompatibleRemoteFailsBeforeTransfer(t *testing.T) {
	files := map[string][]byte{
		"/properties":              []byte(remoteProps),
		"/Norder3/Dir0/Npix0.fits": fitsBytes(t, 1),
	}

	for name, tc := range map[string]struct {
		mutate func(*Config)
		local  string
		reason string
	}{
		"finer order": {
			mutate: func(c *Config) { c.MaxOrder = 5 },
			reason: "finer than remote order 3",
		},
		"missing format": {
			mutate: func(c *Config) { c.Formats = []tile.Format{tile.FormatPNG} },
			reason: "format png not available",
		},
		"frame": {
			local:  "hips_frame = galactic\n",
			reason: "local frame galactic",
		},
	} {
		t.Run(name, func(t *testing.T) {
			rs := newRemote(t, files)
			st := store.Open(t.TempDir())
			if tc.local != "" {
				require.NoError(t, st.Properties().Update(func(p *properties.Properties) error {
					p.Set(properties.KeyFrame, "galactic")
					return nil
				}))
			}
			_, err := httpEngine(t, rs.URL, st, tc.mutate).Run(context.Background())
			require.ErrorIs(t, err, ErrIncompatibleMirror)
			var ie *IncompatibleError
			require.ErrorAs(t, err, &ie)
			assert.Contains(t, ie.Reason, tc.reason)
			assert.Zero(t, rs.tileRequests.Load())
		})
	}
}

func TestMissingRemotePropertiesIsIncompatible(t *testing.T) {
	rs := newRemote(t, map[string][]byte{})
	_, err := httpEngine(t, rs.URL, store.Open(t.TempDir()), nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrIncompatibleMirror)
}

func TestPartialMirrorRegeneratesInteriorTiles(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "properties",
		[]byte("hips_order = 4\nhips_tile_format = fits\nhips_status = public master clonable\n"), 0o644))
	for _, leaf := range []cell.Cell{c(4, 0), c(4, 1), c(4, 2800)} {
		require.NoError(t, util.WriteFile(fs, cell.Path(leaf, "fits"), fitsBytes(t, float64(leaf.Index)), 0o644))
	}

	st := store.Open(t.TempDir())
	e := New(Config{
		Source:  &transfer.LocalSource{FS: fs},
		Store:   st,
		Region:  coverage.Of(c(3, 0)),
		Workers: 2,
	})
	rep, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Partial)
	assert.Equal(t, int64(2), rep.Copied)
	assert.Equal(t, int64(2), rep.NotFound) // 4/2 and 4/3
	assert.Equal(t, int64(4), rep.Regenerated)

	assert.True(t, st.Exists(c(4, 1), tile.FormatFITS))
	assert.False(t, st.Exists(c(4, 2800), tile.FormatFITS))
	assert.True(t, st.Exists(c(3, 0), tile.FormatFITS))
	assert.True(t, st.Exists(c(0, 0), tile.FormatFITS))
	assert.FileExists(t, st.AllskyPath(tile.FormatFITS))

	cov, err := coverage.ReadFile(st.CoveragePath())
	require.NoError(t, err)
	assert.Equal(t, []cell.Cell{c(3, 0)}, cov.Cells())

	p, err := st.Properties().Load()
	require.NoError(t, err)
	status, _ := p.Get(properties.KeyStatus)
	assert.Equal(t, "public clonable partial", status)
	order, err := p.Order()
	require.NoError(t, err)
	assert.Equal(t, 4, order)
}

func TestTooManyProblemsAbortsRun(t *testing.T) {
	files := map[string][]byte{"/properties": []byte(remoteProps)}
	for _, leaf := range cell.Roots(3) {
		files["/"+cell.Path(leaf, "fits")] = nil
	}
	rs := newRemote(t, files)

	rep, err := httpEngine(t, rs.URL, store.Open(t.TempDir()), func(c *Config) {
		c.MaxTry = 1
		c.Workers = 4
	}).Run(context.Background())
	require.ErrorIs(t, err, ErrTooManyProblems)
	assert.Len(t, rep.Problems, MaxProblems)
	assert.Less(t, rs.tileRequests.Load(), int64(len(files)))
}

func TestMirrorStatus(t *testing.T) {
	assert.Equal(t, "public mirror", mirrorStatus("public master", false))
	assert.Equal(t, "partial", mirrorStatus("", true))
	assert.Equal(t, "private clonable partial", mirrorStatus("private mirror clonable", true))
}
