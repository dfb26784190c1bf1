package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-research/skytiles/internal/aggregate"
	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skytiles.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileOverlaysBase(t *testing.T) {
	path := writeConfig(t, `
output  = "/data/survey"
order   = 9
policy  = "median"
formats = ["fits", "png"]

cache {
  limit   = "8 GiB"
  persist = true
}

mirror {
  source        = "https://example.org/survey"
  stall_timeout = "30s"
  cooldown      = "2s"
  region        = ["3/12", "3/13"]
}

rgb {
  cuts     = [0, 100]
  transfer = "asinh"
}

log {
  format = "json"
}
`)
	base := Default()
	c, err := LoadFile(path, base)
	require.NoError(t, err)

	assert.Equal(t, "/data/survey", c.Output)
	assert.Equal(t, 9, c.Order)
	assert.Equal(t, aggregate.Median{}, c.Policy)
	assert.Equal(t, []tile.Format{tile.FormatFITS, tile.FormatPNG}, c.Formats)
	assert.Equal(t, int64(8<<30), c.Cache.Limit)
	assert.True(t, c.Cache.Persist)
	assert.Equal(t, "https://example.org/survey", c.Mirror.Source)
	assert.Equal(t, 30*time.Second, c.Mirror.StallTimeout)
	assert.Equal(t, 2*time.Second, c.Mirror.Cooldown)
	assert.Equal(t, []cell.Cell{{Order: 3, Index: 12}, {Order: 3, Index: 13}}, c.Mirror.Region)
	assert.Equal(t, tile.Asinh, c.RGB.Transfer)
	for _, cut := range c.RGB.Cuts {
		require.NotNil(t, cut)
		assert.Equal(t, tile.Cut{Min: 0, Max: 100}, *cut)
	}
	assert.Equal(t, "json", c.Log.Format)

	// Unset attributes keep the base.
	assert.Equal(t, base.Workers, c.Workers)
	assert.Equal(t, base.Mirror.MaxTry, c.Mirror.MaxTry)
	assert.Equal(t, base.Log.Level, c.Log.Level)
	assert.Nil(t, base.Policy)
	assert.Empty(t, base.Output)
}

func TestLoadFileRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"policy":   `policy = "mode"`,
		"format":   `formats = ["tiff"]`,
		"limit":    "cache {\n  limit = \"lots\"\n}\n",
		"timeout":  "mirror {\n  stall_timeout = \"soon\"\n}\n",
		"cooldown": "mirror {\n  cooldown = \"later\"\n}\n",
		"region":   "mirror {\n  region = [\"3\"]\n}\n",
		"cuts":     "rgb {\n  cuts = [1, 2, 3]\n}\n",
		"syntax":   `order = `,
		"unknown":  `colour = "red"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, body), Default())
			assert.Error(t, err)
		})
	}
}

func TestParseCuts(t *testing.T) {
	cuts, err := ParseCuts([]float64{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, tile.Cut{Min: 2, Max: 3}, *cuts[tile.Green])

	_, err = ParseCuts([]float64{5, 1})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	assert.Error(t, c.Validate(), "output is required")

	c.Output = t.TempDir()
	require.NoError(t, c.Validate())

	c.Order, c.MinOrder = 3, 5
	assert.Error(t, c.Validate())

	c = Default()
	c.Output = "x"
	c.Log.Format = "xml"
	assert.Error(t, c.Validate())
}

func TestResolveDetectsFromLeaves(t *testing.T) {
	st := store.Open(t.TempDir())
	for _, leaf := range []cell.Cell{{Order: 4, Index: 0}, {Order: 4, Index: 7}} {
		require.NoError(t, st.WriteNumeric(leaf, tile.NewNumeric(8, -32)))
	}
	require.NoError(t, st.Properties().Update(func(p *properties.Properties) error {
		p.Set(properties.KeyFrame, "galactic")
		return nil
	}))

	c := Default()
	c.Output = st.Root
	got, err := c.Resolve(st)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Order)
	assert.Equal(t, []tile.Format{tile.FormatFITS}, got.Formats)
	assert.Equal(t, 8, got.TileWidth)
	assert.Equal(t, "galactic", got.Frame)

	// The receiver is not modified.
	assert.Zero(t, c.Order)
	assert.Empty(t, c.Formats)
}

func TestResolveFallsBackToProperties(t *testing.T) {
	st := store.Open(t.TempDir())
	require.NoError(t, st.Properties().Update(func(p *properties.Properties) error {
		p.Set(properties.KeyOrder, "6")
		p.Set(properties.KeyTileFormat, "png jpeg")
		p.Set(properties.KeyTileWidth, "512")
		return nil
	}))

	got, err := Default().Resolve(st)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Order)
	assert.Equal(t, []tile.Format{tile.FormatPNG, tile.FormatJPEG}, got.Formats)
	assert.Equal(t, 512, got.TileWidth)
	assert.Equal(t, "equatorial", got.Frame)
}

func TestResolveEmptyStore(t *testing.T) {
	_, err := Default().Resolve(store.Open(t.TempDir()))
	assert.Error(t, err)
}
