package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadAndScan(t *testing.T) {
	s := Open(t.TempDir())

	num := tile.NewNumeric(4, -32)
	num.Set(1, 2, 7.5)
	a := cell.Cell{Order: 5, Index: 12345}
	b := cell.Cell{Order: 5, Index: 3}
	require.NoError(t, s.WriteNumeric(a, num))
	require.NoError(t, s.WriteNumeric(b, num))

	col := tile.NewColor(4)
	require.NoError(t, s.WriteColor(b, tile.FormatPNG, col))

	assert.FileExists(t, filepath.Join(s.Root, "Norder5", "Dir10000", "Npix12345.fits"))
	assert.True(t, s.Exists(b, tile.FormatPNG))
	assert.False(t, s.Exists(a, tile.FormatPNG))

	back, err := s.ReadNumeric(a)
	require.NoError(t, err)
	assert.Equal(t, 7.5, back.At(1, 2))

	order, err := s.LeafOrder()
	require.NoError(t, err)
	assert.Equal(t, 5, order)

	leaves, err := s.Leaves(5, tile.FormatFITS)
	require.NoError(t, err)
	assert.Equal(t, []cell.Cell{b, a}, leaves)

	formats, err := s.DetectFormats(5)
	require.NoError(t, err)
	assert.Equal(t, []tile.Format{tile.FormatFITS, tile.FormatPNG}, formats)

	width, err := s.TileWidth(5, tile.FormatFITS)
	require.NoError(t, err)
	assert.Equal(t, 4, width)
}

func TestLeafOrderSkipsEmptyLevels(t *testing.T) {
	s := Open(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root, "Norder9", "Dir0"), 0o755))
	_, err := s.LeafOrder()
	assert.ErrorIs(t, err, ErrNoLeaves)

	require.NoError(t, s.WriteNumeric(cell.Cell{Order: 4, Index: 1}, tile.NewNumeric(2, 16)))
	order, err := s.LeafOrder()
	require.NoError(t, err)
	assert.Equal(t, 4, order)
}

func TestWalkIgnoresStrayFiles(t *testing.T) {
	s := Open(t.TempDir())
	dir := filepath.Join(s.Root, "Norder3", "Dir0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Npix99999.fits"), nil, 0o644))

	leaves, err := s.Leaves(3, tile.FormatFITS)
	require.NoError(t, err)
	assert.Empty(t, leaves)
}
