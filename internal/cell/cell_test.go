package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellFamily(t *testing.T) {
	c := Cell{Order: 3, Index: 700}
	kids := c.Children()
	for i, k := range kids {
		assert.Equal(t, 4, k.Order)
		assert.Equal(t, int64(2800+i), k.Index)
		assert.Equal(t, c, k.Parent())
		assert.True(t, c.Contains(k))
	}
	assert.Equal(t, Cell{0, 0}, Cell{0, 0}.Parent())
	assert.Equal(t, Cell{1, 2}, Cell{5, 2 << 8}.Ancestor(1))
	assert.False(t, kids[0].Contains(c))

	first, last := c.Descendants(5)
	assert.Equal(t, int64(700*16), first)
	assert.Equal(t, int64(700*16+15), last)
}

func TestNCellsAndValid(t *testing.T) {
	assert.Equal(t, int64(12), NCells(0))
	assert.Equal(t, int64(768), NCells(BranchOrder))
	assert.Len(t, Roots(BranchOrder), 768)
	assert.True(t, Cell{3, 767}.Valid())
	assert.False(t, Cell{3, 768}.Valid())
	assert.False(t, Cell{-1, 0}.Valid())
}

func TestNUniqRoundTrip(t *testing.T) {
	for _, c := range []Cell{{0, 0}, {0, 11}, {3, 767}, {8, 123456}, {12, 0}} {
		assert.Equal(t, c, FromNUniq(c.NUniq()), c.String())
	}
	assert.Equal(t, int64(4), Cell{0, 0}.NUniq())
}

func TestPathLayout(t *testing.T) {
	assert.Equal(t, "Norder3/Dir0/Npix42.fits", Path(Cell{3, 42}, "fits"))
	assert.Equal(t, "Norder9/Dir30000/Npix31234.png", Path(Cell{9, 31234}, "png"))
	assert.Equal(t, "Norder3/Allsky.jpg", AllskyPath("jpg"))

	c, ext, err := ParsePath("Norder9/Dir30000/Npix31234.fits.gz")
	require.NoError(t, err)
	assert.Equal(t, Cell{9, 31234}, c)
	assert.Equal(t, "fits.gz", ext)

	for _, bad := range []string{
		"Norder9/Npix1.fits",
		"Level9/Dir0/Npix1.fits",
		"Norder9/Dir10000/Npix1.fits",
		"Norder1/Dir0/Npix999.fits",
		"Norder1/Dir0/Cell1.fits",
	} {
		_, _, err := ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse(" 3/700 ")
	require.NoError(t, err)
	assert.Equal(t, Cell{3, 700}, c)
	assert.Equal(t, c, must(Parse(c.String())))

	for _, bad := range []string{"3", "x/1", "3/y", "0/12"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func must(c Cell, err error) Cell {
	if err != nil {
		panic(err)
	}
	return c
}
