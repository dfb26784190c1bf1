package tile

import (
	"bytes"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericRoundTrip(t *testing.T) {
	for _, bitpix := range []int{8, 16, 32, -32, -64} {
		src := NewNumeric(4, bitpix)
		src.BScale, src.BZero = 1, 0
		if bitpix == 16 {
			src.BScale, src.BZero = 2, 100
		}
		src.Set(0, 0, 10)
		src.Set(3, 0, 20)
		src.Set(1, 2, 30)
		src.Set(2, 3, 40)

		var buf bytes.Buffer
		require.NoError(t, src.Encode(&buf))

		got, err := DecodeNumeric(&buf)
		require.NoError(t, err, "bitpix %d", bitpix)
		assert.Equal(t, bitpix, got.BitPix)
		assert.Equal(t, 4, got.Width)
		assert.Equal(t, 10.0, got.At(0, 0))
		assert.Equal(t, 20.0, got.At(3, 0))
		assert.Equal(t, 30.0, got.At(1, 2))
		assert.Equal(t, 40.0, got.At(2, 3))
		assert.True(t, got.IsBlank(1, 1), "bitpix %d blank", bitpix)
	}
}

func TestNumericRangeAndEmpty(t *testing.T) {
	n := NewNumeric(2, -32)
	assert.True(t, n.Empty())
	_, _, ok := n.Range()
	assert.False(t, ok)

	n.Set(0, 0, -1)
	n.Set(1, 1, 5)
	lo, hi, ok := n.Range()
	require.True(t, ok)
	assert.Equal(t, -1.0, lo)
	assert.Equal(t, 5.0, hi)
	assert.False(t, n.Empty())

	like := n.Like()
	assert.True(t, like.Empty())
	assert.Equal(t, n.BitPix, like.BitPix)
}

func TestColorPNGRoundTrip(t *testing.T) {
	c := NewColor(4)
	c.Set(1, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	assert.True(t, c.IsBlank(0, 0))
	assert.False(t, c.Empty())

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, FormatPNG))
	got, err := DecodeColor(&buf, FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, got.At(1, 2))
	assert.True(t, got.IsBlank(3, 3))
}

func TestColorJPEGEncodes(t *testing.T) {
	c := NewColor(8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			c.Set(x, y, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, FormatJPEG))
	got, err := DecodeColor(&buf, FormatJPEG)
	require.NoError(t, err)
	assert.InDelta(t, 200, float64(got.At(4, 4).R), 3)
	assert.Error(t, c.Encode(&buf, FormatFITS))
}

func TestBandsToColorSubstitution(t *testing.T) {
	red := NewNumeric(2, -32)
	green := NewNumeric(2, -32)
	red.Set(0, 0, 1)
	green.Set(0, 0, 0)
	red.Set(1, 0, 0.5)
	cuts := [3]Cut{{0, 1}, {0, 1}, {0, 1}}

	out := Bands{red, green, nil}.ToColor(cuts, Linear)

	// Blue is structurally missing: average of red and green.
	assert.Equal(t, color.NRGBA{R: 255, G: 0, B: 128, A: 255}, out.At(0, 0))
	// Only red present: replicated.
	assert.Equal(t, color.NRGBA{R: 128, G: 128, B: 128, A: 255}, out.At(1, 0))
	// Nothing present: blank.
	assert.True(t, out.IsBlank(0, 1))
}

func TestCutScale(t *testing.T) {
	c := Cut{Min: 10, Max: 20}
	assert.Equal(t, uint8(0), c.Scale(5, Linear))
	assert.Equal(t, uint8(255), c.Scale(25, Linear))
	assert.Equal(t, uint8(128), c.Scale(15, Linear))
	assert.Equal(t, uint8(180), c.Scale(15, Sqrt))
	assert.False(t, math.IsNaN(float64(c.Scale(15, Asinh))))
}

func TestFormats(t *testing.T) {
	formats, err := ParseFormats("png fits,jpeg png")
	require.NoError(t, err)
	assert.Equal(t, []Format{FormatPNG, FormatFITS, FormatJPEG}, formats)
	assert.Equal(t, "png fits jpeg", JoinFormats(formats))
	assert.Equal(t, "jpg", FormatJPEG.Ext())
	assert.Equal(t, int64(2048), FormatFITS.CompleteSize())
	assert.Equal(t, int64(1024), FormatPNG.CompleteSize())
	_, err = ParseFormat("tiff")
	assert.Error(t, err)
}
