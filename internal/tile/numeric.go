package tile

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/agentic-research/skytiles/internal/tile/fits"
)

// Numeric is a square tile of physical values. Blank pixels are NaN in
// memory and are written as BLANK (integer BITPIX) or NaN (real BITPIX).
type Numeric struct {
	Width  int
	Pix    []float64
	BitPix int
	BScale float64
	BZero  float64
	// Blank is the raw integer used for blank pixels when BitPix > 0.
	Blank    int64
	HasBlank bool
}

// NewNumeric returns an all-blank tile.
func NewNumeric(width, bitpix int) *Numeric {
	t := &Numeric{
		Width:  width,
		Pix:    make([]float64, width*width),
		BitPix: bitpix,
		BScale: 1,
	}
	for i := range t.Pix {
		t.Pix[i] = math.NaN()
	}
	if bitpix > 0 {
		t.HasBlank = true
		t.Blank = DefaultBlank(bitpix)
	}
	return t
}

// DefaultBlank is the raw blank value used when a source did not declare
// one.
func DefaultBlank(bitpix int) int64 {
	switch bitpix {
	case 8:
		return 0
	case 16:
		return math.MinInt16
	case 32:
		return math.MinInt32
	case 64:
		return math.MinInt64
	}
	return 0
}

// Like returns an all-blank tile sharing t's encoding constants.
func (t *Numeric) Like() *Numeric {
	out := NewNumeric(t.Width, t.BitPix)
	out.BScale, out.BZero = t.BScale, t.BZero
	out.Blank, out.HasBlank = t.Blank, t.HasBlank
	return out
}

func (t *Numeric) At(x, y int) float64 { return t.Pix[y*t.Width+x] }

func (t *Numeric) Set(x, y int, v float64) { t.Pix[y*t.Width+x] = v }

func (t *Numeric) IsBlank(x, y int) bool { return math.IsNaN(t.Pix[y*t.Width+x]) }

// Empty reports whether every pixel is blank.
func (t *Numeric) Empty() bool {
	for _, v := range t.Pix {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Range returns the min and max non-blank values. ok is false for an
// empty tile.
func (t *Numeric) Range() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range t.Pix {
		if math.IsNaN(v) {
			continue
		}
		ok = true
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, ok
}

// Encode writes t as a FITS primary HDU. Rows go bottom-up, as FITS
// viewers expect.
func (t *Numeric) Encode(w io.Writer) error {
	return EncodeRaster(w, t, t.Width, t.Width, t.Pix)
}

// EncodeRaster writes a width×height image of physical values, stored
// top row first, using proto's encoding constants. It serves tiles and
// the non-square Allsky mosaic alike.
func EncodeRaster(w io.Writer, proto *Numeric, width, height int, pix []float64) error {
	if len(pix) != width*height {
		return fmt.Errorf("tile: %d pixels for a %dx%d image", len(pix), width, height)
	}
	bpp, err := fits.BytesPerPixel(proto.BitPix)
	if err != nil {
		return err
	}
	h := fits.NewHeader()
	h.Set("SIMPLE", true)
	h.Set("BITPIX", proto.BitPix)
	h.Set("NAXIS", 2)
	h.Set("NAXIS1", width)
	h.Set("NAXIS2", height)
	if proto.BScale != 1 {
		h.Set("BSCALE", proto.BScale)
	}
	if proto.BZero != 0 {
		h.Set("BZERO", proto.BZero)
	}
	if proto.BitPix > 0 && proto.HasBlank {
		h.Set("BLANK", proto.Blank)
	}

	scale := proto.BScale
	if scale == 0 {
		scale = 1
	}
	data := make([]byte, len(pix)*bpp)
	off := 0
	for y := height - 1; y >= 0; y-- {
		for x := 0; x < width; x++ {
			v := pix[y*width+x]
			var raw float64
			switch {
			case math.IsNaN(v) && proto.BitPix > 0:
				raw = float64(proto.Blank)
			case math.IsNaN(v):
				raw = math.NaN()
			default:
				raw = (v - proto.BZero) / scale
			}
			fits.EncodeValue(data[off:], proto.BitPix, raw)
			off += bpp
		}
	}
	return fits.WriteHDU(w, h, data)
}

// DecodeNumeric reads a square FITS image tile.
func DecodeNumeric(r io.Reader) (*Numeric, error) {
	h, data, err := fits.ReadHDU(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	bitpix64, err := h.Int("BITPIX")
	if err != nil {
		return nil, err
	}
	bitpix := int(bitpix64)
	bpp, err := fits.BytesPerPixel(bitpix)
	if err != nil {
		return nil, err
	}
	w, err := h.Int("NAXIS1")
	if err != nil {
		return nil, err
	}
	hgt, err := h.Int("NAXIS2")
	if err != nil {
		return nil, err
	}
	if w != hgt || w <= 0 {
		return nil, fmt.Errorf("tile: %dx%d image is not a square tile", w, hgt)
	}
	t := &Numeric{Width: int(w), BitPix: bitpix}
	if t.BScale, err = h.FloatOr("BSCALE", 1); err != nil {
		return nil, err
	}
	if t.BZero, err = h.FloatOr("BZERO", 0); err != nil {
		return nil, err
	}
	if _, ok := h.Get("BLANK"); ok && bitpix > 0 {
		if t.Blank, err = h.Int("BLANK"); err != nil {
			return nil, err
		}
		t.HasBlank = true
	}
	if len(data) < int(w*w)*bpp {
		return nil, fmt.Errorf("tile: short data unit: %d bytes", len(data))
	}

	t.Pix = make([]float64, w*w)
	off := 0
	for y := t.Width - 1; y >= 0; y-- {
		for x := 0; x < t.Width; x++ {
			raw := fits.DecodeValue(data[off:], bitpix)
			off += bpp
			switch {
			case bitpix > 0 && t.HasBlank && raw == float64(t.Blank):
				t.Set(x, y, math.NaN())
			case math.IsNaN(raw):
				t.Set(x, y, math.NaN())
			default:
				t.Set(x, y, raw*t.BScale+t.BZero)
			}
		}
	}
	return t, nil
}
