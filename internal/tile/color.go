package tile

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
)

// JPEGQuality is the encoder quality used for jpg tiles.
const JPEGQuality = 95

// Color is a square 8-bit RGB tile. A pixel with zero alpha is blank.
type Color struct {
	Img *image.NRGBA
}

func NewColor(width int) *Color {
	return &Color{Img: image.NewNRGBA(image.Rect(0, 0, width, width))}
}

func (t *Color) Width() int { return t.Img.Rect.Dx() }

func (t *Color) At(x, y int) color.NRGBA { return t.Img.NRGBAAt(x, y) }

func (t *Color) Set(x, y int, c color.NRGBA) { t.Img.SetNRGBA(x, y, c) }

func (t *Color) IsBlank(x, y int) bool { return t.Img.NRGBAAt(x, y).A == 0 }

// Empty reports whether every pixel is blank.
func (t *Color) Empty() bool {
	for i := 3; i < len(t.Img.Pix); i += 4 {
		if t.Img.Pix[i] != 0 {
			return false
		}
	}
	return true
}

// Encode writes t as png or jpg. JPEG has no alpha, so blank pixels come
// out black.
func (t *Color) Encode(w io.Writer, f Format) error {
	switch f {
	case FormatPNG:
		return png.Encode(w, t.Img)
	case FormatJPEG:
		rgb := image.NewRGBA(t.Img.Rect)
		draw.Draw(rgb, rgb.Rect, image.Black, image.Point{}, draw.Src)
		draw.Draw(rgb, rgb.Rect, t.Img, image.Point{}, draw.Over)
		return jpeg.Encode(w, rgb, &jpeg.Options{Quality: JPEGQuality})
	}
	return fmt.Errorf("tile: %s is not a visual format", f)
}

// DecodeColor reads a png or jpg tile. Pure black jpg pixels are treated
// as blank, since that is how blank pixels were encoded.
func DecodeColor(r io.Reader, f Format) (*Color, error) {
	var (
		img image.Image
		err error
	)
	switch f {
	case FormatPNG:
		img, err = png.Decode(r)
	case FormatJPEG:
		img, err = jpeg.Decode(r)
	default:
		return nil, fmt.Errorf("tile: %s is not a visual format", f)
	}
	if err != nil {
		return nil, fmt.Errorf("tile: decode %s: %w", f, err)
	}
	b := img.Bounds()
	if b.Dx() != b.Dy() {
		return nil, fmt.Errorf("tile: %dx%d image is not a square tile", b.Dx(), b.Dy())
	}
	t := NewColor(b.Dx())
	draw.Draw(t.Img, t.Img.Rect, img, b.Min, draw.Src)
	if f == FormatJPEG {
		for i := 0; i < len(t.Img.Pix); i += 4 {
			p := t.Img.Pix[i : i+4]
			if p[0] == 0 && p[1] == 0 && p[2] == 0 {
				p[3] = 0
			}
		}
	}
	return t, nil
}
