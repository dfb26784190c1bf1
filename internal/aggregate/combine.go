package aggregate

import (
	"image/color"
	"math"

	"github.com/agentic-research/skytiles/internal/tile"
)

// block offsets of the four sub-pixels, in selection order.
var block = [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}}

// Quadrant returns the pixel offset of child q inside its parent tile.
func Quadrant(q, width int) (x0, y0 int) {
	half := width / 2
	return (q >> 1) * half, (1 - q&1) * half
}

// Numeric combines four optional children into a parent tile. The result
// takes its encoding constants from the first present child; it is nil
// only when every child is nil.
func Numeric(p Policy, children [4]*tile.Numeric) *tile.Numeric {
	var proto *tile.Numeric
	for _, c := range children {
		if c != nil {
			proto = c
			break
		}
	}
	if proto == nil {
		return nil
	}
	return downsample(p, proto.Like(), children)
}

// NumericLike is Numeric with the encoding constants taken from proto
// instead of the first present child. A nil proto falls back to Numeric.
func NumericLike(p Policy, proto *tile.Numeric, children [4]*tile.Numeric) *tile.Numeric {
	if proto == nil || children == [4]*tile.Numeric{} {
		return Numeric(p, children)
	}
	return downsample(p, proto.Like(), children)
}

func downsample(p Policy, out *tile.Numeric, children [4]*tile.Numeric) *tile.Numeric {
	w := out.Width
	half := w / 2

	var v [4]float64
	var blank [4]bool
	for q, child := range children {
		if child == nil {
			continue
		}
		x0, y0 := Quadrant(q, w)
		for y := 0; y < half; y++ {
			for x := 0; x < half; x++ {
				for i, d := range block {
					s := child.At(2*x+d[0], 2*y+d[1])
					v[i], blank[i] = s, math.IsNaN(s)
				}
				if r, ok := Combine4(p, v, blank); ok {
					out.Set(x0+x, y0+y, r)
				}
			}
		}
	}
	return out
}

// Color combines four optional color children. Each channel is combined
// independently; a transparent sub-pixel is blank in every channel.
func Color(p Policy, children [4]*tile.Color) *tile.Color {
	w := 0
	for _, c := range children {
		if c != nil {
			w = c.Width()
			break
		}
	}
	if w == 0 {
		return nil
	}
	out := tile.NewColor(w)
	half := w / 2

	var ch [3][4]float64
	var blank [4]bool
	for q, child := range children {
		if child == nil {
			continue
		}
		x0, y0 := Quadrant(q, w)
		for y := 0; y < half; y++ {
			for x := 0; x < half; x++ {
				for i, d := range block {
					s := child.At(2*x+d[0], 2*y+d[1])
					blank[i] = s.A == 0
					ch[0][i], ch[1][i], ch[2][i] = float64(s.R), float64(s.G), float64(s.B)
				}
				var rgb [3]uint8
				ok := true
				for c := range ch {
					r, good := Combine4(p, ch[c], blank)
					if !good {
						ok = false
						break
					}
					rgb[c] = uint8(math.Round(r))
				}
				if ok {
					out.Set(x0+x, y0+y, color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
				}
			}
		}
	}
	return out
}

// Bands runs the numeric downsample independently per band. A band that
// is missing from every child stays missing in the result.
func Bands(p Policy, children [4]tile.Bands) tile.Bands {
	return BandsLike(p, [3]*tile.Numeric{}, children)
}

// BandsLike is Bands with fixed per-band encoding constants.
func BandsLike(p Policy, protos [3]*tile.Numeric, children [4]tile.Bands) tile.Bands {
	var out tile.Bands
	for b := range out {
		var band [4]*tile.Numeric
		for q := range children {
			band[q] = children[q][b]
		}
		out[b] = NumericLike(p, protos[b], band)
	}
	return out
}
