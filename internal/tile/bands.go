package tile

import (
	"fmt"
	"image/color"
	"math"
	"strings"
)

// Band indexes of a multi-band tile.
const (
	Red = iota
	Green
	Blue
)

// Bands is one cell of a three-band store. A nil band is structurally
// missing for that cell.
type Bands [3]*Numeric

// Present reports whether at least one band is loaded.
func (b Bands) Present() bool {
	return b[Red] != nil || b[Green] != nil || b[Blue] != nil
}

// Width returns the width of the first present band.
func (b Bands) Width() int {
	for _, t := range b {
		if t != nil {
			return t.Width
		}
	}
	return 0
}

// Transfer maps a normalized value in [0,1] to display intensity.
type Transfer int

const (
	Linear Transfer = iota
	Log
	Sqrt
	Asinh
)

func (t Transfer) String() string {
	switch t {
	case Linear:
		return "linear"
	case Log:
		return "log"
	case Sqrt:
		return "sqrt"
	case Asinh:
		return "asinh"
	}
	return fmt.Sprintf("transfer(%d)", int(t))
}

func ParseTransfer(s string) (Transfer, error) {
	switch strings.ToLower(s) {
	case "", "linear":
		return Linear, nil
	case "log":
		return Log, nil
	case "sqrt":
		return Sqrt, nil
	case "asinh":
		return Asinh, nil
	}
	return 0, fmt.Errorf("unknown transfer function %q", s)
}

func (t Transfer) apply(v float64) float64 {
	switch t {
	case Log:
		return math.Log10(1 + 9*v)
	case Sqrt:
		return math.Sqrt(v)
	case Asinh:
		return math.Asinh(10*v) / math.Asinh(10)
	}
	return v
}

// Cut is the physical value range mapped onto 0..255.
type Cut struct {
	Min, Max float64
}

// Scale maps v through the cut and transfer function to a byte.
func (c Cut) Scale(v float64, tf Transfer) uint8 {
	span := c.Max - c.Min
	if span <= 0 {
		span = 1
	}
	n := (v - c.Min) / span
	n = math.Max(0, math.Min(1, n))
	return uint8(math.Round(tf.apply(n) * 255))
}

// ToColor converts aggregated bands into one color tile. Where exactly one
// band is missing (absent tile or blank pixel) its value is the average
// of the other two; where two are missing the remaining band is used for
// all three; where all are missing the pixel is blank.
func (b Bands) ToColor(cuts [3]Cut, tf Transfer) *Color {
	width := b.Width()
	out := NewColor(width)
	var vals [3]float64
	var ok [3]bool
	for y := 0; y < width; y++ {
		for x := 0; x < width; x++ {
			n := 0
			for i, band := range b {
				ok[i] = band != nil && !band.IsBlank(x, y)
				if ok[i] {
					vals[i] = float64(cuts[i].Scale(band.At(x, y), tf))
					n++
				}
			}
			switch n {
			case 0:
				continue
			case 1:
				for i := range vals {
					if ok[i] {
						vals[0], vals[1], vals[2] = vals[i], vals[i], vals[i]
						break
					}
				}
			case 2:
				for i := range vals {
					if !ok[i] {
						vals[i] = (vals[(i+1)%3] + vals[(i+2)%3]) / 2
					}
				}
			}
			out.Set(x, y, color.NRGBA{
				R: uint8(math.Round(vals[Red])),
				G: uint8(math.Round(vals[Green])),
				B: uint8(math.Round(vals[Blue])),
				A: 255,
			})
		}
	}
	return out
}
