package pyramid

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"

	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/control"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
)

// Allsky mosaic geometry: the 768 order-3 tiles in rows of 27.
const (
	AllskyColumns = 27
	AllskyThumb   = 64
)

// Allsky writes Norder3/Allsky.<ext> from the order-3 tiles of f and
// returns how many tiles it placed. Nothing is written when the store has
// no order-3 tile.
func Allsky(ctx context.Context, st *store.Store, f tile.Format, tok *control.Token, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	var m mosaic
	if f.Numeric() {
		m = &numericMosaic{}
	} else {
		m = &colorMosaic{}
	}

	placed := 0
	for _, c := range cell.Roots(cell.BranchOrder) {
		if err := tok.Check(ctx); err != nil {
			return placed, err
		}
		if !st.Exists(c, f) {
			continue
		}
		if err := m.place(st, f, c); err != nil {
			log.Warn("allsky: tile skipped", "cell", c.String(), "err", err)
			continue
		}
		placed++
	}
	if placed == 0 {
		return 0, nil
	}
	if err := tok.Check(ctx); err != nil {
		return placed, err
	}
	if err := store.WriteFile(st.AllskyPath(f), func(w io.Writer) error { return m.encode(w, f) }); err != nil {
		return placed, err
	}
	log.Debug("allsky written", "format", f.String(), "tiles", placed)
	return placed, nil
}

type mosaic interface {
	place(st *store.Store, f tile.Format, c cell.Cell) error
	encode(w io.Writer, f tile.Format) error
}

// layout fixes the thumbnail size from the first tile seen.
type layout struct {
	tileWidth int
	thumb     int
}

func (l *layout) fit(width int) error {
	if l.tileWidth == 0 {
		l.tileWidth = width
		l.thumb = min(AllskyThumb, width)
		return nil
	}
	if width != l.tileWidth {
		return fmt.Errorf("tile width %d, want %d", width, l.tileWidth)
	}
	return nil
}

func (l *layout) size() (w, h int) {
	rows := (int(cell.NCells(cell.BranchOrder)) + AllskyColumns - 1) / AllskyColumns
	return AllskyColumns * l.thumb, rows * l.thumb
}

func (l *layout) origin(c cell.Cell) (x, y int) {
	i := int(c.Index)
	return (i % AllskyColumns) * l.thumb, (i / AllskyColumns) * l.thumb
}

type numericMosaic struct {
	layout
	proto *tile.Numeric
	pix   []float64
}

func (m *numericMosaic) place(st *store.Store, _ tile.Format, c cell.Cell) error {
	t, err := st.ReadNumeric(c)
	if err != nil {
		return err
	}
	if err := m.fit(t.Width); err != nil {
		return err
	}
	w, h := m.size()
	if m.pix == nil {
		m.proto = t
		m.pix = make([]float64, w*h)
		for i := range m.pix {
			m.pix[i] = math.NaN()
		}
	}
	ox, oy := m.origin(c)
	k := m.tileWidth / m.thumb
	for ty := 0; ty < m.thumb; ty++ {
		for tx := 0; tx < m.thumb; tx++ {
			var sum float64
			n := 0
			for dy := 0; dy < k; dy++ {
				for dx := 0; dx < k; dx++ {
					if v := t.At(tx*k+dx, ty*k+dy); !math.IsNaN(v) {
						sum += v
						n++
					}
				}
			}
			if n > 0 {
				m.pix[(oy+ty)*w+ox+tx] = sum / float64(n)
			}
		}
	}
	return nil
}

func (m *numericMosaic) encode(w io.Writer, _ tile.Format) error {
	width, height := m.size()
	return tile.EncodeRaster(w, m.proto, width, height, m.pix)
}

type colorMosaic struct {
	layout
	img *image.NRGBA
}

func (m *colorMosaic) place(st *store.Store, f tile.Format, c cell.Cell) error {
	t, err := st.ReadColor(c, f)
	if err != nil {
		return err
	}
	if err := m.fit(t.Width()); err != nil {
		return err
	}
	if m.img == nil {
		w, h := m.size()
		m.img = image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	ox, oy := m.origin(c)
	k := m.tileWidth / m.thumb
	for ty := 0; ty < m.thumb; ty++ {
		for tx := 0; tx < m.thumb; tx++ {
			var r, g, b, n int
			for dy := 0; dy < k; dy++ {
				for dx := 0; dx < k; dx++ {
					p := t.At(tx*k+dx, ty*k+dy)
					if p.A == 0 {
						continue
					}
					r, g, b, n = r+int(p.R), g+int(p.G), b+int(p.B), n+1
				}
			}
			if n > 0 {
				m.img.SetNRGBA(ox+tx, oy+ty, color.NRGBA{
					R: uint8(r / n), G: uint8(g / n), B: uint8(b / n), A: 255,
				})
			}
		}
	}
	return nil
}

func (m *colorMosaic) encode(w io.Writer, f tile.Format) error {
	return (&tile.Color{Img: m.img}).Encode(w, f)
}
