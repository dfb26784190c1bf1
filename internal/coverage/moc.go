package coverage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile/fits"
)

var ErrBadCoverageFile = errors.New("coverage: not a NUNIQ coverage table")

// Encode writes s as a FITS binary table of NUNIQ values, the
// interchange form of coverage maps.
func (s *Set) Encode(w io.Writer, frame string) error {
	cells := s.Cells()
	uniq := make([]int64, len(cells))
	for i, c := range cells {
		uniq[i] = c.NUniq()
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	primary := fits.NewHeader()
	primary.Set("SIMPLE", true)
	primary.Set("BITPIX", 8)
	primary.Set("NAXIS", 0)
	primary.Set("EXTEND", true)
	if err := fits.WriteHDU(w, primary, nil); err != nil {
		return err
	}

	order := max(s.MaxOrder(), 0)
	h := fits.NewHeader()
	h.Set("XTENSION", "BINTABLE")
	h.Set("BITPIX", 8)
	h.Set("NAXIS", 2)
	h.Set("NAXIS1", 8)
	h.Set("NAXIS2", len(uniq))
	h.Set("PCOUNT", 0)
	h.Set("GCOUNT", 1)
	h.Set("TFIELDS", 1)
	h.Set("TTYPE1", "UNIQ")
	h.Set("TFORM1", "1K")
	h.Set("MOCVERS", "2.0")
	h.Set("MOCDIM", "SPACE")
	h.Set("ORDERING", "NUNIQ")
	h.Set("COORDSYS", frameCode(frame))
	h.Set("MOCORDER", order)
	h.Set("MOCORD_S", order)

	data := make([]byte, 8*len(uniq))
	for i, u := range uniq {
		binary.BigEndian.PutUint64(data[8*i:], uint64(u))
	}
	return fits.WriteHDU(w, h, data)
}

func frameCode(frame string) string {
	switch frame {
	case "galactic":
		return "G"
	case "ecliptic":
		return "E"
	}
	return "C"
}

// Decode reads a coverage file written by Encode or another NUNIQ
// producer.
func Decode(r io.Reader) (*Set, error) {
	br := bufio.NewReader(r)
	if _, _, err := fits.ReadHDU(br); err != nil {
		return nil, err
	}
	h, data, err := fits.ReadHDU(br)
	if err != nil {
		return nil, err
	}
	if x, _ := h.Get("XTENSION"); x != "BINTABLE" {
		return nil, ErrBadCoverageFile
	}
	width, err := h.Int("NAXIS1")
	if err != nil {
		return nil, err
	}
	rows, err := h.Int("NAXIS2")
	if err != nil {
		return nil, err
	}
	form, _ := h.Get("TFORM1")
	if int64(len(data)) < width*rows {
		return nil, fmt.Errorf("%w: short table", ErrBadCoverageFile)
	}

	s := New()
	for i := int64(0); i < rows; i++ {
		row := data[i*width:]
		var u int64
		switch {
		case width == 8 && (form == "1K" || form == "K"):
			u = int64(binary.BigEndian.Uint64(row))
		case width == 4 && (form == "1J" || form == "J"):
			u = int64(int32(binary.BigEndian.Uint32(row)))
		default:
			return nil, fmt.Errorf("%w: column format %q", ErrBadCoverageFile, form)
		}
		c := cell.FromNUniq(u)
		if !c.Valid() {
			return nil, fmt.Errorf("%w: bad NUNIQ %d", ErrBadCoverageFile, u)
		}
		s.Add(c)
	}
	s.Normalize()
	return s, nil
}

// WriteFile writes s atomically to path.
func (s *Set) WriteFile(path, frame string) error {
	return store.WriteFile(path, func(w io.Writer) error { return s.Encode(w, frame) })
}

func ReadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	s, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
