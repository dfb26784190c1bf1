// Package healpix is the boundary to the spherical indexing scheme. Only
// the nested-scheme relations the pyramid and coverage code consume are
// implemented here; coordinate and polygon queries belong to the source
// indexing step and are supplied by callers that need them.
package healpix

import (
	"fmt"
	"math/bits"

	"github.com/agentic-research/skytiles/internal/cell"
)

// Index maps between cells and tile pixels.
type Index interface {
	ChildCells(c cell.Cell) [4]cell.Cell
	ParentCell(c cell.Cell) cell.Cell
	// PixelCell returns the cell at order c.Order+log2(width) covered by
	// pixel (x, y) of c's tile.
	PixelCell(c cell.Cell, width, x, y int) cell.Cell
}

// Nested is the nested-scheme Index used by every store.
type Nested struct{}

var _ Index = Nested{}

func (Nested) ChildCells(c cell.Cell) [4]cell.Cell { return c.Children() }

func (Nested) ParentCell(c cell.Cell) cell.Cell { return c.Parent() }

// PixelCell walks the pixel's quadrant from the most significant bit down.
// The quadrant numbering matches the child placement used when building a
// parent tile: x selects bit 1, an upper-half y selects bit 0.
func (Nested) PixelCell(c cell.Cell, width, x, y int) cell.Cell {
	depth := WidthOrder(width)
	var sub int64
	for b := depth - 1; b >= 0; b-- {
		dg := (x >> uint(b)) & 1
		hg := 1 - (y>>uint(b))&1
		sub = sub<<2 | int64(dg<<1|hg)
	}
	return cell.Cell{Order: c.Order + depth, Index: c.Index<<(2*uint(depth)) | sub}
}

// PixelOf is the inverse of PixelCell: it returns the pixel of tile c that
// covers the deeper cell sub.
func PixelOf(c cell.Cell, width int, sub cell.Cell) (x, y int, err error) {
	depth := WidthOrder(width)
	if sub.Order != c.Order+depth || sub.Ancestor(c.Order) != c {
		return 0, 0, fmt.Errorf("cell %s is not a pixel of %s at width %d", sub, c, width)
	}
	for b := depth - 1; b >= 0; b-- {
		q := int(sub.Index>>(2*uint(b))) & 3
		x |= (q >> 1) << uint(b)
		y |= (1 - q&1) << uint(b)
	}
	return x, y, nil
}

// WidthOrder returns log2(width). Tile widths are powers of two.
func WidthOrder(width int) int {
	return bits.Len(uint(width)) - 1
}
