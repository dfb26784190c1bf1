// Package cell addresses the nested quadtree that every tile, coverage
// entry and cache lookup is keyed on.
//
// A cell is an (order, index) pair. Order 0 has 12 cells; every cell has
// exactly four children at order+1, so order k has 12·4^k cells.
package cell

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// BranchOrder is the order of the top-level branches handed to workers.
// 12·4^3 = 768 branches.
const BranchOrder = 3

// MaxOrder is the deepest order whose indexes fit an int64 comfortably.
const MaxOrder = 29

// Cell is a quadtree cell address.
type Cell struct {
	Order int
	Index int64
}

// NCells returns the number of cells at order.
func NCells(order int) int64 {
	return 12 << (2 * uint(order))
}

// Valid reports whether c addresses an existing cell.
func (c Cell) Valid() bool {
	return c.Order >= 0 && c.Order <= MaxOrder && c.Index >= 0 && c.Index < NCells(c.Order)
}

// Parent returns the cell one order up. The parent of an order-0 cell is
// itself.
func (c Cell) Parent() Cell {
	if c.Order == 0 {
		return c
	}
	return Cell{Order: c.Order - 1, Index: c.Index >> 2}
}

// Children returns the four cells at order+1 covering c.
func (c Cell) Children() [4]Cell {
	base := c.Index << 2
	o := c.Order + 1
	return [4]Cell{
		{o, base}, {o, base + 1}, {o, base + 2}, {o, base + 3},
	}
}

// Ancestor returns the cell at order that contains c. If order is not
// coarser than c, c is returned unchanged.
func (c Cell) Ancestor(order int) Cell {
	if order >= c.Order {
		return c
	}
	return Cell{Order: order, Index: c.Index >> (2 * uint(c.Order-order))}
}

// Contains reports whether other is c or a descendant of c.
func (c Cell) Contains(other Cell) bool {
	if other.Order < c.Order {
		return false
	}
	return other.Ancestor(c.Order) == c
}

// Descendants returns the index range [first, last] covered by c at a
// deeper order.
func (c Cell) Descendants(order int) (first, last int64) {
	shift := 2 * uint(order-c.Order)
	first = c.Index << shift
	last = first + (int64(1) << shift) - 1
	return first, last
}

// NUniq encodes c into the single-integer form used by coverage files.
func (c Cell) NUniq() int64 {
	return 4*(int64(1)<<(2*uint(c.Order))) + c.Index
}

// FromNUniq decodes a NUNIQ value.
func FromNUniq(u int64) Cell {
	order := 0
	for (int64(4) << (2 * uint(order+1))) <= u {
		order++
	}
	return Cell{Order: order, Index: u - 4*(int64(1)<<(2*uint(order)))}
}

func (c Cell) String() string {
	return fmt.Sprintf("%d/%d", c.Order, c.Index)
}

// Parse reads the "order/index" form produced by String.
func Parse(s string) (Cell, error) {
	o, i, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Cell{}, fmt.Errorf("cell %q: want order/index", s)
	}
	order, err := strconv.Atoi(o)
	if err != nil {
		return Cell{}, fmt.Errorf("cell %q: %w", s, err)
	}
	idx, err := strconv.ParseInt(i, 10, 64)
	if err != nil {
		return Cell{}, fmt.Errorf("cell %q: %w", s, err)
	}
	c := Cell{Order: order, Index: idx}
	if !c.Valid() {
		return Cell{}, fmt.Errorf("cell %q out of range", s)
	}
	return c, nil
}

// Roots returns every cell at order, in index order.
func Roots(order int) []Cell {
	n := NCells(order)
	out := make([]Cell, n)
	for i := range out {
		out[i] = Cell{Order: order, Index: int64(i)}
	}
	return out
}

// Dir returns the bucket directory index holding c.
func (c Cell) Dir() int64 {
	return (c.Index / 10000) * 10000
}

// Path returns the slash-separated store-relative path of c's tile,
// Norder<order>/Dir<bucket>/Npix<index>.<ext>.
func Path(c Cell, ext string) string {
	return path.Join(
		"Norder"+strconv.Itoa(c.Order),
		"Dir"+strconv.FormatInt(c.Dir(), 10),
		"Npix"+strconv.FormatInt(c.Index, 10)+"."+ext,
	)
}

// LevelDir returns the directory holding every tile at order.
func LevelDir(order int) string {
	return "Norder" + strconv.Itoa(order)
}

// AllskyPath returns the relative path of the coarse aggregate file.
func AllskyPath(ext string) string {
	return path.Join(LevelDir(BranchOrder), "Allsky."+ext)
}

// ParsePath parses a store-relative tile path. The extension returned has
// no leading dot and keeps any compression suffix ("fits.gz").
func ParsePath(rel string) (Cell, string, error) {
	rel = strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "/")
	parts := strings.Split(rel, "/")
	if len(parts) != 3 {
		return Cell{}, "", fmt.Errorf("tile path %q: want Norder/Dir/Npix", rel)
	}
	orderStr, ok := strings.CutPrefix(parts[0], "Norder")
	if !ok {
		return Cell{}, "", fmt.Errorf("tile path %q: bad level %q", rel, parts[0])
	}
	order, err := strconv.Atoi(orderStr)
	if err != nil {
		return Cell{}, "", fmt.Errorf("tile path %q: %w", rel, err)
	}
	name, ok := strings.CutPrefix(parts[2], "Npix")
	if !ok {
		return Cell{}, "", fmt.Errorf("tile path %q: bad name %q", rel, parts[2])
	}
	idxStr, ext, _ := strings.Cut(name, ".")
	idx, err := strconv.ParseInt(idxStr, 10, 64)
	if err != nil {
		return Cell{}, "", fmt.Errorf("tile path %q: %w", rel, err)
	}
	c := Cell{Order: order, Index: idx}
	if !c.Valid() {
		return Cell{}, "", fmt.Errorf("tile path %q: cell %s out of range", rel, c)
	}
	if parts[1] != "Dir"+strconv.FormatInt(c.Dir(), 10) {
		return Cell{}, "", fmt.Errorf("tile path %q: wrong bucket %q", rel, parts[1])
	}
	return c, ext, nil
}
