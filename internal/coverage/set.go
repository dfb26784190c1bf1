// Package coverage builds and stores the multi-resolution map of which
// cells of a store hold data.
package coverage

import (
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/agentic-research/skytiles/internal/cell"
)

// Set is a union of cells of mixed orders, one bitmap per order. After
// Normalize no cell and one of its ancestors are both present and no four
// complete siblings remain unmerged.
type Set struct {
	orders [cell.MaxOrder + 1]*roaring64.Bitmap
}

func New() *Set { return &Set{} }

// Of returns a normalized set holding cells.
func Of(cells ...cell.Cell) *Set {
	s := New()
	for _, c := range cells {
		s.Add(c)
	}
	s.Normalize()
	return s
}

func (s *Set) level(order int) *roaring64.Bitmap {
	if s.orders[order] == nil {
		s.orders[order] = roaring64.New()
	}
	return s.orders[order]
}

// Add inserts c without normalizing.
func (s *Set) Add(c cell.Cell) {
	s.level(c.Order).Add(uint64(c.Index))
}

func (s *Set) has(c cell.Cell) bool {
	bm := s.orders[c.Order]
	return bm != nil && bm.Contains(uint64(c.Index))
}

// Empty reports whether the set covers nothing.
func (s *Set) Empty() bool {
	for _, bm := range s.orders {
		if bm != nil && !bm.IsEmpty() {
			return false
		}
	}
	return true
}

// MaxOrder returns the deepest order holding a cell, or -1 when empty.
func (s *Set) MaxOrder() int {
	for o := cell.MaxOrder; o >= 0; o-- {
		if bm := s.orders[o]; bm != nil && !bm.IsEmpty() {
			return o
		}
	}
	return -1
}

// Len returns the number of cells stored.
func (s *Set) Len() int {
	n := 0
	for _, bm := range s.orders {
		if bm != nil {
			n += int(bm.GetCardinality())
		}
	}
	return n
}

// Normalize absorbs cells covered by a present ancestor, then merges
// every complete group of four siblings into their parent.
func (s *Set) Normalize() {
	top := s.MaxOrder()
	for o := 0; o < top; o++ {
		bm := s.orders[o]
		if bm == nil || bm.IsEmpty() {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			c := cell.Cell{Order: o, Index: int64(it.Next())}
			for d := o + 1; d <= top; d++ {
				if deeper := s.orders[d]; deeper != nil && !deeper.IsEmpty() {
					first, last := c.Descendants(d)
					deeper.RemoveRange(uint64(first), uint64(last)+1)
				}
			}
		}
	}
	for o := top; o > 0; o-- {
		bm := s.orders[o]
		if bm == nil || bm.IsEmpty() {
			continue
		}
		var parents []uint64
		it := bm.Iterator()
		for it.HasNext() {
			i := it.Next()
			if i%4 != 0 {
				continue
			}
			if bm.Contains(i+1) && bm.Contains(i+2) && bm.Contains(i+3) {
				parents = append(parents, i/4)
			}
		}
		for _, p := range parents {
			bm.RemoveRange(p*4, p*4+4)
			s.level(o - 1).Add(p)
		}
	}
}

// Contains reports whether c lies entirely inside the set.
func (s *Set) Contains(c cell.Cell) bool {
	for o := c.Order; o >= 0; o-- {
		if s.has(c.Ancestor(o)) {
			return true
		}
	}
	return false
}

// Intersects reports whether any part of c is covered.
func (s *Set) Intersects(c cell.Cell) bool {
	if s.Contains(c) {
		return true
	}
	for o := c.Order + 1; o <= cell.MaxOrder; o++ {
		bm := s.orders[o]
		if bm == nil || bm.IsEmpty() {
			continue
		}
		first, last := c.Descendants(o)
		n := bm.Rank(uint64(last))
		if first > 0 {
			n -= bm.Rank(uint64(first) - 1)
		}
		if n > 0 {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	out := New()
	for o, bm := range s.orders {
		if bm != nil {
			out.orders[o] = bm.Clone()
		}
	}
	return out
}

// Degrade returns the set with every cell deeper than order replaced by
// its ancestor at order. The result never covers less than s.
func (s *Set) Degrade(order int) *Set {
	out := New()
	for o, bm := range s.orders {
		if bm == nil || bm.IsEmpty() {
			continue
		}
		if o <= order {
			out.level(o).Or(bm)
			continue
		}
		shift := 2 * uint(o-order)
		dst := out.level(order)
		it := bm.Iterator()
		for it.HasNext() {
			dst.Add(it.Next() >> shift)
		}
	}
	out.Normalize()
	return out
}

// Area returns the number of order-level cells covered once the set is
// degraded to order.
func (s *Set) Area(order int) int64 {
	d := s.Degrade(order)
	var n int64
	for o := 0; o <= order; o++ {
		if bm := d.orders[o]; bm != nil {
			n += int64(bm.GetCardinality()) << (2 * uint(order-o))
		}
	}
	return n
}

// SkyFraction returns the covered fraction of the whole sphere.
func (s *Set) SkyFraction() float64 {
	var f float64
	for o, bm := range s.orders {
		if bm != nil {
			f += float64(bm.GetCardinality()) / float64(cell.NCells(o))
		}
	}
	return f
}

// Union returns a normalized set covering s and other.
func (s *Set) Union(other *Set) *Set {
	out := s.Clone()
	for o, bm := range other.orders {
		if bm != nil {
			out.level(o).Or(bm)
		}
	}
	out.Normalize()
	return out
}

// Intersect returns a normalized set covering what both s and other
// cover.
func (s *Set) Intersect(other *Set) *Set {
	out := New()
	s.Each(func(c cell.Cell) {
		if other.Contains(c) {
			out.Add(c)
		}
	})
	other.Each(func(c cell.Cell) {
		if s.Contains(c) {
			out.Add(c)
		}
	})
	out.Normalize()
	return out
}

// Each calls fn for every stored cell, coarsest order first.
func (s *Set) Each(fn func(cell.Cell)) {
	for o, bm := range s.orders {
		if bm == nil {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			fn(cell.Cell{Order: o, Index: int64(it.Next())})
		}
	}
}

// Cells returns the stored cells, coarsest order first.
func (s *Set) Cells() []cell.Cell {
	out := make([]cell.Cell, 0, s.Len())
	s.Each(func(c cell.Cell) { out = append(out, c) })
	return out
}

// Roots returns the cells at order that intersect the set, ascending.
func (s *Set) Roots(order int) []cell.Cell {
	bm := roaring64.New()
	s.Each(func(c cell.Cell) {
		if c.Order <= order {
			first, last := c.Descendants(order)
			bm.AddRange(uint64(first), uint64(last)+1)
			return
		}
		bm.Add(uint64(c.Ancestor(order).Index))
	})
	out := make([]cell.Cell, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, cell.Cell{Order: order, Index: int64(it.Next())})
	}
	return out
}
