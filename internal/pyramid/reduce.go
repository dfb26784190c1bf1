package pyramid

import (
	"context"
	"sync"

	"github.com/agentic-research/skytiles/internal/cell"
)

// reducer builds the orders above the branch roots in memory, as the
// branches finish. A parent is combined once all of its expected children
// have reported, and its children are dropped right after.
type reducer[T any] struct {
	floor  int
	node   func(context.Context, cell.Cell, [4]T, [4]bool) (T, error)
	expect map[cell.Cell]int

	mu      sync.Mutex
	pending map[cell.Cell]*siblings[T]
}

type siblings[T any] struct {
	tiles   [4]T
	present [4]bool
	got     int
}

// newReducer expects one report per root and combines up to floor.
func newReducer[T any](roots []cell.Cell, floor int, node func(context.Context, cell.Cell, [4]T, [4]bool) (T, error)) *reducer[T] {
	r := &reducer[T]{
		floor:   floor,
		node:    node,
		expect:  map[cell.Cell]int{},
		pending: map[cell.Cell]*siblings[T]{},
	}
	level := map[cell.Cell]bool{}
	for _, c := range roots {
		level[c] = true
	}
	for len(level) > 0 {
		next := map[cell.Cell]bool{}
		for c := range level {
			if c.Order <= floor {
				continue
			}
			p := c.Parent()
			r.expect[p]++
			next[p] = true
		}
		level = next
	}
	return r
}

// done reports the tile of c, present or not, and combines every parent
// it completes.
func (r *reducer[T]) done(ctx context.Context, c cell.Cell, t T, ok bool) error {
	for c.Order > r.floor {
		p := c.Parent()
		r.mu.Lock()
		s := r.pending[p]
		if s == nil {
			s = &siblings[T]{}
			r.pending[p] = s
		}
		q := c.Index & 3
		s.tiles[q], s.present[q] = t, ok
		s.got++
		if s.got < r.expect[p] {
			r.mu.Unlock()
			return nil
		}
		delete(r.pending, p)
		r.mu.Unlock()

		var zero T
		t, ok = zero, false
		if s.present != [4]bool{} {
			var err error
			if t, err = r.node(ctx, p, s.tiles, s.present); err != nil {
				return err
			}
			ok = true
		}
		c = p
	}
	return nil
}
