// Package pyramid builds every interior tile of a store from its leaves,
// branch by branch, children strictly before parents.
package pyramid

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentic-research/skytiles/internal/cell"
	"github.com/agentic-research/skytiles/internal/control"
)

// ErrSourceUnreadable marks a leaf that exists but could not be loaded.
// The walk logs it and treats the cell as absent.
var ErrSourceUnreadable = errors.New("source unreadable")

// Walker is the recursive quadtree descent shared by building and
// mirroring. Leaf is called at MaxOrder; Node is called for an interior
// cell with at least one present child and decides what the parent is.
// A cell is absent only when all four of its children are absent.
type Walker[T any] struct {
	MaxOrder int
	Leaf     func(ctx context.Context, c cell.Cell) (T, bool, error)
	Node     func(ctx context.Context, c cell.Cell, children [4]T, present [4]bool) (T, error)
	// Within prunes the descent: a cell it rejects is absent without
	// being visited. Optional.
	Within func(c cell.Cell) bool
	Token  *control.Token
	Logger *slog.Logger
	// OnUnreadable is called for each leaf degraded to absent.
	OnUnreadable func(c cell.Cell, err error)
}

// Walk descends from root. Children are dropped as soon as their parent
// is produced, so one worker only holds one path of the tree.
func (w *Walker[T]) Walk(ctx context.Context, root cell.Cell) (T, bool, error) {
	var zero T
	if err := w.Token.Check(ctx); err != nil {
		return zero, false, err
	}
	if w.Within != nil && !w.Within(root) {
		return zero, false, nil
	}
	if root.Order >= w.MaxOrder {
		t, ok, err := w.Leaf(ctx, root)
		if errors.Is(err, ErrSourceUnreadable) {
			w.log().Warn("leaf degraded to absent", "cell", root.String(), "err", err)
			if w.OnUnreadable != nil {
				w.OnUnreadable(root, err)
			}
			return zero, false, nil
		}
		return t, ok && err == nil, err
	}

	var (
		children [4]T
		present  [4]bool
		found    bool
	)
	for i, ch := range root.Children() {
		t, ok, err := w.Walk(ctx, ch)
		if err != nil {
			return zero, false, err
		}
		children[i], present[i] = t, ok
		found = found || ok
	}
	if !found {
		return zero, false, nil
	}
	t, err := w.Node(ctx, root, children, present)
	if err != nil {
		return zero, false, err
	}
	return t, true, nil
}

func (w *Walker[T]) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
