package mirror

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/agentic-research/skytiles/internal/coverage"
	"github.com/agentic-research/skytiles/internal/properties"
	"github.com/agentic-research/skytiles/internal/store"
	"github.com/agentic-research/skytiles/internal/tile"
	"github.com/agentic-research/skytiles/internal/transfer"
)

// ErrIncompatibleMirror is returned before any transfer when the remote
// store cannot serve the requested mirror.
var ErrIncompatibleMirror = errors.New("incompatible mirror")

type IncompatibleError struct {
	Source string
	Reason string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("incompatible mirror %s: %s", e.Source, e.Reason)
}

func (e *IncompatibleError) Unwrap() error { return ErrIncompatibleMirror }

// remote is what the source store says about itself.
type remote struct {
	props    *properties.Properties
	order    int
	formats  []tile.Format
	frame    string
	coverage *coverage.Set
}

func (e *Engine) fetchRemote(ctx context.Context) (*remote, error) {
	src := e.cfg.Source
	body, _, err := src.Open(ctx, properties.FileName)
	if errors.Is(err, transfer.ErrNotFound) {
		return nil, e.incompatible("no properties file")
	}
	if err != nil {
		return nil, fmt.Errorf("fetch remote properties: %w", err)
	}
	props, err := properties.Parse(body)
	_ = body.Close()
	if err != nil {
		return nil, e.incompatible(err.Error())
	}

	r := &remote{props: props, frame: props.Frame()}
	if r.order, err = props.Order(); err != nil {
		return nil, e.incompatible(err.Error())
	}
	if r.formats, err = props.Formats(); err != nil {
		return nil, e.incompatible(err.Error())
	}

	body, _, err = src.Open(ctx, store.CoverageFile)
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		e.log.Info("remote has no coverage file; mirroring every branch")
	case err != nil:
		return nil, fmt.Errorf("fetch remote coverage: %w", err)
	default:
		r.coverage, err = coverage.Decode(body)
		_ = body.Close()
		if err != nil {
			e.log.Warn("remote coverage unreadable; mirroring every branch", "err", err)
			r.coverage = nil
		}
	}
	return r, nil
}

// validate checks the request against the remote and any existing local
// store. It returns the order and formats to mirror.
func (e *Engine) validate(r *remote) (int, []tile.Format, error) {
	order := e.cfg.MaxOrder
	if order <= 0 {
		order = r.order
	}
	if order > r.order {
		return 0, nil, e.incompatible(fmt.Sprintf("order %d is finer than remote order %d", order, r.order))
	}

	formats := e.cfg.Formats
	if len(formats) == 0 {
		formats = r.formats
	}
	for _, f := range formats {
		if !slices.Contains(r.formats, f) {
			return 0, nil, e.incompatible(fmt.Sprintf("format %s not available (remote has %s)",
				f, tile.JoinFormats(r.formats)))
		}
	}

	local, err := e.cfg.Store.Properties().Load()
	if err != nil {
		return 0, nil, err
	}
	if v, ok := local.Get(properties.KeyFrame); ok && v != "" && !strings.EqualFold(v, r.frame) {
		return 0, nil, e.incompatible(fmt.Sprintf("local frame %s differs from remote frame %s", v, r.frame))
	}
	return order, formats, nil
}

func (e *Engine) incompatible(reason string) error {
	return &IncompatibleError{Source: e.cfg.Source.String(), Reason: reason}
}

// mirrorStatus rewrites the remote hips_status for the local copy.
func mirrorStatus(remote string, partial bool) string {
	var out []string
	for _, w := range strings.Fields(remote) {
		switch w {
		case "master", "mirror", "partial":
			continue
		}
		out = append(out, w)
	}
	if partial {
		out = append(out, "partial")
	} else {
		out = append(out, "mirror")
	}
	return strings.Join(out, " ")
}
