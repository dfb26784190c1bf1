// Package control is the cooperative abort/pause surface shared by every
// long-running operation. A Token is passed down the call chain and
// polled at branch entry and at each leaf or transfer boundary.
package control

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/agentic-research/skytiles/api"
)

// ErrAborted is returned when a run unwinds because of an abort request.
// It is not a failure: completed output is kept and a later run resumes.
var ErrAborted = errors.New("task aborted")

// pollInterval is how often a paused worker re-checks its token.
const pollInterval = 200 * time.Millisecond

// Flags is an external source of abort/pause requests, such as a control
// file written by another process.
type Flags interface {
	Aborted() bool
	Paused() bool
}

// Token carries the abort and pause flags of one run.
type Token struct {
	abort atomic.Bool
	pause atomic.Bool
	ext   Flags
}

var _ api.Control = (*Token)(nil)

// NewToken returns a token that also honours ext when non-nil.
func NewToken(ext Flags) *Token {
	return &Token{ext: ext}
}

func (t *Token) Abort()  { t.abort.Store(true) }
func (t *Token) Pause()  { t.pause.Store(true) }
func (t *Token) Resume() { t.pause.Store(false) }

// Aborted reports whether an abort was requested. A nil token never
// aborts.
func (t *Token) Aborted() bool {
	if t == nil {
		return false
	}
	return t.abort.Load() || (t.ext != nil && t.ext.Aborted())
}

func (t *Token) Paused() bool {
	if t == nil {
		return false
	}
	return t.pause.Load() || (t.ext != nil && t.ext.Paused())
}

// Check returns ErrAborted once an abort was requested, or the context's
// error once it is done.
func (t *Token) Check(ctx context.Context) error {
	if t.Aborted() {
		return ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrAborted, err)
	}
	return nil
}

// WaitWhilePaused blocks while the token is paused. It returns early with
// ErrAborted if the run is aborted meanwhile.
func (t *Token) WaitWhilePaused(ctx context.Context) error {
	for t.Paused() {
		if err := t.Check(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrAborted, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return t.Check(ctx)
}
