package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAbort(t *testing.T) {
	tok := NewToken(nil)
	ctx := context.Background()
	require.NoError(t, tok.Check(ctx))

	tok.Abort()
	assert.ErrorIs(t, tok.Check(ctx), ErrAborted)

	var nilTok *Token
	assert.False(t, nilTok.Aborted())
	assert.NoError(t, nilTok.Check(ctx))
}

func TestTokenContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewToken(nil).Check(ctx)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitWhilePaused(t *testing.T) {
	tok := NewToken(nil)
	tok.Pause()
	go func() {
		time.Sleep(50 * time.Millisecond)
		tok.Resume()
	}()
	require.NoError(t, tok.WaitWhilePaused(context.Background()))

	tok.Pause()
	go func() {
		time.Sleep(50 * time.Millisecond)
		tok.Abort()
	}()
	assert.ErrorIs(t, tok.WaitWhilePaused(context.Background()), ErrAborted)
}

func TestControlFileSharedFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	owner, err := OpenFile(path)
	require.NoError(t, err)
	owner.Claim()
	tok := NewToken(owner)

	other, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = other.Close() }()
	assert.NotZero(t, other.Owner())

	other.SetPause(true)
	assert.True(t, tok.Paused())
	other.SetPause(false)
	assert.False(t, tok.Paused())

	other.SetAbort(true)
	assert.ErrorIs(t, tok.Check(context.Background()), ErrAborted)

	// A new run clears the stale abort.
	owner.Claim()
	assert.False(t, other.Aborted())

	require.NoError(t, owner.Remove())
	assert.NoFileExists(t, path)
}
