package journal

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	j, err := Open(path, "mirror")
	require.NoError(t, err)
	require.NotEmpty(t, j.Run())

	require.NoError(t, j.Record("Norder3/Dir0/Npix1.fits", KindNotFound, 1, nil))
	require.NoError(t, j.Record("Norder3/Dir0/Npix2.fits", KindFailed, 10, errors.New("stalled")))

	problems, err := j.Problems("")
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, "Norder3/Dir0/Npix2.fits", problems[0].Path)
	assert.Equal(t, 10, problems[0].Attempts)
	assert.Equal(t, "stalled", problems[0].Err)

	counts, err := j.Counts("")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{KindNotFound: 1, KindFailed: 1}, counts)

	run := j.Run()
	require.NoError(t, j.Close())

	// A later run starts clean but can still read the earlier one.
	j2, err := Open(path, "mirror")
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()
	assert.NotEqual(t, run, j2.Run())
	last, err := j2.LastRun("mirror")
	require.NoError(t, err)
	assert.Equal(t, run, last)
	none, err := j2.LastRun("build")
	require.NoError(t, err)
	assert.Empty(t, none)
	either, err := j2.LastRun("build", "mirror")
	require.NoError(t, err)
	assert.Equal(t, run, either)

	fresh, err := j2.Problems("")
	require.NoError(t, err)
	assert.Empty(t, fresh)
	old, err := j2.Problems(run)
	require.NoError(t, err)
	assert.Len(t, old, 1)
}

func TestConcurrentRecord(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), FileName), "build")
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, j.Record("x", KindUnreadable, 0, errors.New("bad header")))
		}()
	}
	wg.Wait()
	counts, err := j.Counts("")
	require.NoError(t, err)
	assert.Equal(t, 16, counts[KindUnreadable])
}

func TestNilJournalDiscards(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Record("x", KindFailed, 1, nil))
	assert.Empty(t, j.Run())
	assert.NoError(t, j.Close())
}
