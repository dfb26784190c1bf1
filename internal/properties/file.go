package properties

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio"
)

// FileName is the properties file name at a store root.
const FileName = "properties"

// spinBackoff is the fixed pause between lock attempts.
const spinBackoff = 5 * time.Millisecond

// SpinLock is a busy-poll mutual exclusion flag. It is not wait-free and
// is meant for a handful of short-lived writers.
type SpinLock struct {
	held atomic.Bool
}

func (l *SpinLock) Lock() {
	for !l.held.CompareAndSwap(false, true) {
		time.Sleep(spinBackoff)
	}
}

func (l *SpinLock) Unlock() { l.held.Store(false) }

// locks holds one spin lock per properties path in this process.
var locks sync.Map

func lockFor(path string) *SpinLock {
	l, _ := locks.LoadOrStore(path, &SpinLock{})
	return l.(*SpinLock)
}

// File is the properties file of one store.
type File struct {
	Path string
}

// Load reads the file. A missing file yields empty properties.
func (f File) Load() (*Properties, error) {
	l := lockFor(f.Path)
	l.Lock()
	defer l.Unlock()
	return f.load()
}

func (f File) load() (*Properties, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read properties: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Update applies fn to the current contents and writes the result
// atomically, holding the file's lock throughout.
func (f File) Update(fn func(*Properties) error) error {
	l := lockFor(f.Path)
	l.Lock()
	defer l.Unlock()

	p, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return err
	}
	if err := renameio.WriteFile(f.Path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	return nil
}
