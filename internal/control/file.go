package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	BlockSize = 4096       // 1 page
	Magic     = 0x534B5943 // 'SKYC'
	Version   = 1

	// FileName is the control file kept at a store root while a run is
	// active.
	FileName = ".skytiles.ctl"
)

// Block is the memory-mapped layout of the control file.
type Block struct {
	Magic   uint32
	Version uint32
	Abort   uint32 // Atomic
	Pause   uint32 // Atomic
	PID     uint64
	Padding [BlockSize - 24]byte
}

// File is a memory-mapped control block. The running process maps it and
// polls the flags; `skytiles ctl` maps the same file to flip them.
type File struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

var _ Flags = (*File)(nil)

// OpenFile opens or creates the control file at path.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	if info.Size() < BlockSize {
		if err := f.Truncate(BlockSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, BlockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))

	if ptr.Magic == 0 {
		ptr.Magic = Magic
		ptr.Version = Version
	} else if ptr.Magic != Magic {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}

	return &File{path: path, file: f, data: data, ptr: ptr}, nil
}

// Claim records the calling process as the owner and clears stale flags
// left by an earlier run.
func (c *File) Claim() {
	atomic.StoreUint32(&c.ptr.Abort, 0)
	atomic.StoreUint32(&c.ptr.Pause, 0)
	atomic.StoreUint64(&c.ptr.PID, uint64(os.Getpid()))
}

func (c *File) Aborted() bool { return atomic.LoadUint32(&c.ptr.Abort) != 0 }
func (c *File) Paused() bool  { return atomic.LoadUint32(&c.ptr.Pause) != 0 }

// Owner returns the PID of the process that last claimed the file.
func (c *File) Owner() uint64 { return atomic.LoadUint64(&c.ptr.PID) }

func (c *File) SetAbort(v bool) { atomic.StoreUint32(&c.ptr.Abort, b2u(v)) }
func (c *File) SetPause(v bool) { atomic.StoreUint32(&c.ptr.Pause, b2u(v)) }

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// Close unmaps and closes the control file.
func (c *File) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}

// Remove closes the file and deletes it.
func (c *File) Remove() error {
	if err := c.Close(); err != nil {
		return err
	}
	return os.Remove(c.path)
}
