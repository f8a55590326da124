//go:build unix || linux || darwin

// mmap primitives for Unix platforms, grounded on
// other_examples/950e1725_nomasters-haystack__storage-mmap-datafile.go.go
// (raw syscall.Mmap) generalized to golang.org/x/sys/unix so the same
// call sites also pick up unix.Msync for the page-aligned fsync path
// spec.md §4.1 requires.
package ledger

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion wraps a memory-mapped file region.
type mmapRegion struct {
	data []byte
}

// mmapFile maps the first size bytes of f for shared read/write access.
func mmapFile(f *os.File, size int64) (*mmapRegion, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ledger: mmap: %w", err)
	}
	return &mmapRegion{data: data}, nil
}

// sync flushes the byte range [begin, end), widened down to a page
// boundary, to the backing file with a single unix.Msync(MS_SYNC).
// The file-level fsync spec.md §4.1 step "sync" also calls for is
// issued by Datafile.sync afterwards.
func (r *mmapRegion) sync(begin, end int64) error {
	if begin < 0 {
		begin = 0
	}
	if end > int64(len(r.data)) {
		end = int64(len(r.data))
	}
	if begin >= end {
		return nil
	}
	pageSize := int64(os.Getpagesize())
	alignedBegin := (begin / pageSize) * pageSize
	if err := unix.Msync(r.data[alignedBegin:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("ledger: msync: %w", err)
	}
	return nil
}

// unmap releases the mapping. Safe to call once; callers must not use
// data after unmap returns.
func (r *mmapRegion) unmap() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("ledger: munmap: %w", err)
	}
	return nil
}
