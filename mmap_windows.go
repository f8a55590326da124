//go:build windows

// mmap primitives for Windows, using CreateFileMapping/MapViewOfFile
// via golang.org/x/sys/windows. FlushViewOfFile stands in for msync.
package ledger

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type mmapRegion struct {
	data    []byte
	handle  windows.Handle
}

func mmapFile(f *os.File, size int64) (*mmapRegion, error) {
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE,
		uint32(size>>32), uint32(size&0xFFFFFFFF), nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: CreateFileMapping: %w", err)
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("ledger: MapViewOfFile: %w", err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return &mmapRegion{data: data, handle: h}, nil
}

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
	addr := uintptr(unsafe.Pointer(&r.data[begin]))
	if err := windows.FlushViewOfFile(addr, uintptr(end-begin)); err != nil {
		return fmt.Errorf("ledger: FlushViewOfFile: %w", err)
	}
	return nil
}

func (r *mmapRegion) unmap() error {
	if r.data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&r.data[0]))
	r.data = nil
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return fmt.Errorf("ledger: UnmapViewOfFile: %w", err)
	}
	windows.CloseHandle(r.handle)
	return nil
}
