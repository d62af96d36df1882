// Package ringmap implements the double-mapping trick that makes a
// file-backed ring buffer appear linearly contiguous in virtual memory:
// the same Q-byte file region is mapped twice, back to back, so that any
// Q-length window starting inside the first copy is valid even when the
// logical write wraps past the end of the file.
package ringmap

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	pageSizeOnce sync.Once
	pageSize     int
)

// PageSize returns the system page size, queried once and memoized for
// the lifetime of the process.
func PageSize() int {
	pageSizeOnce.Do(func() {
		pageSize = unix.Getpagesize()
	})
	return pageSize
}

// RoundUpToPage rounds n up to the next multiple of the page size.
func RoundUpToPage(n int) int {
	p := PageSize()
	if n%p == 0 {
		return n
	}
	return (n/p + 1) * p
}

// Mapping holds the three virtual-memory artifacts backing one queue: a
// page-sized header and a 2Q-byte double mapping of the ring data.
//
// Ring is the full 2Q-byte view; Left and Right are the two Q-byte windows
// into it (Left = Ring[:Q], Right = Ring[Q:2Q]) and alias the same file
// bytes. Writing through Left at index i is observable through Right at
// the same index and vice versa.
type Mapping struct {
	Header []byte
	Ring   []byte
	Left   []byte
	Right  []byte

	size uintptr
}

// Map reserves a 2*queueSize anonymous virtual range, then replaces it with
// two fixed, shared mappings of fd's [fileOffset, fileOffset+queueSize)
// region, plus a separate one-page mapping of the header at file offset 0.
// queueSize must already be a multiple of the page size.
func Map(fd uintptr, fileOffset int64, queueSize int) (*Mapping, error) {
	page := PageSize()
	if queueSize <= 0 || queueSize%page != 0 {
		return nil, fmt.Errorf("ringmap: queue size %d is not a positive multiple of the page size %d", queueSize, page)
	}

	header, err := unix.Mmap(int(fd), 0, page, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringmap: mmap header: %w", err)
	}

	big, err := unix.Mmap(-1, 0, queueSize*2, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		_ = unix.Munmap(header)
		return nil, fmt.Errorf("ringmap: reserve double mapping: %w", err)
	}
	base := uintptr(unsafe.Pointer(&big[0]))

	left, err := fixedFileMmap(base, uintptr(queueSize), fd, fileOffset)
	if err != nil {
		_ = unix.Munmap(header)
		_ = unix.Munmap(big)
		return nil, fmt.Errorf("ringmap: map first ring copy: %w", err)
	}

	right, err := fixedFileMmap(base+uintptr(queueSize), uintptr(queueSize), fd, fileOffset)
	if err != nil {
		_ = unmapAt(left, uintptr(queueSize))
		_ = unmapAt(base+uintptr(queueSize), uintptr(queueSize))
		_ = unix.Munmap(header)
		return nil, fmt.Errorf("ringmap: map second ring copy: %w", err)
	}

	ring := unsafe.Slice((*byte)(unsafe.Pointer(base)), queueSize*2)
	return &Mapping{
		Header: header,
		Ring:   ring,
		Left:   ring[:queueSize],
		Right:  ring[queueSize:],
		size:   uintptr(queueSize),
	}, nil
}

// Sync flushes the ring data back to its backing file via msync(2). Since
// Left and Right alias the same file bytes, syncing Left is sufficient.
func (m *Mapping) Sync() error {
	return unix.Msync(m.Left, unix.MS_SYNC)
}

// Close unmaps all three regions. It is best-effort: every region is
// unmapped regardless of earlier failures, and the first error encountered
// is returned to the caller.
func (m *Mapping) Close() error {
	var firstErr error
	if err := unix.Munmap(m.Header); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("ringmap: unmap header: %w", err)
	}
	if err := unmapAt(uintptr(unsafe.Pointer(&m.Ring[0])), m.size); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("ringmap: unmap first ring copy: %w", err)
	}
	if err := unmapAt(uintptr(unsafe.Pointer(&m.Ring[0]))+m.size, m.size); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("ringmap: unmap second ring copy: %w", err)
	}
	return firstErr
}

// fixedFileMmap maps length bytes of fd, starting at fileOffset, into the
// virtual address addr, replacing whatever was reserved there. This needs
// MAP_FIXED at a caller-chosen address, which golang.org/x/sys/unix.Mmap
// does not expose (it always picks addr=0), so it goes straight to the
// mmap(2) syscall, the same raw-syscall fallback used elsewhere for calls
// x/sys/unix doesn't expose, backed by the unix package's syscall numbers
// instead of hand-rolled ones.
func fixedFileMmap(addr, length uintptr, fd uintptr, fileOffset int64) (uintptr, error) {
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr, length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		fd, uintptr(fileOffset),
	)
	if errno != 0 {
		return 0, errno
	}
	if got != addr {
		return 0, fmt.Errorf("mmap honored MAP_FIXED but returned a different address")
	}
	return got, nil
}

func unmapAt(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
