package control

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"
)

// offsetUnknown is the cached_other_offset sentinel meaning "no cached
// value yet".
const offsetUnknown = math.MaxUint32

const cacheLine = 64

// sideFields is one side's slice of the shared header: its offset, its
// mutex word, and its cache of the other side's offset. Padded out to a
// full cache line so the two sides never false-share.
type sideFields struct {
	offset            atomic.Uint32
	lock              atomic.Uint32
	cachedOtherOffset atomic.Uint32
	_                 [cacheLine - 3*4]byte
}

// waiterFields holds both sides' waiter counters together on their own
// cache line, since both sides read each other's waiter count.
type waiterFields struct {
	left  atomic.Uint32
	right atomic.Uint32
	_     [cacheLine - 2*4]byte
}

// header is the layout of the shared header page, exactly as described in
// the data model: left fields, right fields, and waiter counts each on
// their own cache line.
type header struct {
	left    sideFields
	right   sideFields
	waiters waiterFields
}

// headerFromBytes casts a mmap'd header page to a *header. b must come
// from a shared mapping at least as large as the header struct and must
// outlive the returned pointer.
func headerFromBytes(b []byte) (*header, error) {
	if len(b) < int(unsafe.Sizeof(header{})) {
		return nil, fmt.Errorf("control: header mapping is %d bytes, need at least %d", len(b), unsafe.Sizeof(header{}))
	}
	return (*header)(unsafe.Pointer(&b[0])), nil
}

func (h *header) side(s Side) *sideFields {
	if s == Left {
		return &h.left
	}
	return &h.right
}

func (h *header) waiterCount(s Side) *atomic.Uint32 {
	if s == Left {
		return &h.waiters.left
	}
	return &h.waiters.right
}
