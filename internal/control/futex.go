package control

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operations. golang.org/x/sys/unix does not export these
// (they're not part of its generated constant tables), so they're spelled
// out here the way the rest of the retrieved corpus spells out the few
// uapi constants it needs locally.
const (
	futexWait = 0
	futexWake = 1
)

// Mutex states for each side's lock word.
const (
	mutexFree            = 0
	mutexHeld            = 1
	mutexHeldWithWaiters = 2
)

// FutexConfig configures the default back end.
type FutexConfig struct {
	// SpinOnWait is the number of tight-loop iterations Wait performs,
	// comparing the offset against the expected value, before parking in
	// the kernel. Populated from the MEMEQUEUE_SPIN_ON_WAIT environment
	// variable by the caller; zero means never spin.
	SpinOnWait int
}

// DefaultSpinOnWait is used when the caller doesn't override SpinOnWait.
const DefaultSpinOnWait = 100

// FutexControl is the default control back end: every primitive is backed
// by futex(2) on 32-bit words living in shared memory, with no additional
// kernel object required.
type FutexControl struct {
	header *header
	cfg    FutexConfig
	stats  statsCounters
}

// NewFutexControl builds a futex back end over headerBytes, the mmap'd
// header page. cfg.SpinOnWait defaults to DefaultSpinOnWait when zero is
// not an explicit choice the caller can make by using FutexConfig{} -
// callers that want zero spinning should pass a negative value, which is
// clamped to zero.
func NewFutexControl(headerBytes []byte, cfg FutexConfig, ownsHeader bool) (*FutexControl, error) {
	h, err := headerFromBytes(headerBytes)
	if err != nil {
		return nil, err
	}
	if cfg.SpinOnWait == 0 {
		cfg.SpinOnWait = DefaultSpinOnWait
	}
	if cfg.SpinOnWait < 0 {
		cfg.SpinOnWait = 0
	}
	if ownsHeader {
		h.left.offset.Store(0)
		h.left.lock.Store(0)
		h.left.cachedOtherOffset.Store(offsetUnknown)
		h.right.offset.Store(0)
		h.right.lock.Store(0)
		h.right.cachedOtherOffset.Store(offsetUnknown)
		h.waiters.left.Store(0)
		h.waiters.right.Store(0)
	}
	return &FutexControl{header: h, cfg: cfg}, nil
}

func (c *FutexControl) Lock(side Side) *Guard {
	lock := &c.header.side(side).lock

	if lock.CompareAndSwap(mutexFree, mutexHeld) {
		return &Guard{unlock: func() { c.unlock(lock) }}
	}
	for lock.Swap(mutexHeldWithWaiters) != mutexFree {
		futexWaitWord((*uint32)(unsafe.Pointer(lock)), mutexHeldWithWaiters)
	}
	return &Guard{unlock: func() { c.unlock(lock) }}
}

func (c *FutexControl) unlock(lock *atomic.Uint32) {
	if lock.Swap(mutexFree) == mutexHeldWithWaiters {
		futexWakeWord((*uint32)(unsafe.Pointer(lock)), 1)
	}
}

func (c *FutexControl) LoadOffset(side Side) uint32 {
	return c.header.side(side).offset.Load()
}

func (c *FutexControl) SyncLoadOffset(side Side) uint32 {
	v := c.header.side(side).offset.Load()
	c.header.side(side.Other()).cachedOtherOffset.Store(v)
	return v
}

func (c *FutexControl) CachedOffset(side Side) (uint32, bool) {
	v := c.header.side(side).cachedOtherOffset.Load()
	if v == offsetUnknown {
		return 0, false
	}
	return v, true
}

func (c *FutexControl) CommitOffset(side Side, offset uint32) {
	c.header.side(side).offset.Store(offset)
}

func (c *FutexControl) FixOffsets(leftOffset, rightOffset uint32) {
	c.header.left.offset.Store(leftOffset)
	c.header.right.offset.Store(rightOffset)
	c.header.right.cachedOtherOffset.Store(leftOffset)
	c.header.left.cachedOtherOffset.Store(rightOffset)
}

func (c *FutexControl) Wait(side Side, expected uint32) error {
	word := &c.header.side(side).offset

	for i := 0; i < c.cfg.SpinOnWait; i++ {
		if word.Load() != expected {
			return nil
		}
	}

	waiters := c.header.waiterCount(side)
	waiters.Add(1)
	defer waiters.Add(^uint32(0)) // -1

	parked := false
	for word.Load() == expected {
		parked = true
		futexWaitWord((*uint32)(unsafe.Pointer(word)), expected)
	}
	if parked {
		c.stats.addWaitPark(side)
	}
	return nil
}

func (c *FutexControl) Notify(side Side) error {
	if c.header.waiterCount(side).Load() == 0 {
		return nil
	}
	word := &c.header.side(side).offset
	futexWakeWord((*uint32)(unsafe.Pointer(word)), 1)
	c.stats.addNotifyWake(side)
	return nil
}

func (c *FutexControl) Stats() Stats {
	return c.stats.snapshot()
}

func futexWaitWord(word *uint32, expected uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		futexWait,
		uintptr(expected),
		0, 0, 0,
	)
}

func futexWakeWord(word *uint32, count uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		futexWake,
		uintptr(count),
		0, 0, 0,
	)
}
