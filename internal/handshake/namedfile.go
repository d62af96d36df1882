package handshake

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/GoldsteinE/memequeue/internal/ringmap"
)

// namedFileResult is the Result produced by NamedFile.
type namedFileResult struct {
	file      *os.File
	flock     *flock.Flock
	owner     bool
	queueSize int
}

func (r *namedFileResult) ShmemFD() uintptr { return r.file.Fd() }
func (r *namedFileResult) IsOwner() bool    { return r.owner }
func (r *namedFileResult) QueueSize() int   { return r.queueSize }

// MarkReady downgrades the owner's exclusive lock to shared, unblocking
// any peer parked in a blocking shared-lock acquisition inside NamedFile.
// It is a no-op for the peer.
//
// gofrs/flock doesn't expose its underlying fd, so unlike a raw flock(2)
// LOCK_EX -> LOCK_SH call on one fd, this unlock-then-relock has a real
// (tiny) gap with no lock held at all. That's an accepted hazard here:
// this handshake only ever expects one owner and one peer (multi-producer
// / multi-consumer is out of scope), so nothing else is racing to grab
// exclusive ownership during the gap.
func (r *namedFileResult) MarkReady() error {
	if !r.owner {
		return nil
	}
	if err := r.flock.Unlock(); err != nil {
		return fmt.Errorf("handshake: release exclusive lock: %w", err)
	}
	if err := r.flock.RLock(); err != nil {
		return fmt.Errorf("handshake: acquire shared lock: %w", err)
	}
	return nil
}

func (r *namedFileResult) Close() error {
	_ = r.flock.Unlock()
	return r.file.Close()
}

// NamedFile establishes a queue handshake through a named file,
// conventionally on tmpfs. The first process to acquire a non-blocking
// exclusive advisory lock is the owner and sizes the file to
// page_size+queueSize; every other process blocks on a shared lock until
// the owner calls MarkReady, then recovers the queue size from the file's
// length.
//
// queueSize is only meaningful when this process ends up as the owner; it
// is rounded up to a page multiple. A peer that finds an existing file
// whose size doesn't correspond to a page-multiple queue gets
// ErrHandshakeMalformed.
func NamedFile(path string, queueSize int) (Result, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("handshake: open %q: %w", path, err)
	}

	fl := flock.New(path)

	owner, err := fl.TryLock()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("handshake: try exclusive lock: %w", err)
	}

	page := ringmap.PageSize()
	if owner {
		queueSize = ringmap.RoundUpToPage(queueSize)
		if err := f.Truncate(int64(page + queueSize)); err != nil {
			_ = fl.Unlock()
			_ = f.Close()
			return nil, fmt.Errorf("handshake: size shared file: %w", err)
		}
	} else {
		if err := fl.RLock(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("handshake: wait for shared lock: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = fl.Unlock()
			_ = f.Close()
			return nil, fmt.Errorf("handshake: stat shared file: %w", err)
		}
		size := info.Size()
		if size <= int64(page) || (size-int64(page))%int64(page) != 0 {
			_ = fl.Unlock()
			_ = f.Close()
			return nil, &MalformedError{Reason: fmt.Sprintf("file size %d is not page_size + page-multiple queue", size)}
		}
		queueSize = int(size) - page
	}

	return &namedFileResult{file: f, flock: fl, owner: owner, queueSize: queueSize}, nil
}

// ErrMalformed is the sentinel every *MalformedError matches under
// errors.Is, so callers that only care about the kind of failure don't
// need to type-assert down to MalformedError just to compare it.
var ErrMalformed = errors.New("handshake: malformed")

// MalformedError reports a handshake that could not make sense of what it
// found (a badly sized existing file, an unexpected negotiation payload,
// or a missing descriptor). Use errors.As to recover Reason, or errors.Is
// against ErrMalformed to check the kind without it.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("handshake: malformed: %s", e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}
