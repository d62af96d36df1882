package memequeue

import (
	"errors"
	"fmt"

	"github.com/GoldsteinE/memequeue/internal/control"
	"github.com/GoldsteinE/memequeue/internal/handshake"
)

// ErrSizeTooLarge is returned by Send when the size prefix plus the
// payload written so far would exceed the queue capacity minus one prefix
// width (8 bytes), so the largest accepted payload is queueSize-16 bytes.
var ErrSizeTooLarge = errors.New("memequeue: message too large for queue capacity")

// ErrHandshakeMalformed is the sentinel a handshake failure matches under
// errors.Is: a badly sized existing file or memfd, an unexpected
// negotiation payload, or a missing descriptor. Use errors.As with
// *MalformedError to recover the specific reason.
var ErrHandshakeMalformed = handshake.ErrMalformed

// ErrDeadlock is the sentinel an EventFDBackend timeout matches under
// errors.Is. Use errors.As with *DeadlockError to recover which side
// timed out and whether the peer reported the deadlock first.
var ErrDeadlock = control.ErrDeadlock

// ErrOS is the sentinel wrapOS's errors match under errors.Is, marking a
// failure as having come from an underlying OS call (mmap, flock, socket
// I/O) rather than from queue protocol logic. A second errors.Is (or
// errors.As) against the specific cause recovers the original error;
// errors.Unwrap does not, since the chain holds two wrapped errors.
var ErrOS = errors.New("memequeue: operating system error")

// DeadlockError is returned by a queue using EventFDBackend when Wait
// times out waiting for the peer. See control.DeadlockError for its
// fields; it is fatal in the sense that there is no recovery protocol
// for an abandoned lock, but it is an ordinary Go error, not a panic:
// the caller decides whether to abort.
type DeadlockError = control.DeadlockError

// MalformedError is returned by a handshake that cannot make sense of
// what it found: a badly sized existing file or memfd, an unexpected
// negotiation payload, or a missing descriptor.
type MalformedError = handshake.MalformedError

// wrapOS wraps an OS-level failure so it carries both ErrOS (for callers
// that just want to know whether this was an OS-level problem) and the
// original error (for callers that want the specific cause) in the same
// chain.
func wrapOS(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("memequeue: %s: %w: %w", op, ErrOS, err)
}
