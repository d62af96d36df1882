package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// deadlockSentinel is written to the peer's eventfd when Wait times out,
// so the peer can also abort instead of hanging forever on its own wait.
const deadlockSentinel = 0xDEAD

// FDExchanger is the capability a handshake result needs to provide for
// EventFDControl to hand its two eventfds to the peer. Only the UDS/memfd
// handshake implements it.
type FDExchanger interface {
	SendFD(fd int) error
	RecvFD() (int, error)
}

// EventFDConfig configures the eventfd-assisted back end.
type EventFDConfig struct {
	// BaseTimeout is the poll(2) timeout Wait uses before declaring a
	// deadlock. Defaults to 5s.
	BaseTimeout time.Duration
	// PerSideExtra is added to BaseTimeout, multiplied by the numeric
	// value of the side being waited on, to stagger the two sides'
	// timeouts slightly: without the stagger, a genuine deadlock would
	// have both sides time out in the same poll tick and race to write
	// the sentinel to each other. Defaults to 1s.
	PerSideExtra time.Duration
	Logger       *zap.SugaredLogger
}

func (c EventFDConfig) withDefaults() EventFDConfig {
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 5 * time.Second
	}
	if c.PerSideExtra <= 0 {
		c.PerSideExtra = 1 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// EventFDControl wraps FutexControl for locks, offsets, and caches, and
// replaces Wait/Notify with a pair of eventfds exchanged with the peer
// during construction. It exists so callers can integrate queue readiness
// with a poll loop of their own, at the cost of one extra syscall pair per
// wait/notify compared to the pure futex back end.
type EventFDControl struct {
	*FutexControl
	cfg        EventFDConfig
	leftEvent  int
	rightEvent int
}

// NewEventFDControl builds the eventfd back end. When isOwner is true, two
// new eventfds are created and sent to the peer through exchanger; the
// peer side receives them in the same order.
func NewEventFDControl(futex *FutexControl, isOwner bool, exchanger FDExchanger, cfg EventFDConfig) (*EventFDControl, error) {
	cfg = cfg.withDefaults()

	var left, right int
	var err error
	if isOwner {
		if left, err = unix.Eventfd(0, 0); err != nil {
			return nil, fmt.Errorf("control: create left eventfd: %w", err)
		}
		if right, err = unix.Eventfd(0, 0); err != nil {
			return nil, fmt.Errorf("control: create right eventfd: %w", err)
		}
		if err := exchanger.SendFD(left); err != nil {
			return nil, fmt.Errorf("control: send left eventfd: %w", err)
		}
		if err := exchanger.SendFD(right); err != nil {
			return nil, fmt.Errorf("control: send right eventfd: %w", err)
		}
	} else {
		if left, err = exchanger.RecvFD(); err != nil {
			return nil, fmt.Errorf("control: receive left eventfd: %w", err)
		}
		if right, err = exchanger.RecvFD(); err != nil {
			return nil, fmt.Errorf("control: receive right eventfd: %w", err)
		}
	}

	return &EventFDControl{
		FutexControl: futex,
		cfg:          cfg,
		leftEvent:    left,
		rightEvent:   right,
	}, nil
}

func (c *EventFDControl) event(side Side) int {
	if side == Left {
		return c.leftEvent
	}
	return c.rightEvent
}

// Wait blocks until side's offset changes from expected, polling the
// corresponding eventfd under a bounded timeout. A timeout is treated as a
// deadlock: it writes the sentinel to the peer's eventfd and returns
// ErrDeadlock with enough context logged to diagnose it.
func (c *EventFDControl) Wait(side Side, expected uint32) error {
	waiters := c.header.waiterCount(side)
	waiters.Add(1)
	defer waiters.Add(^uint32(0))

	word := &c.header.side(side).offset
	if word.Load() != expected {
		return nil
	}

	c.stats.addWaitPark(side)

	timeout := c.cfg.BaseTimeout + time.Duration(side)*c.cfg.PerSideExtra
	pfd := []unix.PollFd{{Fd: int32(c.event(side)), Events: unix.POLLIN}}

	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("control: poll eventfd for %s: %w", side, err)
	}
	if n < 1 {
		c.cfg.Logger.Errorw("memequeue deadlock: wait timed out",
			"side", side.String(),
			"expected_offset", expected,
			"left_offset", c.header.left.offset.Load(),
			"right_offset", c.header.right.offset.Load(),
		)
		_ = writeEventValue(c.event(side.Other()), deadlockSentinel)
		return &DeadlockError{Side: side, Expected: expected}
	}

	value, err := readEventValue(c.event(side))
	if err != nil {
		return fmt.Errorf("control: read eventfd for %s: %w", side, err)
	}
	if value == deadlockSentinel {
		c.cfg.Logger.Errorw("memequeue deadlock: peer reported one",
			"side", side.String(), "expected_offset", expected)
		return &DeadlockError{Side: side, Expected: expected, PeerReported: true}
	}
	return nil
}

// Notify wakes one waiter parked on side's eventfd, if any are parked.
func (c *EventFDControl) Notify(side Side) error {
	if c.header.waiterCount(side).Load() == 0 {
		return nil
	}
	c.stats.addNotifyWake(side)
	return writeEventValue(c.event(side), 1)
}

func writeEventValue(fd int, v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	_, err := unix.Write(fd, buf[:])
	return err
}

func readEventValue(fd int) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("short eventfd read: got %d bytes", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// ErrDeadlock is the sentinel every *DeadlockError matches under
// errors.Is, so callers that only care that a deadlock happened don't
// need to type-assert down to DeadlockError just to compare it.
var ErrDeadlock = errors.New("control: deadlock detected")

// DeadlockError is returned by EventFDControl.Wait when a wait times out.
// It is fatal: the caller is expected to abort the process after logging
// or reporting it, since there is no recovery protocol for an abandoned
// lock or a peer that has stopped advancing its offset. Use errors.As to
// recover Side/Expected/PeerReported, or errors.Is against ErrDeadlock to
// check the kind without it.
type DeadlockError struct {
	Side         Side
	Expected     uint32
	PeerReported bool
}

func (e *DeadlockError) Error() string {
	if e.PeerReported {
		return fmt.Sprintf("control: peer reported a deadlock while we waited on %s to change from %d", e.Side, e.Expected)
	}
	return fmt.Sprintf("control: timed out waiting for %s to change from %d", e.Side, e.Expected)
}

func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}
