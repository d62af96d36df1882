package memequeue

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GoldsteinE/memequeue/internal/control"
	"github.com/GoldsteinE/memequeue/internal/handshake"
	"github.com/GoldsteinE/memequeue/internal/ringmap"
)

// prefixSize is the width in bytes of the in-band size prefix preceding
// every message. The design fixes this at 64 bits rather than a native
// pointer-width integer: Go has no portable type for that, so a fixed
// width is the only way to guarantee two Go processes speaking this
// protocol always agree on how to read the prefix.
const prefixSize = 8

// Queue is one side of an SPSC byte-message queue backed by a
// shared-memory region. Both processes sharing a queue must be
// constructed with matching Options.Backend; for a named-file queue
// queueSize only matters for whichever side wins the handshake and
// becomes the owner.
type Queue struct {
	mapping   *ringmap.Mapping
	ctrl      control.Control
	handshake handshake.Result
	logger    *zap.SugaredLogger

	queueSize  uint32
	maxMessage uint64
	durable    bool

	closeOnce sync.Once
	closeErr  error
}

// Open establishes or joins a queue backed by a named file, conventionally
// on tmpfs. queueSize is only meaningful for the side that ends up as
// owner; it is rounded up to a page multiple.
//
// Only FutexBackend works over a named-file handshake — the named-file
// variant has no way to exchange descriptors, which EventFDBackend
// requires. Use OpenUDS for EventFDBackend.
func Open(path string, queueSize int, opts Options) (*Queue, error) {
	if opts.Backend == EventFDBackend {
		return nil, fmt.Errorf("memequeue: EventFDBackend needs a descriptor-passing handshake, use OpenUDS")
	}
	hs, err := handshake.NamedFile(path, queueSize)
	if err != nil {
		return nil, err
	}
	return newQueue(hs, opts, true)
}

// OpenUDS establishes or joins a queue whose handshake runs over a Unix
// domain socket, passing an anonymous memfd instead of a path on disk.
// Either backend works; EventFDBackend additionally exchanges a pair of
// eventfds over the same socket during construction.
func OpenUDS(sockPath string, queueSize int, opts Options) (*Queue, error) {
	hs, err := handshake.UDSMemfd(sockPath, queueSize)
	if err != nil {
		return nil, err
	}
	return newQueue(hs, opts, false)
}

func newQueue(hs handshake.Result, opts Options, durable bool) (*Queue, error) {
	logger := opts.logger()
	page := ringmap.PageSize()

	mapping, err := ringmap.Map(hs.ShmemFD(), int64(page), hs.QueueSize())
	if err != nil {
		_ = hs.Close()
		return nil, wrapOS("map shared region", err)
	}

	futex, err := control.NewFutexControl(mapping.Header, opts.futexConfig(), hs.IsOwner())
	if err != nil {
		_ = mapping.Close()
		_ = hs.Close()
		return nil, err
	}

	var ctrl control.Control = futex
	if opts.Backend == EventFDBackend {
		exchanger, ok := hs.(control.FDExchanger)
		if !ok {
			_ = mapping.Close()
			_ = hs.Close()
			return nil, &control.ErrNotSupported{Reason: "handshake cannot exchange descriptors, required by EventFDBackend"}
		}
		evControl, err := control.NewEventFDControl(futex, hs.IsOwner(), exchanger, opts.eventFDConfig())
		if err != nil {
			_ = mapping.Close()
			_ = hs.Close()
			return nil, err
		}
		ctrl = evControl
	}

	if err := hs.MarkReady(); err != nil {
		_ = mapping.Close()
		_ = hs.Close()
		return nil, wrapOS("mark handshake ready", err)
	}

	logger.Debugw("memequeue opened",
		"is_owner", hs.IsOwner(),
		"queue_size", hs.QueueSize(),
		"backend", opts.Backend.String(),
	)

	q := &Queue{
		mapping:   mapping,
		ctrl:      ctrl,
		handshake: hs,
		logger:    logger,
		queueSize: uint32(hs.QueueSize()),
		durable:   durable,
	}
	q.maxMessage = minU64(uint64(^uint32(0)), uint64(q.queueSize)-prefixSize)
	return q, nil
}

// Close unmaps the shared region and releases the handshake's descriptor
// and lock. Safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		mapErr := q.mapping.Close()
		hsErr := q.handshake.Close()
		switch {
		case mapErr != nil:
			q.closeErr = mapErr
		case hsErr != nil:
			q.closeErr = hsErr
		}
	})
	return q.closeErr
}

// Stats returns a snapshot of this process's wait/notify counters.
func (q *Queue) Stats() control.Stats {
	return q.ctrl.Stats()
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
