package memequeue

import (
	"encoding/binary"
	"fmt"

	"github.com/GoldsteinE/memequeue/internal/control"
)

// Writer is the byte sink passed to a Send callback. Write accepts
// however many bytes currently fit in the queue's free space, which may
// be fewer than len(buf); it blocks internally (waiting for the consumer
// to drain, or performing a rewind) until it can make some progress
// before returning. Callers that need to write more than one chunk's
// worth call Write again with the remainder, the same way writing to an
// os.Pipe works.
//
// A Writer is only valid for the duration of one Send callback.
type Writer struct {
	q            *Queue
	r0           uint32
	prefixAt     uint32
	totalWritten uint32
}

func (w *Writer) Write(buf []byte) (int, error) {
	return w.writeChunk(buf)
}

// Flush msyncs the shared region back to its backing file when the queue
// is backed by a named file; a memfd has no disk-backed target worth
// syncing, so it's a no-op there.
func (w *Writer) Flush() error {
	if !w.q.durable {
		return nil
	}
	return wrapOS("msync", w.q.mapping.Sync())
}

func (w *Writer) writeFull(buf []byte) error {
	for len(buf) > 0 {
		n, err := w.writeChunk(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (w *Writer) writeChunk(buf []byte) (int, error) {
	q := w.q
	if uint64(w.totalWritten)+uint64(len(buf)) > q.maxMessage {
		return 0, ErrSizeTooLarge
	}

	for {
		target := w.r0 + w.totalWritten
		want := uint32(len(buf))

		left := q.cachedOrSyncLeft(target, want)
		freeEnd := minU32(left+q.queueSize, 2*q.queueSize)

		if freeEnd > target {
			avail := freeEnd - target
			n := want
			if n > avail {
				n = avail
			}
			copy(q.mapping.Ring[target:target+n], buf[:n])
			w.totalWritten += n
			return int(n), nil
		}

		if left >= q.queueSize {
			w.rewind()
			continue
		}

		if err := q.ctrl.Wait(control.Left, left); err != nil {
			return 0, err
		}
	}
}

// cachedOrSyncLeft returns the reader offset to use for this iteration's
// free-space check: the producer's cached view of it, when that cache
// already proves enough room is free without a synchronized load,
// otherwise a fresh sync_load_offset(left).
func (q *Queue) cachedOrSyncLeft(target, want uint32) uint32 {
	if cached, ok := q.ctrl.CachedOffset(control.Right); ok {
		if cached+q.queueSize > target+want {
			return cached
		}
	}
	return q.ctrl.SyncLoadOffset(control.Left)
}

// rewind performs the fix-offsets protocol: the reader has wrapped past
// one full queue length, so both offsets can be decremented by
// queueSize, which is a pure renaming of the same physical bytes thanks
// to the double mapping. w.r0 and w.prefixAt live in the same coordinate
// system as right.offset, so both shift by queueSize too.
func (w *Writer) rewind() {
	q := w.q
	guard := q.ctrl.Lock(control.Left)
	freshLeft := q.ctrl.LoadOffset(control.Left)
	newLeft := freshLeft - q.queueSize
	newRight := w.r0 + w.totalWritten - q.queueSize
	q.ctrl.FixOffsets(newLeft, newRight)
	guard.Unlock()

	q.logger.Debugw("memequeue rewind", "new_left", newLeft, "new_right", newRight)

	w.r0 -= q.queueSize
	w.prefixAt -= q.queueSize
}

// Send acquires the producer side, reserves a size-prefix slot, invokes
// cb with a Writer, then commits the message and notifies the consumer.
//
// If cb returns an error, nothing is committed: the bytes written during
// the callback stay in the ring's reserved window as garbage, but are
// never visible to the reader, since right.offset never advances.
func (q *Queue) Send(cb func(*Writer) error) error {
	guard := q.ctrl.Lock(control.Right)
	defer guard.Unlock()

	r0 := q.ctrl.LoadOffset(control.Right)
	w := &Writer{q: q, r0: r0, prefixAt: r0}

	if err := w.writeFull(make([]byte, prefixSize)); err != nil {
		return err
	}

	if err := cb(w); err != nil {
		return err
	}

	payloadLen := w.totalWritten - prefixSize
	var prefix [prefixSize]byte
	binary.NativeEndian.PutUint64(prefix[:], uint64(payloadLen))
	copy(q.mapping.Ring[w.prefixAt:w.prefixAt+prefixSize], prefix[:])

	q.ctrl.CommitOffset(control.Right, w.r0+w.totalWritten)
	if err := q.ctrl.Notify(control.Right); err != nil {
		return fmt.Errorf("memequeue: notify consumer: %w", err)
	}
	return nil
}
