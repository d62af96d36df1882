package memequeue

import (
	"encoding/binary"
	"fmt"

	"github.com/GoldsteinE/memequeue/internal/control"
)

// Recv acquires the consumer side, waiting for a message if none is yet
// available, reads the size prefix and payload, invokes cb with the
// payload bytes, then advances the offset and notifies the producer.
//
// The offset advances even when cb returns an error: the message is
// considered consumed regardless, since there is no rewind protocol on
// the reader side that would let it be replayed without racing the
// producer. This is an explicit design choice, not an oversight — callers
// that need retry semantics must implement them above this layer, e.g. by
// fully validating cb's input before acting on it.
func (q *Queue) Recv(cb func([]byte) error) error {
	guard := q.ctrl.Lock(control.Left)

	for {
		l := q.ctrl.LoadOffset(control.Left)

		r, ok := q.ctrl.CachedOffset(control.Left)
		if !ok || r <= l {
			r = q.ctrl.SyncLoadOffset(control.Right)
		}

		if r > l {
			if r-l < prefixSize {
				guard.Unlock()
				return fmt.Errorf("memequeue: corrupt ring: right offset %d is only %d bytes past left offset %d", r, r-l, l)
			}

			size := binary.NativeEndian.Uint64(q.mapping.Ring[l : l+prefixSize])
			start := uint64(l) + prefixSize
			payload := q.mapping.Ring[start : start+size]

			cbErr := cb(payload)

			newLeft := l + prefixSize + uint32(size)
			q.ctrl.CommitOffset(control.Left, newLeft)
			guard.Unlock()

			if err := q.ctrl.Notify(control.Left); err != nil {
				return fmt.Errorf("memequeue: notify producer: %w", err)
			}
			return cbErr
		}

		guard.Unlock()
		if err := q.ctrl.Wait(control.Right, r); err != nil {
			return err
		}
		guard = q.ctrl.Lock(control.Left)
	}
}
