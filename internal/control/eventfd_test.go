package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopbackExchanger hands off descriptors between two in-process "sides"
// over plain Go channels. Since both call sites live in the same process,
// passing the raw fd integer is equivalent to what SCM_RIGHTS does across
// processes: the fd number remains valid for either side to use.
type loopbackExchanger struct {
	out chan int
	in  chan int
}

func (e *loopbackExchanger) SendFD(fd int) error {
	e.out <- fd
	return nil
}

func (e *loopbackExchanger) RecvFD() (int, error) {
	return <-e.in, nil
}

func newLoopbackPair() (owner, peer *loopbackExchanger) {
	a := make(chan int, 2)
	b := make(chan int, 2)
	return &loopbackExchanger{out: a, in: b}, &loopbackExchanger{out: b, in: a}
}

func newEventFDPair(t *testing.T) (*EventFDControl, *EventFDControl) {
	t.Helper()
	hb := newTestHeaderBytes(t)

	ownerFutex, err := NewFutexControl(hb, FutexConfig{}, true)
	require.NoError(t, err)
	peerFutex, err := NewFutexControl(hb, FutexConfig{}, false)
	require.NoError(t, err)

	ownerExch, peerExch := newLoopbackPair()

	owner, err := NewEventFDControl(ownerFutex, true, ownerExch, EventFDConfig{})
	require.NoError(t, err)
	peer, err := NewEventFDControl(peerFutex, false, peerExch, EventFDConfig{})
	require.NoError(t, err)
	return owner, peer
}

func TestEventFDControlNotifyWakesWait(t *testing.T) {
	owner, peer := newEventFDPair(t)

	done := make(chan error, 1)
	go func() {
		done <- peer.Wait(Right, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	owner.CommitOffset(Right, 1)
	require.NoError(t, owner.Notify(Right))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned after Notify")
	}
}

func TestEventFDControlWaitTimesOutAsDeadlock(t *testing.T) {
	owner, peer := newEventFDPair(t)
	_ = peer

	owner.cfg.BaseTimeout = 50 * time.Millisecond
	owner.cfg.PerSideExtra = 0

	err := owner.Wait(Left, 0)
	require.Error(t, err)
	var deadlock *DeadlockError
	require.ErrorAs(t, err, &deadlock)
	require.False(t, deadlock.PeerReported)
}
