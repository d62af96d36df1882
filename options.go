package memequeue

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/GoldsteinE/memequeue/internal/control"
)

// Backend selects which control-plane implementation a Queue uses to
// coordinate wait/notify between producer and consumer.
type Backend int

const (
	// FutexBackend parks directly on the shared offset words. It needs
	// no extra kernel object and works with either handshake variant.
	FutexBackend Backend = iota
	// EventFDBackend layers a pair of exchanged eventfds over the futex
	// back end, trading one extra syscall pair per wait/notify for
	// poll-loop integration and bounded-timeout deadlock detection. It
	// requires a handshake that can exchange descriptors, i.e. OpenUDS.
	EventFDBackend
)

func (b Backend) String() string {
	if b == EventFDBackend {
		return "eventfd"
	}
	return "futex"
}

// SpinOnWaitEnv is the environment variable consulted when
// Options.SpinOnWait is left at its zero value.
const SpinOnWaitEnv = "MEMEQUEUE_SPIN_ON_WAIT"

// Options configures a Queue at construction time.
type Options struct {
	// Backend selects the control-plane implementation. Defaults to
	// FutexBackend.
	Backend Backend

	// SpinOnWait is the number of tight-loop iterations Wait performs,
	// comparing the relevant offset against its expected value, before
	// parking in the kernel. Zero means "unset": it is resolved from
	// MEMEQUEUE_SPIN_ON_WAIT, falling back to control.DefaultSpinOnWait
	// if that's also unset. Pass a negative value to force zero
	// spinning.
	SpinOnWait int

	// EventFDTimeout bounds how long EventFDBackend's Wait polls before
	// declaring a deadlock. Zero uses the back end's own default (5s
	// plus a per-side stagger).
	EventFDTimeout time.Duration

	// Logger receives structured diagnostics: handshake role decisions,
	// rewind events, and deadlock state. A nil Logger falls back to a
	// no-op one.
	Logger *zap.SugaredLogger
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

func (o Options) spinOnWait() int {
	if o.SpinOnWait != 0 {
		return o.SpinOnWait
	}
	if raw, ok := os.LookupEnv(SpinOnWaitEnv); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return control.DefaultSpinOnWait
}

func (o Options) futexConfig() control.FutexConfig {
	spin := o.spinOnWait()
	// control.FutexConfig treats a literal zero as "caller didn't set
	// this" and substitutes its own default; -1 is its spelling for an
	// explicit "don't spin", which clamps to zero. Remap an explicit
	// request for zero spinning (MEMEQUEUE_SPIN_ON_WAIT=0) accordingly.
	if spin == 0 {
		spin = -1
	}
	return control.FutexConfig{SpinOnWait: spin}
}

func (o Options) eventFDConfig() control.EventFDConfig {
	return control.EventFDConfig{
		BaseTimeout: o.EventFDTimeout,
		Logger:      o.logger(),
	}
}
