package control

import "sync/atomic"

// statsCounters backs Stats for any Control implementation. It lives in
// process memory, not in the shared header: introspection counters are a
// per-process view of how often this side touched the kernel, not a
// cross-process shared fact.
type statsCounters struct {
	waitParks   [2]atomic.Uint64
	notifyWakes [2]atomic.Uint64
}

func (s *statsCounters) addWaitPark(side Side) {
	s.waitParks[side].Add(1)
}

func (s *statsCounters) addNotifyWake(side Side) {
	s.notifyWakes[side].Add(1)
}

func (s *statsCounters) snapshot() Stats {
	return Stats{
		LeftWaitParks:    s.waitParks[Left].Load(),
		RightWaitParks:   s.waitParks[Right].Load(),
		LeftNotifyWakes:  s.notifyWakes[Left].Load(),
		RightNotifyWakes: s.notifyWakes[Right].Load(),
	}
}
