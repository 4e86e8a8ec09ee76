package client

import (
	"sync"
	"time"
)

// batchScheduler debounces flushes: the first Arm after an idle period starts
// the window; the flush fires when it elapses. TriggerNow short-circuits the
// window (max-batch-size reached), Stop cancels any armed timer.
type batchScheduler struct {
	clock  Clock
	window time.Duration
	flush  func()

	mu    sync.Mutex
	timer Timer
}

func newBatchScheduler(clock Clock, window time.Duration, flush func()) *batchScheduler {
	return &batchScheduler{clock: clock, window: window, flush: flush}
}

func (s *batchScheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.timer = s.clock.AfterFunc(s.window, s.fire)
}

func (s *batchScheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	s.flush()
}

func (s *batchScheduler) TriggerNow() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.flush()
}

func (s *batchScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
