package delivery

import (
	"sync"
	"time"
)

// RetryScheduler schedules a single future retry of a failed delivery
// attempt. Implementations may use in-process timers or a durable
// queue; the periodic sweep remains the durability backstop either way,
// covering retries lost to a process restart.
type RetryScheduler interface {
	ScheduleAfter(d time.Duration, fn func())
}

// TimerRetryScheduler runs retries on in-process timers. Retries are
// fire-and-forget: the originating attempt does not wait for them.
type TimerRetryScheduler struct {
	mu     sync.Mutex
	timers []*time.Timer
}

// NewTimerRetryScheduler constructs an in-process retry scheduler.
func NewTimerRetryScheduler() *TimerRetryScheduler {
	return &TimerRetryScheduler{}
}

// ScheduleAfter fires fn once after d.
func (s *TimerRetryScheduler) ScheduleAfter(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, time.AfterFunc(d, fn))
}

// StopAll cancels every pending timer. Called on shutdown; dropped
// retries are picked up by the next sweep after restart.
func (s *TimerRetryScheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
