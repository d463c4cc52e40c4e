package http3

import (
	"sync"
	"time"
)

// Loop is the single-threaded event loop a Session runs on. All QUIC boundary
// events (bytes ready, resets, delivery acks, connection-end) are posted onto
// a Loop rather than handled directly from the goroutine that observed them;
// RunOnce drains whatever is queued, so exactly one goroutine ever touches
// Session/Transaction state at a time.
type Loop struct {
	work chan func()

	mu     sync.Mutex
	timers []*scheduledTimer
}

// NewLoop allocates a Loop with the given pending-work capacity. A capacity
// of 0 is a reasonable default for tests driving the loop by hand.
func NewLoop(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	return &Loop{work: make(chan func(), capacity)}
}

// Post enqueues f to run on the loop goroutine. Safe to call from any
// goroutine; this is the only boundary by which QUIC I/O goroutines may touch
// Session state.
func (l *Loop) Post(f func()) {
	l.work <- f
}

// RunOnce drains every closure currently queued and runs it on the calling
// goroutine, returning true if it ran anything. It does not block waiting for
// new work, matching spec's "one-shot loop iteration" requirement.
func (l *Loop) RunOnce() bool {
	ran := false
	for {
		select {
		case f := <-l.work:
			f()
			ran = true
		default:
			return ran
		}
	}
}

// Run drains work until ctx-like stop is requested by closing done.
func (l *Loop) Run(done <-chan struct{}) {
	for {
		select {
		case f := <-l.work:
			f()
		case <-done:
			return
		}
	}
}

type scheduledTimer struct {
	timer   *time.Timer
	stopped bool
}

// Stop cancels the scheduled callback if it has not already fired. It is safe
// to call Stop more than once.
func (t *scheduledTimer) Stop() bool {
	if t == nil {
		return false
	}
	return t.timer.Stop()
}

var _ Timer = (*scheduledTimer)(nil)

// Schedule arms f to run on the loop after d. The returned Timer may be used
// to cancel it before it fires.
func (l *Loop) Schedule(d time.Duration, f func()) Timer {
	st := &scheduledTimer{}
	st.timer = time.AfterFunc(d, func() {
		l.Post(f)
	})
	return st
}

// loopClock adapts a Loop to the Clock interface so components (the QPACK
// Gate, push promise timeouts) schedule their timers through it instead of
// reaching for time.AfterFunc directly.
type loopClock struct{ loop *Loop }

func (c loopClock) Now() time.Time { return time.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.loop.Schedule(d, f)
}

var _ Clock = loopClock{}
