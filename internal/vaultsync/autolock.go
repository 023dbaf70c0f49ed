package vaultsync

import (
	"sync"
	"time"
)

// AutoLock locks a session after a period without activity
type AutoLock struct {
	session *Session
	after   time.Duration

	mu    sync.Mutex
	timer *time.Timer
	stop  chan struct{}
	once  sync.Once
}

// NewAutoLock arms a timer that locks s after the given idle period. A
// non-positive period disables auto-lock; the returned value is still usable.
func NewAutoLock(s *Session, after time.Duration) *AutoLock {
	a := &AutoLock{session: s, after: after, stop: make(chan struct{})}
	if after <= 0 {
		return a
	}
	a.timer = time.AfterFunc(after, s.Lock)

	locked := s.Done()
	go func() {
		select {
		case <-locked:
			a.Stop()
		case <-a.stop:
		}
	}()
	return a
}

// Touch records activity and restarts the idle period
func (a *AutoLock) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer == nil {
		return
	}
	select {
	case <-a.stop:
		return
	default:
	}
	a.timer.Reset(a.after)
}

// Stop disarms the timer without locking the session
func (a *AutoLock) Stop() {
	a.once.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.timer != nil {
			a.timer.Stop()
		}
		close(a.stop)
	})
}
