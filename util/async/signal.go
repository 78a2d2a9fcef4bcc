package async

import (
	"sync"
	"time"
)

// One-time signal, safe for concurrent use.
type SignalOnce struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignalOnce() *SignalOnce {
	return &SignalOnce{ch: make(chan struct{})}
}

func (s *SignalOnce) Notify() {
	s.once.Do(func() { close(s.ch) })
}

func (s *SignalOnce) Closed() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *SignalOnce) Done() <-chan struct{} {
	return s.ch
}

func (s *SignalOnce) Wait() {
	<-s.ch
}

// Wait for the signal, returns true if timeout exceeded first.
func (s *SignalOnce) TimedWait(timeout time.Duration) (isTimeout bool) {
	if timeout < 1 {
		s.Wait()
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return false
	case <-t.C:
		return true
	}
}
