package herald

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCorrelatorIds(t *testing.T) {
	c := newCorrelator()
	var last uint64
	for i := 0; i < 100; i++ {
		id := c.nextId()
		if id <= last {
			t.Fatalf("id should increase, last: %v, id: %v", last, id)
		}
		last = id
	}
}

func TestCorrelatorTakeOnce(t *testing.T) {
	c := newCorrelator()
	var calls atomic.Int32
	cb := func(p Payload, err error) { calls.Add(1) }
	c.register(1, time.Hour, cb, func(p *pendingCall) { p.cb(nil, ErrRpcTimeout) })

	if !c.has(1) || c.inFlight() != 1 {
		t.Fatal("call should be pending")
	}

	var wg sync.WaitGroup
	var taken atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, ok := c.take(1); ok {
				taken.Add(1)
				p.cb(nil, nil)
			}
		}()
	}
	wg.Wait()
	if taken.Load() != 1 || calls.Load() != 1 {
		t.Fatalf("call should be taken once, taken: %v, calls: %v", taken.Load(), calls.Load())
	}
	if c.inFlight() != 0 {
		t.Fatal("no call should be pending")
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	c := newCorrelator()
	timedOut := make(chan uint64, 1)
	c.register(7, 10*time.Millisecond, func(p Payload, err error) {}, func(p *pendingCall) { timedOut <- p.id })

	select {
	case id := <-timedOut:
		if id != 7 {
			t.Fatalf("unexpected id %v", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout not fired")
	}
	if _, ok := c.take(7); ok {
		t.Fatal("timed out call should not be taken")
	}
}

func TestCorrelatorTakeStopsTimer(t *testing.T) {
	c := newCorrelator()
	var fired atomic.Bool
	c.register(1, 20*time.Millisecond, func(p Payload, err error) {}, func(p *pendingCall) { fired.Store(true) })
	if _, ok := c.take(1); !ok {
		t.Fatal("call should be taken")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatal("timer should be stopped")
	}
}
