package herald

import (
	"sync"
	"time"
)

type pendingCall struct {
	id        uint64
	createdAt time.Time
	timer     *time.Timer
	cb        Callback
}

// Pending calls keyed by correlation id.
//
// A call is removed exactly once, by take, and whoever removes it resolves it.
type correlator struct {
	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*pendingCall
}

func newCorrelator() *correlator {
	return &correlator{pending: map[uint64]*pendingCall{}}
}

func (c *correlator) nextId() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Register pending call, onTimeout is called with the call if it's still pending when timeout elapses.
func (c *correlator) register(id uint64, timeout time.Duration, cb Callback, onTimeout func(p *pendingCall)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &pendingCall{id: id, createdAt: time.Now(), cb: cb}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if p, ok := c.take(id); ok {
			onTimeout(p)
		}
	})
}

// Remove pending call and stop its timer.
func (c *correlator) take(id uint64) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p, true
}

func (c *correlator) has(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *correlator) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
