package herald

import (
	"sync"

	"github.com/NumminorihSF/rabbitmq-herald-client/util/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

type outboundMessage struct {
	exchange  string
	key       string
	pub       amqp.Publishing
	abandoned func() bool      // owner gave up, the message is skipped when drained
	onWritten func(err error) // publish error or broker confirm, called once
}

func (m *outboundMessage) isAbandoned() bool {
	return m.abandoned != nil && m.abandoned()
}

func (m *outboundMessage) written(err error) {
	if m.onWritten != nil {
		m.onWritten(err)
	}
}

// FIFO of outbound messages.
//
// Messages are written directly while the transport accepts writes and nothing is queued,
// otherwise they are queued and drained one at a time, each write on a new scheduler tick.
type outboundBuffer struct {
	mu          sync.Mutex
	q           *queue.Queue[*outboundMessage]
	paused      bool // disconnected
	busy        bool // flow controlled
	draining    bool // drain is scheduled
	drainedSome bool

	write     func(m *outboundMessage) (busy bool)
	schedule  func(f func())
	onDrained func()
}

func newOutboundBuffer(write func(m *outboundMessage) bool, onDrained func()) *outboundBuffer {
	return &outboundBuffer{
		q:         queue.New[*outboundMessage](),
		paused:    true,
		write:     write,
		schedule:  func(f func()) { go f() },
		onDrained: onDrained,
	}
}

func (b *outboundBuffer) Send(m *outboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writable() && !b.draining && b.q.IsEmpty() {
		// written under lock, a concurrent Send must not overtake it
		if b.write(m) {
			b.busy = true
		}
		return
	}
	b.q.PushBack(m)
}

// Stop writing, messages are queued until Resume.
func (b *outboundBuffer) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

func (b *outboundBuffer) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
	b.kick()
}

// Flow control from transport, writes are resumed when it's no longer busy.
func (b *outboundBuffer) SetBusy(busy bool) {
	b.mu.Lock()
	b.busy = busy
	b.mu.Unlock()
	if !busy {
		b.kick()
	}
}

func (b *outboundBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Len()
}

// Whether writes are held back by flow control.
func (b *outboundBuffer) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

func (b *outboundBuffer) writable() bool {
	return !b.paused && !b.busy
}

func (b *outboundBuffer) kick() {
	b.mu.Lock()
	if b.draining || !b.writable() || b.q.IsEmpty() {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()
	b.schedule(b.drain)
}

// Write one queued message, then schedule the next one.
func (b *outboundBuffer) drain() {
	b.mu.Lock()
	if !b.writable() {
		b.draining = false
		b.mu.Unlock()
		return
	}

	var (
		m  *outboundMessage
		ok bool
	)
	for {
		m, ok = b.q.PopFront()
		if !ok || !m.isAbandoned() {
			break
		}
	}

	if !ok {
		b.draining = false
		fire := b.drainedSome
		b.drainedSome = false
		b.mu.Unlock()
		if fire && b.onDrained != nil {
			b.onDrained()
		}
		return
	}

	b.drainedSome = true
	if b.write(m) {
		b.busy = true
		b.draining = false
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.schedule(b.drain)
}

// Stop writing for good, queued messages are failed with err.
func (b *outboundBuffer) Discard(err error) {
	b.mu.Lock()
	b.paused = true
	dropped := b.q.Drain()
	b.mu.Unlock()

	for _, m := range dropped {
		m.written(err)
	}
}
