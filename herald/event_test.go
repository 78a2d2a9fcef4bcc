package herald

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/NumminorihSF/rabbitmq-herald-client/transport/brokertest"
	amqp "github.com/rabbitmq/amqp091-go"
)

type invoicePaid struct {
	Invoice string `json:"invoice"`
	Amount  int    `json:"amount"`
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(rl rail.Rail, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) get(i int) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i]
}

func TestEmitAndListen(t *testing.T) {
	b := brokertest.New()
	sink := &eventSink{}
	connectClient(t, b, testSettings("audit"), func(c *Client) {
		if err := c.Listen("billing", "paid", ScopeApp, sink.handle); err != nil {
			t.Fatal(err)
		}
		if err := c.Listen("billing", "failed", ScopeApp, func(rl rail.Rail, e Event) error {
			return errors.New("not today")
		}); err != nil {
			t.Fatal(err)
		}
	})
	billing := connectClient(t, b, testSettings("billing"))

	q, ok := b.Queue("audit.event.billing")
	if !ok || !q.Durable || q.Exclusive {
		t.Fatalf("unexpected listener queue %+v", q)
	}

	if err := billing.Emit(callRail(t), "paid", invoicePaid{Invoice: "INV-1", Amount: 42}); err != nil {
		t.Fatal(err)
	}
	if !brokertest.WaitUntil(waitTimeout, func() bool { return sink.len() == 1 }) {
		t.Fatal("event not received")
	}
	e := sink.get(0)
	if e.Emitter.Name != "billing" || e.Emitter.Uid != billing.Identity().Uid || e.Name != "paid" {
		t.Fatalf("unexpected event %+v", e)
	}
	var body invoicePaid
	if err := e.Body.Bind(&body); err != nil {
		t.Fatal(err)
	}
	if body.Invoice != "INV-1" || body.Amount != 42 {
		t.Fatalf("unexpected body %+v", body)
	}

	var pub amqp.Publishing
	for _, p := range b.Published() {
		if p.Exchange == DefaultExchangeEvent {
			pub = p.Msg
		}
	}
	if pub.DeliveryMode != amqp.Persistent || pub.Type != "paid" || pub.Headers[HeaderName] != "billing" {
		t.Fatalf("unexpected event publishing %+v", pub)
	}

	// handler error
	if err := billing.Emit(callRail(t), "failed", struct{}{}); err != nil {
		t.Fatal(err)
	}
	expectNacked(t, b, "audit.event.billing", 1)

	// nobody listens
	if err := billing.Emit(callRail(t), "refunded", struct{}{}); err != nil {
		t.Fatal(err)
	}
	if err := billing.Emit(callRail(t), "", struct{}{}); !errors.Is(err, ErrWrongArgs) {
		t.Fatalf("expected WRONG_ARGS, got %v", err)
	}
}

func TestListenInstanceScope(t *testing.T) {
	b := brokertest.New()
	sinks := []*eventSink{{}, {}}
	for i, uid := range []string{"audit_1", "audit_2"} {
		s := testSettings("audit")
		s.Uid = uid
		sink := sinks[i]
		connectClient(t, b, s, func(c *Client) {
			if err := c.Listen("billing", "paid", ScopeInstance, sink.handle); err != nil {
				t.Fatal(err)
			}
		})
	}
	billing := connectClient(t, b, testSettings("billing"))

	q, ok := b.Queue("audit.event.audit_1.billing")
	if !ok || !q.Exclusive {
		t.Fatalf("unexpected listener queue %+v", q)
	}

	if err := billing.Emit(callRail(t), "paid", invoicePaid{Invoice: "INV-2"}); err != nil {
		t.Fatal(err)
	}
	ok = brokertest.WaitUntil(waitTimeout, func() bool { return sinks[0].len() == 1 && sinks[1].len() == 1 })
	if !ok {
		t.Fatal("every instance should receive the event")
	}
}

func TestListenValidation(t *testing.T) {
	b := brokertest.New()
	c, err := NewClient(testSettings("audit"), WithDialer(b.Dialer()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	h := func(rl rail.Rail, e Event) error { return nil }

	if err := c.Listen("", "paid", ScopeApp, h); !errors.Is(err, ErrWrongArgs) {
		t.Fatalf("expected WRONG_ARGS, got %v", err)
	}
	if err := c.Listen("billing", "paid", ScopeApp, nil); !errors.Is(err, ErrWrongArgs) {
		t.Fatalf("expected WRONG_ARGS, got %v", err)
	}
	if err := c.Listen("billing", "paid", Scope(9), h); !errors.Is(err, ErrWrongArgs) {
		t.Fatalf("expected WRONG_ARGS, got %v", err)
	}
	if err := c.Listen("billing", "paid", ScopeApp, h); err != nil {
		t.Fatal(err)
	}
	if err := c.Listen("billing", "paid", ScopeApp, h); !errors.Is(err, ErrWrongArgs) {
		t.Fatalf("duplicate listener should fail, got %v", err)
	}
	if err := c.Listen("billing", "created", ScopeApp, h); err != nil {
		t.Fatal(err)
	}
	if len(c.listeners) != 1 || len(c.listeners[0].handlers) != 2 {
		t.Fatalf("listeners of the same queue should share it, %+v", c.listeners)
	}

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := c.Listen("billing", "deleted", ScopeApp, h); !errors.Is(err, ErrWrongAction) {
		t.Fatalf("expected WRONG_ACTION, got %v", err)
	}
}

func TestEmitGivesUp(t *testing.T) {
	b := brokertest.New()
	b.SetDialError(errors.New("connection refused"))
	billing := startClient(t, b, testSettings("billing"))

	rl, cancel := rail.EmptyRail().WithTimeout(30 * time.Millisecond)
	defer cancel()
	if err := billing.Emit(rl, "paid", struct{}{}); err == nil {
		t.Fatal("emit should give up when rail is done")
	}
	if billing.Buffered() != 1 {
		t.Fatalf("abandoned event stays queued until drained, %v", billing.Buffered())
	}

	before := len(b.Published())
	b.SetDialError(nil)
	waitReady(t, billing)
	if !brokertest.WaitUntil(waitTimeout, func() bool { return billing.Buffered() == 0 }) {
		t.Fatal("buffer should be drained")
	}
	if len(b.Published()) != before {
		t.Fatal("abandoned event should not be written")
	}
}
