package herald

import (
	"testing"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/encoding/json"
	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/NumminorihSF/rabbitmq-herald-client/transport/brokertest"
	amqp "github.com/rabbitmq/amqp091-go"
)

const peerQueue = "peer.rpc.res.peer_1"

type peer struct {
	b    *brokertest.Broker
	msgs <-chan amqp.Delivery
}

// Raw consumer of replies sent to peerQueue.
func newPeer(t *testing.T, b *brokertest.Broker) *peer {
	conn, err := b.Dial("", amqp.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	ch, err := conn.Channel()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.QueueDeclare(peerQueue, true, false, true, false, nil); err != nil {
		t.Fatal(err)
	}
	if err := ch.QueueBind(peerQueue, peerQueue, DefaultExchangeResponse, false, nil); err != nil {
		t.Fatal(err)
	}
	msgs, err := ch.Consume(peerQueue, "", true, false, false, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &peer{b: b, msgs: msgs}
}

func (p *peer) request(t *testing.T, identity bool, correlationId string, body string) {
	msg := amqp.Publishing{ReplyTo: peerQueue, CorrelationId: correlationId, Body: []byte(body)}
	if identity {
		msg.Headers = amqp.Table{HeaderName: "peer", HeaderUid: "peer_1"}
	}
	if err := p.b.Publish(DefaultExchangeRequest, "math", msg); err != nil {
		t.Fatal(err)
	}
}

func (p *peer) reply(t *testing.T) response {
	select {
	case d := <-p.msgs:
		var res response
		if err := json.ParseJson(d.Body, &res); err != nil {
			t.Fatalf("invalid reply %s, %v", d.Body, err)
		}
		if d.Headers[HeaderName] != "math" {
			t.Fatalf("reply should carry identity, %v", d.Headers)
		}
		return res
	case <-time.After(waitTimeout):
		t.Fatal("no reply")
	}
	return response{}
}

func (p *peer) noReply(t *testing.T) {
	select {
	case d := <-p.msgs:
		t.Fatalf("unexpected reply %s", d.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectError(t *testing.T, res response, id uint64, msg string) {
	if res.Error == nil || *res.Error != msg {
		t.Fatalf("expected error %v, got %+v", msg, res)
	}
	if res.Id == nil || *res.Id != id {
		t.Fatalf("expected id %v, got %+v", id, res)
	}
	if !Payload(res.Result).IsNull() {
		t.Fatalf("result should be null, %s", res.Result)
	}
}

// Wait until the n-th settled delivery of queue is a nack without requeue.
func expectNacked(t *testing.T, b *brokertest.Broker, queue string, n int) {
	ok := brokertest.WaitUntil(waitTimeout, func() bool {
		var nacked int
		for _, s := range b.Settled() {
			if s.Queue != queue {
				continue
			}
			if s.Requeued {
				t.Fatalf("delivery should not be requeued, %+v", s)
			}
			if !s.Acked {
				nacked++
			}
		}
		return nacked == n
	})
	if !ok {
		t.Fatalf("expected %v nacked deliveries on %v, settled: %+v", n, queue, b.Settled())
	}
}

func TestDispatchProtocol(t *testing.T) {
	b := brokertest.New()
	connectClient(t, b, testSettings("math"), mathServer)
	p := newPeer(t, b)

	p.request(t, false, "5", `{"method":"sum","params":{"a":1,"b":1},"id":5}`)
	expectError(t, p.reply(t), 5, MsgNeedIdentity)
	expectNacked(t, b, "math.rpc.in", 1)

	p.request(t, true, "6", `{"method":`)
	expectError(t, p.reply(t), 6, MsgNeedValidBody)
	expectNacked(t, b, "math.rpc.in", 2)

	p.request(t, true, "7", `{"method":"sum","params":{}}`)
	expectNacked(t, b, "math.rpc.in", 3)
	p.noReply(t)

	p.request(t, true, "", `{"params":{},"id":8}`)
	expectError(t, p.reply(t), 8, MsgNeedMethod)
	expectNacked(t, b, "math.rpc.in", 4)

	p.request(t, true, "9", `{"method":"nope","params":{},"id":9}`)
	expectError(t, p.reply(t), 9, MsgNeedAvailableMethod)
	expectNacked(t, b, "math.rpc.in", 5)

	p.request(t, true, "10", `{"method":"sum","params":{"a":1,"b":2},"id":10}`)
	res := p.reply(t)
	if res.Error != nil || string(res.Result) != "3" || res.Id == nil || *res.Id != 10 {
		t.Fatalf("unexpected reply %+v", res)
	}
	acked := brokertest.WaitUntil(waitTimeout, func() bool {
		for _, s := range b.Settled() {
			if s.Queue == "math.rpc.in" && s.Acked && s.CorrelationId == "10" {
				return true
			}
		}
		return false
	})
	if !acked {
		t.Fatal("request should be acked")
	}
}

func TestDispatchWithoutReplyTo(t *testing.T) {
	b := brokertest.New()
	connectClient(t, b, testSettings("math"), mathServer)
	before := len(b.Published())

	err := b.Publish(DefaultExchangeRequest, "math", amqp.Publishing{Body: []byte(`{"method":"nope","params":{},"id":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	expectNacked(t, b, "math.rpc.in", 1)
	time.Sleep(20 * time.Millisecond)
	if len(b.Published()) != before+1 {
		t.Fatal("nothing should be replied without reply-to")
	}
}

func TestStaleResponse(t *testing.T) {
	b := brokertest.New()
	web := connectClient(t, b, testSettings("web"))
	queue := web.Identity().RpcResInstance()

	publish := func(headers amqp.Table, body string) {
		err := b.Publish(DefaultExchangeResponse, queue, amqp.Publishing{Headers: headers, Body: []byte(body)})
		if err != nil {
			t.Fatal(err)
		}
	}
	identity := amqp.Table{HeaderName: "math", HeaderUid: "math_1"}

	publish(identity, `{"error":null,"result":1,"id":999}`)
	expectNacked(t, b, queue, 1)

	publish(nil, `{"error":null,"result":1,"id":1}`)
	expectNacked(t, b, queue, 2)

	publish(identity, `not json`)
	expectNacked(t, b, queue, 3)

	publish(identity, `{"error":null,"result":1}`)
	expectNacked(t, b, queue, 4)

	// correlation id alone doesn't resolve a pending call
	resolved := make(chan error, 1)
	web.Rpc(rail.EmptyRail(), "math", Action{Name: "sum", Args: map[string]int{}}, &CallOptions{Timeout: 5 * time.Second}, func(_ Payload, err error) {
		resolved <- err
	})
	if web.InFlight() != 1 {
		t.Fatalf("expected 1 pending call, got %v", web.InFlight())
	}
	err := b.Publish(DefaultExchangeResponse, queue, amqp.Publishing{Headers: identity, CorrelationId: "1", Body: []byte(`{"error":null,"result":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	expectNacked(t, b, queue, 5)
	select {
	case err := <-resolved:
		t.Fatalf("call should still be pending, resolved with %v", err)
	default:
	}
	if web.InFlight() != 1 {
		t.Fatalf("call should still be pending, in flight: %v", web.InFlight())
	}
}
