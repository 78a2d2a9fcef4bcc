package herald

import (
	"strconv"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/encoding/json"
	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
)

const (
	HeaderName = "x-herald-name"
	HeaderUid  = "x-herald-uid"
)

var nullJson = json.RawMessage("null")

// Raw JSON value of call arguments, results and event bodies.
type Payload []byte

// Unmarshal the payload into ptr.
func (p Payload) Bind(ptr any) error {
	if len(p) == 0 {
		return json.ParseJson(nullJson, ptr)
	}
	return json.ParseJson(p, ptr)
}

func (p Payload) IsNull() bool {
	return len(p) == 0 || string(p) == "null"
}

func (p Payload) String() string {
	return string(p)
}

// Remote procedure to call.
type Action struct {
	Name string
	Args any // must not be nil, use an empty struct or map for no arguments
}

type CallOptions struct {
	Timeout   time.Duration // overrides the default rpc timeout
	Instance  string        // uid of the target instance
	Broadcast bool          // call every instance of the target
}

// Result of a call, invoked exactly once.
type Callback func(result Payload, err error)

type request struct {
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Id     *uint64         `json:"id"`
}

type response struct {
	Error  *string         `json:"error"`
	Result json.RawMessage `json:"result"`
	Id     *uint64         `json:"id"`
}

// Marshal v as raw json, Payload and json.RawMessage are kept as is.
func toRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nullJson, nil
	case Payload:
		if len(t) == 0 {
			return nullJson, nil
		}
		return json.RawMessage(t), nil
	case json.RawMessage:
		if len(t) == 0 {
			return nullJson, nil
		}
		return t, nil
	}
	b, err := json.WriteJson(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Build publishing with sender identity and trace id.
func (c *Client) publishing(rl rail.Rail, body []byte) amqp.Publishing {
	p := amqp.Publishing{
		Headers: amqp.Table{
			HeaderName:    c.id.Name,
			HeaderUid:     c.id.Uid,
			rail.XTraceId: rl.TraceId(),
		},
		ContentType: c.codec.ContentType(),
		AppId:       c.id.Name,
		Timestamp:   time.Now(),
		Body:        body,
	}

	// broker rejects user-id that is not the login user
	if c.id.Name == c.settings.Endpoint.Username {
		p.UserId = c.id.Name
	}
	return p
}

// Build rpc publishing, used by both requests and responses.
func (c *Client) rpcPublishing(rl rail.Rail, body []byte, id *uint64, expiration time.Duration) amqp.Publishing {
	p := c.publishing(rl, body)
	p.DeliveryMode = amqp.Transient
	p.ReplyTo = c.id.RpcResInstance()
	p.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	if id != nil {
		p.CorrelationId = strconv.FormatUint(*id, 10)
		p.MessageId = p.CorrelationId
	}
	return p
}

// Resolve sender identity, user-id is preferred over the name header.
func senderOf(d amqp.Delivery) (Identity, bool) {
	name := d.UserId
	if name == "" {
		name = cast.ToString(d.Headers[HeaderName])
	}
	if name == "" {
		return Identity{}, false
	}
	return Identity{Name: name, Uid: cast.ToString(d.Headers[HeaderUid])}, true
}

// Resolve correlation id from message properties.
func correlationIdOf(d amqp.Delivery) (uint64, bool) {
	s := d.CorrelationId
	if s == "" {
		s = d.MessageId
	}
	if s == "" {
		return 0, false
	}
	id, err := cast.ToUint64E(s)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Rail continuing the trace of the delivery.
func inboundRail(d amqp.Delivery) rail.Rail {
	return rail.WithTrace(cast.ToString(d.Headers[rail.XTraceId]))
}
