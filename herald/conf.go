package herald

import (
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/config"
	"github.com/NumminorihSF/rabbitmq-herald-client/transport"
)

// Herald Configuration
const (
	// RabbitMQ server host | localhost
	PropRabbitMqHost = "herald.rabbitmq.host"

	// RabbitMQ server port | 5672
	PropRabbitMqPort = "herald.rabbitmq.port"

	// username used to connect to server, also the application name by default | guest
	PropRabbitMqUsername = "herald.rabbitmq.username"

	// password used to connect to server | guest
	PropRabbitMqPassword = "herald.rabbitmq.password"

	// virtual host
	PropRabbitMqVhost = "herald.rabbitmq.vhost"

	// heartbeat interval in seconds | 10
	PropRabbitMqHeartbeat = "herald.rabbitmq.heartbeat"

	// application name, only used when herald.force-name is true
	PropName = "herald.name"

	// use herald.name instead of the username as application name | false
	PropForceName = "herald.force-name"

	// instance id, generated from the application name if missing
	PropUid = "herald.uid"

	// delay before reconnecting in milliseconds | 1000
	PropReconnectDelay = "herald.reconnect.delay"

	// rpc call timeout in milliseconds | 15000
	PropRpcTimeout = "herald.rpc.timeout"

	// max number of retries on rpc timeout, only used by CallRetry | 5
	PropRpcRetry = "herald.rpc.retry"

	// max number of unacknowledged messages per consumer | 100
	PropConsumerPrefetch = "herald.consumer.prefetch"

	// request exchange | rpc-request
	PropExchangeRequest = "herald.exchange.request"

	// response exchange | rpc-response
	PropExchangeResponse = "herald.exchange.response"

	// event exchange | event
	PropExchangeEvent = "herald.exchange.event"

	// message codec, json or aes | json
	PropCodec = "herald.codec"

	// key of aes codec, base64 encoded 16/24/32 bytes or a passphrase
	PropCodecKey = "herald.codec-key"

	// log level | info
	PropLogLevel = "herald.log.level"

	// rolling log file, logs are only written to stdout if missing
	PropLogFile = "herald.log.file"

	// http server port of cmd/herald serve | 8080
	PropServerPort = "herald.server.port"
)

const (
	DefaultExchangeRequest  = "rpc-request"
	DefaultExchangeResponse = "rpc-response"
	DefaultExchangeEvent    = "event"

	DefaultReconnectDelay = 1000 * time.Millisecond
	DefaultRpcTimeout     = 15000 * time.Millisecond
	DefaultRpcRetry       = 5
	DefaultPrefetch       = 100

	CodecJson = "json"
	CodecAes  = "aes"
)

func init() {
	config.SetDefProp(PropRabbitMqHost, "localhost")
	config.SetDefProp(PropRabbitMqPort, 5672)
	config.SetDefProp(PropRabbitMqUsername, "guest")
	config.SetDefProp(PropRabbitMqPassword, "guest")
	config.SetDefProp(PropRabbitMqVhost, "")
	config.SetDefProp(PropRabbitMqHeartbeat, 10)
	config.SetDefProp(PropForceName, false)
	config.SetDefProp(PropReconnectDelay, DefaultReconnectDelay.Milliseconds())
	config.SetDefProp(PropRpcTimeout, DefaultRpcTimeout.Milliseconds())
	config.SetDefProp(PropRpcRetry, DefaultRpcRetry)
	config.SetDefProp(PropConsumerPrefetch, DefaultPrefetch)
	config.SetDefProp(PropExchangeRequest, DefaultExchangeRequest)
	config.SetDefProp(PropExchangeResponse, DefaultExchangeResponse)
	config.SetDefProp(PropExchangeEvent, DefaultExchangeEvent)
	config.SetDefProp(PropCodec, CodecJson)
	config.SetDefProp(PropLogLevel, "info")
	config.SetDefProp(PropServerPort, 8080)
}

type Exchanges struct {
	Request  string
	Response string
	Event    string
}

// Client settings.
type Settings struct {
	Endpoint       transport.Endpoint
	Name           string // used only when ForceName is true
	ForceName      bool
	Uid            string // generated if empty
	ReconnectDelay time.Duration
	RpcTimeout     time.Duration
	RpcRetry       int
	Prefetch       int
	Exchanges      Exchanges
	Codec          Codec
}

func DefaultSettings() Settings {
	return Settings{
		Endpoint: transport.Endpoint{
			Host:      "localhost",
			Port:      5672,
			Username:  "guest",
			Password:  "guest",
			Heartbeat: 10 * time.Second,
		},
		ReconnectDelay: DefaultReconnectDelay,
		RpcTimeout:     DefaultRpcTimeout,
		RpcRetry:       DefaultRpcRetry,
		Prefetch:       DefaultPrefetch,
		Exchanges: Exchanges{
			Request:  DefaultExchangeRequest,
			Response: DefaultExchangeResponse,
			Event:    DefaultExchangeEvent,
		},
		Codec: JsonCodec{},
	}
}

// Load settings from config.
func SettingsFromConfig(c *config.AppConfig) (Settings, error) {
	codec, err := CodecByName(c.GetPropStr(PropCodec), c.GetPropStr(PropCodecKey))
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Endpoint: transport.Endpoint{
			Host:      c.GetPropStr(PropRabbitMqHost),
			Port:      c.GetPropInt(PropRabbitMqPort),
			Username:  c.GetPropStr(PropRabbitMqUsername),
			Password:  c.GetPropStr(PropRabbitMqPassword),
			Vhost:     c.GetPropStr(PropRabbitMqVhost),
			Heartbeat: c.GetPropDur(PropRabbitMqHeartbeat, time.Second),
		},
		Name:           c.GetPropStr(PropName),
		ForceName:      c.GetPropBool(PropForceName),
		Uid:            c.GetPropStr(PropUid),
		ReconnectDelay: c.GetPropDur(PropReconnectDelay, time.Millisecond),
		RpcTimeout:     c.GetPropDur(PropRpcTimeout, time.Millisecond),
		RpcRetry:       c.GetPropInt(PropRpcRetry),
		Prefetch:       c.GetPropInt(PropConsumerPrefetch),
		Exchanges: Exchanges{
			Request:  c.GetPropStr(PropExchangeRequest),
			Response: c.GetPropStr(PropExchangeResponse),
			Event:    c.GetPropStr(PropExchangeEvent),
		},
		Codec: codec,
	}, nil
}

// Resolve identity, the broker username is the application name unless the name is forced.
func (s Settings) Identity() (Identity, error) {
	name := s.Endpoint.Username
	if s.ForceName && s.Name != "" {
		name = s.Name
	}
	if name == "" {
		return Identity{}, ErrWrongArgs.WithDetail("application name is missing, set username or force a name")
	}
	uid := s.Uid
	if uid == "" {
		uid = NewUid(name)
	}
	return Identity{Name: name, Uid: uid}, nil
}

// fill zero values with defaults
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = d.ReconnectDelay
	}
	if s.RpcTimeout <= 0 {
		s.RpcTimeout = d.RpcTimeout
	}
	if s.RpcRetry < 0 {
		s.RpcRetry = 0
	}
	if s.Prefetch <= 0 {
		s.Prefetch = d.Prefetch
	}
	if s.Exchanges.Request == "" {
		s.Exchanges.Request = d.Exchanges.Request
	}
	if s.Exchanges.Response == "" {
		s.Exchanges.Response = d.Exchanges.Response
	}
	if s.Exchanges.Event == "" {
		s.Exchanges.Event = d.Exchanges.Event
	}
	if s.Codec == nil {
		s.Codec = d.Codec
	}
	return s
}
