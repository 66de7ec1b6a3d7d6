package rabbitmq

import (
	"strings"

	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/core"
)

// Parameter keys read by the RabbitMQ driver in addition to the common ones.
const (
	KeyExchange      = "amqp.exchange"
	KeyExchangeType  = "amqp.exchange-type"
	KeyPrefetchCount = "amqp.prefetch-count"
	KeyVHost         = "amqp.vhost"
)

// Option configures the RabbitMQ driver.
type Option func(*options)

type options struct {
	// Exchange settings
	exchange     string
	exchangeType string

	// Queue settings
	autoDelete bool
	exclusive  bool

	// Consumer settings
	prefetchCount int

	vhost  string
	logger *zap.Logger
}

func defaults() options {
	return options{
		exchange:      "",       // default exchange
		exchangeType:  "direct", // direct, fanout, topic, headers
		prefetchCount: 10,
		logger:        zap.NewNop(),
	}
}

// WithExchange publishes through the named exchange, using the destination
// as routing key. Consumer queues are bound to it.
func WithExchange(name, kind string) Option {
	return func(o *options) {
		o.exchange = name
		o.exchangeType = kind
	}
}

// WithPrefetchCount sets how many messages are delivered before requiring ack.
func WithPrefetchCount(n int) Option {
	return func(o *options) { o.prefetchCount = n }
}

// WithAutoDelete causes durable queues to be deleted when the last consumer
// disconnects. Non-durable subscriber queues are always auto-deleted.
func WithAutoDelete(d bool) Option {
	return func(o *options) { o.autoDelete = d }
}

func WithExclusive(e bool) Option {
	return func(o *options) { o.exclusive = e }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// optionsFromParams overrides driver defaults with per-connection parameters.
func optionsFromParams(base options, params *core.Parameters) options {
	o := base
	if ex := params.Get(KeyExchange); ex != "" {
		o.exchange = ex
		if kind := strings.ToLower(params.Get(KeyExchangeType)); kind != "" {
			o.exchangeType = kind
		}
	}
	if n, ok := params.Int(KeyPrefetchCount); ok {
		o.prefetchCount = n
	}
	if vh := params.Get(KeyVHost); vh != "" {
		o.vhost = vh
	}
	return o
}
