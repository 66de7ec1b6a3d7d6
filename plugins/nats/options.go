package nats

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/core"
)

// Parameter keys read by the NATS driver in addition to the common ones.
const (
	KeyMaxDeliver = "nats.max-deliver"
	KeyReplicas   = "nats.replicas"
	KeyStorage    = "nats.storage"
	KeyAckWait    = "nats.ack-wait"
	KeyMaxAge     = "nats.max-age"
)

// Option configures the NATS driver.
type Option func(*options)

type options struct {
	// Stream
	maxMsgs   int64
	maxBytes  int64
	maxAge    time.Duration
	replicas  int
	retention jetstream.RetentionPolicy
	storage   jetstream.StorageType

	// Consumer
	ackWait    time.Duration
	maxDeliver int

	connectTimeout time.Duration
	logger         *zap.Logger
}

func defaults() options {
	return options{
		maxMsgs:        -1, // unlimited
		maxBytes:       -1,
		replicas:       1,
		retention:      jetstream.LimitsPolicy,
		storage:        jetstream.FileStorage,
		ackWait:        30 * time.Second,
		maxDeliver:     5,
		connectTimeout: 5 * time.Second,
		logger:         zap.NewNop(),
	}
}

// WithMaxMessages sets the maximum number of messages per stream.
func WithMaxMessages(n int64) Option {
	return func(o *options) { o.maxMsgs = n }
}

// WithMaxBytes sets the maximum total size of a stream.
func WithMaxBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxAge sets the maximum age of messages in the stream.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithReplicas sets the stream replication factor.
func WithReplicas(n int) Option {
	return func(o *options) { o.replicas = n }
}

// WithRetention sets the stream retention policy.
func WithRetention(r jetstream.RetentionPolicy) Option {
	return func(o *options) { o.retention = r }
}

// WithStorage sets the stream storage type (file or memory).
func WithStorage(s jetstream.StorageType) Option {
	return func(o *options) { o.storage = s }
}

// WithAckWait sets how long the server waits for an ack before redelivering.
func WithAckWait(d time.Duration) Option {
	return func(o *options) { o.ackWait = d }
}

// WithMaxDeliver sets the maximum number of delivery attempts.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.maxDeliver = n }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// optionsFromParams overrides driver defaults with per-connection
// parameters.
func optionsFromParams(base options, params *core.Parameters) options {
	o := base
	if n, ok := params.Int(KeyMaxDeliver); ok {
		o.maxDeliver = n
	}
	if n, ok := params.Int(KeyReplicas); ok {
		o.replicas = n
	}
	if d, ok := params.Duration(KeyAckWait); ok {
		o.ackWait = d
	}
	if d, ok := params.Duration(KeyMaxAge); ok {
		o.maxAge = d
	}
	switch strings.ToLower(params.Get(KeyStorage)) {
	case "memory":
		o.storage = jetstream.MemoryStorage
	case "file":
		o.storage = jetstream.FileStorage
	}
	return o
}
