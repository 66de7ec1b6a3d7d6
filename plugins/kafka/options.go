package kafka

import (
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/core"
)

// Parameter keys read by the Kafka driver in addition to the common ones.
const (
	KeyStartOffset = "kafka.start-offset"
	KeyMaxBytes    = "kafka.max-bytes"
	KeyMaxWait     = "kafka.max-wait"
)

// Option configures the Kafka driver.
type Option func(*options)

type options struct {
	// Writer
	balancer     kafka.Balancer
	batchSize    int
	batchTimeout time.Duration

	// Reader
	minBytes    int
	maxBytes    int
	maxWait     time.Duration
	startOffset int64

	// General
	dialTimeout time.Duration
	logger      *zap.Logger
}

func defaults() options {
	return options{
		balancer:     &kafka.LeastBytes{},
		batchSize:    100,
		batchTimeout: 10 * time.Millisecond,
		minBytes:     1,
		maxBytes:     10e6, // 10 MB
		maxWait:      500 * time.Millisecond,
		startOffset:  kafka.LastOffset,
		dialTimeout:  10 * time.Second,
		logger:       zap.NewNop(),
	}
}

// WithBalancer sets the partition balancer for the writer.
func WithBalancer(b kafka.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithBatchSize sets the maximum batch size for writes.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithBatchTimeout bounds how long a write waits for a batch to fill.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *options) { o.batchTimeout = d }
}

// WithMaxBytes sets the maximum bytes per fetch.
func WithMaxBytes(n int) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxWait sets the maximum wait time for fetches.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithStartOffset sets the consumer start offset (kafka.FirstOffset or kafka.LastOffset).
func WithStartOffset(offset int64) Option {
	return func(o *options) { o.startOffset = offset }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
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
	switch strings.ToLower(params.Get(KeyStartOffset)) {
	case "first", "earliest":
		o.startOffset = kafka.FirstOffset
	case "last", "latest":
		o.startOffset = kafka.LastOffset
	}
	if n, ok := params.Int(KeyMaxBytes); ok {
		o.maxBytes = n
	}
	if d, ok := params.Duration(KeyMaxWait); ok {
		o.maxWait = d
	}
	return o
}
