// Package kafka provides an Apache Kafka driver registered under the
// "kafka" initial-context-factory name.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
)

// errNoEndpoint is returned by Connect when the provider URL lists no
// endpoint. Parameters.Validate rejects such URLs before a driver is reached.
var errNoEndpoint = errors.New("relaymux/kafka: provider-url names no endpoint")

// Name is the initial-context-factory value that selects this driver.
const Name = "kafka"

func init() {
	broker.Register(Name, New())
}

// Driver implements core.Driver for Apache Kafka using segmentio/kafka-go.
//
// Design decisions:
//   - Kafka has no connection object; Connect builds a dialer carrying the
//     client id and credentials and checks that a broker answers.
//   - One synchronous kafka.Writer per session with RequireAll acks.
//   - One kafka.Reader per consumer. Durable subscribers join a consumer
//     group named after the subscriber and commit on Ack; others read
//     partition 0 from the configured start offset.
//   - Close cancels the fetch loop and waits for it before closing the reader.
type Driver struct {
	opts options
}

// New creates a Kafka driver.
func New(fns ...Option) *Driver {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Driver{opts: opts}
}

func (d *Driver) Connect(ctx context.Context, params *core.Parameters, onError core.ErrorListener) (core.Connection, error) {
	brokers := broker.Endpoints(params, "kafka")
	if len(brokers) == 0 {
		return nil, errNoEndpoint
	}
	opts := optionsFromParams(d.opts, params)
	dialer := newDialer(params, opts)

	var errs []error
	reachable := false
	for _, addr := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = conn.Close()
		reachable = true
		break
	}
	if !reachable {
		return nil, fmt.Errorf("relaymux/kafka: no broker reachable: %w", errors.Join(errs...))
	}

	return &connection{brokers: brokers, dialer: dialer, params: params, opts: opts, onError: onError}, nil
}

func newDialer(params *core.Parameters, opts options) *kafka.Dialer {
	dialer := &kafka.Dialer{
		ClientID:  broker.ConnectionName(params),
		Timeout:   opts.dialTimeout,
		DualStack: true,
	}
	if user, pass, ok := params.Credentials(); ok {
		dialer.SASLMechanism = plain.Mechanism{Username: user, Password: pass}
	}
	return dialer
}

type connection struct {
	brokers []string
	dialer  *kafka.Dialer
	params  *core.Parameters
	opts    options
	onError core.ErrorListener

	mu     sync.Mutex
	closed bool
}

func (c *connection) OpenSession(context.Context) (core.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClosed
	}
	return &session{conn: c}, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *connection) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

type session struct {
	conn *connection

	mu        sync.Mutex
	closed    bool
	writer    *kafka.Writer
	consumers []*consumer
}

func (s *session) writerLocked() *kafka.Writer {
	if s.writer != nil {
		return s.writer
	}
	c := s.conn
	transport := &kafka.Transport{
		ClientID: c.dialer.ClientID,
		SASL:     c.dialer.SASLMechanism,
		TLS:      c.dialer.TLS,
	}
	s.writer = &kafka.Writer{
		Addr:                   kafka.TCP(c.brokers...),
		Balancer:               c.opts.balancer,
		BatchSize:              c.opts.batchSize,
		BatchTimeout:           c.opts.batchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Transport:              transport,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			c.reportError(fmt.Errorf("relaymux/kafka: %s", fmt.Sprintf(msg, args...)))
		}),
	}
	return s.writer
}

func (s *session) Send(ctx context.Context, destination string, msg *core.Message) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", core.ErrClosed
	}
	w := s.writerLocked()
	s.mu.Unlock()

	km := kafka.Message{
		Topic:   destination,
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: toHeaders(msg.Properties),
		Time:    msg.Timestamp,
	}
	if err := w.WriteMessages(ctx, km); err != nil {
		return "", fmt.Errorf("relaymux/kafka: publish to %q: %w", destination, err)
	}
	return msg.ID, nil
}

func (s *session) Consume(ctx context.Context, destination string, opts core.ConsumeOptions, handler core.Handler) (core.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}

	cfg := s.readerConfig(destination, opts)
	r := kafka.NewReader(cfg)

	loopCtx, cancel := context.WithCancel(ctx)
	c := &consumer{reader: r, cancel: cancel, stopped: make(chan struct{})}
	go c.loop(loopCtx, handler, cfg.GroupID != "", s.conn)
	s.consumers = append(s.consumers, c)
	return c, nil
}

func (s *session) readerConfig(destination string, opts core.ConsumeOptions) kafka.ReaderConfig {
	o := s.conn.opts
	cfg := kafka.ReaderConfig{
		Brokers:     s.conn.brokers,
		Topic:       destination,
		Dialer:      s.conn.dialer,
		MinBytes:    o.minBytes,
		MaxBytes:    o.maxBytes,
		MaxWait:     o.maxWait,
		StartOffset: o.startOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			s.conn.reportError(fmt.Errorf("relaymux/kafka: %s", fmt.Sprintf(msg, args...)))
		}),
	}
	if opts.Durable {
		cfg.GroupID = broker.SubscriberName(s.conn.params)
	}
	return cfg
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := s.consumers
	s.consumers = nil
	w := s.writer
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	if w != nil {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relaymux/kafka: close writer: %w", err))
		}
	}
	return errors.Join(errs...)
}

const fetchRetryDelay = time.Second

// messageReader is the part of *kafka.Reader a consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer struct {
	reader  messageReader
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
	err     error
}

// loop fetches messages and dispatches them to the handler until cancelled.
func (c *consumer) loop(ctx context.Context, handler core.Handler, group bool, conn *connection) {
	defer close(c.stopped)
	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // graceful shutdown
			}
			conn.reportError(fmt.Errorf("relaymux/kafka: fetch: %w", err))
			if errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}
		if ctx.Err() != nil {
			return // closing: leave the offset uncommitted
		}
		// Commits outlive Close's cancel so the delivery in progress is kept.
		d := &delivery{raw: raw, reader: c.reader, group: group, ctx: context.WithoutCancel(ctx)}
		if err := handler(ctx, d); err != nil {
			conn.opts.logger.Debug("handler returned error", zap.String("topic", raw.Topic), zap.Error(err))
		}
	}
}

// Close stops the fetch loop, waits for the handler call in progress and then
// closes the reader.
func (c *consumer) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.stopped
		if err := c.reader.Close(); err != nil {
			c.err = fmt.Errorf("relaymux/kafka: close reader: %w", err)
		}
	})
	return c.err
}
