// Package rabbitmq provides an AMQP 0-9-1 driver registered under the
// "rabbitmq" and "amqp" initial-context-factory names.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
)

// errNoEndpoint is returned by Connect when the provider URL lists no
// endpoint. Parameters.Validate rejects such URLs before a driver is reached.
var errNoEndpoint = errors.New("relaymux/rabbitmq: provider-url names no endpoint")

// Name is the initial-context-factory value that selects this driver.
const Name = "rabbitmq"

func init() {
	d := New()
	broker.Register(Name, d)
	broker.Register("amqp", d)
}

// Driver implements core.Driver for RabbitMQ using amqp091-go.
//
// Design decisions:
//   - One AMQP connection per Connect call, tagged with the connection name.
//   - One channel per session.
//   - Send runs in publisher-confirm mode and waits for the broker ack.
//   - Manual ack mode for consumers; Nack requeues.
//   - Durable subscribers consume a durable queue named after the
//     destination; non-durable ones get an auto-delete queue.
type Driver struct {
	opts options
}

// New creates a RabbitMQ driver.
func New(fns ...Option) *Driver {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Driver{opts: opts}
}

func (d *Driver) Connect(ctx context.Context, params *core.Parameters, onError core.ErrorListener) (core.Connection, error) {
	uris := broker.Endpoints(params, "")
	if len(uris) == 0 {
		return nil, errNoEndpoint
	}
	opts := optionsFromParams(d.opts, params)
	cfg := dialConfig(params, opts)

	// amqp091 has no context-aware dial; honor the deadline at least.
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dial = amqp.DefaultDial(time.Until(deadline))
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for _, uri := range uris {
		if conn, err = amqp.DialConfig(uri, cfg); err == nil {
			break
		}
		err = fmt.Errorf("relaymux/rabbitmq: dial %q: %w", redactedURI(uri), err)
		opts.logger.Debug("amqp dial failed", zap.Error(err))
	}
	if err != nil {
		return nil, err
	}

	c := &connection{conn: conn, params: params, opts: opts, done: make(chan struct{})}
	c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), onError)
	opts.logger.Debug("amqp connection opened", zap.String("connection", broker.ConnectionName(params)))
	return c, nil
}

func dialConfig(params *core.Parameters, opts options) amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(broker.ConnectionName(params))
	cfg := amqp.Config{
		Properties: props,
		Vhost:      opts.vhost,
	}
	if user, pass, ok := params.Credentials(); ok {
		cfg.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: user, Password: pass}}
	}
	return cfg
}

type connection struct {
	conn   *amqp.Connection
	params *core.Parameters
	opts   options

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// watch forwards an unexpected connection close to onError.
func (c *connection) watch(closed <-chan *amqp.Error, onError core.ErrorListener) {
	go func() {
		select {
		case err, ok := <-closed:
			if ok && err != nil && onError != nil {
				onError(fmt.Errorf("relaymux/rabbitmq: connection closed: %w", err))
			}
		case <-c.done:
		}
	}()
}

func (c *connection) OpenSession(context.Context) (core.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClosed
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("relaymux/rabbitmq: open channel: %w", err)
	}
	return &session{conn: c, ch: ch}, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("relaymux/rabbitmq: close connection: %w", err)
	}
	return nil
}

type session struct {
	conn *connection
	ch   *amqp.Channel

	mu        sync.Mutex
	closed    bool
	confirms  bool
	declared  map[string]bool
	consumers []*consumer
}

func (s *session) Send(ctx context.Context, destination string, msg *core.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", core.ErrClosed
	}
	if !s.confirms {
		if err := s.ch.Confirm(false); err != nil {
			return "", fmt.Errorf("relaymux/rabbitmq: enable confirms: %w", err)
		}
		s.confirms = true
	}
	if err := s.declareExchange(); err != nil {
		return "", err
	}

	dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.conn.opts.exchange, destination, false, false, publishing(msg))
	if err != nil {
		return "", fmt.Errorf("relaymux/rabbitmq: publish to %q: %w", destination, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("relaymux/rabbitmq: wait for confirm on %q: %w", destination, err)
	}
	if !acked {
		return "", fmt.Errorf("relaymux/rabbitmq: broker rejected message %s on %q", msg.ID, destination)
	}
	return msg.ID, nil
}

func (s *session) declareExchange() error {
	o := s.conn.opts
	if o.exchange == "" || s.declared[o.exchange] {
		return nil
	}
	if err := s.ch.ExchangeDeclare(o.exchange, o.exchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("relaymux/rabbitmq: declare exchange %q: %w", o.exchange, err)
	}
	if s.declared == nil {
		s.declared = make(map[string]bool)
	}
	s.declared[o.exchange] = true
	return nil
}

// Consume declares the destination queue, binds it when an exchange is
// configured and delivers on a goroutine owned by the returned consumer.
func (s *session) Consume(ctx context.Context, destination string, opts core.ConsumeOptions, handler core.Handler) (core.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	o := s.conn.opts

	if err := s.ch.Qos(o.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("relaymux/rabbitmq: set qos: %w", err)
	}
	if err := s.declareExchange(); err != nil {
		return nil, err
	}

	queue := destination
	if o.exchange != "" && !opts.Durable {
		queue = "" // server-named
	}
	q, err := s.ch.QueueDeclare(queue, opts.Durable, o.autoDelete || !opts.Durable, o.exclusive, false, nil)
	if err != nil {
		return nil, fmt.Errorf("relaymux/rabbitmq: declare queue %q: %w", destination, err)
	}
	if o.exchange != "" {
		if err := s.ch.QueueBind(q.Name, destination, o.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("relaymux/rabbitmq: bind queue %q: %w", q.Name, err)
		}
	}

	tag := broker.SubscriberName(s.conn.params)
	deliveries, err := s.ch.Consume(q.Name, tag, false, o.exclusive, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("relaymux/rabbitmq: consume %q: %w", q.Name, err)
	}

	c := &consumer{ch: s.ch, tag: tag, stopped: make(chan struct{})}
	go c.loop(ctx, q.Name, deliveries, handler, o.logger)
	s.consumers = append(s.consumers, c)
	return c, nil
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
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("relaymux/rabbitmq: close channel: %w", err))
	}
	return errors.Join(errs...)
}

// canceler is the part of *amqp.Channel a consumer needs to stop.
type canceler interface {
	Cancel(consumer string, noWait bool) error
}

type consumer struct {
	ch      canceler
	tag     string
	stopped chan struct{}
	once    sync.Once
	err     error
}

// loop processes deliveries until the server cancels the consumer or the
// channel closes.
func (c *consumer) loop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler core.Handler, logger *zap.Logger) {
	defer close(c.stopped)
	for d := range deliveries {
		if err := handler(ctx, &delivery{d: d, queue: queue}); err != nil {
			logger.Debug("handler returned error", zap.String("queue", queue), zap.Error(err))
		}
	}
}

// Close cancels the subscription and waits for the delivery loop to drain,
// so no handler runs once Close returns.
func (c *consumer) Close() error {
	c.once.Do(func() {
		if err := c.ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.err = fmt.Errorf("relaymux/rabbitmq: cancel consumer %q: %w", c.tag, err)
			return
		}
		<-c.stopped
	})
	return c.err
}

// redactedURI hides the password of an AMQP URI for logs.
func redactedURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
