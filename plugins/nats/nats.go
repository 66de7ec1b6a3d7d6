// Package nats provides a NATS JetStream driver registered under the "nats"
// initial-context-factory name.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
)

// errNoEndpoint is returned by Connect when the provider URL lists no
// endpoint. Parameters.Validate rejects such URLs before a driver is reached.
var errNoEndpoint = errors.New("relaymux/nats: provider-url names no endpoint")

// Name is the initial-context-factory value that selects this driver.
const Name = "nats"

func init() {
	broker.Register(Name, New())
}

// Driver implements core.Driver for NATS JetStream.
//
// Design decisions:
//   - One NATS connection per Connect call, named after the connection factory.
//   - Each destination is a subject backed by a stream of the same sanitized
//     name, created or updated on first use.
//   - Send waits for the JetStream publish ack and uses the message id as the
//     deduplication key.
//   - Durable subscribers get a durable consumer named after the subscriber;
//     others get an ephemeral consumer.
//   - Manual ack; Nack triggers server-side redelivery.
type Driver struct {
	opts options
}

// New creates a NATS driver.
func New(fns ...Option) *Driver {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Driver{opts: opts}
}

func (d *Driver) Connect(ctx context.Context, params *core.Parameters, onError core.ErrorListener) (core.Connection, error) {
	urls := broker.Endpoints(params, "")
	if len(urls) == 0 {
		return nil, errNoEndpoint
	}
	opts := optionsFromParams(d.opts, params)

	timeout := opts.connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	closed := make(chan struct{})
	natsOpts := []nats.Option{
		nats.Name(broker.ConnectionName(params)),
		nats.Timeout(timeout),
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if onError == nil {
				return
			}
			if sub != nil {
				err = fmt.Errorf("subscription %q: %w", sub.Subject, err)
			}
			onError(err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil && onError != nil {
				onError(fmt.Errorf("disconnected: %w", err))
			}
		}),
	}
	if user, pass, ok := params.Credentials(); ok {
		natsOpts = append(natsOpts, nats.UserInfo(user, pass))
	}

	nc, err := nats.Connect(strings.Join(urls, ","), natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("relaymux/nats: connect to %q: %w", params.Map()[core.KeyProviderURL], err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relaymux/nats: init jetstream: %w", err)
	}

	opts.logger.Debug("nats connection opened",
		zap.String("connection", broker.ConnectionName(params)),
		zap.String("url", nc.ConnectedUrlRedacted()))
	return &connection{nc: nc, js: js, params: params, opts: opts, done: closed}, nil
}

const (
	drainTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

type connection struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	params *core.Parameters
	opts   options
	done   <-chan struct{} // closed by the ClosedHandler

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

// Close drains the connection so in-flight acks are flushed, and returns
// once the connection is closed. A drain that outlives drainTimeout is cut
// short.
func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return fmt.Errorf("relaymux/nats: drain: %w", err)
	}
	select {
	case <-c.done:
	case <-time.After(drainTimeout + time.Second):
		c.nc.Close()
		return fmt.Errorf("relaymux/nats: drain did not finish within %s", drainTimeout)
	}
	return nil
}

func (c *connection) ensureStream(ctx context.Context, destination string) (jetstream.Stream, error) {
	name := streamName(destination)
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{destination},
		MaxMsgs:   c.opts.maxMsgs,
		MaxBytes:  c.opts.maxBytes,
		MaxAge:    c.opts.maxAge,
		Replicas:  c.opts.replicas,
		Retention: c.opts.retention,
		Storage:   c.opts.storage,
	})
	if err != nil {
		return nil, fmt.Errorf("relaymux/nats: create stream %q: %w", name, err)
	}
	return stream, nil
}

type session struct {
	conn *connection

	mu        sync.Mutex
	closed    bool
	consumers []*consumer
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) Send(ctx context.Context, destination string, msg *core.Message) (string, error) {
	if s.isClosed() {
		return "", core.ErrClosed
	}
	if _, err := s.conn.ensureStream(ctx, destination); err != nil {
		return "", err
	}

	nm := &nats.Msg{
		Subject: destination,
		Data:    msg.Body,
		Header:  headerFromProperties(msg.Properties),
	}
	ack, err := s.conn.js.PublishMsg(ctx, nm, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return "", fmt.Errorf("relaymux/nats: publish to %q: %w", destination, err)
	}
	if ack.Duplicate {
		s.conn.opts.logger.Warn("duplicate publish ignored by server",
			zap.String("destination", destination),
			zap.String("message_id", msg.ID))
	}
	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

func (s *session) Consume(ctx context.Context, destination string, opts core.ConsumeOptions, handler core.Handler) (core.Consumer, error) {
	if s.isClosed() {
		return nil, core.ErrClosed
	}
	stream, err := s.conn.ensureStream(ctx, destination)
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: destination,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.conn.opts.ackWait,
		MaxDeliver:    s.conn.opts.maxDeliver,
	}
	if opts.Durable {
		cfg.Durable = broker.SubscriberName(s.conn.params)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("relaymux/nats: create consumer on %q: %w", destination, err)
	}

	c := &consumer{idle: make(chan struct{})}
	logger := s.conn.opts.logger
	cc, err := cons.Consume(func(jsMsg jetstream.Msg) {
		if !c.enter() {
			// Stopped: hand the message back for redelivery.
			_ = jsMsg.Nak()
			return
		}
		defer c.leave()
		if err := handler(ctx, newDelivery(jsMsg)); err != nil {
			logger.Debug("handler returned error", zap.String("destination", destination), zap.Error(err))
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		logger.Warn("consume error", zap.String("destination", destination), zap.Error(err))
	}))
	if err != nil {
		return nil, fmt.Errorf("relaymux/nats: start consume on %q: %w", destination, err)
	}
	c.cc = cc

	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

// Close stops every consumer the session opened.
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
	return errors.Join(errs...)
}

type consumer struct {
	cc   jetstream.ConsumeContext
	once sync.Once
	err  error

	mu      sync.Mutex
	stopped bool
	active  int
	idle    chan struct{} // closed once stopped with no handler running
}

// enter admits one handler call unless the consumer is stopped.
func (c *consumer) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.active++
	return true
}

func (c *consumer) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if c.stopped && c.active == 0 {
		close(c.idle)
	}
}

// Close stops message delivery, waits for the pull subscription to end and
// then for handler calls in progress. No handler starts after Close returns.
func (c *consumer) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.stopped = true
		if c.active == 0 {
			close(c.idle)
		}
		c.mu.Unlock()

		c.cc.Stop()
		select {
		case <-c.cc.Closed():
		case <-time.After(stopTimeout):
			c.err = fmt.Errorf("relaymux/nats: consumer did not stop within %s", stopTimeout)
		}
		<-c.idle
	})
	return c.err
}

// streamName converts a subject to a valid stream name.
func streamName(subject string) string {
	buf := []byte(subject)
	for i, c := range buf {
		switch c {
		case '.', '*', '>', '/', ' ':
			buf[i] = '-'
		}
	}
	return string(buf)
}
