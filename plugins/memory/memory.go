// Package memory provides an in-process driver registered under the
// "memory" initial-context-factory name. Connections with the same provider
// URL share one watermill GoChannel bus, so a sender and a receiver in one
// process exchange messages without a broker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/internal/logging"
)

// Name is the initial-context-factory value that selects this driver.
const Name = "memory"

func init() {
	broker.Register(Name, New())
}

// Option configures the memory driver.
type Option func(*Driver)

// WithLogger routes watermill logs through l.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = logging.OrNop(l) }
}

// WithBuffer sets the per-subscriber output buffer.
func WithBuffer(n int64) Option {
	return func(d *Driver) { d.buffer = n }
}

// Driver implements core.Driver on watermill's GoChannel. Messages are not
// persisted: a message sent while nobody consumes the destination is lost.
type Driver struct {
	logger *zap.Logger
	buffer int64

	mu    sync.Mutex
	buses map[string]*gochannel.GoChannel
}

func New(opts ...Option) *Driver {
	d := &Driver{
		logger: zap.NewNop(),
		buffer: 64,
		buses:  make(map[string]*gochannel.GoChannel),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) bus(url string) *gochannel.GoChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buses[url]
	if !ok {
		b = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: d.buffer,
		}, logging.NewWatermillAdapter(d.logger.With(zap.String("bus", url))))
		d.buses[url] = b
	}
	return b
}

func (d *Driver) Connect(_ context.Context, params *core.Parameters, _ core.ErrorListener) (core.Connection, error) {
	return &connection{bus: d.bus(params.ProviderURL), logger: d.logger}, nil
}

// Close shuts down every bus. Open consumers stop receiving.
func (d *Driver) Close() error {
	d.mu.Lock()
	buses := d.buses
	d.buses = make(map[string]*gochannel.GoChannel)
	d.mu.Unlock()

	var errs []error
	for url, b := range buses {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relaymux/memory: close bus %q: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

type connection struct {
	bus    *gochannel.GoChannel
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (c *connection) OpenSession(context.Context) (core.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClosed
	}
	return &session{bus: c.bus, logger: c.logger}, nil
}

// Close leaves the shared bus running.
func (c *connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type session struct {
	bus    *gochannel.GoChannel
	logger *zap.Logger

	mu        sync.Mutex
	closed    bool
	consumers []*consumer
}

func (s *session) Send(_ context.Context, destination string, msg *core.Message) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", core.ErrClosed
	}

	id := msg.ID
	if id == "" {
		id = watermill.NewULID()
	}
	wm := message.NewMessage(id, msg.Body)
	for k, v := range msg.Properties.StringMap() {
		wm.Metadata.Set(k, v)
	}
	if err := s.bus.Publish(destination, wm); err != nil {
		return "", fmt.Errorf("relaymux/memory: publish to %q: %w", destination, err)
	}
	return id, nil
}

func (s *session) Consume(ctx context.Context, destination string, _ core.ConsumeOptions, handler core.Handler) (core.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := s.bus.Subscribe(subCtx, destination)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relaymux/memory: subscribe %q: %w", destination, err)
	}

	c := &consumer{cancel: cancel, stopped: make(chan struct{})}
	go func() {
		defer close(c.stopped)
		for wm := range messages {
			if err := handler(subCtx, &delivery{msg: wm, destination: destination}); err != nil {
				s.logger.Debug("handler returned error", zap.String("destination", destination), zap.Error(err))
			}
		}
	}()
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

	for _, c := range consumers {
		_ = c.Close()
	}
	return nil
}

type consumer struct {
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// Close unsubscribes and waits for the delivery loop to finish.
func (c *consumer) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.stopped
	})
	return nil
}

type delivery struct {
	msg         *message.Message
	destination string
}

func (d *delivery) ID() string          { return d.msg.UUID }
func (d *delivery) Destination() string { return d.destination }
func (d *delivery) Body() []byte        { return d.msg.Payload }

func (d *delivery) Properties() core.Properties {
	return core.PropertiesFromStrings(d.msg.Metadata)
}

func (d *delivery) Ack() error {
	d.msg.Ack()
	return nil
}

// Nack makes GoChannel redeliver the message to this subscriber.
func (d *delivery) Nack() error {
	d.msg.Nack()
	return nil
}
