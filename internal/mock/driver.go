package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/miladsoleymani/relaymux/core"
)

// Driver is a test double for core.Driver. It records every handle it hands
// out so tests can assert that nothing is left open.
type Driver struct {
	mu sync.Mutex

	ConnectErr error
	SessionErr error

	// ConnectGate, when set before use, makes Connect block until it is
	// closed.
	ConnectGate chan struct{}
	SendErr    error
	ConsumeErr error

	// Close errors are returned by every handle of that kind, after the
	// handle has been marked closed.
	ConsumerCloseErr   error
	SessionCloseErr    error
	ConnectionCloseErr error

	sent      []Sent
	consumers []*consumer
	listeners []core.ErrorListener
	events    []string

	openConns, openSessions, openConsumers int
	connects                               int

	idle *sync.Cond // signalled when a handler call returns
}

// Sent records a message passed to Session.Send.
type Sent struct {
	Destination string
	Message     *core.Message
	Params      *core.Parameters
}

func NewDriver() *Driver {
	d := &Driver{}
	d.idle = sync.NewCond(&d.mu)
	return d
}

func (d *Driver) record(event string) {
	d.events = append(d.events, event)
}

func (d *Driver) Connect(ctx context.Context, params *core.Parameters, onError core.ErrorListener) (core.Connection, error) {
	if d.ConnectGate != nil {
		select {
		case <-d.ConnectGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	if onError != nil {
		d.listeners = append(d.listeners, onError)
	}
	d.openConns++
	d.record("connection.open")
	return &connection{d: d, params: params.Clone()}, nil
}

// Deliver simulates an incoming message on destination. It invokes the
// handler of every open consumer synchronously and returns their errors.
// Like a real driver, closing a consumer waits for its handler calls.
func (d *Driver) Deliver(ctx context.Context, destination string, msg *Message) error {
	d.mu.Lock()
	var targets []*consumer
	for _, c := range d.consumers {
		if !c.closed && c.destination == destination {
			c.active++
			targets = append(targets, c)
		}
	}
	d.mu.Unlock()
	if len(targets) == 0 {
		return fmt.Errorf("mock: no consumer on %q", destination)
	}
	if msg.Dest == "" {
		msg.Dest = destination
	}
	var errs []error
	for _, c := range targets {
		if err := c.handler(ctx, msg); err != nil {
			errs = append(errs, err)
		}
		d.mu.Lock()
		c.active--
		d.idle.Broadcast()
		d.mu.Unlock()
	}
	return errors.Join(errs...)
}

// FailConnection reports err to every error listener registered on connect.
func (d *Driver) FailConnection(err error) {
	d.mu.Lock()
	listeners := append([]core.ErrorListener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range listeners {
		l(err)
	}
}

// Sent returns all messages sent via Session.Send.
func (d *Driver) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sent, len(d.sent))
	copy(out, d.sent)
	return out
}

// Open reports how many handles of each kind are still open.
func (d *Driver) Open() (conns, sessions, consumers int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openConns, d.openSessions, d.openConsumers
}

// Connects reports how many times Connect was called.
func (d *Driver) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Events returns the open/close events in call order.
func (d *Driver) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

type connection struct {
	d      *Driver
	params *core.Parameters
	closed bool
}

func (c *connection) OpenSession(context.Context) (core.Session, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.closed {
		return nil, core.ErrClosed
	}
	if c.d.SessionErr != nil {
		return nil, c.d.SessionErr
	}
	c.d.openSessions++
	c.d.record("session.open")
	return &session{d: c.d, params: c.params}, nil
}

func (c *connection) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.d.openConns--
	c.d.record("connection.close")
	return c.d.ConnectionCloseErr
}

type session struct {
	d      *Driver
	params *core.Parameters
	closed bool
}

func (s *session) Send(_ context.Context, destination string, msg *core.Message) (string, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return "", core.ErrClosed
	}
	if s.d.SendErr != nil {
		return "", s.d.SendErr
	}
	s.d.sent = append(s.d.sent, Sent{Destination: destination, Message: msg, Params: s.params})
	return fmt.Sprintf("mock:%s:%d", destination, len(s.d.sent)), nil
}

func (s *session) Consume(_ context.Context, destination string, _ core.ConsumeOptions, handler core.Handler) (core.Consumer, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	if s.d.ConsumeErr != nil {
		return nil, s.d.ConsumeErr
	}
	c := &consumer{d: s.d, destination: destination, handler: handler}
	s.d.consumers = append(s.d.consumers, c)
	s.d.openConsumers++
	s.d.record("consumer.open")
	return c, nil
}

func (s *session) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.d.openSessions--
	s.d.record("session.close")
	return s.d.SessionCloseErr
}

type consumer struct {
	d           *Driver
	destination string
	handler     core.Handler
	closed      bool
	active      int
}

func (c *consumer) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for c.active > 0 {
		c.d.idle.Wait()
	}
	c.d.openConsumers--
	c.d.record("consumer.close")
	return c.d.ConsumerCloseErr
}
