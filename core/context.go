package core

import (
	"context"
	"fmt"
	"sync"
)

// Context is the per-message handler context handed to receiver handlers.
// It wraps the delivery, the rebuilt Envelope and a small value store for
// middleware.
type Context interface {
	// Context returns the underlying context.Context.
	Context() context.Context

	// SetContext replaces the underlying context.Context.
	// Useful for middleware that enriches the context with values or deadlines.
	SetContext(ctx context.Context)

	// ReceiverID is the registry id of the receiver dispatching this message.
	ReceiverID() int

	// Delivery returns the raw delivery.
	Delivery() Delivery

	// Envelope returns the event rebuilt from the standard properties, with
	// the payload already decompressed.
	Envelope() *Envelope

	// Destination returns the destination this message was received on.
	Destination() string

	// Property returns a single property formatted as a string.
	Property(key string) string

	// Properties returns all message properties.
	Properties() Properties

	// Bind deserializes the payload into v using the receiver's Binder.
	Bind(v any) error

	// Set stores a key-value pair in the context store.
	// Used by middleware to pass data to downstream handlers.
	Set(key string, val any)

	// Get retrieves a value from the context store.
	Get(key string) (any, bool)
}

// HandlerFunc processes one received message. A returned error (or a panic)
// is recorded as a ReceiveError; it never stops the receiver.
//
//	id, err := mgr.Launch(ctx, params, func(c core.Context) error {
//	    var doc Document
//	    if err := c.Bind(&doc); err != nil {
//	        return err
//	    }
//	    return store.Apply(c.Envelope().Kind(), c.Envelope().Path(), doc)
//	})
type HandlerFunc func(c Context) error

// MiddlewareFunc wraps a HandlerFunc to add cross-cutting behavior.
type MiddlewareFunc func(HandlerFunc) HandlerFunc

type messageContext struct {
	ctx        context.Context
	receiverID int
	delivery   Delivery
	envelope   *Envelope
	binder     Binder
	store      map[string]any
	mu         sync.RWMutex
}

// NewContext creates a Context for one delivery.
func NewContext(ctx context.Context, receiverID int, d Delivery, env *Envelope, binder Binder) Context {
	return &messageContext{
		ctx:        ctx,
		receiverID: receiverID,
		delivery:   d,
		envelope:   env,
		binder:     binder,
		store:      make(map[string]any),
	}
}

func (c *messageContext) Context() context.Context { return c.ctx }

func (c *messageContext) SetContext(ctx context.Context) { c.ctx = ctx }

func (c *messageContext) ReceiverID() int { return c.receiverID }

func (c *messageContext) Delivery() Delivery { return c.delivery }

func (c *messageContext) Envelope() *Envelope { return c.envelope }

func (c *messageContext) Destination() string { return c.delivery.Destination() }

func (c *messageContext) Property(key string) string {
	return c.delivery.Properties().String(key)
}

func (c *messageContext) Properties() Properties {
	return c.delivery.Properties()
}

func (c *messageContext) Bind(v any) error {
	if c.binder == nil {
		return fmt.Errorf("relaymux: no binder configured")
	}
	if err := c.binder.Bind(c.envelope.Payload(), v); err != nil {
		return fmt.Errorf("relaymux: bind: %w", err)
	}
	return nil
}

func (c *messageContext) Set(key string, val any) {
	c.mu.Lock()
	c.store[key] = val
	c.mu.Unlock()
}

func (c *messageContext) Get(key string) (any, bool) {
	c.mu.RLock()
	val, ok := c.store[key]
	c.mu.RUnlock()
	return val, ok
}
