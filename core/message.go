package core

import (
	"context"
	"time"
)

// Message is an outbound broker message built by the sender.
type Message struct {
	// ID is assigned by the sender; drivers use it as the broker message id
	// or deduplication key where the broker supports one.
	ID         string
	Body       []byte
	Properties Properties
	Timestamp  time.Time

	// Priority and TTL are zero when not configured.
	Priority int
	TTL      time.Duration
}

// Delivery is the broker-agnostic view of a received message.
// Implementations are provided by driver plugins.
type Delivery interface {
	ID() string
	Destination() string
	Body() []byte
	Properties() Properties
	Ack() error
	Nack() error
}

// Handler is the low-level handler drivers invoke for each delivery.
// Receivers bridge it to HandlerFunc.
type Handler func(ctx context.Context, d Delivery) error
