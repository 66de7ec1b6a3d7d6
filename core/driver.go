package core

import "context"

// Driver opens connections for one initial-context-factory name.
// Each broker plugin implements this interface and registers itself with the
// broker package.
type Driver interface {
	// Connect dials params.ProviderURL using params.ConnectionFactory as the
	// connection name. onError receives asynchronous connection failures and
	// may be nil.
	Connect(ctx context.Context, params *Parameters, onError ErrorListener) (Connection, error)
}

// ErrorListener receives failures raised by the broker client outside of any
// call, such as a dropped connection.
type ErrorListener func(err error)

// Connection is one live broker connection.
type Connection interface {
	OpenSession(ctx context.Context) (Session, error)
	Close() error
}

// Session produces and consumes on one destination at a time. Sessions are
// not shared between goroutines by relaymux.
type Session interface {
	// Send blocks until the broker acknowledges msg and returns the broker
	// message reference.
	Send(ctx context.Context, destination string, msg *Message) (string, error)

	// Consume starts delivering messages for destination to handler on
	// driver-owned goroutines. It returns once the consumer is attached.
	Consume(ctx context.Context, destination string, opts ConsumeOptions, handler Handler) (Consumer, error)

	Close() error
}

// Consumer is a live subscription opened by Session.Consume.
type Consumer interface {
	// Close detaches the consumer and waits for in-flight handler calls.
	Close() error
}

// ConsumeOptions carries the subscriber settings drivers understand.
type ConsumeOptions struct {
	Durable        bool
	SubscriberName string
	ClientID       string
}

// ConsumeOptionsFrom reads the subscriber settings from params.
func ConsumeOptionsFrom(params *Parameters) ConsumeOptions {
	return ConsumeOptions{
		Durable:        params.Durable(),
		SubscriberName: params.SubscriberName(),
		ClientID:       params.ClientID(),
	}
}

// Identity reports the fingerprint of the local instance.
type Identity interface {
	ID() string
}
