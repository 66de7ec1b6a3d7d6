// Package send implements the outbound publish path: validate, connect,
// build the broker message, send synchronously, release everything.
package send

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/internal/ids"
	"github.com/miladsoleymani/relaymux/internal/logging"
)

// PublishCollector receives one call per publish attempt.
type PublishCollector interface {
	PublishCompleted(destination string, err error)
}

// Sender publishes envelopes. It keeps no connection between calls and is
// safe for concurrent use.
type Sender struct {
	dialer    broker.Dialer
	identity  core.Identity
	logger    *zap.Logger
	collector PublishCollector
	breaker   *gobreaker.CircuitBreaker
	tracer    trace.Tracer
}

// Option configures a Sender.
type Option func(*Sender)

// WithDialer replaces the driver registry used to connect (default
// broker.Default).
func WithDialer(d broker.Dialer) Option {
	return func(s *Sender) { s.dialer = d }
}

// WithIdentity stamps every message with the local instance id.
func WithIdentity(id core.Identity) Option {
	return func(s *Sender) { s.identity = id }
}

// WithLogger sets the sender logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sender) { s.logger = logging.OrNop(l) }
}

// WithCollector records the outcome and latency of every publish.
func WithCollector(c PublishCollector) Option {
	return func(s *Sender) { s.collector = c }
}

// WithCircuitBreaker stops dialing a failing broker after consecutive
// transport failures. Configuration errors never count as failures.
func WithCircuitBreaker(failureThreshold uint32, resetTimeout time.Duration) Option {
	return func(s *Sender) {
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "relaymux-sender",
			MaxRequests: 1,
			Timeout:     resetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.logger.Warn("sender circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
}

// New creates a Sender.
func New(opts ...Option) *Sender {
	s := &Sender{
		dialer: broker.Default,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/miladsoleymani/relaymux/send"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish sends env with props to params.Destination and blocks until the
// broker acknowledges it.
//
// Once invoked, a publish runs to completion: cancellation of ctx is
// ignored and the attempt is bounded by the producer.send-timeout
// parameter. Failures are not retried. Every connection resource opened
// for the call is released before Publish returns.
func (s *Sender) Publish(ctx context.Context, params *core.Parameters, props core.Properties, env *core.Envelope) (*core.Confirmation, error) {
	if env == nil {
		return nil, core.InvalidArgument("publish", "envelope is nil")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), params.SendTimeout())
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "relaymux.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", params.ContextFactory),
			attribute.String("messaging.destination.name", params.Destination),
			attribute.String("relaymux.event.kind", string(env.Kind())),
		))
	defer span.End()

	msg, err := s.buildMessage(ctx, params, props, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var conf *core.Confirmation
	if s.breaker != nil {
		var res any
		res, err = s.breaker.Execute(func() (any, error) { return s.send(ctx, params, msg) })
		if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
			err = core.TransportError("publish", err)
		}
		if res != nil {
			conf = res.(*core.Confirmation)
		}
	} else {
		conf, err = s.send(ctx, params, msg)
	}

	if s.collector != nil {
		s.collector.PublishCompleted(params.Destination, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("publish failed",
			zap.String("destination", params.Destination),
			zap.String("provider_url", params.Map()[core.KeyProviderURL]),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.String("messaging.message.id", conf.MessageID))
	s.logger.Debug("message published",
		zap.String("destination", conf.Destination),
		zap.String("message_id", conf.MessageID),
		zap.Stringer("envelope", env))
	return conf, nil
}

func (s *Sender) send(ctx context.Context, params *core.Parameters, msg *core.Message) (*core.Confirmation, error) {
	conn, err := s.dialer.Connect(ctx, params, nil)
	if err != nil {
		return nil, asTransport("connect", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Warn("problem closing connection, ignored", zap.Error(cerr))
		}
	}()

	sess, err := conn.OpenSession(ctx)
	if err != nil {
		return nil, core.TransportError("open session", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			s.logger.Warn("problem closing session, ignored", zap.Error(cerr))
		}
	}()

	ref, err := sess.Send(ctx, params.Destination, msg)
	if err != nil {
		return nil, core.TransportError("send", err)
	}

	return &core.Confirmation{
		MessageID:         ref,
		Destination:       params.Destination,
		ConnectionFactory: params.ConnectionFactory,
		ProviderURL:       params.Map()[core.KeyProviderURL],
		Timestamp:         msg.Timestamp,
		Properties:        msg.Properties.StringMap(),
	}, nil
}

// buildMessage turns env into a broker message. Envelope properties are
// written first so caller properties with the same key win; the instance id
// and compression marker are written last.
func (s *Sender) buildMessage(ctx context.Context, params *core.Parameters, props core.Properties, env *core.Envelope) (*core.Message, error) {
	out := env.Properties()
	for k, v := range props {
		out[k] = v
	}

	if s.identity != nil {
		if id := s.identity.ID(); id != "" {
			out[core.PropInstanceID] = id
		} else {
			s.logger.Warn("empty instance identity, message is not stamped")
		}
	}

	compression := params.Compression()
	body, err := core.Compress(compression, env.Payload())
	if err != nil {
		return nil, err
	}
	if compression != core.CompressionNone {
		out[core.PropCompression] = compression
	} else {
		delete(out, core.PropCompression)
	}

	core.InjectTrace(ctx, out)

	msg := &core.Message{
		ID:         ids.NewMessageID(),
		Body:       body,
		Properties: out,
		Timestamp:  time.Now().UTC(),
	}
	if p, ok := params.Priority(); ok {
		msg.Priority = p
	}
	if ttl, ok := params.TimeToLive(); ok {
		msg.TTL = ttl
	}
	return msg, nil
}

// asTransport keeps errors already classified by the dialer.
func asTransport(op string, err error) error {
	if core.CodeOf(err) == core.CodeTransport {
		return err
	}
	return core.TransportError(op, err)
}
