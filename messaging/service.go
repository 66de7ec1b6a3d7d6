// Package messaging is the host-facing surface of relaymux: it checks
// permissions, parses configuration maps and delegates to the sender and
// the receiver registry.
package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/internal/ids"
	"github.com/miladsoleymani/relaymux/internal/logging"
	"github.com/miladsoleymani/relaymux/receive"
	"github.com/miladsoleymani/relaymux/send"
)

// PropUser carries the name of the user who sent a message.
const PropUser = "relaymux.user"

// Actions passed to the Authorizer.
const (
	ActionSend             = "send messages"
	ActionRegisterReceiver = "register receivers"
	ActionRemoveReceiver   = "remove receivers"
	ActionListReceivers    = "list receivers"
	ActionControlReceiver  = "start or stop receivers"
)

// Service exposes send and receiver management to a host application.
type Service struct {
	sender       *send.Sender
	manager      *receive.Manager
	auth         Authorizer
	logger       *zap.Logger
	receiverOpts []receive.Option
}

// Option configures a Service.
type Option func(*Service)

// WithSender replaces the sender used by Send.
func WithSender(s *send.Sender) Option {
	return func(svc *Service) { svc.sender = s }
}

// WithManager replaces the receiver registry.
func WithManager(m *receive.Manager) Option {
	return func(svc *Service) { svc.manager = m }
}

// WithAuthorizer replaces the default GroupAuthorizer.
func WithAuthorizer(a Authorizer) Option {
	return func(svc *Service) { svc.auth = a }
}

// WithLogger sets the service logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(svc *Service) { svc.logger = logging.OrNop(l) }
}

// WithReceiverOptions applies opts to every receiver the Service creates.
func WithReceiverOptions(opts ...receive.Option) Option {
	return func(svc *Service) { svc.receiverOpts = append(svc.receiverOpts, opts...) }
}

// NewService creates a Service. Without WithSender and WithManager it builds
// both around broker.Default, sharing one instance identity so receivers
// skip messages this process sent.
func NewService(opts ...Option) *Service {
	svc := &Service{
		auth:   GroupAuthorizer{Group: DefaultGroup},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.sender == nil || svc.manager == nil {
		identity := ids.NewIdentity()
		if svc.sender == nil {
			svc.sender = send.New(send.WithIdentity(identity), send.WithLogger(svc.logger))
		}
		if svc.manager == nil {
			svc.manager = receive.NewManager(receive.WithManagerLogger(svc.logger))
		}
		svc.receiverOpts = append([]receive.Option{
			receive.WithIdentity(identity),
			receive.WithLogger(svc.logger),
		}, svc.receiverOpts...)
	}
	return svc
}

// Manager returns the receiver registry.
func (s *Service) Manager() *receive.Manager { return s.manager }

// Send publishes env with props using the configuration map config.
func (s *Service) Send(ctx context.Context, caller Caller, env *core.Envelope, props core.Properties, config map[string]any) (*core.Confirmation, error) {
	if err := s.auth.Authorize(ctx, caller, ActionSend); err != nil {
		return nil, err
	}
	params, err := core.ParseParameters(config)
	if err != nil {
		return nil, err
	}
	props = props.Clone()
	if props == nil {
		props = core.Properties{}
	}
	if _, ok := props[PropUser]; !ok && caller.Name != "" {
		props[PropUser] = caller.Name
	}
	return s.sender.Publish(ctx, params, props, env)
}

// RegisterReceiver creates, registers and starts a receiver and returns its
// id.
func (s *Service) RegisterReceiver(ctx context.Context, caller Caller, config map[string]any, handler core.HandlerFunc) (int, error) {
	if err := s.auth.Authorize(ctx, caller, ActionRegisterReceiver); err != nil {
		return 0, err
	}
	params, err := core.ParseParameters(config)
	if err != nil {
		return 0, err
	}
	id, err := s.manager.Launch(ctx, params, handler, s.receiverOpts...)
	if err != nil {
		return 0, err
	}
	s.logger.Info("receiver registered",
		zap.Int("receiver_id", id),
		zap.String("user", caller.Name),
		zap.Stringer("parameters", params))
	return id, nil
}

// RemoveReceiver stops and unregisters a receiver. Unknown ids are ignored.
func (s *Service) RemoveReceiver(ctx context.Context, caller Caller, id int) error {
	if err := s.auth.Authorize(ctx, caller, ActionRemoveReceiver); err != nil {
		return err
	}
	return s.manager.Remove(ctx, id)
}

// StopReceiver pauses a receiver. It stays registered and keeps its
// connection until StartReceiver or RemoveReceiver.
func (s *Service) StopReceiver(ctx context.Context, caller Caller, id int) error {
	r, err := s.controlled(ctx, caller, id, "stop receiver")
	if err != nil {
		return err
	}
	return r.Stop(ctx)
}

// StartReceiver resumes a receiver paused by StopReceiver.
func (s *Service) StartReceiver(ctx context.Context, caller Caller, id int) error {
	r, err := s.controlled(ctx, caller, id, "start receiver")
	if err != nil {
		return err
	}
	return r.Resume(ctx)
}

func (s *Service) controlled(ctx context.Context, caller Caller, id int, op string) (*receive.Receiver, error) {
	if err := s.auth.Authorize(ctx, caller, ActionControlReceiver); err != nil {
		return nil, err
	}
	r, ok := s.manager.Get(id)
	if !ok {
		return nil, core.NotFound(op, fmt.Sprintf("no receiver with id %d", id))
	}
	return r, nil
}

// ListReceivers describes every registered receiver, ordered by id.
func (s *Service) ListReceivers(ctx context.Context, caller Caller) ([]receive.Info, error) {
	if err := s.auth.Authorize(ctx, caller, ActionListReceivers); err != nil {
		return nil, err
	}
	var out []receive.Info
	for _, id := range s.manager.IDs() {
		if r, ok := s.manager.Get(id); ok {
			out = append(out, r.Info())
		}
	}
	return out, nil
}

// ReceiverInfo describes one receiver.
func (s *Service) ReceiverInfo(ctx context.Context, caller Caller, id int) (receive.Info, error) {
	if err := s.auth.Authorize(ctx, caller, ActionListReceivers); err != nil {
		return receive.Info{}, err
	}
	r, ok := s.manager.Get(id)
	if !ok {
		return receive.Info{}, core.NotFound("receiver info", fmt.Sprintf("no receiver with id %d", id))
	}
	return r.Info(), nil
}

// Close removes every receiver.
func (s *Service) Close(ctx context.Context) error {
	return s.manager.Close(ctx)
}
