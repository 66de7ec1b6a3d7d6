// Package relaymux provides the top-level API for relaymux.
// It re-exports the core types and wires a Service, so users can write:
//
//	svc := relaymux.New()
//	id, err := svc.RegisterReceiver(ctx, caller, cfg, handler)
//	conf, err := svc.Send(ctx, caller, env, props, cfg)
package relaymux

import (
	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/messaging"
)

// Re-export core types at the package level for ergonomic usage.
type (
	Parameters   = core.Parameters
	Properties   = core.Properties
	Envelope     = core.Envelope
	Confirmation = core.Confirmation
	Context      = core.Context
	HandlerFunc  = core.HandlerFunc
	Middleware   = core.MiddlewareFunc
	Error        = core.Error
	Service      = messaging.Service
	Caller       = messaging.Caller
)

// New creates a Service on the default driver registry. Import the driver
// plugins to register them.
func New(opts ...messaging.Option) *Service {
	return messaging.NewService(opts...)
}
