package messaging

import (
	"context"
	"fmt"
	"slices"

	"github.com/miladsoleymani/relaymux/core"
)

// DefaultGroup is the group whose members may use messaging.
const DefaultGroup = "jms"

// Caller identifies who invokes a Service operation.
type Caller struct {
	Name   string
	Groups []string
	Admin  bool
}

// Authorizer decides whether caller may perform action. A denial must be
// reported as a PermissionError.
type Authorizer interface {
	Authorize(ctx context.Context, caller Caller, action string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, caller Caller, action string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, caller Caller, action string) error {
	return f(ctx, caller, action)
}

// GroupAuthorizer admits administrators and members of Group.
type GroupAuthorizer struct {
	Group string
}

func (g GroupAuthorizer) Authorize(_ context.Context, caller Caller, action string) error {
	group := g.Group
	if group == "" {
		group = DefaultGroup
	}
	if caller.Admin || slices.Contains(caller.Groups, group) {
		return nil
	}
	return core.PermissionError(fmt.Sprintf("user %q must be admin or member of group %q to %s", caller.Name, group, action))
}
