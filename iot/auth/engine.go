/*Package auth decides about broker operations: logins, virtual host access
and access to exchanges, queues and routing keys.

The broker asks three kinds of questions, each a message with the header
"action":

	action          fields                                 answer
	login           username, password (optional)          authorities | refused
	check_vhost     username, vhost                        allow | deny
	check_resource  username, resource, name, permission   allow | deny

A login without password is a certificate login. For check_resource the
requested permission is compared against the granted one on the ordered
scale DENY < READ < WRITE < CONFIGURE < OWN. A routing key names its target
endpoint with its second word, "@update.dev1.nodes..." asks for permission on
endpoint dev1.

Facts about identities come from a Backend. The Engine answers every
request with the safest refusal of its family if a field is missing or the
backend fails.
*/
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/relabs-tech/cloudio/core/access"
	"github.com/relabs-tech/cloudio/core/router"
)

// ErrInvalidPermission is returned when the requested permission cannot be parsed
var ErrInvalidPermission = access.ErrInvalidPermission

// Backend provides facts about identities
type Backend interface {
	AuthenticateWithPassword(ctx context.Context, id, password string) (access.AuthenticationResult, error)
	AuthenticateWithoutPassword(ctx context.Context, id string) (access.AuthenticationResult, error)
	AuthorizeEndpointAccess(ctx context.Context, id, endpointID string) (access.Permission, error)
}

// VHostAuthorizer is implemented by backends which decide about virtual
// hosts themselves instead of the policy.
type VHostAuthorizer interface {
	AuthorizeVHostAccess(ctx context.Context, id, vhost string) (bool, error)
}

// ExchangeAuthorizer is implemented by backends which decide about
// exchanges themselves instead of the policy.
type ExchangeAuthorizer interface {
	AuthorizeExchangeAccess(ctx context.Context, id, exchange string) (access.Permission, error)
}

// QueueAuthorizer is implemented by backends which decide about queues
// themselves instead of the policy.
type QueueAuthorizer interface {
	AuthorizeQueueAccess(ctx context.Context, id, queue string) (access.Permission, error)
}

// Policy holds the decisions for backends which do not implement the
// optional authorizer interfaces.
type Policy struct {
	// AllowedVHosts are the virtual hosts every identity may use
	AllowedVHosts []string
	// ExchangePermissions are granted per exchange, other exchanges are denied
	ExchangePermissions map[string]access.Permission
	// QueuePermission is granted on every queue
	QueuePermission access.Permission
}

// DefaultPolicy allows the default virtual host "/" and writing to the
// topic exchange.
//
// The queue permission CONFIGURE lets everybody do everything on queues.
// It is a placeholder until queues are restricted to the exclusive queues
// generated for AMQP and MQTT clients.
func DefaultPolicy() *Policy {
	return &Policy{
		AllowedVHosts:       []string{"/"},
		ExchangePermissions: map[string]access.Permission{router.TopicExchange: access.PermissionWrite},
		QueuePermission:     access.PermissionConfigure,
	}
}

// Builder is a builder helper for the Engine
type Builder struct {
	// Backend provides the identities. This is mandatory.
	Backend Backend
	// Policy is optional, the default is DefaultPolicy()
	Policy *Policy
}

// Engine answers authentication and authorization requests
type Engine struct {
	backend Backend
	policy  *Policy
}

// NewEngine creates an engine
func NewEngine(b *Builder) *Engine {
	if b.Backend == nil {
		panic("Backend is missing")
	}
	policy := b.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Engine{backend: b.Backend, policy: policy}
}

func decision(granted bool) string {
	if granted {
		return Allow
	}
	return Deny
}

// Decide answers a request with a decision token. When it returns an error,
// the token is the refusal of the request's family.
func (e *Engine) Decide(ctx context.Context, r Request) (string, error) {
	switch r.Action {
	case ActionLogin:
		return e.login(ctx, r)
	case ActionCheckVHost:
		return e.checkVHost(ctx, r)
	case ActionCheckResource:
		return e.checkResource(ctx, r)
	}
	return Refused, fmt.Errorf("%w: '%s'", ErrUnknownAction, r.Action)
}

func (e *Engine) login(ctx context.Context, r Request) (string, error) {
	if len(r.Username) == 0 {
		return Refused, fmt.Errorf("%w: login without username", ErrMalformedRequest)
	}
	var (
		result access.AuthenticationResult
		err    error
	)
	if r.HasPassword {
		result, err = e.backend.AuthenticateWithPassword(ctx, r.Username, r.Password)
	} else {
		result, err = e.backend.AuthenticateWithoutPassword(ctx, r.Username)
	}
	if err != nil {
		return Refused, fmt.Errorf("cannot authenticate %s: %w", r.Username, err)
	}
	if !result.Authenticated {
		return Refused, nil
	}
	return result.Authorities.String(), nil
}

func (e *Engine) checkVHost(ctx context.Context, r Request) (string, error) {
	if len(r.Username) == 0 || len(r.VHost) == 0 {
		return Deny, fmt.Errorf("%w: identity or vhost missing", ErrMalformedRequest)
	}
	if authorizer, ok := e.backend.(VHostAuthorizer); ok {
		granted, err := authorizer.AuthorizeVHostAccess(ctx, r.Username, r.VHost)
		if err != nil {
			return Deny, fmt.Errorf("cannot authorize vhost %s: %w", r.VHost, err)
		}
		return decision(granted), nil
	}
	for _, vhost := range e.policy.AllowedVHosts {
		if vhost == r.VHost {
			return Allow, nil
		}
	}
	return Deny, nil
}

func (e *Engine) checkResource(ctx context.Context, r Request) (string, error) {
	if len(r.Permission) == 0 {
		return Deny, fmt.Errorf("%w: permission missing", ErrMalformedRequest)
	}
	requested, err := access.ParsePermission(r.Permission)
	if err != nil {
		return Deny, err
	}
	if len(r.Username) == 0 || len(r.Resource) == 0 || len(r.Name) == 0 {
		return Deny, fmt.Errorf("%w: identity or resource missing", ErrMalformedRequest)
	}

	var granted access.Permission
	switch r.Resource {
	case ResourceExchange:
		granted, err = e.exchangePermission(ctx, r.Username, r.Name)
	case ResourceQueue:
		granted, err = e.queuePermission(ctx, r.Username, r.Name)
	case ResourceRoutingKey:
		words := strings.Split(r.Name, ".")
		if len(words) < 2 {
			return Deny, fmt.Errorf("%w: '%s'", ErrInvalidRoutingKey, r.Name)
		}
		granted, err = e.backend.AuthorizeEndpointAccess(ctx, r.Username, words[1])
	default:
		return Deny, fmt.Errorf("%w: unknown resource '%s'", ErrMalformedRequest, r.Resource)
	}
	if err != nil {
		return Deny, fmt.Errorf("cannot authorize %s %s: %w", r.Resource, r.Name, err)
	}
	return decision(granted.Grants(requested)), nil
}

func (e *Engine) exchangePermission(ctx context.Context, id, exchange string) (access.Permission, error) {
	if authorizer, ok := e.backend.(ExchangeAuthorizer); ok {
		return authorizer.AuthorizeExchangeAccess(ctx, id, exchange)
	}
	return e.policy.ExchangePermissions[exchange], nil
}

func (e *Engine) queuePermission(ctx context.Context, id, queue string) (access.Permission, error) {
	if authorizer, ok := e.backend.(QueueAuthorizer); ok {
		return authorizer.AuthorizeQueueAccess(ctx, id, queue)
	}
	return e.policy.QueuePermission, nil
}
