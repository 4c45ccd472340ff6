// Package update applies attribute updates published by endpoints.
//
// Endpoints publish changed attributes on @update.<endpointId>.<path>. The
// payload is the attribute in any of the formats of package format. Updates
// without value or with the timestamp -1 are rejected before they reach the
// Backend.
//
// Several services with different backends can consume the same updates,
// each one needs its own queue name.
package update

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/core/router"
	"github.com/relabs-tech/cloudio/iot/format"
	"github.com/relabs-tech/cloudio/iot/model"
)

// QueueName is the default queue of the update service
const QueueName = "cloudio.update.model"

// Topic is the routing key pattern of attribute updates
const Topic = "@update.#"

const prefix = "@update."

var (
	// ErrInvalidRoutingKey is returned for updates with an unexpected routing key
	ErrInvalidRoutingKey = errors.New("invalid update routing key")
	// ErrInvalidPayload is returned for payloads which cannot be decoded
	ErrInvalidPayload = errors.New("invalid update payload")
	// ErrNoUpdate is returned for decoded attributes which carry no update
	ErrNoUpdate = errors.New("attribute carries no update")
)

// Backend receives accepted attribute updates. The path is the complete
// dot-path starting with the endpoint id.
type Backend interface {
	AttributeUpdated(ctx context.Context, path string, attribute *model.Attribute) error
}

// BackendFunc is an adapter to use a function as Backend
type BackendFunc func(ctx context.Context, path string, attribute *model.Attribute) error

// AttributeUpdated implements Backend
func (f BackendFunc) AttributeUpdated(ctx context.Context, path string, attribute *model.Attribute) error {
	return f(ctx, path, attribute)
}

// Builder is a builder helper for the Service
type Builder struct {
	// Backend receives the updates. This is mandatory.
	Backend Backend
	// Name is the queue name. Defaults to QueueName.
	Name string
	// FailurePolicy applies when the backend fails. Defaults to router.DropOnError.
	FailurePolicy router.FailurePolicy
}

// Service translates update messages into backend calls
type Service struct {
	backend Backend
	name    string
	policy  router.FailurePolicy
}

// NewService creates an update service
func NewService(b *Builder) *Service {
	if b.Backend == nil {
		panic("Backend is missing")
	}
	name := b.Name
	if len(name) == 0 {
		name = QueueName
	}
	return &Service{backend: b.Backend, name: name, policy: b.FailurePolicy}
}

// Registration returns the router registration of the service
func (s *Service) Registration() router.Registration {
	return router.Registration{
		Name:         s.name,
		Subscription: router.Topic(Topic),
		Handler:      s,
	}
}

// HandleMessage implements router.Handler. It never replies.
func (s *Service) HandleMessage(ctx context.Context, msg *router.Message) ([]byte, error) {
	path, attribute, err := Parse(msg)
	if err != nil {
		rlog := logger.FromContext(ctx).WithError(err)
		if errors.Is(err, ErrNoUpdate) {
			rlog.Debugf("ignoring %s", msg.RoutingKey)
		} else {
			rlog.Errorf("dropping %s", msg.RoutingKey)
		}
		return nil, nil
	}
	return nil, s.policy.Apply(ctx, msg, s.backend.AttributeUpdated(ctx, path, attribute))
}

// Parse returns the attribute path and the decoded attribute of an update
// message.
func Parse(msg *router.Message) (string, *model.Attribute, error) {
	path := strings.TrimPrefix(msg.RoutingKey, prefix)
	if path == msg.RoutingKey || len(path) == 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrInvalidRoutingKey, msg.RoutingKey)
	}
	attribute, err := format.DecodeAttribute(msg.Body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, path, err)
	}
	if attribute.Timestamp == -1 || attribute.Value == nil {
		return "", nil, fmt.Errorf("%w: %s", ErrNoUpdate, path)
	}
	return path, attribute, nil
}
