// Package lifecycle follows endpoints coming online and going offline, and
// nodes being added to or removed from them.
//
// The service consumes the topics
//
//	@online.<endpointId>                      payload: endpoint
//	@offline.<endpointId>                     no payload
//	@nodeAdded.<endpointId>.nodes.<node>      payload: node
//	@nodeRemoved.<endpointId>.nodes.<node>    no payload
//
// and hands the events to a Backend.
package lifecycle

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

// QueueName is the default queue of the lifecycle service
const QueueName = "cloudio.lifecycle"

// Topics are the routing key patterns of lifecycle events
var Topics = []string{"@online.*", "@offline.*", "@nodeAdded.*.nodes.*", "@nodeRemoved.*.nodes.*"}

var (
	// ErrInvalidRoutingKey is returned for lifecycle events with an unexpected routing key
	ErrInvalidRoutingKey = errors.New("invalid lifecycle routing key")
	// ErrInvalidPayload is returned for payloads which cannot be decoded
	ErrInvalidPayload = errors.New("invalid lifecycle payload")
)

// Backend receives lifecycle events
type Backend interface {
	EndpointOnline(ctx context.Context, endpointID string, endpoint *model.Endpoint) error
	EndpointOffline(ctx context.Context, endpointID string) error
	NodeAdded(ctx context.Context, endpointID, nodeName string, node *model.Node) error
	NodeRemoved(ctx context.Context, endpointID, nodeName string) error
}

// Builder is a builder helper for the Service
type Builder struct {
	// Backend receives the events. This is mandatory.
	Backend Backend
	// Name is the queue name. Defaults to QueueName.
	Name string
	// FailurePolicy applies when the backend fails. Defaults to router.DropOnError.
	FailurePolicy router.FailurePolicy
}

// Service translates lifecycle messages into backend calls
type Service struct {
	backend Backend
	name    string
	policy  router.FailurePolicy
}

// NewService creates a lifecycle service
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
		Subscription: router.Topic(Topics...),
		Handler:      s,
	}
}

// HandleMessage implements router.Handler. It never replies.
func (s *Service) HandleMessage(ctx context.Context, msg *router.Message) ([]byte, error) {
	err := s.handle(ctx, msg)
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrInvalidRoutingKey) {
		logger.FromContext(ctx).WithError(err).Errorf("dropping %s", msg.RoutingKey)
		return nil, nil
	}
	return nil, s.policy.Apply(ctx, msg, err)
}

func (s *Service) handle(ctx context.Context, msg *router.Message) error {
	words := strings.Split(msg.RoutingKey, ".")
	if len(words) < 2 || len(words[1]) == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRoutingKey, msg.RoutingKey)
	}
	endpointID := words[1]

	switch words[0] {
	case "@online":
		endpoint, err := format.DecodeEndpoint(msg.Body)
		if err != nil {
			return fmt.Errorf("%w: @online from %s: %w", ErrInvalidPayload, endpointID, err)
		}
		return s.backend.EndpointOnline(ctx, endpointID, endpoint)
	case "@offline":
		return s.backend.EndpointOffline(ctx, endpointID)
	case "@nodeAdded", "@nodeRemoved":
		if len(words) != 4 || words[2] != model.KeywordNodes {
			return fmt.Errorf("%w: %s", ErrInvalidRoutingKey, msg.RoutingKey)
		}
		nodeName := words[3]
		if words[0] == "@nodeRemoved" {
			return s.backend.NodeRemoved(ctx, endpointID, nodeName)
		}
		node, err := format.DecodeNode(msg.Body)
		if err != nil {
			return fmt.Errorf("%w: @nodeAdded from %s: %w", ErrInvalidPayload, endpointID, err)
		}
		return s.backend.NodeAdded(ctx, endpointID, nodeName, node)
	}
	return fmt.Errorf("%w: %s", ErrInvalidRoutingKey, msg.RoutingKey)
}
