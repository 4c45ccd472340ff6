package router

import (
	"context"
	"errors"
	"fmt"
)

// TopicExchange is the shared topic-routed exchange all topic subscriptions
// are bound to.
const TopicExchange = "amq.topic"

// Message is a broker message.
type Message struct {
	// Exchange the message is published to. An empty exchange addresses the
	// queue named by RoutingKey directly.
	Exchange      string
	RoutingKey    string
	Headers       map[string]string
	Body          []byte
	ReplyTo       string
	CorrelationID string
}

// Header returns the header value and whether it is present.
func (m *Message) Header(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	v, ok := m.Headers[key]
	return v, ok
}

// ErrReleased is the rejection cause of a released delivery on transports
// which cannot return it to the queue
var ErrReleased = errors.New("released unprocessed")

// Delivery is a message received from a queue. Exactly one of Ack, Nack or
// Release must be called.
type Delivery struct {
	Message
	ack     func() error
	nack    func(error) error
	release func() error
}

// NewDelivery creates a delivery for transports. ack and nack may be nil.
func NewDelivery(msg Message, ack func() error, nack func(error) error) *Delivery {
	return &Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack acknowledges the message as processed.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack reports that processing failed with err.
func (d *Delivery) Nack(err error) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(err)
}

// WithRelease sets how the transport takes back an unprocessed delivery
func (d *Delivery) WithRelease(release func() error) *Delivery {
	d.release = release
	return d
}

// Release hands a delivery which was never processed back to its queue.
// Without transport support the delivery is rejected with ErrReleased.
func (d *Delivery) Release() error {
	if d.release == nil {
		return d.Nack(ErrReleased)
	}
	return d.release()
}

// Kind is the subscription kind of a service
type Kind int

// Subscription kinds
const (
	// KindTopic binds a queue with a set of patterns to the topic exchange
	KindTopic Kind = iota
	// KindBroadcast binds a queue to a fanout exchange
	KindBroadcast
	// KindDirect is a queue which only receives messages addressed to it by name
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindTopic:
		return "topic"
	case KindBroadcast:
		return "broadcast"
	case KindDirect:
		return "direct"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Subscription declares how a queue is bound.
type Subscription struct {
	Kind     Kind
	Exchange string
	Patterns []string
}

// Topic returns a subscription for the given routing key patterns on the
// topic exchange. Patterns use '*' for exactly one word and '#' for zero or
// more words.
func Topic(patterns ...string) Subscription {
	return Subscription{Kind: KindTopic, Exchange: TopicExchange, Patterns: patterns}
}

// Broadcast returns a subscription to all messages of a fanout exchange.
func Broadcast(exchange string) Subscription {
	return Subscription{Kind: KindBroadcast, Exchange: exchange}
}

// Direct returns a subscription which receives only messages addressed to
// the queue itself.
func Direct() Subscription {
	return Subscription{Kind: KindDirect}
}

// Matches returns true if a message published to exchange with routingKey
// is routed to a queue with this subscription. Direct addressing is handled
// by the transports.
func (s Subscription) Matches(exchange, routingKey string) bool {
	switch s.Kind {
	case KindTopic:
		return exchange == s.Exchange && MatchAny(s.Patterns, routingKey)
	case KindBroadcast:
		return exchange == s.Exchange
	}
	return false
}

func (s Subscription) validate() error {
	switch s.Kind {
	case KindTopic:
		if len(s.Patterns) == 0 {
			return fmt.Errorf("topic subscription without patterns")
		}
		if s.Exchange == "" {
			return fmt.Errorf("topic subscription without exchange")
		}
	case KindBroadcast:
		if s.Exchange == "" {
			return fmt.Errorf("broadcast subscription without exchange")
		}
	case KindDirect:
	default:
		return fmt.Errorf("unknown subscription kind %s", s.Kind)
	}
	return nil
}

// Handler handles one message family. A non-nil result is sent back to the
// message's reply address, if it has one.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) ([]byte, error)
}

// HandlerFunc is an adapter to use ordinary functions as handlers.
type HandlerFunc func(ctx context.Context, msg *Message) ([]byte, error)

// HandleMessage calls f(ctx, msg)
func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) ([]byte, error) {
	return f(ctx, msg)
}

// Registration is the declaration of a service: its durable queue name, how
// the queue is bound and who handles the messages.
type Registration struct {
	Name         string
	Subscription Subscription
	Handler      Handler
}

func (r Registration) validate() error {
	if r.Name == "" {
		return fmt.Errorf("registration without name")
	}
	if r.Handler == nil {
		return fmt.Errorf("registration %s without handler", r.Name)
	}
	if err := r.Subscription.validate(); err != nil {
		return fmt.Errorf("registration %s: %w", r.Name, err)
	}
	return nil
}

// Publisher publishes messages
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Transport is the broker abstraction the router runs on.
type Transport interface {
	Publisher
	// Declare creates the durable queue with the given subscription, or
	// updates its binding if it exists already.
	Declare(ctx context.Context, queue string, sub Subscription) error
	// Consume delivers messages of a declared queue until ctx is done or the
	// transport is closed; then the channel is closed.
	Consume(ctx context.Context, queue string) (<-chan *Delivery, error)
	Close() error
}

// QueueDeleter is implemented by transports which can delete queues.
type QueueDeleter interface {
	DeleteQueue(ctx context.Context, queue string) error
}
