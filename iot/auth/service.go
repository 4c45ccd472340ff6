package auth

import (
	"context"
	"errors"
	"time"

	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/core/router"
)

// Exchange is the fanout exchange authentication requests are published to
const Exchange = "authentication"

// QueueName is the durable queue of the authentication service
const QueueName = "cloudio.auth"

// Decider answers authentication requests. It is implemented by the Engine
// and by the Client.
type Decider interface {
	Decide(ctx context.Context, r Request) (string, error)
}

// Service answers authentication requests received through the router.
// It always replies, errors are logged and answered with the refusal.
type Service struct {
	decider Decider
}

// NewService returns a service for the decider
func NewService(decider Decider) *Service {
	if decider == nil {
		panic("Decider is missing")
	}
	return &Service{decider: decider}
}

// Registration returns the router registration of the service
func (s *Service) Registration() router.Registration {
	return router.Registration{
		Name:         QueueName,
		Subscription: router.Broadcast(Exchange),
		Handler:      s,
	}
}

// HandleMessage implements router.Handler
func (s *Service) HandleMessage(ctx context.Context, msg *router.Message) ([]byte, error) {
	rlog := logger.FromContext(ctx)
	r := RequestFromHeaders(msg.Headers)
	token, err := s.decider.Decide(ctx, r)
	switch {
	case err == nil:
		if r.Action == ActionLogin && token == Refused {
			rlog.Infof("login attempt for entity %s is negative, access denied", r.Username)
		}
	case errors.Is(err, ErrUnknownAction):
		rlog.WithError(err).Warnf("unsupported authentication message %v, access denied", msg.Headers)
	case errors.Is(err, ErrMalformedRequest),
		errors.Is(err, ErrInvalidPermission),
		errors.Is(err, ErrInvalidRoutingKey):
		rlog.WithError(err).Warnf("%s by %s, access denied", r.Action, r.Username)
	default:
		rlog.WithError(err).Errorf("%s by %s failed, access denied", r.Action, r.Username)
	}
	return []byte(token), nil
}

// Client asks a remote authentication service through the transport. All
// requests share one reply queue, Close deletes it.
type Client struct {
	caller  *router.Caller
	timeout time.Duration
}

// NewClient returns a client. Requests time out after timeout, the default
// is 5 seconds.
func NewClient(transport router.Transport, timeout time.Duration) *Client {
	if transport == nil {
		panic("Transport is missing")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{caller: router.NewCaller(transport), timeout: timeout}
}

// Decide implements Decider. If the service does not answer, the refusal
// of the request's family is returned together with the error.
func (c *Client) Decide(ctx context.Context, r Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	reply, err := c.caller.Call(ctx, &router.Message{
		Exchange: Exchange,
		Headers:  r.Headers(),
	})
	if err != nil {
		return refusal(r.Action), err
	}
	return string(reply), nil
}

// Close releases the reply queue of the client
func (c *Client) Close() error {
	return c.caller.Close()
}

// refusal returns the safest answer of the action's family
func refusal(action string) string {
	switch action {
	case ActionCheckVHost, ActionCheckResource:
		return Deny
	}
	return Refused
}
