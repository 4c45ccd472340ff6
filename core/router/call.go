package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/cloudio/core/logger"
)

// ErrCallerClosed is returned by Call on a closed Caller
var ErrCallerClosed = errors.New("caller closed")

// Call publishes a request and waits for the reply. The reply is received
// on a private queue which is deleted afterwards if the transport supports
// it. Use a context with deadline, Call waits as long as ctx allows.
//
// Call is meant for occasional requests. Frequent requests should share a
// Caller.
func Call(ctx context.Context, t Transport, request *Message) ([]byte, error) {
	replyTo := "reply." + uuid.New().String()
	if err := t.Declare(ctx, replyTo, Direct()); err != nil {
		return nil, fmt.Errorf("cannot declare reply queue: %w", err)
	}
	defer deleteQueue(t, replyTo)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	replies, err := t.Consume(ctx, replyTo)
	if err != nil {
		return nil, fmt.Errorf("cannot consume reply queue: %w", err)
	}

	msg := requestMessage(ctx, request, replyTo)
	if err = t.Publish(ctx, &msg); err != nil {
		return nil, err
	}

	for {
		select {
		case d, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("reply queue closed: %w", ctx.Err())
			}
			d.Ack()
			if d.CorrelationID == msg.CorrelationID {
				return d.Body, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func requestMessage(ctx context.Context, request *Message, replyTo string) Message {
	msg := copyMessage(request)
	msg.ReplyTo = replyTo
	msg.CorrelationID = uuid.New().String()
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}
	logger.InjectHeaders(ctx, msg.Headers)
	return msg
}

func deleteQueue(t Transport, queue string) {
	deleter, ok := t.(QueueDeleter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := deleter.DeleteQueue(ctx, queue); err != nil {
		logger.Default().WithError(err).Warnf("cannot delete queue %s", queue)
	}
}

// Caller performs request/reply round trips over one reply queue that
// lives as long as the caller. Replies are matched to their requests by
// correlation id, so any number of calls can be in flight.
type Caller struct {
	transport Transport
	replyTo   string

	mutex   sync.Mutex
	pending map[string]chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewCaller returns a caller on the transport. The reply queue is declared
// with the first call.
func NewCaller(t Transport) *Caller {
	if t == nil {
		panic("Transport is missing")
	}
	return &Caller{
		transport: t,
		replyTo:   "reply." + uuid.New().String(),
		pending:   map[string]chan []byte{},
	}
}

// start must be called with the mutex held
func (c *Caller) start(ctx context.Context) error {
	if c.closed {
		return ErrCallerClosed
	}
	if c.cancel != nil {
		return nil
	}
	if err := c.transport.Declare(ctx, c.replyTo, Direct()); err != nil {
		return fmt.Errorf("cannot declare reply queue: %w", err)
	}
	consumeCtx, cancel := context.WithCancel(context.Background())
	replies, err := c.transport.Consume(consumeCtx, c.replyTo)
	if err != nil {
		cancel()
		return fmt.Errorf("cannot consume reply queue: %w", err)
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.receive(replies, c.done)
	return nil
}

func (c *Caller) receive(replies <-chan *Delivery, done chan struct{}) {
	defer close(done)
	for d := range replies {
		d.Ack()
		c.mutex.Lock()
		reply, ok := c.pending[d.CorrelationID]
		delete(c.pending, d.CorrelationID)
		c.mutex.Unlock()
		if !ok {
			logger.Default().Debugf("late or unknown reply %s on %s", d.CorrelationID, c.replyTo)
			continue
		}
		reply <- d.Body
	}
	// the transport went away, the next call declares the queue again
	c.mutex.Lock()
	if c.done == done && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mutex.Unlock()
}

// Call publishes a request and waits for its reply as long as ctx allows
func (c *Caller) Call(ctx context.Context, request *Message) ([]byte, error) {
	msg := requestMessage(ctx, request, c.replyTo)
	reply := make(chan []byte, 1)

	c.mutex.Lock()
	if err := c.start(ctx); err != nil {
		c.mutex.Unlock()
		return nil, err
	}
	c.pending[msg.CorrelationID] = reply
	c.mutex.Unlock()

	forget := func() {
		c.mutex.Lock()
		delete(c.pending, msg.CorrelationID)
		c.mutex.Unlock()
	}
	if err := c.transport.Publish(ctx, &msg); err != nil {
		forget()
		return nil, err
	}
	select {
	case body := <-reply:
		return body, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Pending returns the number of calls waiting for their reply
func (c *Caller) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}

// Close stops receiving replies and deletes the reply queue
func (c *Caller) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mutex.Unlock()
	if cancel != nil {
		cancel()
		<-done
		deleteQueue(c.transport, c.replyTo)
	}
	return nil
}
