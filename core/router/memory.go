package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/relabs-tech/cloudio/core/logger"
)

// ErrUnknownQueue is returned when consuming a queue which was never declared
var ErrUnknownQueue = errors.New("unknown queue")

// ErrTransportClosed is returned by operations on a closed transport
var ErrTransportClosed = errors.New("transport closed")

// MemoryTransport is an in-process broker. Queues are FIFO and keep their
// messages while nobody consumes them. A rejected message is dropped, a
// released one goes back to the head of its queue. It serves single-process
// deployments and tests.
type MemoryTransport struct {
	mutex  sync.RWMutex
	queues map[string]*memoryQueue
	done   chan struct{}
	closed bool
}

type memoryQueue struct {
	sub      Subscription
	mutex    sync.Mutex
	messages []Message
	signal   chan struct{}
}

// NewMemoryTransport returns a new in-memory transport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues: map[string]*memoryQueue{},
		done:   make(chan struct{}),
	}
}

// Declare implements Transport
func (t *MemoryTransport) Declare(ctx context.Context, queue string, sub Subscription) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if q, ok := t.queues[queue]; ok {
		q.mutex.Lock()
		q.sub = sub
		q.mutex.Unlock()
		return nil
	}
	t.queues[queue] = &memoryQueue{sub: sub, signal: make(chan struct{}, 1)}
	return nil
}

// DeleteQueue implements QueueDeleter. Pending messages are discarded.
func (t *MemoryTransport) DeleteQueue(ctx context.Context, queue string) error {
	t.mutex.Lock()
	delete(t.queues, queue)
	t.mutex.Unlock()
	return nil
}

// Publish implements Transport. Messages which are not routed to any queue
// are discarded.
func (t *MemoryTransport) Publish(ctx context.Context, msg *Message) error {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}

	routed := 0
	for name, q := range t.queues {
		q.mutex.Lock()
		match := (msg.Exchange == "" && name == msg.RoutingKey) || q.sub.Matches(msg.Exchange, msg.RoutingKey)
		if match {
			q.messages = append(q.messages, copyMessage(msg))
			routed++
		}
		q.mutex.Unlock()
		if match {
			select {
			case q.signal <- struct{}{}:
			default:
			}
		}
	}
	if routed == 0 {
		logger.FromContext(ctx).Debugf("message %s on exchange '%s' not routed", msg.RoutingKey, msg.Exchange)
	}
	return nil
}

// Pending returns the number of messages waiting in a queue.
func (t *MemoryTransport) Pending(queue string) int {
	t.mutex.RLock()
	q, ok := t.queues[queue]
	t.mutex.RUnlock()
	if !ok {
		return 0
	}
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.messages)
}

// Consume implements Transport. Several consumers of the same queue
// compete for its messages.
func (t *MemoryTransport) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	t.mutex.RLock()
	q, ok := t.queues[queue]
	closed := t.closed
	t.mutex.RUnlock()
	if closed {
		return nil, ErrTransportClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			msg, ok := q.pop()
			if !ok {
				select {
				case <-q.signal:
					continue
				case <-ctx.Done():
					return
				case <-t.done:
					return
				}
			}
			d := NewDelivery(msg, nil, func(err error) error {
				logger.FromContext(ctx).WithError(err).Warnf("dropped message %s from queue %s", msg.RoutingKey, queue)
				return nil
			}).WithRelease(func() error {
				q.pushFront(msg)
				return nil
			})
			select {
			case out <- d:
			case <-ctx.Done():
				q.pushFront(msg)
				return
			case <-t.done:
				return
			}
		}
	}()
	return out, nil
}

// Close implements Transport
func (t *MemoryTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func (q *memoryQueue) pop() (Message, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.messages) == 0 {
		return Message{}, false
	}
	msg := q.messages[0]
	q.messages[0] = Message{}
	q.messages = q.messages[1:]
	return msg, true
}

func (q *memoryQueue) pushFront(msg Message) {
	q.mutex.Lock()
	q.messages = append([]Message{msg}, q.messages...)
	q.mutex.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func copyMessage(msg *Message) Message {
	c := *msg
	if msg.Headers != nil {
		c.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			c.Headers[k] = v
		}
	}
	c.Body = append([]byte(nil), msg.Body...)
	return c
}
