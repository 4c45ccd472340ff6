package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/cloudio/core/logger"
)

// Kafka header names which carry the message properties
const (
	kafkaHeaderRoutingKey    = "cloudio-routing-key"
	kafkaHeaderReplyTo       = "cloudio-reply-to"
	kafkaHeaderCorrelationID = "cloudio-correlation-id"
)

// KafkaBuilder is a builder helper for the KafkaTransport
type KafkaBuilder struct {
	// Brokers are the kafka bootstrap brokers. This is mandatory.
	Brokers []string
	// TopicPrefix is prepended to every topic name.
	TopicPrefix string
	// BatchTimeout of the writer. Defaults to 10ms.
	BatchTimeout time.Duration
}

/*KafkaTransport maps the broker model onto kafka:

  - an exchange is a topic, a queue is a consumer group on that topic
  - a direct queue is a topic of its own, named like the queue
  - the routing key travels as header; the message key is the second word
    of the routing key (the endpoint id for device events), so all events
    of one endpoint share a partition and stay in order
  - topic patterns are matched by the consumer, non-matching messages are
    committed and skipped
  - Ack commits the offset. Nack commits as well, rejected messages are
    not redelivered. Release leaves the offset uncommitted.
  - DeleteQueue closes the queue's readers, and deletes the topic of a
    direct queue.
*/
type KafkaTransport struct {
	brokers []string
	prefix  string
	writer  *kafka.Writer

	mutex    sync.Mutex
	bindings map[string]Subscription
	readers  map[string][]*kafka.Reader
	closed   bool
}

// NewKafkaTransport returns a new kafka transport
func NewKafkaTransport(kb *KafkaBuilder) *KafkaTransport {
	if len(kb.Brokers) == 0 {
		panic("Brokers are missing")
	}
	batchTimeout := kb.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &KafkaTransport{
		brokers: kb.Brokers,
		prefix:  kb.TopicPrefix,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(kb.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           batchTimeout,
		},
		bindings: map[string]Subscription{},
		readers:  map[string][]*kafka.Reader{},
	}
}

func (t *KafkaTransport) topic(name string) string {
	return t.prefix + name
}

// partitionKey returns the second word of the routing key, or the routing
// key itself if it has only one word.
func partitionKey(routingKey string) string {
	words := strings.SplitN(routingKey, ".", 3)
	if len(words) >= 2 {
		return words[1]
	}
	return routingKey
}

// Declare implements Transport. Topics are created on first use by the broker.
func (t *KafkaTransport) Declare(ctx context.Context, queue string, sub Subscription) error {
	if err := sub.validate(); err != nil {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.bindings[queue] = sub
	return nil
}

// Publish implements Transport
func (t *KafkaTransport) Publish(ctx context.Context, msg *Message) error {
	topic := msg.Exchange
	if topic == "" {
		topic = msg.RoutingKey
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+3)
	headers = append(headers, kafka.Header{Key: kafkaHeaderRoutingKey, Value: []byte(msg.RoutingKey)})
	if len(msg.ReplyTo) > 0 {
		headers = append(headers, kafka.Header{Key: kafkaHeaderReplyTo, Value: []byte(msg.ReplyTo)})
	}
	if len(msg.CorrelationID) > 0 {
		headers = append(headers, kafka.Header{Key: kafkaHeaderCorrelationID, Value: []byte(msg.CorrelationID)})
	}
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   t.topic(topic),
		Key:     []byte(partitionKey(msg.RoutingKey)),
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("cannot publish %s to %s: %w", msg.RoutingKey, topic, err)
	}
	return nil
}

// Consume implements Transport
func (t *KafkaTransport) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	t.mutex.Lock()
	sub, ok := t.bindings[queue]
	closed := t.closed
	t.mutex.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	topic := sub.Exchange
	if sub.Kind == KindDirect {
		topic = queue
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.brokers,
		GroupID:     t.prefix + queue,
		Topic:       t.topic(topic),
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	t.mutex.Lock()
	if _, ok := t.bindings[queue]; !ok || t.closed {
		t.mutex.Unlock()
		reader.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	t.readers[queue] = append(t.readers[queue], reader)
	t.mutex.Unlock()

	rlog := logger.FromContext(ctx).WithField("queue", queue)
	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				rlog.WithError(err).Errorln("fetch failed")
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			msg := messageFromKafka(m)
			commit := func() error {
				return reader.CommitMessages(context.Background(), m)
			}
			if sub.Kind == KindTopic && !MatchAny(sub.Patterns, msg.RoutingKey) {
				if err := commit(); err != nil {
					rlog.WithError(err).Errorln("cannot commit skipped message")
				}
				continue
			}
			d := NewDelivery(msg, commit, func(cause error) error {
				rlog.WithError(cause).Warnf("dropped message %s", msg.RoutingKey)
				return commit()
			}).WithRelease(func() error {
				// not committed, the group fetches it again after a restart
				return nil
			})
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DeleteQueue implements QueueDeleter. It closes the readers of the queue
// and forgets its binding. The topic of a direct queue is deleted, topics of
// exchanges are shared and stay.
func (t *KafkaTransport) DeleteQueue(ctx context.Context, queue string) error {
	t.mutex.Lock()
	sub, ok := t.bindings[queue]
	readers := t.readers[queue]
	delete(t.bindings, queue)
	delete(t.readers, queue)
	t.mutex.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sub.Kind == KindDirect {
		client := &kafka.Client{Addr: kafka.TCP(t.brokers...)}
		res, err := client.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: []string{t.topic(queue)}})
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot delete topic of %s: %w", queue, err))
		} else if err = res.Errors[t.topic(queue)]; err != nil && !errors.Is(err, kafka.UnknownTopicOrPartition) {
			errs = append(errs, fmt.Errorf("cannot delete topic of %s: %w", queue, err))
		}
	}
	return errors.Join(errs...)
}

func messageFromKafka(m kafka.Message) Message {
	msg := Message{
		Exchange: m.Topic,
		Headers:  map[string]string{},
		Body:     m.Value,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case kafkaHeaderRoutingKey:
			msg.RoutingKey = string(h.Value)
		case kafkaHeaderReplyTo:
			msg.ReplyTo = string(h.Value)
		case kafkaHeaderCorrelationID:
			msg.CorrelationID = string(h.Value)
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

// Close implements Transport
func (t *KafkaTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	for _, readers := range t.readers {
		for _, r := range readers {
			if err := r.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	t.readers = map[string][]*kafka.Reader{}
	if err := t.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
