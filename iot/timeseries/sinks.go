package timeseries

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/cloudio/core/logger"
)

// InfluxBuilder is a builder helper for the InfluxSink
type InfluxBuilder struct {
	// URL of the influx server. This is mandatory.
	URL string
	// Token for authentication.
	Token string
	// Organization defaults to "cloudio".
	Organization string
	// Bucket defaults to "cloudio".
	Bucket string
}

// InfluxSink writes points to InfluxDB. Each write blocks until the server
// acknowledged it.
type InfluxSink struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
}

// NewInfluxSink returns a new influx sink
func NewInfluxSink(ib *InfluxBuilder) *InfluxSink {
	if len(ib.URL) == 0 {
		panic("URL is missing")
	}
	organization := ib.Organization
	if len(organization) == 0 {
		organization = "cloudio"
	}
	bucket := ib.Bucket
	if len(bucket) == 0 {
		bucket = "cloudio"
	}
	client := influxdb2.NewClientWithOptions(ib.URL, ib.Token,
		influxdb2.DefaultOptions().SetPrecision(time.Microsecond))
	return &InfluxSink{client: client, api: client.WriteAPIBlocking(organization, bucket)}
}

// Write implements Sink
func (s *InfluxSink) Write(ctx context.Context, points ...*write.Point) error {
	if err := s.api.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("cannot write to influx: %w", err)
	}
	return nil
}

// Close releases the client
func (s *InfluxSink) Close() {
	s.client.Close()
}

// KafkaBuilder is a builder helper for the KafkaSink
type KafkaBuilder struct {
	// Brokers are the kafka bootstrap brokers. This is mandatory.
	Brokers []string
	// Topic receives the points. This is mandatory.
	Topic string
}

// KafkaSink publishes points in line protocol with nanosecond precision to
// a kafka topic. The message key is the endpoint id, a consumer like
// telegraf sees the points of one endpoint in order.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink returns a new kafka sink
func NewKafkaSink(kb *KafkaBuilder) *KafkaSink {
	if len(kb.Brokers) == 0 {
		panic("Brokers are missing")
	}
	if len(kb.Topic) == 0 {
		panic("Topic is missing")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(kb.Brokers...),
			Topic:                  kb.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

// Write implements Sink
func (s *KafkaSink) Write(ctx context.Context, points ...*write.Point) error {
	messages := make([]kafka.Message, len(points))
	for i, p := range points {
		messages[i] = kafka.Message{
			Key:   []byte(endpointID(p)),
			Value: []byte(write.PointToLineProtocol(p, time.Nanosecond)),
		}
	}
	if err := s.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("cannot write to kafka: %w", err)
	}
	return nil
}

// Close flushes pending messages
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// MemorySink keeps points in memory
type MemorySink struct {
	mutex  sync.Mutex
	points []*write.Point
}

// Write implements Sink
func (s *MemorySink) Write(ctx context.Context, points ...*write.Point) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.points = append(s.points, points...)
	return nil
}

// Points returns the points written so far
func (s *MemorySink) Points() []*write.Point {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*write.Point(nil), s.points...)
}

// Lines returns the points written so far in line protocol
func (s *MemorySink) Lines() []string {
	points := s.Points()
	lines := make([]string, len(points))
	for i, p := range points {
		lines[i] = write.PointToLineProtocol(p, time.Nanosecond)
	}
	return lines
}

// LogSink logs points in line protocol
type LogSink struct{}

// Write implements Sink
func (LogSink) Write(ctx context.Context, points ...*write.Point) error {
	rlog := logger.FromContext(ctx)
	for _, p := range points {
		rlog.Info(write.PointToLineProtocol(p, time.Nanosecond))
	}
	return nil
}
