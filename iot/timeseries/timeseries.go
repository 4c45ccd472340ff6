// Package timeseries forwards attribute updates to a time-series database.
//
// Every accepted update becomes one point: the measurement is the dot-path
// of the attribute, constraint and type are tags, the value is the field
// "value" and the timestamp has microsecond resolution.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/iot/model"
)

// QueueName is the queue name of the update service feeding a Forwarder
const QueueName = "cloudio.update.timeseries"

// ErrNoValue is returned for attributes without value
var ErrNoValue = errors.New("attribute has no value")

// Sink receives points
type Sink interface {
	Write(ctx context.Context, points ...*write.Point) error
}

// NewPoint maps an attribute update to a point
func NewPoint(path string, attribute *model.Attribute) (*write.Point, error) {
	if attribute.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoValue, path)
	}
	tags := map[string]string{
		"constraint": string(attribute.Constraint),
		"type":       string(attribute.Type),
	}
	fields := map[string]interface{}{"value": attribute.Value}
	return write.NewPoint(path, tags, fields, pointTime(attribute.Timestamp)), nil
}

// pointTime converts seconds since the epoch, truncated to microseconds
func pointTime(seconds float64) time.Time {
	return time.UnixMicro(int64(seconds * 1000 * 1000))
}

// endpointID returns the first word of the measurement
func endpointID(p *write.Point) string {
	id, _, _ := strings.Cut(p.Name(), ".")
	return id
}

// Forwarder sends attribute updates to a sink. It implements update.Backend.
type Forwarder struct {
	sink Sink
}

// NewForwarder returns a forwarder to sink
func NewForwarder(sink Sink) *Forwarder {
	if sink == nil {
		panic("Sink is missing")
	}
	return &Forwarder{sink: sink}
}

// AttributeUpdated implements update.Backend
func (f *Forwarder) AttributeUpdated(ctx context.Context, path string, attribute *model.Attribute) error {
	point, err := NewPoint(path, attribute)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("cannot forward update")
		return nil
	}
	return f.sink.Write(ctx, point)
}
