package timeseries

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/cloudio/core/router"
	"github.com/relabs-tech/cloudio/iot/model"
	"github.com/relabs-tech/cloudio/iot/update"
)

func line(t *testing.T, path string, attribute *model.Attribute) string {
	p, err := NewPoint(path, attribute)
	require.NoError(t, err)
	sink := &MemorySink{}
	require.NoError(t, sink.Write(context.Background(), p))
	return strings.TrimSpace(sink.Lines()[0])
}

func TestLineProtocol(t *testing.T) {
	tests := []struct {
		attribute model.Attribute
		expected  string
	}{
		{
			model.Attribute{Timestamp: 1500554648.614, Constraint: model.ConstraintMeasure, Type: model.TypeBoolean, Value: true},
			"test,constraint=Measure,type=Boolean value=true 1500554648614000000",
		},
		{
			model.Attribute{Timestamp: 1500554648.614, Constraint: model.ConstraintStatus, Type: model.TypeInteger, Value: int64(99)},
			"test,constraint=Status,type=Integer value=99i 1500554648614000000",
		},
		{
			model.Attribute{Timestamp: 1500554648.614, Constraint: model.ConstraintMeasure, Type: model.TypeNumber, Value: 1.234},
			"test,constraint=Measure,type=Number value=1.234 1500554648614000000",
		},
		{
			model.Attribute{Timestamp: 1500554648.614, Constraint: model.ConstraintParameter, Type: model.TypeString, Value: "Hello influx"},
			`test,constraint=Parameter,type=String value="Hello influx" 1500554648614000000`,
		},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, line(t, "test", &tc.attribute))
	}
}

func TestPointTimeIsTruncatedToMicroseconds(t *testing.T) {
	p, err := NewPoint("dev1.nodes.n.objects.o.attributes.a",
		&model.Attribute{Timestamp: 1.0000019, Constraint: model.ConstraintMeasure, Type: model.TypeNumber, Value: 1.0})
	require.NoError(t, err)
	assert.True(t, time.Unix(1, 1000).Equal(p.Time()), p.Time())
	assert.Equal(t, "dev1", endpointID(p))
	assert.Equal(t, "dev1.nodes.n.objects.o.attributes.a", p.Name())

	_, err = NewPoint("test", &model.Attribute{Timestamp: 1, Type: model.TypeNumber})
	assert.ErrorIs(t, err, ErrNoValue)
}

func TestForwarder(t *testing.T) {
	ctx := context.Background()
	sink := &MemorySink{}
	s := update.NewService(&update.Builder{Name: QueueName, Backend: NewForwarder(sink)})

	for _, body := range []string{
		`{"timestamp": 1500554648.614, "constraint": "Measure", "type": "Integer", "value": 99}`,
		`{"timestamp": -1, "constraint": "Measure", "type": "Integer", "value": 100}`,
		`{"timestamp": 1500554649, "constraint": "Measure", "type": "Integer"}`,
	} {
		_, err := s.HandleMessage(ctx, &router.Message{
			Exchange:   router.TopicExchange,
			RoutingKey: "@update.dev1.nodes.n.objects.o.attributes.counter",
			Body:       []byte(body),
		})
		require.NoError(t, err)
	}

	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "dev1.nodes.n.objects.o.attributes.counter,constraint=Measure,type=Integer value=99i 1500554648614000000",
		strings.TrimSpace(lines[0]))

	require.NoError(t, NewForwarder(LogSink{}).AttributeUpdated(ctx, "dev1.nodes.n.objects.o.attributes.a",
		&model.Attribute{Timestamp: 1, Constraint: model.ConstraintStatus, Type: model.TypeBoolean, Value: false}))
}

var _ update.Backend = (*Forwarder)(nil)
var _ Sink = (*InfluxSink)(nil)
var _ Sink = (*KafkaSink)(nil)
