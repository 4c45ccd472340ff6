package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEndpoint() *Endpoint {
	e := NewEndpoint()
	e.AddNode("node", &Node{
		Implements: []string{"Sensor"},
		Objects: map[string]*Object{
			"object": {
				Objects: map[string]*Object{
					"inner": {
						Attributes: map[string]*Attribute{
							"deep": {Timestamp: 1, Constraint: ConstraintStatus, Type: TypeString, Value: "x"},
						},
					},
				},
				Attributes: map[string]*Attribute{
					"temperature": {Timestamp: 1, Constraint: ConstraintMeasure, Type: TypeNumber, Value: 21.5},
				},
			},
		},
	})
	return e
}

func segments(path string) []string {
	return strings.Split(path, ".")
}

func TestFind(t *testing.T) {
	e := testEndpoint()

	element, ok := e.Find(segments("nodes.node")...)
	require.True(t, ok)
	assert.IsType(t, &Node{}, element)

	element, ok = e.Find(segments("nodes.node.objects.object")...)
	require.True(t, ok)
	assert.IsType(t, &Object{}, element)

	element, ok = e.Find(segments("nodes.node.objects.object.objects.inner")...)
	require.True(t, ok)
	assert.IsType(t, &Object{}, element)

	attribute, ok := e.Attribute(segments("nodes.node.objects.object.attributes.temperature")...)
	require.True(t, ok)
	assert.Equal(t, 21.5, attribute.Value)

	attribute, ok = e.Attribute(segments("nodes.node.objects.object.objects.inner.attributes.deep")...)
	require.True(t, ok)
	assert.Equal(t, "x", attribute.Value)
}

func TestFindFailsSilently(t *testing.T) {
	e := testEndpoint()
	for _, path := range []string{
		"",
		"nodes",
		"node.node.objects.object.attributes.temperature",
		"nodes.other.objects.object.attributes.temperature",
		"nodes.node.object.object.attributes.temperature",
		"nodes.node.objects.other.attributes.temperature",
		"nodes.node.objects.object.attribute.temperature",
		"nodes.node.objects.object.attributes.other",
		"nodes.node.objects.object.attributes",
		"nodes.node.objects.object.attributes.temperature.extra",
		"nodes.node.objects.object.attributes.temperature.objects.x",
		"nodes.node.objects",
		"nodes.node.attributes.temperature",
		"nodes.node.objects.object.objects",
		"nodes.node.objects.object.nodes.inner.attributes.deep",
	} {
		_, ok := e.Attribute(segments(path)...)
		assert.False(t, ok, path)
	}

	var nilEndpoint *Endpoint
	_, ok := nilEndpoint.Find("nodes", "node")
	assert.False(t, ok)
}

func TestSplitPath(t *testing.T) {
	id, rest, err := SplitPath("dev1.nodes.node.objects.object.attributes.temperature")
	require.NoError(t, err)
	assert.Equal(t, "dev1", id)
	assert.Equal(t, segments("nodes.node.objects.object.attributes.temperature"), rest)

	for _, path := range []string{"", "dev1", "dev1.nodes"} {
		_, _, err = SplitPath(path)
		assert.ErrorIs(t, err, ErrInvalidPath, path)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	e := testEndpoint()
	path := segments("nodes.node.objects.object.attributes.temperature")
	update := &Attribute{Timestamp: 1500554648.614, Constraint: ConstraintSetPoint, Type: TypeInteger, Value: int64(7)}

	require.True(t, e.UpdateAttribute(path, update))
	attribute, ok := e.Attribute(path...)
	require.True(t, ok)
	assert.Equal(t, *update, *attribute)

	older := &Attribute{Timestamp: 1, Constraint: ConstraintMeasure, Type: TypeNumber, Value: 1.0}
	require.True(t, e.UpdateAttribute(path, older))
	attribute, _ = e.Attribute(path...)
	assert.Equal(t, *older, *attribute, "last writer wins")
}

func TestUpdateMissingAttributeChangesNothing(t *testing.T) {
	e := testEndpoint()
	before := e.Clone()
	assert.False(t, e.UpdateAttribute(segments("nodes.node.objects.object.attributes.missing"),
		&Attribute{Timestamp: 2, Type: TypeBoolean, Value: true}))
	assert.False(t, e.UpdateAttribute(segments("nodes.node.object.object.attributes.temperature"),
		&Attribute{Timestamp: 2, Type: TypeBoolean, Value: true}))
	assert.Equal(t, before, e)
}

func TestNodeMutations(t *testing.T) {
	e := testEndpoint()
	node := &Node{Objects: map[string]*Object{}}

	e.AddNode("added", node)
	e.AddNode("added", node)
	assert.Len(t, e.Nodes, 2)

	replacement := &Node{Implements: []string{"Other"}}
	e.AddNode("node", replacement)
	assert.Len(t, e.Nodes, 2)
	assert.Same(t, replacement, e.Nodes["node"])

	e.RemoveNode("added")
	e.RemoveNode("added")
	e.RemoveNode("never-existed")
	assert.Len(t, e.Nodes, 1)

	var empty Endpoint
	empty.AddNode("n", node)
	assert.Len(t, empty.Nodes, 1)
}

func TestClone(t *testing.T) {
	e := testEndpoint()
	c := e.Clone()
	assert.Equal(t, e, c)

	c.UpdateAttribute(segments("nodes.node.objects.object.attributes.temperature"), &Attribute{Value: 0.0, Type: TypeNumber})
	c.RemoveNode("node")
	attribute, ok := e.Attribute(segments("nodes.node.objects.object.attributes.temperature")...)
	require.True(t, ok)
	assert.Equal(t, 21.5, attribute.Value)
}
