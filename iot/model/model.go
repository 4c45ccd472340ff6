/*Package model is the device model of cloudio.

An Endpoint is a device. It owns Nodes, a Node owns Objects, Objects nest
to arbitrary depth and own Attributes, the leaf values a device reports.

Elements are addressed with dot-paths relative to the endpoint:

	<endpointId>.nodes.<node>[.objects.<object>]*.attributes.<attribute>

The keywords nodes, objects and attributes are structural. Mutations are
last-writer-wins, there is no versioning.
*/
package model

import (
	"fmt"
)

// Constraint describes how an attribute may change
type Constraint string

// Attribute constraints
const (
	ConstraintInvalid   Constraint = "Invalid"
	ConstraintStatic    Constraint = "Static"
	ConstraintParameter Constraint = "Parameter"
	ConstraintStatus    Constraint = "Status"
	ConstraintSetPoint  Constraint = "SetPoint"
	ConstraintMeasure   Constraint = "Measure"
)

var constraints = []Constraint{ConstraintInvalid, ConstraintStatic, ConstraintParameter,
	ConstraintStatus, ConstraintSetPoint, ConstraintMeasure}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Constraint) UnmarshalText(text []byte) error {
	for _, known := range constraints {
		if string(known) == string(text) {
			*c = known
			return nil
		}
	}
	return fmt.Errorf("unknown attribute constraint '%s'", text)
}

// Type is the data type of an attribute value
type Type string

// Attribute types
const (
	TypeInvalid Type = "Invalid"
	TypeBoolean Type = "Boolean"
	TypeInteger Type = "Integer"
	TypeNumber  Type = "Number"
	TypeString  Type = "String"
)

var types = []Type{TypeInvalid, TypeBoolean, TypeInteger, TypeNumber, TypeString}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Type) UnmarshalText(text []byte) error {
	for _, known := range types {
		if string(known) == string(text) {
			*t = known
			return nil
		}
	}
	return fmt.Errorf("unknown attribute type '%s'", text)
}

// Endpoint is a device and its model tree
type Endpoint struct {
	Version          string           `json:"version,omitempty"`
	SupportedFormats []string         `json:"supportedFormat,omitempty"`
	Nodes            map[string]*Node `json:"nodes"`
}

// Node is a functional unit of an endpoint
type Node struct {
	Implements []string           `json:"implements,omitempty"`
	Objects    map[string]*Object `json:"objects"`
}

// Object groups attributes and nested objects
type Object struct {
	Conforms   string                `json:"conforms,omitempty"`
	Objects    map[string]*Object    `json:"objects"`
	Attributes map[string]*Attribute `json:"attributes"`
}

// Attribute is a leaf value. Timestamp is in seconds since the epoch.
type Attribute struct {
	Timestamp  float64     `json:"timestamp"`
	Constraint Constraint  `json:"constraint"`
	Type       Type        `json:"type"`
	Value      interface{} `json:"value,omitempty"`
}

// NewEndpoint returns an empty endpoint
func NewEndpoint() *Endpoint {
	return &Endpoint{Nodes: map[string]*Node{}}
}

// AddNode installs the node under name. An existing node with the same
// name is replaced.
func (e *Endpoint) AddNode(name string, node *Node) {
	if e.Nodes == nil {
		e.Nodes = map[string]*Node{}
	}
	e.Nodes[name] = node
}

// RemoveNode removes the node with the given name, if there is one.
func (e *Endpoint) RemoveNode(name string) {
	delete(e.Nodes, name)
}

// Update overwrites the attribute with the values of from. There is no
// check against the existing timestamp, the last writer wins.
func (a *Attribute) Update(from *Attribute) {
	a.Timestamp = from.Timestamp
	a.Constraint = from.Constraint
	a.Type = from.Type
	a.Value = from.Value
}

// Clone returns a deep copy of the endpoint
func (e *Endpoint) Clone() *Endpoint {
	if e == nil {
		return nil
	}
	c := &Endpoint{
		Version:          e.Version,
		SupportedFormats: append([]string(nil), e.SupportedFormats...),
		Nodes:            make(map[string]*Node, len(e.Nodes)),
	}
	for name, node := range e.Nodes {
		c.Nodes[name] = node.Clone()
	}
	return c
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	return &Node{
		Implements: append([]string(nil), n.Implements...),
		Objects:    cloneObjects(n.Objects),
	}
}

// Clone returns a deep copy of the object
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := &Object{
		Conforms: o.Conforms,
		Objects:  cloneObjects(o.Objects),
	}
	if o.Attributes != nil {
		c.Attributes = make(map[string]*Attribute, len(o.Attributes))
	}
	for name, attribute := range o.Attributes {
		if attribute == nil {
			c.Attributes[name] = nil
			continue
		}
		a := *attribute
		c.Attributes[name] = &a
	}
	return c
}

func cloneObjects(objects map[string]*Object) map[string]*Object {
	if objects == nil {
		return nil
	}
	c := make(map[string]*Object, len(objects))
	for name, object := range objects {
		c[name] = object.Clone()
	}
	return c
}
