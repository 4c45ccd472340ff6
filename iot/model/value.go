package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrValueType is returned when a value does not match its attribute type
var ErrValueType = errors.New("value does not match attribute type")

// number is implemented by json.Number of both json packages
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

// Normalize validates constraint and type and converts the decoded value to
// the Go type of the attribute type: bool, int64, float64 or string.
// Decoders produce various numeric types, after Normalize the value type is
// well defined.
func (a *Attribute) Normalize() error {
	if err := a.Constraint.UnmarshalText([]byte(a.Constraint)); err != nil {
		return err
	}
	if err := a.Type.UnmarshalText([]byte(a.Type)); err != nil {
		return err
	}
	if a.Value == nil {
		return nil
	}

	var ok bool
	decoded := a.Value
	switch a.Type {
	case TypeBoolean:
		_, ok = a.Value.(bool)
	case TypeInteger:
		a.Value, ok = toInt64(a.Value)
	case TypeNumber:
		a.Value, ok = toFloat64(a.Value)
	case TypeString:
		_, ok = a.Value.(string)
	case TypeInvalid:
		ok = true
	}
	if !ok {
		a.Value = decoded
		return fmt.Errorf("%w: %T is no %s", ErrValueType, decoded, a.Type)
	}
	return nil
}

// Normalize normalizes all attributes of the endpoint
func (e *Endpoint) Normalize() error {
	for name, node := range e.Nodes {
		if err := node.Normalize(); err != nil {
			return fmt.Errorf("node %s: %w", name, err)
		}
	}
	return nil
}

// Normalize normalizes all attributes of the node
func (n *Node) Normalize() error {
	if n == nil {
		return nil
	}
	return normalizeObjects(n.Objects)
}

func normalizeObjects(objects map[string]*Object) error {
	for name, object := range objects {
		if object == nil {
			continue
		}
		if err := normalizeObjects(object.Objects); err != nil {
			return fmt.Errorf("object %s: %w", name, err)
		}
		for attributeName, attribute := range object.Attributes {
			if attribute == nil {
				continue
			}
			if err := attribute.Normalize(); err != nil {
				return fmt.Errorf("object %s attribute %s: %w", name, attributeName, err)
			}
		}
	}
	return nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return int64(n), float64(n) == math.Trunc(float64(n))
	case float64:
		return int64(n), n == math.Trunc(n) && math.Abs(n) <= math.MaxInt64
	case number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
