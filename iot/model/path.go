package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for dot-paths with fewer than three segments
var ErrInvalidPath = errors.New("invalid path")

// Structural keywords of a dot-path
const (
	KeywordNodes      = "nodes"
	KeywordObjects    = "objects"
	KeywordAttributes = "attributes"
)

// SplitPath splits a dot-path into the endpoint id and the segments
// relative to the endpoint.
func SplitPath(path string) (string, []string, error) {
	segments := strings.Split(path, ".")
	if len(segments) < 3 {
		return "", nil, fmt.Errorf("%w: '%s'", ErrInvalidPath, path)
	}
	return segments[0], segments[1:], nil
}

// Find resolves the element addressed by the segments: a *Node, *Object or
// *Attribute. The segments are relative to the endpoint, starting with the
// keyword nodes. Find returns false if the path does not follow the
// structure or names an element which does not exist.
func (e *Endpoint) Find(segments ...string) (interface{}, bool) {
	if e == nil || len(segments) < 2 || segments[0] != KeywordNodes {
		return nil, false
	}
	node, ok := e.Nodes[segments[1]]
	if !ok || node == nil {
		return nil, false
	}
	rest := segments[2:]
	if len(rest) == 0 {
		return node, true
	}
	if len(rest) < 2 || rest[0] != KeywordObjects {
		return nil, false
	}
	object, ok := node.Objects[rest[1]]
	if !ok || object == nil {
		return nil, false
	}

	for rest = rest[2:]; len(rest) > 0; rest = rest[2:] {
		if len(rest) < 2 {
			return nil, false
		}
		switch rest[0] {
		case KeywordObjects:
			object, ok = object.Objects[rest[1]]
			if !ok || object == nil {
				return nil, false
			}
		case KeywordAttributes:
			if len(rest) != 2 {
				return nil, false
			}
			attribute, ok := object.Attributes[rest[1]]
			if !ok || attribute == nil {
				return nil, false
			}
			return attribute, true
		default:
			return nil, false
		}
	}
	return object, true
}

// Attribute resolves the attribute addressed by the segments. Nodes own no
// attributes, so a resolvable path contains at least one object.
func (e *Endpoint) Attribute(segments ...string) (*Attribute, bool) {
	element, ok := e.Find(segments...)
	if !ok {
		return nil, false
	}
	attribute, ok := element.(*Attribute)
	return attribute, ok
}

// UpdateAttribute resolves the attribute addressed by the segments and
// overwrites it with from. It returns false and leaves the endpoint
// unchanged if the attribute does not exist.
func (e *Endpoint) UpdateAttribute(segments []string, from *Attribute) bool {
	attribute, ok := e.Attribute(segments...)
	if !ok {
		return false
	}
	attribute.Update(from)
	return true
}
