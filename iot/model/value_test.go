package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		typ   Type
		in    interface{}
		out   interface{}
		valid bool
	}{
		{TypeBoolean, true, true, true},
		{TypeBoolean, "true", nil, false},
		{TypeInteger, float64(99), int64(99), true},
		{TypeInteger, uint64(99), int64(99), true},
		{TypeInteger, json.Number("99"), int64(99), true},
		{TypeInteger, 1.5, nil, false},
		{TypeNumber, 1.234, 1.234, true},
		{TypeNumber, int64(2), 2.0, true},
		{TypeNumber, json.Number("1.234"), 1.234, true},
		{TypeNumber, "1.234", nil, false},
		{TypeString, "Hello", "Hello", true},
		{TypeString, 5, nil, false},
	}
	for _, tc := range tests {
		a := &Attribute{Constraint: ConstraintMeasure, Type: tc.typ, Value: tc.in}
		err := a.Normalize()
		if !tc.valid {
			assert.ErrorIs(t, err, ErrValueType, "%s %v", tc.typ, tc.in)
			continue
		}
		require.NoError(t, err, "%s %v", tc.typ, tc.in)
		assert.Equal(t, tc.out, a.Value)
	}
}

func TestNormalizeEnums(t *testing.T) {
	a := &Attribute{Constraint: "Sometimes", Type: TypeBoolean, Value: true}
	assert.Error(t, a.Normalize())
	a = &Attribute{Constraint: ConstraintStatic, Type: "Complex", Value: true}
	assert.Error(t, a.Normalize())
	a = &Attribute{Constraint: ConstraintStatic, Type: TypeString}
	assert.NoError(t, a.Normalize(), "absent value")
}

func TestNormalizeEndpoint(t *testing.T) {
	e := testEndpoint()
	e.Nodes["node"].Objects["object"].Attributes["count"] = &Attribute{Constraint: ConstraintStatus, Type: TypeInteger, Value: float64(3)}
	require.NoError(t, e.Normalize())
	assert.Equal(t, int64(3), e.Nodes["node"].Objects["object"].Attributes["count"].Value)

	e.Nodes["node"].Objects["object"].Objects["inner"].Attributes["bad"] = &Attribute{Constraint: ConstraintStatus, Type: TypeBoolean, Value: "no"}
	assert.ErrorIs(t, e.Normalize(), ErrValueType)
}
