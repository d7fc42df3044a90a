package reading

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Number(21.5), Parse("21.5"))
	assert.Equal(t, Number(-3), Parse("-3"))
	assert.Equal(t, Bool(true), Parse("true"))
	assert.Equal(t, Text("2024-01-01 10:00:00"), Parse("2024-01-01 10:00:00"))
	assert.Equal(t, Text("NaN"), Parse("NaN"))
}

func TestPayloadEncodeDecode(t *testing.T) {
	p := Payload{
		"voltage": Number(12.6),
		"model":   Text("PZEM-017"),
		"alarm":   Bool(false),
	}
	s, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodePayload(s)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPayloadFromMapRejectsNested(t *testing.T) {
	_, err := PayloadFromMap(map[string]any{"nested": map[string]any{"a": 1.0}})
	assert.Error(t, err)

	p, err := PayloadFromMap(map[string]any{"t": 1.0, "skip": nil})
	require.NoError(t, err)
	assert.Equal(t, Payload{"t": Number(1)}, p)
}

func TestMarshalNonFinite(t *testing.T) {
	_, err := Payload{"x": Number(math.Inf(1))}.Encode()
	assert.Error(t, err)
}

func TestMapSkipsInvalid(t *testing.T) {
	m := Payload{"a": Number(1), "b": {}}.Map()
	assert.Equal(t, map[string]any{"a": 1.0}, m)
}
