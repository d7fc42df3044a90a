package acquire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/storage"
)

func TestCommandSampler(t *testing.T) {
	addr := 7
	c := CommandSampler{Argv: []string{"echo", `{"voltage": 12.5, "address": "{address}", "device": "{id}"}`}}

	p, err := c.Sample(context.Background(), storage.Device{ExternalID: "bat-7", BusAddress: &addr})
	require.NoError(t, err)
	assert.Equal(t, reading.Number(12.5), p["voltage"])
	assert.Equal(t, reading.Text("7"), p["address"])
	assert.Equal(t, reading.Text("bat-7"), p["device"])
}

func TestCommandSamplerErrors(t *testing.T) {
	_, err := NewCommandSampler("   ")
	assert.Error(t, err)

	c, err := NewCommandSampler("echo not-json")
	require.NoError(t, err)
	_, err = c.Sample(context.Background(), storage.Device{ExternalID: "bat-1"})
	assert.Error(t, err)

	c = CommandSampler{Argv: []string{"/nonexistent/reader"}}
	_, err = c.Sample(context.Background(), storage.Device{ExternalID: "bat-1"})
	assert.Error(t, err)
}
