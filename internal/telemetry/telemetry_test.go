package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "agent-runtime", "test", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewInstruments(t *testing.T) {
	ins, err := NewInstruments(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	assert.NotNil(t, ins.Steps)
	assert.NotNil(t, ins.ActionErrors)
	ins.Actions.Add(context.Background(), 1)
}
