package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dmehra2102/order-fulfillment-saga/pkg/correlation"
)

func TestInfo_AddsCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	ctx := correlation.WithID(context.Background(), "corr-42")
	Info(ctx, log, "reserved", zap.String("order_id", "o-1"))
	Debug(context.Background(), log, "no correlation")

	require.Equal(t, 2, logs.Len())
	first := logs.All()[0].ContextMap()
	assert.Equal(t, "corr-42", first["correlation_id"])
	assert.Equal(t, "o-1", first["order_id"])
	assert.NotContains(t, logs.All()[1].ContextMap(), "correlation_id")
}

func TestInfo_AddsRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	ctx := correlation.WithRequestID(context.Background(), "req-7")
	Warn(ctx, log, "order request rejected")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-7", fields["request_id"])
	assert.NotContains(t, fields, "correlation_id")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "local")
	require.Error(t, err)

	log, err := New("warn", "prod")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
}
