package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestRecordRejectIncrementsByReason(t *testing.T) {
	before := counterValue(t, PoolRejectTotal.WithLabelValues("memory"))
	RecordReject("memory")
	require.Equal(t, before+1, counterValue(t, PoolRejectTotal.WithLabelValues("memory")))
}

func TestSetPoolPublishesGauges(t *testing.T) {
	SetPool(3, 2, 42)
	require.Equal(t, 3.0, gaugeValue(t, PoolConnections.WithLabelValues("active")))
	require.Equal(t, 2.0, gaugeValue(t, PoolConnections.WithLabelValues("idle")))
	require.Equal(t, 42.0, gaugeValue(t, PoolMemoryBytes))
}
