package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.EventsDropped.WithLabelValues("duplicate").Inc()
	m.EventsDropped.WithLabelValues("duplicate").Inc()
	m.GateActive.Set(2)
	m.TraceNodes.WithLabelValues("forward").Add(5)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsDropped.WithLabelValues("duplicate")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.GateActive))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.TraceNodes.WithLabelValues("forward")))

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_dispatcher_events_dropped_total")
	assert.Contains(t, names, "test_dispatcher_gate_active")
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.Executions.WithLabelValues("success"))
	RecordExecution("success")
	assert.Equal(t, before+1, testutil.ToFloat64(DefaultMetrics.Executions.WithLabelValues("success")))

	SetTransportState(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(DefaultMetrics.TransportState))

	before = testutil.ToFloat64(DefaultMetrics.RPCRetries.WithLabelValues("getTransaction", "rate_limit"))
	RecordRPCRetry("getTransaction", "rate_limit")
	assert.Equal(t, before+1, testutil.ToFloat64(DefaultMetrics.RPCRetries.WithLabelValues("getTransaction", "rate_limit")))
}
