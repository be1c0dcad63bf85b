package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	m := New()
	m.Event("message")
	m.Event("message")
	m.Command("pause")
	m.SetConnections(2)
	m.SetDegraded(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("pause")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheDegraded))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Event("message")
	m.Malformed()
	m.Duplicate()
	m.Command("stop")
	m.Eviction()
	m.SetDegraded(true)
	m.SetConnections(1)
}
