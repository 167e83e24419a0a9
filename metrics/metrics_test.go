package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Submitted()
	m.Submitted()
	m.Rejected("validation")
	m.Assembled(5, 3)
	m.Pending(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransactionsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsRejected.WithLabelValues("validation")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChainHeight))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PendingSize))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Submitted()
		m.Assembled(1, 1)
		m.Merged("tx", 2)
	})
}
