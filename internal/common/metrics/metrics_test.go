package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.GroupCommitted("deposit", time.Millisecond)
		m.GroupRejected("deposit", "insufficient_funds")
		m.EscrowTransition("PAID")
		m.OTPVerification("login", "ok")
		m.AccountLocked("otp")
		m.GatewayRequest("stk_push", nil)
		m.GatewayCallback("completed")
		m.ReconcileRun(nil, time.Now())
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.GroupCommitted("deposit", 5*time.Millisecond)
	m.GroupCommitted("deposit", 5*time.Millisecond)
	m.GroupRejected("peer_transfer", "insufficient_funds")
	m.GatewayRequest("stk_push", nil)
	m.GatewayRequest("stk_push", errors.New("timeout"))
	m.GatewayCallback("duplicate")
	m.PaymentFlagged()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.groupsCommitted.WithLabelValues("deposit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.groupsRejected.WithLabelValues("peer_transfer", "insufficient_funds")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayRequests.WithLabelValues("stk_push", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayRequests.WithLabelValues("stk_push", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayCallbacks.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentsFlagged))
}

func TestReconcileRunSetsTimestamp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	m.ReconcileRun(nil, at)

	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.reconcileLastRunTs))
	n, err := testutil.GatherAndCount(reg, "escrowledger_gateway_reconcile_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
