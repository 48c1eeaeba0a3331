package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "escrowledger"

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	groupsCommitted    *prometheus.CounterVec
	groupsRejected     *prometheus.CounterVec
	commitDuration     prometheus.Histogram
	escrowTransitions  *prometheus.CounterVec
	otpVerifications   *prometheus.CounterVec
	accountLockouts    *prometheus.CounterVec
	gatewayRequests    *prometheus.CounterVec
	gatewayCallbacks   *prometheus.CounterVec
	reconcileRuns      *prometheus.CounterVec
	paymentsFlagged    prometheus.Counter
	reconcileLastRunTs prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		groupsCommitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "groups_committed_total",
				Help:      "Transaction groups committed, by kind.",
			},
			[]string{"kind"},
		),
		groupsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "groups_rejected_total",
				Help:      "Transaction groups rejected, by kind and error kind.",
			},
			[]string{"kind", "reason"},
		),
		commitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "commit_duration_seconds",
				Help:      "Time spent committing a transaction group.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		escrowTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow status transitions, by target status.",
			},
			[]string{"to"},
		),
		otpVerifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "otp",
				Name:      "verifications_total",
				Help:      "OTP verification attempts, by purpose and result.",
			},
			[]string{"purpose", "result"},
		),
		accountLockouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "account",
				Name:      "lockouts_total",
				Help:      "Accounts locked, by reason.",
			},
			[]string{"reason"},
		),
		gatewayRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Outbound payment gateway calls, by operation and result.",
			},
			[]string{"operation", "result"},
		),
		gatewayCallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "callbacks_total",
				Help:      "Payment callbacks handled, by outcome.",
			},
			[]string{"outcome"},
		),
		reconcileRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "reconcile_runs_total",
				Help:      "Pending payment reconciliation runs, by result.",
			},
			[]string{"result"},
		),
		paymentsFlagged: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "payments_flagged_total",
				Help:      "Pending payments flagged for manual review.",
			},
		),
		reconcileLastRunTs: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "reconcile_last_run_unix",
				Help:      "Unix time of the most recent reconciliation run.",
			},
		),
	}
}

func (m *Metrics) GroupCommitted(kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.groupsCommitted.WithLabelValues(kind).Inc()
	m.commitDuration.Observe(took.Seconds())
}

func (m *Metrics) GroupRejected(kind, reason string) {
	if m == nil {
		return
	}
	m.groupsRejected.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) EscrowTransition(to string) {
	if m == nil {
		return
	}
	m.escrowTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) OTPVerification(purpose, result string) {
	if m == nil {
		return
	}
	m.otpVerifications.WithLabelValues(purpose, result).Inc()
}

func (m *Metrics) AccountLocked(reason string) {
	if m == nil {
		return
	}
	m.accountLockouts.WithLabelValues(reason).Inc()
}

func (m *Metrics) GatewayRequest(operation string, err error) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(operation, result(err)).Inc()
}

func (m *Metrics) GatewayCallback(outcome string) {
	if m == nil {
		return
	}
	m.gatewayCallbacks.WithLabelValues(outcome).Inc()
}

// PaymentFlagged counts a payment sent to manual review
func (m *Metrics) PaymentFlagged() {
	if m == nil {
		return
	}
	m.paymentsFlagged.Inc()
}

func (m *Metrics) ReconcileRun(err error, at time.Time) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(result(err)).Inc()
	m.reconcileLastRunTs.Set(float64(at.Unix()))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
