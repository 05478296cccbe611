// Package metrics exposes the Prometheus counters of the settlement core.
// All methods are safe on a nil *Metrics so services can run without a
// registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workmarket"

type Metrics struct {
	ledgerOps       *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	depositCredits  prometheus.Counter
	payoutRefunds   prometheus.Counter
	gatewayCalls    *prometheus.CounterVec
	notifyFailures  prometheus.Counter
	referralBonuses prometheus.Counter
	reconcileGaps   prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger transactions written, by type.",
		}, []string{"type"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "settlements_total",
			Help:      "Escrow settlements, by outcome.",
		}, []string{"outcome"}),
		depositCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposits",
			Name:      "credited_total",
			Help:      "Confirmed deposits credited to the ledger.",
		}),
		payoutRefunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payouts",
			Name:      "refunded_total",
			Help:      "Rejected payouts refunded to the user balance.",
		}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Outbound payment gateway calls, by method and outcome.",
		}, []string{"method", "outcome"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Notifications that could not be dispatched.",
		}),
		referralBonuses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "referral",
			Name:      "bonuses_total",
			Help:      "Referral bonuses granted.",
		}),
		reconcileGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposits",
			Name:      "reconciliation_gaps_total",
			Help:      "Payments rebuilt from the gateway because the local row was missing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ledgerOps,
			m.settlements,
			m.depositCredits,
			m.payoutRefunds,
			m.gatewayCalls,
			m.notifyFailures,
			m.referralBonuses,
			m.reconcileGaps,
		)
	}
	return m
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) LedgerOp(txType string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(txType).Inc()
}

func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DepositCredited() {
	if m == nil {
		return
	}
	m.depositCredits.Inc()
}

func (m *Metrics) PayoutRefunded() {
	if m == nil {
		return
	}
	m.payoutRefunds.Inc()
}

func (m *Metrics) GatewayCall(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayCalls.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

func (m *Metrics) ReferralGranted() {
	if m == nil {
		return
	}
	m.referralBonuses.Inc()
}

func (m *Metrics) ReconciliationGap() {
	if m == nil {
		return
	}
	m.reconcileGaps.Inc()
}
