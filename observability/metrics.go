// Package observability centralises the Prometheus collectors for the rewards
// engine.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

// RewardsMetrics wraps collectors tracking engine health: disbursement
// outcomes and latency, reconciled deposits, and withdrawal results.
type RewardsMetrics struct {
	disburseLatency   *prometheus.HistogramVec
	sessionsCompleted *prometheus.CounterVec
	depositsVerified  prometheus.Counter
	depositsSkipped   *prometheus.CounterVec
	withdrawals       *prometheus.CounterVec
	errors            *prometheus.CounterVec
}

// Rewards exposes the lazily-initialised metrics registry for the engine.
func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			disburseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "goodmarket",
				Subsystem: "settlement",
				Name:      "disburse_latency_seconds",
				Help:      "Latency distribution for confirmed on-chain disbursements.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}, []string{"kind"}),
			sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goodmarket",
				Subsystem: "games",
				Name:      "sessions_completed_total",
				Help:      "Completed game sessions segmented by game kind and settlement outcome.",
			}, []string{"game", "outcome"}),
			depositsVerified: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "goodmarket",
				Subsystem: "recon",
				Name:      "deposits_verified_total",
				Help:      "Deposits verified against the chain and credited to the ledger.",
			}),
			depositsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goodmarket",
				Subsystem: "recon",
				Name:      "deposits_skipped_total",
				Help:      "Deposit candidates skipped during reconciliation by reason.",
			}, []string{"reason"}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goodmarket",
				Subsystem: "games",
				Name:      "withdrawals_total",
				Help:      "Withdrawal attempts segmented by outcome.",
			}, []string{"outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goodmarket",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Engine errors segmented by component and classification.",
			}, []string{"component", "class"}),
		}
		prometheus.MustRegister(
			rewardsRegistry.disburseLatency,
			rewardsRegistry.sessionsCompleted,
			rewardsRegistry.depositsVerified,
			rewardsRegistry.depositsSkipped,
			rewardsRegistry.withdrawals,
			rewardsRegistry.errors,
		)
	})
	return rewardsRegistry
}

// ObserveDisburseLatency records the wall time for a confirmed disbursement.
func (m *RewardsMetrics) ObserveDisburseLatency(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.disburseLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordSessionCompleted counts a completed session by game kind and outcome.
func (m *RewardsMetrics) RecordSessionCompleted(game, outcome string) {
	if m == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(game, outcome).Inc()
}

// RecordDepositVerified counts a credited deposit.
func (m *RewardsMetrics) RecordDepositVerified() {
	if m == nil {
		return
	}
	m.depositsVerified.Inc()
}

// RecordDepositSkipped counts a skipped deposit candidate.
func (m *RewardsMetrics) RecordDepositSkipped(reason string) {
	if m == nil {
		return
	}
	m.depositsSkipped.WithLabelValues(reason).Inc()
}

// RecordWithdrawal counts a withdrawal attempt outcome.
func (m *RewardsMetrics) RecordWithdrawal(outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(outcome).Inc()
}

// RecordError counts a classified engine error.
func (m *RewardsMetrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(component, class).Inc()
}
