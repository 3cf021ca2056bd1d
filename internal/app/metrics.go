package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Enrollment ─────────────────────────────────────────────────────────────

var ApprovalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "enrollment",
	Name:      "approval_decisions_total",
	Help:      "Approval responses processed, by outcome code.",
}, []string{"outcome"})

var CardNumberCollisions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "enrollment",
	Name:      "card_number_collisions_total",
	Help:      "Generated card numbers rejected by the unique constraint.",
})

// ─── Ledger ─────────────────────────────────────────────────────────────────

var LedgerStrategyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "ledger",
	Name:      "strategy_attempts_total",
	Help:      "Ledger strategy executions by operation, strategy and outcome.",
}, []string{"operation", "strategy", "outcome"})

var LedgerDegradedWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "ledger",
	Name:      "degraded_writes_total",
	Help:      "Balance writes that fell through to the emergency strategy.",
}, []string{"operation"})

var LedgerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "loyalty",
	Subsystem: "ledger",
	Name:      "operation_duration_seconds",
	Help:      "Wall time of award/deduct calls.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

// ─── Notifications ──────────────────────────────────────────────────────────

var NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "notifications",
	Name:      "failures_total",
	Help:      "Notification writes that failed and were queued for retry.",
}, []string{"type"})

var NotificationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "notifications",
	Name:      "retries_total",
	Help:      "Out-of-band notification replays by outcome.",
}, []string{"outcome"})

// ─── Audit ──────────────────────────────────────────────────────────────────

var AuditAnomalies = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "loyalty",
	Subsystem: "audit",
	Name:      "anomalies",
	Help:      "Anomalies found by the latest scan, by kind.",
}, []string{"kind"})

var AuditRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "audit",
	Name:      "repairs_total",
	Help:      "Repair attempts by anomaly kind and outcome.",
}, []string{"kind", "outcome"})
