// Package observability holds the Prometheus metrics and logger helpers
// shared by the custody engine, the verification pipeline and the API.
//
// Metrics are package-level promauto collectors registered on the default
// registry and exposed by the API server at /metrics.
package observability

import (
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Custody Metrics
// ═══════════════════════════════════════════════════════════════════════════

// CommitmentsCreated counts commitments opened, by asset.
var CommitmentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "covenant",
	Subsystem: "custody",
	Name:      "commitments_created_total",
	Help:      "Commitments created, by asset",
}, []string{"asset"})

// Resolutions counts resolved commitments, by outcome (completed/failed).
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "covenant",
	Subsystem: "custody",
	Name:      "resolutions_total",
	Help:      "Commitments resolved, by outcome",
}, []string{"outcome"})

// CustodyBalance is the amount held per asset, in native units.
// Float precision is enough for dashboards; the ledger itself is exact.
var CustodyBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "covenant",
	Subsystem: "custody",
	Name:      "balance",
	Help:      "Amount held in custody per asset (native units)",
}, []string{"asset"})

// IntegrityFaults counts conservation violations. Any non-zero value pages.
var IntegrityFaults = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "covenant",
	Subsystem: "custody",
	Name:      "integrity_faults_total",
	Help:      "Custody invariant violations detected",
})

// JournalErrors counts failed journal writes, by change kind.
var JournalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "covenant",
	Subsystem: "custody",
	Name:      "journal_errors_total",
	Help:      "Journal writes that failed and were not applied",
}, []string{"kind"})

// ═══════════════════════════════════════════════════════════════════════════
// Verification Metrics
// ═══════════════════════════════════════════════════════════════════════════

// VerificationRequests counts calls to the verification service, by result
// (verified/rejected/error).
var VerificationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "covenant",
	Subsystem: "verifier",
	Name:      "requests_total",
	Help:      "Verification requests, by result",
}, []string{"result"})

// EvidenceUploads counts relayed uploads, by result (ok/rejected/unavailable).
var EvidenceUploads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "covenant",
	Subsystem: "verifier",
	Name:      "evidence_uploads_total",
	Help:      "Evidence uploads relayed, by result",
}, []string{"result"})

// VerificationLatency tracks round-trip time to the verification service.
var VerificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "covenant",
	Subsystem: "verifier",
	Name:      "latency_seconds",
	Help:      "Verification service round-trip latency",
	Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
})

// SweeperResolutions counts commitments failed by the deadline sweeper.
var SweeperResolutions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "covenant",
	Subsystem: "sweeper",
	Name:      "resolutions_total",
	Help:      "Expired commitments resolved as failed by the sweeper",
})

// ═══════════════════════════════════════════════════════════════════════════
// API Metrics
// ═══════════════════════════════════════════════════════════════════════════

// HTTPRequestDuration tracks API latency by route pattern, method and status.
var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "covenant",
	Subsystem: "api",
	Name:      "request_duration_seconds",
	Help:      "API request latency",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "method", "status"})

// ─── Helpers ────────────────────────────────────────────────────────────────

// AmountFloat converts a native-unit amount to float64 for gauges.
func AmountFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// NewLogger builds the process logger. format is "json" or "text"; level is
// one of debug/info/warn/error.
func NewLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns logger scoped to a named component. A nil logger falls
// back to slog.Default.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}
