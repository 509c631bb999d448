// Package metrics exposes the audit/telemetry counters for the token ledger.
package metrics

import (
	"context"
	"errors"

	"github.com/mindloadai/tokenledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Recorder holds the ledger service metrics.
type Recorder struct {
	PurchaseVerified         *prometheus.CounterVec
	PurchaseDuplicateIgnored *prometheus.CounterVec
	PurchaseRejected         *prometheus.CounterVec
	EntriesWritten           *prometheus.CounterVec
	ConsumeDenied            prometheus.Counter
	ReconcileRuns            *prometheus.CounterVec
	ReconcileMismatch        prometheus.Counter
	AbuseVerdicts            *prometheus.CounterVec
	VerifyDuration           *prometheus.HistogramVec
}

// NewRecorder registers the ledger metrics with the given registerer.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	factory := promauto.With(registerer)
	return &Recorder{
		PurchaseVerified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_purchase_verified_total",
				Help: "Purchases verified and credited",
			},
			[]string{"platform"},
		),
		PurchaseDuplicateIgnored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_purchase_duplicate_ignored_total",
				Help: "Purchase submissions replayed as no-ops",
			},
			[]string{"platform"},
		),
		PurchaseRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_purchase_rejected_total",
				Help: "Purchase verifications rejected",
			},
			[]string{"platform", "reason"},
		),
		EntriesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_entries_written_total",
				Help: "Ledger entries appended",
			},
			[]string{"operation"},
		),
		ConsumeDenied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenledger_consume_denied_total",
				Help: "Consumption requests denied for insufficient balance",
			},
		),
		ReconcileRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_reconcile_accounts_total",
				Help: "Accounts reconciled",
			},
			[]string{"result"},
		),
		ReconcileMismatch: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenledger_reconcile_mismatch_total",
				Help: "Ledger/aggregate mismatches detected",
			},
		),
		AbuseVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenledger_abuse_verdicts_total",
				Help: "Abuse guard verdicts by outcome",
			},
			[]string{"verdict"},
		),
		VerifyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenledger_verify_duration_seconds",
				Help:    "Duration of platform verification calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
	}
}

// OperationObserver adapts zap and the Recorder to ledger.OperationLogger.
type OperationObserver struct {
	logger   *zap.Logger
	recorder *Recorder
}

// NewOperationObserver wires the observer. Either dependency may be nil.
func NewOperationObserver(logger *zap.Logger, recorder *Recorder) *OperationObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationObserver{logger: logger, recorder: recorder}
}

// LogOperation records one ledger operation outcome.
func (observer *OperationObserver) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID),
		zap.Int64("amount", entry.Amount),
		zap.String("request_id", entry.RequestID),
		zap.String("source", entry.Source),
		zap.Bool("replay", entry.Replay),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		observer.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	} else {
		observer.logger.Info("ledger operation", fields...)
	}
	if observer.recorder == nil {
		return
	}
	if entry.Error == nil && !entry.Replay && entry.RequestID != "" {
		observer.recorder.EntriesWritten.WithLabelValues(entry.Operation).Inc()
	}
	if errors.Is(entry.Error, ledger.ErrInsufficientBalance) {
		observer.recorder.ConsumeDenied.Inc()
	}
}
