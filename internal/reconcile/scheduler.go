package reconcile

import (
	"context"
	"fmt"

	"github.com/mindloadai/tokenledger/pkg/ledger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs the reconciliation sweep, the monthly reset sweep, and the
// idempotency purge on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewScheduler registers the job's sweeps on the given cron expressions
// (standard five-field syntax). An empty expression disables that sweep.
func NewScheduler(job *Job, reconcileSpec, resetSpec, purgeSpec string, logger *zap.Logger) (*Scheduler, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: missing reconcile job", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := cron.New()
	if reconcileSpec != "" {
		if _, err := runner.AddFunc(reconcileSpec, func() {
			summary, err := job.Run(context.Background())
			if err != nil {
				logger.Error("reconcile sweep failed", zap.Error(err))
				return
			}
			logger.Info("reconcile sweep finished",
				zap.Int("accounts_checked", summary.AccountsChecked),
				zap.Int("matches", summary.Matches),
				zap.Int("mismatches", summary.Mismatches),
				zap.Int("skipped", summary.Skipped),
			)
		}); err != nil {
			return nil, fmt.Errorf("%w: reconcile schedule %q: %v", ledger.ErrInvalidServiceConfig, reconcileSpec, err)
		}
	}
	if resetSpec != "" {
		if _, err := runner.AddFunc(resetSpec, func() {
			applied, err := job.RunMonthlyReset(context.Background())
			if err != nil {
				logger.Error("monthly reset sweep failed", zap.Error(err))
				return
			}
			logger.Info("monthly reset sweep finished", zap.Int("applied", applied))
		}); err != nil {
			return nil, fmt.Errorf("%w: reset schedule %q: %v", ledger.ErrInvalidServiceConfig, resetSpec, err)
		}
	}
	if purgeSpec != "" {
		if _, err := runner.AddFunc(purgeSpec, func() {
			purged, err := job.RunPurge(context.Background())
			if err != nil {
				logger.Error("idempotency purge failed", zap.Error(err))
				return
			}
			if purged > 0 {
				logger.Info("idempotency purge finished", zap.Int64("purged", purged))
			}
		}); err != nil {
			return nil, fmt.Errorf("%w: purge schedule %q: %v", ledger.ErrInvalidServiceConfig, purgeSpec, err)
		}
	}
	return &Scheduler{cron: runner, logger: logger}, nil
}

// Start launches the cron loop in its own goroutine.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
}

// Stop halts scheduling and waits for in-flight sweeps.
func (scheduler *Scheduler) Stop() {
	<-scheduler.cron.Stop().Done()
}
