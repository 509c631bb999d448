// Package reconcile detects and corrects drift between the append-only ledger
// and the account aggregate cache. It only ever appends corrective entries and
// competes for the same optimistic-concurrency token as live traffic, so it is
// safe to run alongside it.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/mindloadai/tokenledger/internal/metrics"
	"github.com/mindloadai/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultAccountPageSize = 100
	defaultEntryPageSize   = 500

	resultOK       = "ok"
	resultMismatch = "mismatch"
	resultSkipped  = "skipped"
)

// Option configures a Job.
type Option func(*Job)

// WithSampleLimit caps how many accounts one run sweeps (0 = full sweep).
func WithSampleLimit(limit int) Option {
	return func(job *Job) {
		job.sampleLimit = limit
	}
}

// WithPageSizes tunes paging for account and entry scans.
func WithPageSizes(accountPage, entryPage int) Option {
	return func(job *Job) {
		if accountPage > 0 {
			job.accountPageSize = accountPage
		}
		if entryPage > 0 {
			job.entryPageSize = entryPage
		}
	}
}

// WithRecorder wires the telemetry counters.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(job *Job) {
		job.recorder = recorder
	}
}

// Job replays ledgers and repairs aggregates.
type Job struct {
	store           ledger.Store
	service         *ledger.Service
	logger          *zap.Logger
	nowFn           func() int64
	sampleLimit     int
	accountPageSize int
	entryPageSize   int
	recorder        *metrics.Recorder
}

// NewJob wires a Job.
func NewJob(store ledger.Store, service *ledger.Service, now func() int64, logger *zap.Logger, options ...Option) (*Job, error) {
	if store == nil || service == nil || now == nil {
		return nil, fmt.Errorf("%w: missing reconcile dependency", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	job := &Job{
		store:           store,
		service:         service,
		logger:          logger,
		nowFn:           now,
		accountPageSize: defaultAccountPageSize,
		entryPageSize:   defaultEntryPageSize,
	}
	for _, option := range options {
		if option != nil {
			option(job)
		}
	}
	return job, nil
}

// Summary is the outcome of one sweep.
type Summary struct {
	AccountsChecked int
	Matches         int
	Mismatches      int
	Skipped         int
}

// Run sweeps accounts, replaying each ledger against its cached balance.
func (job *Job) Run(ctx context.Context) (Summary, error) {
	summary := Summary{}
	cursor := ""
	for {
		accountIDs, err := job.store.ListAccountIDs(ctx, cursor, job.accountPageSize)
		if err != nil {
			return summary, err
		}
		for _, accountID := range accountIDs {
			if job.sampleLimit > 0 && summary.AccountsChecked >= job.sampleLimit {
				return summary, nil
			}
			result, err := job.reconcileAccount(ctx, accountID)
			if err != nil {
				job.logger.Error("reconcile account failed", zap.String("account_id", accountID), zap.Error(err))
				continue
			}
			summary.AccountsChecked++
			switch result {
			case resultOK:
				summary.Matches++
			case resultMismatch:
				summary.Mismatches++
			case resultSkipped:
				summary.Skipped++
			}
			if job.recorder != nil {
				job.recorder.ReconcileRuns.WithLabelValues(result).Inc()
			}
		}
		if len(accountIDs) < job.accountPageSize {
			return summary, nil
		}
		cursor = accountIDs[len(accountIDs)-1]
	}
}

// reconcileAccount replays one ledger from its checkpoint and compares the sum
// to the cached balance. A mismatch appends exactly one adjustment entry so
// the ledger stays the source of truth, then the checkpoint advances.
func (job *Job) reconcileAccount(ctx context.Context, accountID string) (string, error) {
	checkpoint, err := job.store.GetReconcileCheckpoint(ctx, accountID)
	if err != nil && !errors.Is(err, ledger.ErrCheckpointNotFound) {
		return "", err
	}
	sum := checkpoint.RunningSum
	lastSeq := checkpoint.LastSeq
	lastEntryID := ""
	for {
		entries, listErr := job.store.ListEntries(ctx, accountID, lastSeq, job.entryPageSize)
		if listErr != nil {
			return "", listErr
		}
		for _, entry := range entries {
			sum += entry.Amount.Int64()
			lastSeq = entry.Seq
			lastEntryID = entry.EntryID
		}
		if len(entries) < job.entryPageSize {
			break
		}
	}

	account, err := job.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	// A writer that landed after our replay window makes the comparison
	// meaningless; leave the account for the next sweep.
	if lastEntryID != "" && account.LastEntryID != lastEntryID {
		return resultSkipped, nil
	}
	if lastEntryID == "" && account.LastEntryID != "" && checkpoint.LastSeq == 0 {
		return resultSkipped, nil
	}

	if sum == account.Balance {
		if err := job.saveCheckpoint(ctx, accountID, lastSeq, sum); err != nil {
			return "", err
		}
		return resultOK, nil
	}

	delta := sum - account.Balance
	job.logger.Warn("ledger/aggregate mismatch",
		zap.String("account_id", accountID),
		zap.Int64("computed", sum),
		zap.Int64("stored", account.Balance),
		zap.Int64("delta", delta),
	)
	if job.recorder != nil {
		job.recorder.ReconcileMismatch.Inc()
	}
	requestID, err := ledger.NewRequestID(fmt.Sprintf("reconcile:%s:%d", accountID, job.nowFn()))
	if err != nil {
		return "", err
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"computed":%d,"stored":%d}`, sum, account.Balance))
	if err != nil {
		return "", err
	}
	if _, err := job.service.Adjust(ctx, accountID, ledger.Tokens(delta), requestID, ledger.NewReconciliationFixSource(), metadata); err != nil {
		return "", err
	}
	// Checkpoint only after the corrective entry committed, and record the
	// pre-adjust stored balance: the correction replays on the next sweep and
	// lands exactly on the repaired balance. A failed adjust leaves the old
	// checkpoint in place so the drift is detected again.
	if err := job.saveCheckpoint(ctx, accountID, lastSeq, account.Balance); err != nil {
		return "", err
	}
	return resultMismatch, nil
}

func (job *Job) saveCheckpoint(ctx context.Context, accountID string, lastSeq int64, runningSum int64) error {
	return job.store.SaveReconcileCheckpoint(ctx, ledger.ReconcileCheckpoint{
		AccountID:      accountID,
		LastSeq:        lastSeq,
		RunningSum:     runningSum,
		UpdatedUnixUTC: job.nowFn(),
	})
}

// RunMonthlyReset sweeps accounts whose billing period has turned and applies
// the idempotent reset. Returns how many accounts were reset.
func (job *Job) RunMonthlyReset(ctx context.Context) (int, error) {
	applied := 0
	cursor := ""
	for {
		accountIDs, err := job.store.ListAccountIDs(ctx, cursor, job.accountPageSize)
		if err != nil {
			return applied, err
		}
		for _, accountID := range accountIDs {
			_, didApply, resetErr := job.service.MonthlyReset(ctx, accountID)
			if resetErr != nil {
				if errors.Is(resetErr, ledger.ErrAccountArchived) {
					continue
				}
				job.logger.Error("monthly reset failed", zap.String("account_id", accountID), zap.Error(resetErr))
				continue
			}
			if didApply {
				applied++
			}
		}
		if len(accountIDs) < job.accountPageSize {
			return applied, nil
		}
		cursor = accountIDs[len(accountIDs)-1]
	}
}

// RunPurge drops expired idempotency snapshots.
func (job *Job) RunPurge(ctx context.Context) (int64, error) {
	return job.service.PurgeExpiredIdempotency(ctx)
}
