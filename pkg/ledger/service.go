package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() int64
	logger         OperationLogger
	policies       TierPolicies
	applyAttempts  int
	backoffInitial time.Duration
	backoffMax     time.Duration
	idempotencyTTL time.Duration
	broadcaster    *Broadcaster
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		policies:       DefaultTierPolicies(),
		applyAttempts:  defaultApplyAttempts,
		backoffInitial: defaultApplyBackoffInitial,
		backoffMax:     defaultApplyBackoffMax,
		idempotencyTTL: defaultIdempotencyTTL,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetOrCreateAccount resolves the account for a user, creating a zero-balance
// free-tier account on first sight.
func (service *Service) GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetOrCreateAccount(ctx, userID.String(), TierFree)
}

// Account returns the aggregate by account id.
func (service *Service) Account(ctx context.Context, accountID string) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// History lists ledger entries after a replay cursor in ascending order.
func (service *Service) History(ctx context.Context, accountID string, afterSeq int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > replayPageSize {
		limit = replayPageSize
	}
	return service.store.ListEntries(ctx, accountID, afterSeq, limit)
}

// ReplaySum recomputes the account balance from its full ledger history.
func (service *Service) ReplaySum(ctx context.Context, accountID string) (int64, error) {
	return service.store.SumEntries(ctx, accountID)
}

// Credit appends a positive delta from a non-purchase source.
func (service *Service) Credit(ctx context.Context, accountID string, amount TokenCost, requestID RequestID, source Source, metadata MetadataJSON) (ApplyResult, error) {
	result, err := service.apply(ctx, accountID, requestID, func(account Account, nowUnix int64) (Entry, Account, error) {
		updated := account
		updated.Balance += amount.Int64()
		entry := Entry{
			EntryID:        uuid.NewString(),
			AccountID:      account.AccountID,
			Action:         ActionCredit,
			Amount:         amount.ToTokens(),
			RequestID:      requestID.String(),
			Source:         source,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnix,
		}
		return entry, updated, nil
	}, nil)
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Amount:    amount.Int64(),
		RequestID: requestID.String(),
		Source:    source.String(),
		Replay:    result.Replay,
		Error:     err,
	})
	return result, err
}

// CreditPurchase appends a purchase credit and its receipt record in one
// transaction. A retry after a partial failure detects the existing entry and
// only rewrites the receipt, never re-credits. A second request id for the
// same store transaction replays the recorded outcome instead of failing.
func (service *Service) CreditPurchase(ctx context.Context, accountID string, amount TokenCost, requestID RequestID, platform Platform, transactionID string, productID string, metadata MetadataJSON) (ApplyResult, error) {
	source := NewPurchaseSource(platform, productID)
	result, err := service.apply(ctx, accountID, requestID, func(account Account, nowUnix int64) (Entry, Account, error) {
		updated := account
		updated.Balance += amount.Int64()
		entry := Entry{
			EntryID:        uuid.NewString(),
			AccountID:      account.AccountID,
			Action:         ActionCredit,
			Amount:         amount.ToTokens(),
			RequestID:      requestID.String(),
			Source:         source,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnix,
		}
		return entry, updated, nil
	}, func(ctx context.Context, txStore Store, entry Entry) error {
		return txStore.InsertReceipt(ctx, Receipt{
			Platform:        platform,
			TransactionID:   transactionID,
			ProductID:       productID,
			AccountID:       accountID,
			EntryID:         entry.EntryID,
			CreditsGranted:  amount.Int64(),
			VerifiedUnixUTC: entry.CreatedUnixUTC,
		})
	})
	switch {
	case errors.Is(err, ErrDuplicateReceipt):
		result, err = service.replayFromReceipt(ctx, platform, transactionID)
	case err == nil && result.Replay:
		err = service.ensureReceipt(ctx, result, accountID, platform, transactionID, productID)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Amount:    amount.Int64(),
		RequestID: requestID.String(),
		Source:    source.String(),
		Replay:    result.Replay,
		Error:     err,
	})
	return result, err
}

// replayFromReceipt rebuilds the recorded outcome when the receipt unique
// constraint fired under a request id that never saw this transaction, such
// as a store webhook racing the client's own verification call.
func (service *Service) replayFromReceipt(ctx context.Context, platform Platform, transactionID string) (ApplyResult, error) {
	receipt, err := service.store.GetReceipt(ctx, platform, transactionID)
	if err != nil {
		return ApplyResult{}, err
	}
	account, err := service.store.GetAccount(ctx, receipt.AccountID)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{
		EntryID:    receipt.EntryID,
		Action:     ActionCredit,
		Amount:     receipt.CreditsGranted,
		NewBalance: account.Balance,
		Replay:     true,
	}, nil
}

// ensureReceipt rewrites the receipt record when a prior attempt applied the
// entry but failed before the receipt persisted.
func (service *Service) ensureReceipt(ctx context.Context, result ApplyResult, accountID string, platform Platform, transactionID string, productID string) error {
	_, err := service.store.GetReceipt(ctx, platform, transactionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrReceiptNotFound) {
		return err
	}
	insertErr := service.store.InsertReceipt(ctx, Receipt{
		Platform:        platform,
		TransactionID:   transactionID,
		ProductID:       productID,
		AccountID:       accountID,
		EntryID:         result.EntryID,
		CreditsGranted:  result.Amount,
		VerifiedUnixUTC: service.nowFn(),
	})
	if insertErr != nil && !errors.Is(insertErr, ErrDuplicateReceipt) {
		return insertErr
	}
	return nil
}

// Consume debits feature usage, drawing monthly allowance first, then
// rollover, then the purchased pool. Underflow rejects the write entirely.
func (service *Service) Consume(ctx context.Context, accountID string, cost TokenCost, requestID RequestID, feature string, metadata MetadataJSON) (ApplyResult, error) {
	source := NewConsumptionSource(feature)
	result, err := service.apply(ctx, accountID, requestID, func(account Account, nowUnix int64) (Entry, Account, error) {
		breakdown, drawErr := drawPools(account, cost.Int64())
		if drawErr != nil {
			return Entry{}, Account{}, drawErr
		}
		updated := account
		updated.MonthlyAllowanceRemaining -= breakdown.FromMonthly
		updated.RolloverBalance -= breakdown.FromRollover
		updated.Balance -= cost.Int64()
		entryMetadata, metadataErr := mergeDrawMetadata(metadata, breakdown)
		if metadataErr != nil {
			return Entry{}, Account{}, metadataErr
		}
		entry := Entry{
			EntryID:        uuid.NewString(),
			AccountID:      account.AccountID,
			Action:         ActionDebit,
			Amount:         cost.ToTokens().Negated(),
			RequestID:      requestID.String(),
			Source:         source,
			MetadataJSON:   entryMetadata,
			CreatedUnixUTC: nowUnix,
		}
		return entry, updated, nil
	}, nil)
	service.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		AccountID: accountID,
		Amount:    -cost.Int64(),
		RequestID: requestID.String(),
		Source:    source.String(),
		Replay:    result.Replay,
		Error:     err,
	})
	return result, err
}

// errPeriodAlreadyReset signals that the billing period was reset concurrently.
var errPeriodAlreadyReset = errors.New("billing period already reset")

// MonthlyReset turns the billing period for one account: the unused monthly
// allowance rolls over up to the tier cap, the previous rollover expires, and
// a fresh allowance is granted. Idempotent per billing period.
func (service *Service) MonthlyReset(ctx context.Context, accountID string) (ApplyResult, bool, error) {
	nowUnix := service.nowFn()
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return ApplyResult{}, false, err
	}
	if samePeriod(account.LastResetUnixUTC, nowUnix) {
		return ApplyResult{}, false, nil
	}
	requestID, err := NewRequestID(fmt.Sprintf("monthly_reset:%s:%s", accountID, periodKey(nowUnix)))
	if err != nil {
		return ApplyResult{}, false, err
	}
	result, err := service.apply(ctx, accountID, requestID, func(account Account, applyUnix int64) (Entry, Account, error) {
		if samePeriod(account.LastResetUnixUTC, applyUnix) {
			return Entry{}, Account{}, errPeriodAlreadyReset
		}
		policy := service.policies.Policy(account.Tier)
		rollover := min64(account.MonthlyAllowanceRemaining, policy.RolloverCap)
		delta := (policy.MonthlyAllowance + rollover) - (account.MonthlyAllowanceRemaining + account.RolloverBalance)
		updated := account
		updated.MonthlyAllowanceRemaining = policy.MonthlyAllowance
		updated.RolloverBalance = rollover
		updated.LastResetUnixUTC = applyUnix
		updated.Balance += delta
		metadata := fmt.Sprintf(
			`{"period":%q,"allowance":%d,"rollover":%d,"expired_allowance":%d,"expired_rollover":%d}`,
			periodKey(applyUnix),
			policy.MonthlyAllowance,
			rollover,
			account.MonthlyAllowanceRemaining-rollover,
			account.RolloverBalance,
		)
		entry := Entry{
			EntryID:        uuid.NewString(),
			AccountID:      account.AccountID,
			Action:         ActionReset,
			Amount:         Tokens(delta),
			RequestID:      requestID.String(),
			Source:         NewMonthlyResetSource(),
			MetadataJSON:   metadata,
			CreatedUnixUTC: applyUnix,
		}
		return entry, updated, nil
	}, nil)
	if errors.Is(err, errPeriodAlreadyReset) {
		return ApplyResult{}, false, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationMonthlyReset,
		AccountID: accountID,
		Amount:    result.Amount,
		RequestID: requestID.String(),
		Source:    NewMonthlyResetSource().String(),
		Replay:    result.Replay,
		Error:     err,
	})
	if err != nil {
		return ApplyResult{}, false, err
	}
	return result, !result.Replay, nil
}

// Adjust appends a signed correction entry. Used by reconciliation fixes and
// operator adjustments; the reason must be carried in metadata.
func (service *Service) Adjust(ctx context.Context, accountID string, delta Tokens, requestID RequestID, source Source, metadata MetadataJSON) (ApplyResult, error) {
	if delta == 0 {
		return ApplyResult{}, fmt.Errorf("%w: adjustment delta is zero", ErrInvalidTokenAmount)
	}
	result, err := service.apply(ctx, accountID, requestID, func(account Account, nowUnix int64) (Entry, Account, error) {
		updated := account
		updated.Balance += delta.Int64()
		entry := Entry{
			EntryID:        uuid.NewString(),
			AccountID:      account.AccountID,
			Action:         ActionAdjustment,
			Amount:         delta,
			RequestID:      requestID.String(),
			Source:         source,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnix,
		}
		return entry, updated, nil
	}, nil)
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		AccountID: accountID,
		Amount:    delta.Int64(),
		RequestID: requestID.String(),
		Source:    source.String(),
		Replay:    result.Replay,
		Error:     err,
	})
	return result, err
}

// SetTier moves the account to a new subscription tier. The fresh allowance
// takes effect at the next billing-period reset.
func (service *Service) SetTier(ctx context.Context, accountID string, tier Tier) (Account, error) {
	var updated Account
	err := service.withConcurrencyRetry(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Archived {
			return ErrAccountArchived
		}
		account.Tier = tier
		account.UpdatedUnixUTC = service.nowFn()
		if err := txStore.UpdateAccount(ctx, account, account.LastEntryID); err != nil {
			return err
		}
		updated = account
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetTier,
		AccountID: accountID,
		Source:    tier.String(),
		Error:     err,
	})
	return updated, err
}

// Archive soft-archives the account. The ledger is retained and all further
// mutating operations fail with ErrAccountArchived.
func (service *Service) Archive(ctx context.Context, accountID string) error {
	err := service.withConcurrencyRetry(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Archived {
			return nil
		}
		account.Archived = true
		account.UpdatedUnixUTC = service.nowFn()
		return txStore.UpdateAccount(ctx, account, account.LastEntryID)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationArchive,
		AccountID: accountID,
		Error:     err,
	})
	return err
}

// PurgeExpiredIdempotency drops replay snapshots past their TTL.
func (service *Service) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
	return service.store.DeleteExpiredIdempotencyRecords(ctx, service.nowFn())
}

// apply is the single atomic mutation path: within one transaction it re-reads
// the aggregate, appends the entry built by fn, advances the optimistic token,
// and records the replay snapshot. Conflicting writers retry with jittered
// backoff; duplicate request ids replay the original outcome.
func (service *Service) apply(
	ctx context.Context,
	accountID string,
	requestID RequestID,
	fn func(account Account, nowUnix int64) (Entry, Account, error),
	inTx func(ctx context.Context, txStore Store, entry Entry) error,
) (ApplyResult, error) {
	nowUnix := service.nowFn()
	record, err := service.store.GetIdempotencyRecord(ctx, requestID.String(), nowUnix)
	if err == nil {
		var replayed ApplyResult
		if decodeErr := json.Unmarshal([]byte(record.SnapshotJSON), &replayed); decodeErr != nil {
			return ApplyResult{}, WrapError("service", "idempotency", "decode", decodeErr)
		}
		replayed.Replay = true
		return replayed, nil
	}
	if !errors.Is(err, ErrIdempotencyRecordNotFound) {
		return ApplyResult{}, err
	}

	var (
		result   ApplyResult
		snapshot Account
	)
	for attempt := 0; attempt < service.applyAttempts; attempt++ {
		applyErr := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			account, getErr := txStore.GetAccount(ctx, accountID)
			if getErr != nil {
				return getErr
			}
			if account.Archived {
				return ErrAccountArchived
			}
			applyUnix := service.nowFn()
			entry, updated, buildErr := fn(account, applyUnix)
			if buildErr != nil {
				return buildErr
			}
			inserted, insertErr := txStore.InsertEntry(ctx, entry)
			if insertErr != nil {
				return insertErr
			}
			updated.LastEntryID = inserted.EntryID
			updated.UpdatedUnixUTC = applyUnix
			if updateErr := txStore.UpdateAccount(ctx, updated, account.LastEntryID); updateErr != nil {
				return updateErr
			}
			if inTx != nil {
				if hookErr := inTx(ctx, txStore, inserted); hookErr != nil {
					return hookErr
				}
			}
			result = ApplyResult{
				EntryID:    inserted.EntryID,
				Action:     inserted.Action,
				Amount:     inserted.Amount.Int64(),
				NewBalance: updated.Balance,
			}
			snapshot = updated
			encoded, encodeErr := json.Marshal(result)
			if encodeErr != nil {
				return WrapError("service", "idempotency", "encode", encodeErr)
			}
			return txStore.PutIdempotencyRecord(ctx, IdempotencyRecord{
				RequestID:      requestID.String(),
				SnapshotJSON:   string(encoded),
				ExpiresUnixUTC: applyUnix + int64(service.idempotencyTTL/time.Second),
			})
		})
		if applyErr == nil {
			service.publish(snapshot)
			return result, nil
		}
		if errors.Is(applyErr, ErrDuplicateEntry) {
			return service.replayFromEntry(ctx, requestID)
		}
		if errors.Is(applyErr, ErrConcurrentModification) {
			if sleepErr := service.backoff(ctx, attempt); sleepErr != nil {
				return ApplyResult{}, sleepErr
			}
			continue
		}
		return ApplyResult{}, applyErr
	}
	return ApplyResult{}, fmt.Errorf("%w: apply retries exhausted", ErrTemporarilyUnavailable)
}

// replayFromEntry rebuilds the outcome from the stored entry when the unique
// request-id constraint fired before the idempotency check could.
func (service *Service) replayFromEntry(ctx context.Context, requestID RequestID) (ApplyResult, error) {
	entry, err := service.store.GetEntryByRequestID(ctx, requestID.String())
	if err != nil {
		return ApplyResult{}, err
	}
	account, err := service.store.GetAccount(ctx, entry.AccountID)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{
		EntryID:    entry.EntryID,
		Action:     entry.Action,
		Amount:     entry.Amount.Int64(),
		NewBalance: account.Balance,
		Replay:     true,
	}, nil
}

// withConcurrencyRetry runs fn with the same bounded retry policy as apply,
// for aggregate updates that do not append an entry.
func (service *Service) withConcurrencyRetry(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	for attempt := 0; attempt < service.applyAttempts; attempt++ {
		err := service.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConcurrentModification) {
			if sleepErr := service.backoff(ctx, attempt); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		return err
	}
	return fmt.Errorf("%w: retries exhausted", ErrTemporarilyUnavailable)
}

func (service *Service) backoff(ctx context.Context, attempt int) error {
	if service.backoffInitial <= 0 {
		return ctx.Err()
	}
	delay := service.backoffInitial << attempt
	if delay > service.backoffMax {
		delay = service.backoffMax
	}
	jittered := time.Duration(rand.Int63n(int64(delay))) + delay/2
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (service *Service) publish(account Account) {
	if service.broadcaster == nil {
		return
	}
	service.broadcaster.Publish(snapshotOf(account))
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// drawPools computes the deterministic draw order monthly -> rollover ->
// purchased, failing before any write if the total would underflow.
func drawPools(account Account, cost int64) (ConsumptionBreakdown, error) {
	if account.Balance < cost {
		return ConsumptionBreakdown{}, ErrInsufficientBalance
	}
	breakdown := ConsumptionBreakdown{}
	remaining := cost
	breakdown.FromMonthly = min64(account.MonthlyAllowanceRemaining, remaining)
	remaining -= breakdown.FromMonthly
	breakdown.FromRollover = min64(account.RolloverBalance, remaining)
	remaining -= breakdown.FromRollover
	breakdown.FromPurchased = remaining
	return breakdown, nil
}

func mergeDrawMetadata(metadata MetadataJSON, breakdown ConsumptionBreakdown) (string, error) {
	base := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &base); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	base["draw"] = breakdown
	encoded, err := json.Marshal(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return string(encoded), nil
}

func periodKey(unixUTC int64) string {
	return time.Unix(unixUTC, 0).UTC().Format("2006-01")
}

func samePeriod(aUnixUTC, bUnixUTC int64) bool {
	if aUnixUTC == 0 || bUnixUTC == 0 {
		return false
	}
	return periodKey(aUnixUTC) == periodKey(bUnixUTC)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
