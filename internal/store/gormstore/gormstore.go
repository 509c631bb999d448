package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mindloadai/tokenledger/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintLedgerRequestID = "uniq_ledger_request_id"
	constraintReceiptsPrimary = "receipts_pkey"
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	sqliteConstraintCode      = 19
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectEntry         = "entry"
	errorSubjectReceipt       = "receipt"
	errorSubjectIdempotency   = "idempotency"
	errorSubjectCheckpoint    = "checkpoint"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodePurge            = "purge"
	errorCodeSave             = "save"
	errorCodeSum              = "sum"
	errorCodeUpdate           = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite deployments and tests; postgres
// schemas are managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&LedgerEntry{},
		&Receipt{},
		&IdempotencyKey{},
		&ReconcileCheckpoint{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string, tier ledger.Tier) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = Account{UserID: userID, Tier: tier.String()}
		createErr := store.db.WithContext(ctx).Create(&model).Error
		if isUniqueViolation(createErr) {
			// Lost the create race; the winner's row is authoritative.
			err = store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
		} else {
			err = createErr
		}
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model)
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account, expectedLastEntryID string) error {
	var lastResetAt *time.Time
	if account.LastResetUnixUTC != 0 {
		value := time.Unix(account.LastResetUnixUTC, 0).UTC()
		lastResetAt = &value
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND last_entry_id = ?", account.AccountID, expectedLastEntryID).
		Updates(map[string]interface{}{
			"tier":                        account.Tier.String(),
			"balance":                     account.Balance,
			"monthly_allowance_remaining": account.MonthlyAllowanceRemaining,
			"rollover_balance":            account.RolloverBalance,
			"last_reset_at":               lastResetAt,
			"last_entry_id":               account.LastEntryID,
			"archived":                    account.Archived,
			"updated_at":                  time.Unix(account.UpdatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", account.AccountID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrConcurrentModification)
	}
	return nil
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	var accountIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id > ?", afterAccountID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &accountIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accountIDs, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	model := LedgerEntry{
		EntryID:   entry.EntryID,
		AccountID: entry.AccountID,
		Action:    entry.Action.String(),
		Amount:    entry.Amount.Int64(),
		RequestID: entry.RequestID,
		Source:    entry.Source.String(),
		Metadata:  datatypesJSON(entry.MetadataJSON),
		CreatedAt: time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isRequestIDConflict(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	inserted := entry
	inserted.EntryID = model.EntryID
	inserted.Seq = model.Seq
	return inserted, nil
}

func (store *Store) GetEntryByRequestID(ctx context.Context, requestID string) (ledger.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrEntryNotFound)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapLedgerEntry(model)
}

func (store *Store) ListEntries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND seq > ?", accountID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, mapErr := mapLedgerEntry(row)
		if mapErr != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, mapErr)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) GetReceipt(ctx context.Context, platform ledger.Platform, transactionID string) (ledger.Receipt, error) {
	var model Receipt
	err := store.db.WithContext(ctx).
		Where("platform = ? AND transaction_id = ?", platform.String(), transactionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, ledger.ErrReceiptNotFound)
	}
	if err != nil {
		return ledger.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeGet, err)
	}
	return mapReceipt(model)
}

func (store *Store) InsertReceipt(ctx context.Context, receipt ledger.Receipt) error {
	model := Receipt{
		Platform:       receipt.Platform.String(),
		TransactionID:  receipt.TransactionID,
		ProductID:      receipt.ProductID,
		AccountID:      receipt.AccountID,
		EntryID:        receipt.EntryID,
		CreditsGranted: receipt.CreditsGranted,
		VerifiedAt:     time.Unix(receipt.VerifiedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isReceiptConflict(err) {
		return wrapStoreError(errorSubjectReceipt, errorCodeDuplicate, ledger.ErrDuplicateReceipt)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReceipt, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIdempotencyRecord(ctx context.Context, requestID string, nowUnixUTC int64) (ledger.IdempotencyRecord, error) {
	var model IdempotencyKey
	err := store.db.WithContext(ctx).
		Where("request_id = ? AND expires_at > ?", requestID, time.Unix(nowUnixUTC, 0).UTC()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, ledger.ErrIdempotencyRecordNotFound)
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	return ledger.IdempotencyRecord{
		RequestID:      model.RequestID,
		SnapshotJSON:   string(model.Snapshot),
		ExpiresUnixUTC: model.ExpiresAt.Unix(),
	}, nil
}

func (store *Store) PutIdempotencyRecord(ctx context.Context, record ledger.IdempotencyRecord) error {
	model := IdempotencyKey{
		RequestID: record.RequestID,
		Snapshot:  datatypesJSON(record.SnapshotJSON),
		ExpiresAt: time.Unix(record.ExpiresUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeSave, err)
	}
	return nil
}

func (store *Store) DeleteExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_at <= ?", time.Unix(nowUnixUTC, 0).UTC()).
		Delete(&IdempotencyKey{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectIdempotency, errorCodePurge, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) GetReconcileCheckpoint(ctx context.Context, accountID string) (ledger.ReconcileCheckpoint, error) {
	var model ReconcileCheckpoint
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ReconcileCheckpoint{}, wrapStoreError(errorSubjectCheckpoint, errorCodeGet, ledger.ErrCheckpointNotFound)
	}
	if err != nil {
		return ledger.ReconcileCheckpoint{}, wrapStoreError(errorSubjectCheckpoint, errorCodeGet, err)
	}
	return ledger.ReconcileCheckpoint{
		AccountID:      model.AccountID,
		LastSeq:        model.LastSeq,
		RunningSum:     model.RunningSum,
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func (store *Store) SaveReconcileCheckpoint(ctx context.Context, checkpoint ledger.ReconcileCheckpoint) error {
	model := ReconcileCheckpoint{
		AccountID:  checkpoint.AccountID,
		LastSeq:    checkpoint.LastSeq,
		RunningSum: checkpoint.RunningSum,
		UpdatedAt:  time.Unix(checkpoint.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectCheckpoint, errorCodeSave, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (ledger.Account, error) {
	tier, err := ledger.ParseTier(model.Tier)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID:                 model.AccountID,
		UserID:                    model.UserID,
		Tier:                      tier,
		Balance:                   model.Balance,
		MonthlyAllowanceRemaining: model.MonthlyAllowanceRemaining,
		RolloverBalance:           model.RolloverBalance,
		LastResetUnixUTC:          timeOrZero(model.LastResetAt),
		LastEntryID:               model.LastEntryID,
		Archived:                  model.Archived,
		UpdatedUnixUTC:            model.UpdatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(model LedgerEntry) (ledger.Entry, error) {
	action, err := ledger.ParseAction(model.Action)
	if err != nil {
		return ledger.Entry{}, err
	}
	source, err := ledger.ParseSource(model.Source)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        model.EntryID,
		Seq:            model.Seq,
		AccountID:      model.AccountID,
		Action:         action,
		Amount:         ledger.Tokens(model.Amount),
		RequestID:      model.RequestID,
		Source:         source,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapReceipt(model Receipt) (ledger.Receipt, error) {
	platform, err := ledger.ParsePlatform(model.Platform)
	if err != nil {
		return ledger.Receipt{}, wrapStoreError(errorSubjectReceipt, errorCodeInvalid, err)
	}
	return ledger.Receipt{
		Platform:        platform,
		TransactionID:   model.TransactionID,
		ProductID:       model.ProductID,
		AccountID:       model.AccountID,
		EntryID:         model.EntryID,
		CreditsGranted:  model.CreditsGranted,
		VerifiedUnixUTC: model.VerifiedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isRequestIDConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerRequestID
	}
	return isSQLiteConstraint(err)
}

func isReceiptConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReceiptsPrimary
	}
	return isSQLiteConstraint(err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return isSQLiteConstraint(err)
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
