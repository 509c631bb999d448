package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Tokens is a signed token delta. Credits are positive, debits negative.
type Tokens int64

// Int64 returns the raw delta.
func (amount Tokens) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign of the delta.
func (amount Tokens) Negated() Tokens {
	return -amount
}

// TokenCost is a strictly positive token quantity (a price or a grant size).
type TokenCost int64

// NewTokenCost validates a cost and ensures it is strictly positive.
func NewTokenCost(raw int64) (TokenCost, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidTokenAmount)
	}
	return TokenCost(raw), nil
}

// Int64 returns the raw quantity.
func (cost TokenCost) Int64() int64 {
	return int64(cost)
}

// ToTokens returns the cost as a positive delta.
func (cost TokenCost) ToTokens() Tokens {
	return Tokens(cost)
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// RequestID is the caller-supplied idempotency key scoping duplicate detection.
type RequestID struct {
	value string
}

// NewRequestID validates and normalizes a request id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the normalized key.
func (id RequestID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary audit metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Action enumerates ledger entry kinds.
type Action string

const (
	ActionCredit     Action = "credit"
	ActionDebit      Action = "debit"
	ActionReset      Action = "reset"
	ActionRollover   Action = "rollover"
	ActionAdjustment Action = "adjustment"
)

// ParseAction validates a stored action string.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionCredit, ActionDebit, ActionReset, ActionRollover, ActionAdjustment:
		return Action(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
}

// String returns the stored form.
func (action Action) String() string {
	return string(action)
}

// Platform identifies a purchase platform.
type Platform string

const (
	PlatformApple  Platform = "apple"
	PlatformGoogle Platform = "google"
)

// ParsePlatform validates a platform string.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformApple:
		return PlatformApple, nil
	case PlatformGoogle:
		return PlatformGoogle, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, raw)
}

// String returns the stored form.
func (platform Platform) String() string {
	return string(platform)
}

// SourceKind tags the origin of a ledger entry.
type SourceKind string

const (
	SourcePurchase          SourceKind = "purchase"
	SourceMonthlyReset      SourceKind = "monthly_reset"
	SourceConsumption       SourceKind = "consumption"
	SourceReconciliationFix SourceKind = "reconciliation_fix"
	SourceManualAdjustment  SourceKind = "manual_adjustment"
)

// Source records where an entry came from, with kind-specific detail.
type Source struct {
	Kind      SourceKind
	Platform  Platform // purchase only
	ProductID string   // purchase only
	Feature   string   // consumption only
}

// NewPurchaseSource tags an entry as a platform purchase.
func NewPurchaseSource(platform Platform, productID string) Source {
	return Source{Kind: SourcePurchase, Platform: platform, ProductID: productID}
}

// NewMonthlyResetSource tags an entry as a billing-period reset.
func NewMonthlyResetSource() Source {
	return Source{Kind: SourceMonthlyReset}
}

// NewConsumptionSource tags an entry as feature consumption.
func NewConsumptionSource(feature string) Source {
	return Source{Kind: SourceConsumption, Feature: feature}
}

// NewReconciliationFixSource tags an entry as a reconciliation correction.
func NewReconciliationFixSource() Source {
	return Source{Kind: SourceReconciliationFix}
}

// NewManualAdjustmentSource tags an entry as an operator adjustment.
func NewManualAdjustmentSource() Source {
	return Source{Kind: SourceManualAdjustment}
}

// String encodes the source for storage, e.g. "purchase:apple:tokens_250".
func (source Source) String() string {
	switch source.Kind {
	case SourcePurchase:
		return strings.Join([]string{string(source.Kind), source.Platform.String(), source.ProductID}, sourceDelimiter)
	case SourceConsumption:
		return strings.Join([]string{string(source.Kind), source.Feature}, sourceDelimiter)
	default:
		return string(source.Kind)
	}
}

// ParseSource decodes a stored source string.
func ParseSource(raw string) (Source, error) {
	parts := strings.SplitN(raw, sourceDelimiter, 3)
	switch SourceKind(parts[0]) {
	case SourcePurchase:
		if len(parts) != 3 {
			return Source{}, fmt.Errorf("%w: %q", ErrInvalidSource, raw)
		}
		platform, err := ParsePlatform(parts[1])
		if err != nil {
			return Source{}, err
		}
		return NewPurchaseSource(platform, parts[2]), nil
	case SourceConsumption:
		if len(parts) != 2 {
			return Source{}, fmt.Errorf("%w: %q", ErrInvalidSource, raw)
		}
		return NewConsumptionSource(parts[1]), nil
	case SourceMonthlyReset, SourceReconciliationFix, SourceManualAdjustment:
		if len(parts) != 1 {
			return Source{}, fmt.Errorf("%w: %q", ErrInvalidSource, raw)
		}
		return Source{Kind: SourceKind(parts[0])}, nil
	}
	return Source{}, fmt.Errorf("%w: %q", ErrInvalidSource, raw)
}

// Tier is the subscription tier of an account.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierMax     Tier = "max"
)

// ParseTier validates a tier string.
func ParseTier(raw string) (Tier, error) {
	switch Tier(raw) {
	case TierFree, TierStarter, TierPro, TierMax:
		return Tier(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
}

// String returns the stored form.
func (tier Tier) String() string {
	return string(tier)
}

// TierPolicy holds the per-tier allowance parameters.
type TierPolicy struct {
	MonthlyAllowance int64
	RolloverCap      int64
}

// TierPolicies maps every tier to its allowance parameters.
type TierPolicies map[Tier]TierPolicy

// DefaultTierPolicies returns the shipped tier parameters.
func DefaultTierPolicies() TierPolicies {
	return TierPolicies{
		TierFree:    {MonthlyAllowance: 120, RolloverCap: 0},
		TierStarter: {MonthlyAllowance: 400, RolloverCap: 120},
		TierPro:     {MonthlyAllowance: 1200, RolloverCap: 480},
		TierMax:     {MonthlyAllowance: 3600, RolloverCap: 1800},
	}
}

// Policy resolves a tier, falling back to the free tier for unknown values.
func (policies TierPolicies) Policy(tier Tier) TierPolicy {
	if policy, ok := policies[tier]; ok {
		return policy
	}
	return policies[TierFree]
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	Seq            int64 // storage-assigned, monotonic per account history; replay cursor
	AccountID      string
	Action         Action
	Amount         Tokens
	RequestID      string
	Source         Source
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Account is the mutable per-user projection kept consistent with the ledger.
//
// Balance is the total spendable sum and always equals the replayed entry sum.
// MonthlyAllowanceRemaining and RolloverBalance are sub-pools of Balance; the
// purchased remainder is Balance minus both pools.
type Account struct {
	AccountID                 string
	UserID                    string
	Tier                      Tier
	Balance                   int64
	MonthlyAllowanceRemaining int64
	RolloverBalance           int64
	LastResetUnixUTC          int64
	LastEntryID               string
	Archived                  bool
	UpdatedUnixUTC            int64
}

// PurchasedBalance is the pool bought with real money.
func (account Account) PurchasedBalance() int64 {
	return account.Balance - account.MonthlyAllowanceRemaining - account.RolloverBalance
}

// Receipt dedups platform purchases on (platform, transaction id).
type Receipt struct {
	Platform        Platform
	TransactionID   string
	ProductID       string
	AccountID       string
	EntryID         string
	CreditsGranted  int64
	VerifiedUnixUTC int64
}

// IdempotencyRecord replays a previously computed mutation outcome.
type IdempotencyRecord struct {
	RequestID      string
	SnapshotJSON   string
	ExpiresUnixUTC int64
}

// ApplyResult is the outcome of one applied (or replayed) ledger mutation.
type ApplyResult struct {
	EntryID    string `json:"entry_id"`
	Action     Action `json:"action"`
	Amount     int64  `json:"amount"`
	NewBalance int64  `json:"new_balance"`
	Replay     bool   `json:"replay"`
}

// ConsumptionBreakdown records which pools a debit drew from, in draw order.
type ConsumptionBreakdown struct {
	FromMonthly   int64 `json:"from_monthly"`
	FromRollover  int64 `json:"from_rollover"`
	FromPurchased int64 `json:"from_purchased"`
}

// ReconcileCheckpoint remembers how far replay has progressed for an account.
type ReconcileCheckpoint struct {
	AccountID      string
	LastSeq        int64
	RunningSum     int64
	UpdatedUnixUTC int64
}

// Store is the persistence contract used by Service.
// Implementations must enforce uniqueness of Entry.RequestID and of
// (Receipt.Platform, Receipt.TransactionID) at the storage layer.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, userID string, tier Tier) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	// UpdateAccount persists the aggregate only if its stored LastEntryID still
	// equals expectedLastEntryID; otherwise it fails with ErrConcurrentModification.
	UpdateAccount(ctx context.Context, account Account, expectedLastEntryID string) error
	ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error)

	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	GetEntryByRequestID(ctx context.Context, requestID string) (Entry, error)
	// ListEntries returns entries with Seq > afterSeq in ascending Seq order.
	ListEntries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]Entry, error)
	SumEntries(ctx context.Context, accountID string) (int64, error)

	GetReceipt(ctx context.Context, platform Platform, transactionID string) (Receipt, error)
	InsertReceipt(ctx context.Context, receipt Receipt) error

	GetIdempotencyRecord(ctx context.Context, requestID string, nowUnixUTC int64) (IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error)

	GetReconcileCheckpoint(ctx context.Context, accountID string) (ReconcileCheckpoint, error)
	SaveReconcileCheckpoint(ctx context.Context, checkpoint ReconcileCheckpoint) error
}
