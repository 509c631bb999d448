// Package verifier turns an external purchase signal into exactly one ledger
// credit. It owns the platform-transaction dedup boundary: a transaction id
// can only ever grant credits once, however many times it is reported.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mindloadai/tokenledger/internal/catalog"
	"github.com/mindloadai/tokenledger/internal/metrics"
	"github.com/mindloadai/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

// Terminal and transient verification failures.
var (
	ErrInvalidReceipt     = errors.New("invalid receipt")
	ErrVerificationFailed = errors.New("verification failed")
	ErrUnknownPlatform    = errors.New("unknown platform")
)

const (
	defaultPlatformTimeout = 10 * time.Second
	defaultPlatformRetries = 3
	defaultRetryBackoff    = 500 * time.Millisecond
)

// PurchaseInfo is what a platform confirms about a transaction.
type PurchaseInfo struct {
	TransactionID string
	ProductID     string
	// AccountToken is the platform-side user reference (Apple appAccountToken,
	// Google obfuscatedExternalAccountId) when the platform reports one.
	AccountToken string
}

// PlatformClient validates a receipt against the platform's servers.
type PlatformClient interface {
	VerifyPurchase(ctx context.Context, transactionID string, receiptPayload string, productID string) (PurchaseInfo, error)
}

// Result is the caller-visible verification outcome.
type Result struct {
	AccountID      string `json:"account_id"`
	CreditsGranted int64  `json:"credits_granted"`
	NewBalance     int64  `json:"new_balance"`
	Replay         bool   `json:"replay"`
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPlatformTimeout bounds each external verification call.
func WithPlatformTimeout(timeout time.Duration) Option {
	return func(verifier *Verifier) {
		if timeout > 0 {
			verifier.timeout = timeout
		}
	}
}

// WithPlatformRetries caps transient-failure retries.
func WithPlatformRetries(attempts int, backoff time.Duration) Option {
	return func(verifier *Verifier) {
		if attempts > 0 {
			verifier.attempts = attempts
		}
		if backoff >= 0 {
			verifier.retryBackoff = backoff
		}
	}
}

// WithRecorder wires the telemetry counters.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(verifier *Verifier) {
		verifier.recorder = recorder
	}
}

// Verifier is the sole writer that turns purchases into ledger credits.
type Verifier struct {
	service      *ledger.Service
	store        ledger.Store
	catalog      *catalog.Catalog
	clients      map[ledger.Platform]PlatformClient
	logger       *zap.Logger
	timeout      time.Duration
	attempts     int
	retryBackoff time.Duration
	recorder     *metrics.Recorder

	appleDecoder        AppleNotificationDecoder
	googleSubscriptions SubscriptionClient
}

// New wires a Verifier.
func New(service *ledger.Service, store ledger.Store, productCatalog *catalog.Catalog, clients map[ledger.Platform]PlatformClient, logger *zap.Logger, options ...Option) (*Verifier, error) {
	if service == nil || store == nil || productCatalog == nil {
		return nil, fmt.Errorf("%w: missing verifier dependency", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	verifier := &Verifier{
		service:      service,
		store:        store,
		catalog:      productCatalog,
		clients:      clients,
		logger:       logger,
		timeout:      defaultPlatformTimeout,
		attempts:     defaultPlatformRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	return verifier, nil
}

// VerifyAndCredit validates a receipt and credits the account exactly once.
// A transaction seen before returns the recorded outcome with Replay set,
// without any external call or ledger write.
func (verifier *Verifier) VerifyAndCredit(ctx context.Context, platform ledger.Platform, transactionID string, receiptPayload string, productID string, accountID string, requestID ledger.RequestID) (Result, error) {
	receipt, err := verifier.store.GetReceipt(ctx, platform, transactionID)
	if err == nil {
		return verifier.replayReceipt(ctx, platform, receipt)
	}
	if !errors.Is(err, ledger.ErrReceiptNotFound) {
		return Result{}, err
	}

	info, err := verifier.callPlatform(ctx, platform, transactionID, receiptPayload, productID)
	if err != nil {
		verifier.countRejected(platform, err)
		return Result{}, err
	}
	if info.ProductID != "" && info.ProductID != productID {
		verifier.countRejected(platform, ErrInvalidReceipt)
		return Result{}, fmt.Errorf("%w: product mismatch %q != %q", ErrInvalidReceipt, info.ProductID, productID)
	}

	credits, err := verifier.catalog.Credits(productID)
	if err != nil {
		verifier.countRejected(platform, err)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}

	applied, err := verifier.service.CreditPurchase(ctx, accountID, credits, requestID, platform, transactionID, productID, mustMetadata(fmt.Sprintf(`{"transaction_id":%q}`, transactionID)))
	if err != nil {
		return Result{}, err
	}
	if verifier.recorder != nil {
		if applied.Replay {
			verifier.recorder.PurchaseDuplicateIgnored.WithLabelValues(platform.String()).Inc()
		} else {
			verifier.recorder.PurchaseVerified.WithLabelValues(platform.String()).Inc()
		}
	}
	verifier.logger.Info("purchase verified",
		zap.String("platform", platform.String()),
		zap.String("transaction_id", transactionID),
		zap.String("product_id", productID),
		zap.String("account_id", accountID),
		zap.Int64("credits", credits.Int64()),
		zap.Bool("replay", applied.Replay),
	)
	return Result{
		AccountID:      accountID,
		CreditsGranted: credits.Int64(),
		NewBalance:     applied.NewBalance,
		Replay:         applied.Replay,
	}, nil
}

func (verifier *Verifier) replayReceipt(ctx context.Context, platform ledger.Platform, receipt ledger.Receipt) (Result, error) {
	account, err := verifier.service.Account(ctx, receipt.AccountID)
	if err != nil {
		return Result{}, err
	}
	if verifier.recorder != nil {
		verifier.recorder.PurchaseDuplicateIgnored.WithLabelValues(platform.String()).Inc()
	}
	return Result{
		AccountID:      receipt.AccountID,
		CreditsGranted: receipt.CreditsGranted,
		NewBalance:     account.Balance,
		Replay:         true,
	}, nil
}

// callPlatform runs the external verification with a bounded timeout and
// capped retries on transient failures. Invalid receipts are terminal.
func (verifier *Verifier) callPlatform(ctx context.Context, platform ledger.Platform, transactionID string, receiptPayload string, productID string) (PurchaseInfo, error) {
	client, ok := verifier.clients[platform]
	if !ok {
		return PurchaseInfo{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	var lastErr error
	for attempt := 0; attempt < verifier.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, verifier.timeout)
		started := time.Now()
		info, err := client.VerifyPurchase(callCtx, transactionID, receiptPayload, productID)
		cancel()
		if verifier.recorder != nil {
			verifier.recorder.VerifyDuration.WithLabelValues(platform.String()).Observe(time.Since(started).Seconds())
		}
		if err == nil {
			return info, nil
		}
		if !isTransient(err) {
			return PurchaseInfo{}, err
		}
		lastErr = err
		verifier.logger.Warn("platform verification retry",
			zap.String("platform", platform.String()),
			zap.String("transaction_id", transactionID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if verifier.retryBackoff > 0 {
			timer := time.NewTimer(verifier.retryBackoff << attempt)
			select {
			case <-ctx.Done():
				timer.Stop()
				return PurchaseInfo{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return PurchaseInfo{}, fmt.Errorf("%w: %v", ledger.ErrTemporarilyUnavailable, lastErr)
}

func (verifier *Verifier) countRejected(platform ledger.Platform, err error) {
	if verifier.recorder == nil {
		return
	}
	reason := "verification_failed"
	switch {
	case errors.Is(err, ErrInvalidReceipt):
		reason = "invalid_receipt"
	case errors.Is(err, catalog.ErrUnknownProduct):
		reason = "unknown_product"
	case errors.Is(err, ledger.ErrTemporarilyUnavailable):
		reason = "unavailable"
	}
	verifier.recorder.PurchaseRejected.WithLabelValues(platform.String(), reason).Inc()
}

// transientError marks a platform failure worth retrying.
type transientError struct {
	err error
}

func (transient transientError) Error() string {
	return transient.err.Error()
}

func (transient transientError) Unwrap() error {
	return transient.err
}

// markTransient tags an error as retryable.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func isTransient(err error) bool {
	var transient transientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func mustMetadata(raw string) ledger.MetadataJSON {
	metadata, err := ledger.NewMetadataJSON(raw)
	if err != nil {
		metadata, _ = ledger.NewMetadataJSON("")
	}
	return metadata
}
