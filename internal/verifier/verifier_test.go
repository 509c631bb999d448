package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/mindloadai/tokenledger/internal/catalog"
	"github.com/mindloadai/tokenledger/internal/store/gormstore"
	"github.com/mindloadai/tokenledger/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakePlatformClient struct {
	info      PurchaseInfo
	errs      []error
	calls     int
	tokenSeen string
}

func (client *fakePlatformClient) VerifyPurchase(ctx context.Context, transactionID string, receiptPayload string, productID string) (PurchaseInfo, error) {
	client.calls++
	client.tokenSeen = receiptPayload
	if len(client.errs) > 0 {
		err := client.errs[0]
		client.errs = client.errs[1:]
		if err != nil {
			return PurchaseInfo{}, err
		}
	}
	return client.info, nil
}

type fakeDecoder struct {
	notification AppleNotification
	err          error
}

func (decoder *fakeDecoder) DecodeNotification(signedPayload string) (AppleNotification, error) {
	return decoder.notification, decoder.err
}

type fakeSubscriptionClient struct {
	info PurchaseInfo
	err  error
}

func (client *fakeSubscriptionClient) VerifySubscription(ctx context.Context, subscriptionID string, purchaseToken string) (PurchaseInfo, error) {
	if client.err != nil {
		return PurchaseInfo{}, client.err
	}
	return client.info, nil
}

type verifierHarness struct {
	verifier *Verifier
	service  *ledger.Service
	store    ledger.Store
	apple    *fakePlatformClient
	google   *fakePlatformClient
}

func newVerifierHarness(t *testing.T, options ...Option) *verifierHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	service, err := ledger.NewService(store, func() int64 { return 1_700_000_000 }, ledger.WithApplyRetry(3, 0, 0))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	apple := &fakePlatformClient{}
	google := &fakePlatformClient{}
	clients := map[ledger.Platform]PlatformClient{
		ledger.PlatformApple:  apple,
		ledger.PlatformGoogle: google,
	}
	options = append([]Option{WithPlatformRetries(3, 0)}, options...)
	purchaseVerifier, err := New(service, store, catalog.Default(), clients, nil, options...)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return &verifierHarness{verifier: purchaseVerifier, service: service, store: store, apple: apple, google: google}
}

func (harness *verifierHarness) mustAccount(t *testing.T, userID string) ledger.Account {
	t.Helper()
	id, err := ledger.NewUserID(userID)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	account, err := harness.service.GetOrCreateAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return account
}

func mustGoogleNotification(t *testing.T, raw string) GoogleDeveloperNotification {
	t.Helper()
	var notification GoogleDeveloperNotification
	if err := json.Unmarshal([]byte(raw), &notification); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	return notification
}

func mustVerifierRequestID(t *testing.T, raw string) ledger.RequestID {
	t.Helper()
	requestID, err := ledger.NewRequestID(raw)
	if err != nil {
		t.Fatalf("request id: %v", err)
	}
	return requestID
}

func TestVerifyAndCreditGrantsCatalogCredits(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	account := harness.mustAccount(t, "buyer-1")
	harness.apple.info = PurchaseInfo{TransactionID: "txn-1", ProductID: "tokens_250"}

	result, err := harness.verifier.VerifyAndCredit(context.Background(), ledger.PlatformApple, "txn-1", "receipt-blob", "tokens_250", account.AccountID, mustVerifierRequestID(t, "purchase-1"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.CreditsGranted != 250 || result.NewBalance != 250 || result.Replay {
		t.Fatalf("unexpected result: %+v", result)
	}
	receipt, err := harness.store.GetReceipt(context.Background(), ledger.PlatformApple, "txn-1")
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.AccountID != account.AccountID || receipt.CreditsGranted != 250 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestVerifyAndCreditReplaysSeenTransactionWithoutPlatformCall(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	account := harness.mustAccount(t, "buyer-1")
	harness.apple.info = PurchaseInfo{TransactionID: "txn-1", ProductID: "tokens_250"}
	ctx := context.Background()

	if _, err := harness.verifier.VerifyAndCredit(ctx, ledger.PlatformApple, "txn-1", "receipt-blob", "tokens_250", account.AccountID, mustVerifierRequestID(t, "purchase-1")); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	replayed, err := harness.verifier.VerifyAndCredit(ctx, ledger.PlatformApple, "txn-1", "receipt-blob", "tokens_250", account.AccountID, mustVerifierRequestID(t, "purchase-2"))
	if err != nil {
		t.Fatalf("replay verify: %v", err)
	}
	if !replayed.Replay || replayed.NewBalance != 250 {
		t.Fatalf("expected no-op replay, got %+v", replayed)
	}
	if harness.apple.calls != 1 {
		t.Fatalf("expected single platform call, got %d", harness.apple.calls)
	}
	updated, err := harness.service.Account(ctx, account.AccountID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if updated.Balance != 250 {
		t.Fatalf("double credit: balance %d", updated.Balance)
	}
}

func TestVerifyAndCreditRejectsInvalidReceiptWithoutRetry(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	account := harness.mustAccount(t, "buyer-1")
	harness.apple.errs = []error{ErrInvalidReceipt}

	_, err := harness.verifier.VerifyAndCredit(context.Background(), ledger.PlatformApple, "txn-bad", "blob", "tokens_250", account.AccountID, mustVerifierRequestID(t, "purchase-bad"))
	if !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected ErrInvalidReceipt, got %v", err)
	}
	if harness.apple.calls != 1 {
		t.Fatalf("invalid receipts must not retry, got %d calls", harness.apple.calls)
	}
	updated, _ := harness.service.Account(context.Background(), account.AccountID)
	if updated.Balance != 0 {
		t.Fatalf("rejected purchase credited tokens")
	}
}

func TestVerifyAndCreditRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	account := harness.mustAccount(t, "buyer-1")
	harness.apple.info = PurchaseInfo{TransactionID: "txn-1", ProductID: "tokens_50"}
	harness.apple.errs = []error{markTransient(errors.New("upstream 503")), markTransient(errors.New("upstream 503"))}

	result, err := harness.verifier.VerifyAndCredit(context.Background(), ledger.PlatformApple, "txn-1", "blob", "tokens_50", account.AccountID, mustVerifierRequestID(t, "purchase-1"))
	if err != nil {
		t.Fatalf("verify after transient failures: %v", err)
	}
	if result.CreditsGranted != 50 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if harness.apple.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", harness.apple.calls)
	}
}

func TestVerifyAndCreditExhaustsTransientRetries(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	account := harness.mustAccount(t, "buyer-1")
	transient := markTransient(errors.New("upstream 503"))
	harness.apple.errs = []error{transient, transient, transient}

	_, err := harness.verifier.VerifyAndCredit(context.Background(), ledger.PlatformApple, "txn-1", "blob", "tokens_50", account.AccountID, mustVerifierRequestID(t, "purchase-1"))
	if !errors.Is(err, ledger.ErrTemporarilyUnavailable) {
		t.Fatalf("expected ErrTemporarilyUnavailable, got %v", err)
	}
}

func TestVerifyAndCreditRejectsProductMismatch(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	account := harness.mustAccount(t, "buyer-1")
	harness.apple.info = PurchaseInfo{TransactionID: "txn-1", ProductID: "tokens_50"}

	_, err := harness.verifier.VerifyAndCredit(context.Background(), ledger.PlatformApple, "txn-1", "blob", "tokens_250", account.AccountID, mustVerifierRequestID(t, "purchase-1"))
	if !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected ErrInvalidReceipt on mismatch, got %v", err)
	}
}

func TestVerifyAndCreditRejectsUnknownProduct(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	account := harness.mustAccount(t, "buyer-1")
	harness.apple.info = PurchaseInfo{TransactionID: "txn-1", ProductID: "tokens_7"}

	_, err := harness.verifier.VerifyAndCredit(context.Background(), ledger.PlatformApple, "txn-1", "blob", "tokens_7", account.AccountID, mustVerifierRequestID(t, "purchase-1"))
	if !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected ErrInvalidReceipt for uncataloged product, got %v", err)
	}
}

func TestVerifyAndCreditUnknownPlatform(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	account := harness.mustAccount(t, "buyer-1")
	harness.verifier.clients = map[ledger.Platform]PlatformClient{}

	_, err := harness.verifier.VerifyAndCredit(context.Background(), ledger.PlatformApple, "txn-1", "blob", "tokens_50", account.AccountID, mustVerifierRequestID(t, "purchase-1"))
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestProcessAppleNotificationCreditsOneTimeCharge(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	harness.apple.info = PurchaseInfo{TransactionID: "txn-apple-1", ProductID: "tokens_250"}
	decoder := &fakeDecoder{notification: AppleNotification{
		NotificationType: "ONE_TIME_CHARGE",
		TransactionID:    "txn-apple-1",
		ProductID:        "tokens_250",
		AppAccountToken:  "user-apple-1",
	}}
	WithAppleDecoder(decoder)(harness.verifier)

	if err := harness.verifier.ProcessAppleNotification(context.Background(), "signed-payload"); err != nil {
		t.Fatalf("process: %v", err)
	}
	account := harness.mustAccount(t, "user-apple-1")
	if account.Balance != 250 {
		t.Fatalf("expected 250 credited, got %d", account.Balance)
	}
	// Redelivery is a no-op.
	if err := harness.verifier.ProcessAppleNotification(context.Background(), "signed-payload"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	account = harness.mustAccount(t, "user-apple-1")
	if account.Balance != 250 {
		t.Fatalf("redelivery double credited: %d", account.Balance)
	}
}

func TestProcessAppleNotificationAppliesSubscriptionTier(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	decoder := &fakeDecoder{notification: AppleNotification{
		NotificationType: "SUBSCRIBED",
		ProductID:        "mindload_pro_monthly",
		AppAccountToken:  "user-apple-2",
	}}
	WithAppleDecoder(decoder)(harness.verifier)

	if err := harness.verifier.ProcessAppleNotification(context.Background(), "signed-payload"); err != nil {
		t.Fatalf("process: %v", err)
	}
	account := harness.mustAccount(t, "user-apple-2")
	if account.Tier != ledger.TierPro {
		t.Fatalf("expected pro tier, got %s", account.Tier)
	}

	decoder.notification.NotificationType = "EXPIRED"
	if err := harness.verifier.ProcessAppleNotification(context.Background(), "signed-payload"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	account = harness.mustAccount(t, "user-apple-2")
	if account.Tier != ledger.TierFree {
		t.Fatalf("expected downgrade to free, got %s", account.Tier)
	}
}

func TestProcessAppleNotificationWithoutAccountToken(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	decoder := &fakeDecoder{notification: AppleNotification{NotificationType: "ONE_TIME_CHARGE", TransactionID: "txn-x", ProductID: "tokens_50"}}
	WithAppleDecoder(decoder)(harness.verifier)

	err := harness.verifier.ProcessAppleNotification(context.Background(), "signed-payload")
	if !errors.Is(err, ErrUnmappedAccount) {
		t.Fatalf("expected ErrUnmappedAccount, got %v", err)
	}
}

func TestProcessGoogleNotificationCreditsOneTimePurchase(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	harness.google.info = PurchaseInfo{TransactionID: "order-1", ProductID: "tokens_600", AccountToken: "user-google-1"}
	notification := mustGoogleNotification(t, `{"version":"1.0","packageName":"ai.mindload.app","oneTimeProductNotification":{"notificationType":1,"purchaseToken":"token-1","sku":"tokens_600"}}`)

	if err := harness.verifier.ProcessGoogleNotification(context.Background(), notification); err != nil {
		t.Fatalf("process: %v", err)
	}
	account := harness.mustAccount(t, "user-google-1")
	if account.Balance != 600 {
		t.Fatalf("expected 600 credited, got %d", account.Balance)
	}
}

func TestProcessGoogleNotificationAppliesSubscriptionTier(t *testing.T) {
	t.Parallel()
	harness := newVerifierHarness(t)
	WithGoogleSubscriptions(&fakeSubscriptionClient{info: PurchaseInfo{AccountToken: "user-google-2"}})(harness.verifier)
	notification := mustGoogleNotification(t, `{"subscriptionNotification":{"notificationType":4,"purchaseToken":"token-2","subscriptionId":"mindload_max_monthly"}}`)

	if err := harness.verifier.ProcessGoogleNotification(context.Background(), notification); err != nil {
		t.Fatalf("process: %v", err)
	}
	account := harness.mustAccount(t, "user-google-2")
	if account.Tier != ledger.TierMax {
		t.Fatalf("expected max tier, got %s", account.Tier)
	}

	notification = mustGoogleNotification(t, `{"subscriptionNotification":{"notificationType":12,"purchaseToken":"token-2","subscriptionId":"mindload_max_monthly"}}`)
	if err := harness.verifier.ProcessGoogleNotification(context.Background(), notification); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	account = harness.mustAccount(t, "user-google-2")
	if account.Tier != ledger.TierFree {
		t.Fatalf("expected downgrade to free, got %s", account.Tier)
	}
}
