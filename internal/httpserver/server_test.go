package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mindloadai/tokenledger/internal/abuseguard"
	"github.com/mindloadai/tokenledger/internal/catalog"
	"github.com/mindloadai/tokenledger/internal/store/gormstore"
	"github.com/mindloadai/tokenledger/internal/verifier"
	"github.com/mindloadai/tokenledger/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testAdminToken = "test-admin-token"

type scriptedClient struct {
	info verifier.PurchaseInfo
	err  error
}

func (client *scriptedClient) VerifyPurchase(ctx context.Context, transactionID string, receiptPayload string, productID string) (verifier.PurchaseInfo, error) {
	if client.err != nil {
		return verifier.PurchaseInfo{}, client.err
	}
	return client.info, nil
}

type scriptedDecoder struct {
	notification verifier.AppleNotification
	err          error
}

func (decoder *scriptedDecoder) DecodeNotification(signedPayload string) (verifier.AppleNotification, error) {
	return decoder.notification, decoder.err
}

type serverHarness struct {
	router  http.Handler
	service *ledger.Service
	apple   *scriptedClient
	google  *scriptedClient
	decoder *scriptedDecoder
}

func newServerHarness(t *testing.T, guardConfig *abuseguard.Config) *serverHarness {
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
	broadcaster := ledger.NewBroadcaster()
	service, err := ledger.NewService(store, func() int64 { return 1_755_216_000 },
		ledger.WithApplyRetry(3, 0, 0),
		ledger.WithBroadcaster(broadcaster),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	apple := &scriptedClient{}
	google := &scriptedClient{}
	decoder := &scriptedDecoder{}
	purchaseVerifier, err := verifier.New(service, store, catalog.Default(), map[ledger.Platform]verifier.PlatformClient{
		ledger.PlatformApple:  apple,
		ledger.PlatformGoogle: google,
	}, nil, verifier.WithPlatformRetries(1, 0), verifier.WithAppleDecoder(decoder))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	var guard *abuseguard.Guard
	if guardConfig != nil {
		guard = abuseguard.New(*guardConfig, nil)
	}
	server, err := New(Config{ListenAddr: ":0", AdminToken: testAdminToken}, service, purchaseVerifier, guard, broadcaster, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &serverHarness{
		router:  server.Router(),
		service: service,
		apple:   apple,
		google:  google,
		decoder: decoder,
	}
}

func (harness *serverHarness) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func (harness *serverHarness) mustCreateAccount(t *testing.T, userID string) accountBody {
	t.Helper()
	recorder := harness.do(t, http.MethodPost, "/v1/accounts", fmt.Sprintf(`{"user_id":%q}`, userID), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("create account: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var account accountBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	return account
}

func (harness *serverHarness) seedBalance(t *testing.T, accountID string, amount int64) {
	t.Helper()
	requestID, err := ledger.NewRequestID("seed:" + accountID)
	if err != nil {
		t.Fatalf("request id: %v", err)
	}
	metadata, err := ledger.NewMetadataJSON("")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if _, err := harness.service.Adjust(context.Background(), accountID, ledger.Tokens(amount), requestID, ledger.NewManualAdjustmentSource(), metadata); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	recorder := harness.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}
}

func TestAccountLifecycleEndpoints(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	account := harness.mustCreateAccount(t, "user-1")
	if account.Tier != ledger.TierFree || account.Balance != 0 {
		t.Fatalf("unexpected new account: %+v", account)
	}

	// Creating again for the same user returns the same account.
	again := harness.mustCreateAccount(t, "user-1")
	if again.AccountID != account.AccountID {
		t.Fatalf("expected stable account id, got %s and %s", account.AccountID, again.AccountID)
	}

	recorder := harness.do(t, http.MethodGet, "/v1/accounts/"+account.AccountID, "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get account: status %d", recorder.Code)
	}
	recorder = harness.do(t, http.MethodGet, "/v1/accounts/no-such-account", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", recorder.Code)
	}
	recorder = harness.do(t, http.MethodPost, "/v1/accounts", `{"user_id":"  "}`, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank user id, got %d", recorder.Code)
	}
}

func TestConsumeEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	account := harness.mustCreateAccount(t, "user-1")
	harness.seedBalance(t, account.AccountID, 100)

	body := fmt.Sprintf(`{"account_id":%q,"amount":40,"request_id":"consume-1","feature":"quiz_generation"}`, account.AccountID)
	recorder := harness.do(t, http.MethodPost, "/v1/consume", body, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("consume: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var result ledger.ApplyResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.NewBalance != 60 {
		t.Fatalf("expected balance 60, got %d", result.NewBalance)
	}

	// Same request id replays the recorded outcome.
	recorder = harness.do(t, http.MethodPost, "/v1/consume", body, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("replay consume: status %d", recorder.Code)
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !result.Replay || result.NewBalance != 60 {
		t.Fatalf("expected replay at 60, got %+v", result)
	}

	overdraw := fmt.Sprintf(`{"account_id":%q,"amount":500,"request_id":"consume-2","feature":"quiz_generation"}`, account.AccountID)
	recorder = harness.do(t, http.MethodPost, "/v1/consume", overdraw, nil)
	if recorder.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for insufficient balance, got %d", recorder.Code)
	}

	recorder = harness.do(t, http.MethodPost, "/v1/consume", `{"account_id":`, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", recorder.Code)
	}

	zeroAmount := fmt.Sprintf(`{"account_id":%q,"amount":0,"request_id":"consume-3","feature":"quiz_generation"}`, account.AccountID)
	recorder = harness.do(t, http.MethodPost, "/v1/consume", zeroAmount, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", recorder.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	account := harness.mustCreateAccount(t, "user-1")
	harness.seedBalance(t, account.AccountID, 100)
	body := fmt.Sprintf(`{"account_id":%q,"amount":25,"request_id":"consume-1","feature":"quiz_generation"}`, account.AccountID)
	if recorder := harness.do(t, http.MethodPost, "/v1/consume", body, nil); recorder.Code != http.StatusOK {
		t.Fatalf("consume: status %d", recorder.Code)
	}

	recorder := harness.do(t, http.MethodGet, "/v1/accounts/"+account.AccountID+"/history", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("history: status %d", recorder.Code)
	}
	var page struct {
		Entries []entryBody `json:"entries"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(page.Entries))
	}
	if page.Entries[1].Amount != -25 || page.Entries[1].Source != "consumption:quiz_generation" {
		t.Fatalf("unexpected consumption entry: %+v", page.Entries[1])
	}

	recorder = harness.do(t, http.MethodGet, "/v1/accounts/"+account.AccountID+"/history?after_seq=1", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("paged history: status %d", recorder.Code)
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode paged history: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Seq != 2 {
		t.Fatalf("unexpected page: %+v", page.Entries)
	}
}

func TestVerifyPurchaseEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	account := harness.mustCreateAccount(t, "user-1")
	harness.apple.info = verifier.PurchaseInfo{TransactionID: "txn-1", ProductID: "tokens_250"}

	body := fmt.Sprintf(`{"account_id":%q,"platform":"apple","transaction_id":"txn-1","receipt":"blob","product_id":"tokens_250","request_id":"purchase-1"}`, account.AccountID)
	recorder := harness.do(t, http.MethodPost, "/v1/purchases/verify", body, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var result verifier.Result
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.CreditsGranted != 250 || result.NewBalance != 250 {
		t.Fatalf("unexpected result: %+v", result)
	}

	badPlatform := fmt.Sprintf(`{"account_id":%q,"platform":"amazon","transaction_id":"txn-2","receipt":"blob","product_id":"tokens_250","request_id":"purchase-2"}`, account.AccountID)
	recorder = harness.do(t, http.MethodPost, "/v1/purchases/verify", badPlatform, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown platform, got %d", recorder.Code)
	}

	harness.apple.err = verifier.ErrInvalidReceipt
	rejected := fmt.Sprintf(`{"account_id":%q,"platform":"apple","transaction_id":"txn-3","receipt":"blob","product_id":"tokens_250","request_id":"purchase-3"}`, account.AccountID)
	recorder = harness.do(t, http.MethodPost, "/v1/purchases/verify", rejected, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid receipt, got %d", recorder.Code)
	}
}

func TestRestorePurchasesEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	account := harness.mustCreateAccount(t, "user-1")
	harness.apple.info = verifier.PurchaseInfo{TransactionID: "txn-1", ProductID: "tokens_50"}

	body := fmt.Sprintf(`{"account_id":%q,"platform":"apple","transactions":[{"transaction_id":"txn-1","product_id":"tokens_50","receipt":"blob"}]}`, account.AccountID)
	recorder := harness.do(t, http.MethodPost, "/v1/purchases/restore", body, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("restore: status %d body %s", recorder.Code, recorder.Body.String())
	}

	// Restoring again is a batch of replays, never a double credit.
	recorder = harness.do(t, http.MethodPost, "/v1/purchases/restore", body, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("second restore: status %d", recorder.Code)
	}
	fetched := harness.do(t, http.MethodGet, "/v1/accounts/"+account.AccountID, "", nil)
	var refreshed accountBody
	if err := json.Unmarshal(fetched.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if refreshed.Balance != 50 {
		t.Fatalf("restore double credited: balance %d", refreshed.Balance)
	}
}

func TestGuardThrottlesConsume(t *testing.T) {
	t.Parallel()
	config := abuseguard.Config{
		Window:             time.Minute,
		ChallengeThreshold: 2,
		BlockThreshold:     4,
		BlockDuration:      time.Minute,
		DeviceAccountLimit: 5,
	}
	harness := newServerHarness(t, &config)
	account := harness.mustCreateAccount(t, "user-1")
	harness.seedBalance(t, account.AccountID, 1000)

	statuses := make([]int, 0, 6)
	for attempt := 0; attempt < 6; attempt++ {
		body := fmt.Sprintf(`{"account_id":%q,"amount":1,"request_id":"consume-%d","feature":"quiz_generation"}`, account.AccountID, attempt)
		statuses = append(statuses, harness.do(t, http.MethodPost, "/v1/consume", body, nil).Code)
	}
	want := []int{200, 200, 403, 403, 429, 429}
	for index, status := range statuses {
		if status != want[index] {
			t.Fatalf("attempt %d: expected %d, got %d (all: %v)", index, want[index], status, statuses)
		}
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	account := harness.mustCreateAccount(t, "user-1")

	recorder := harness.do(t, http.MethodPost, "/v1/admin/accounts/"+account.AccountID+"/adjust", `{"delta":10,"request_id":"adj-1"}`, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	auth := map[string]string{"Authorization": "Bearer " + testAdminToken}
	recorder = harness.do(t, http.MethodPost, "/v1/admin/accounts/"+account.AccountID+"/adjust", `{"delta":10,"request_id":"adj-1"}`, auth)
	if recorder.Code != http.StatusOK {
		t.Fatalf("adjust: status %d body %s", recorder.Code, recorder.Body.String())
	}

	recorder = harness.do(t, http.MethodPost, "/v1/admin/accounts/"+account.AccountID+"/tier", `{"tier":"pro"}`, auth)
	if recorder.Code != http.StatusOK {
		t.Fatalf("set tier: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var updated accountBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if updated.Tier != ledger.TierPro {
		t.Fatalf("expected pro tier, got %s", updated.Tier)
	}

	recorder = harness.do(t, http.MethodPost, "/v1/admin/accounts/"+account.AccountID+"/reset", "", auth)
	if recorder.Code != http.StatusOK {
		t.Fatalf("reset: status %d body %s", recorder.Code, recorder.Body.String())
	}

	recorder = harness.do(t, http.MethodPost, "/v1/admin/accounts/"+account.AccountID+"/archive", "", auth)
	if recorder.Code != http.StatusOK {
		t.Fatalf("archive: status %d", recorder.Code)
	}
	consume := fmt.Sprintf(`{"account_id":%q,"amount":1,"request_id":"consume-after-archive","feature":"quiz_generation"}`, account.AccountID)
	recorder = harness.do(t, http.MethodPost, "/v1/consume", consume, nil)
	if recorder.Code != http.StatusGone {
		t.Fatalf("expected 410 for archived account, got %d", recorder.Code)
	}
}

func TestAppleWebhookEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	harness.decoder.notification = verifier.AppleNotification{
		NotificationType: "ONE_TIME_CHARGE",
		TransactionID:    "txn-hook-1",
		ProductID:        "tokens_250",
		AppAccountToken:  "user-hook-1",
	}
	harness.apple.info = verifier.PurchaseInfo{TransactionID: "txn-hook-1", ProductID: "tokens_250"}

	recorder := harness.do(t, http.MethodPost, "/v1/webhooks/apple", `{"signedPayload":"jws"}`, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("webhook: status %d body %s", recorder.Code, recorder.Body.String())
	}

	// Unmapped account tokens are acked to stop redelivery.
	harness.decoder.notification.AppAccountToken = ""
	recorder = harness.do(t, http.MethodPost, "/v1/webhooks/apple", `{"signedPayload":"jws"}`, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unmapped webhook: status %d", recorder.Code)
	}

	harness.decoder.err = verifier.ErrInvalidReceipt
	recorder = harness.do(t, http.MethodPost, "/v1/webhooks/apple", `{"signedPayload":"garbage"}`, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for rejected payload, got %d", recorder.Code)
	}

	recorder = harness.do(t, http.MethodPost, "/v1/webhooks/apple", `{}`, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing payload, got %d", recorder.Code)
	}
}

func TestGoogleWebhookEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t, nil)
	harness.google.info = verifier.PurchaseInfo{TransactionID: "order-1", ProductID: "tokens_600", AccountToken: "user-hook-2"}

	notification := `{"version":"1.0","packageName":"ai.mindload.app","oneTimeProductNotification":{"notificationType":1,"purchaseToken":"token-1","sku":"tokens_600"}}`
	envelope := fmt.Sprintf(`{"message":{"data":%q},"subscription":"projects/p/subscriptions/s"}`, base64.StdEncoding.EncodeToString([]byte(notification)))
	recorder := harness.do(t, http.MethodPost, "/v1/webhooks/google", envelope, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("webhook: status %d body %s", recorder.Code, recorder.Body.String())
	}

	recorder = harness.do(t, http.MethodPost, "/v1/webhooks/google", `{"message":{"data":"not base64!!"}}`, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad base64, got %d", recorder.Code)
	}
	recorder = harness.do(t, http.MethodPost, "/v1/webhooks/google", `{"message":{}}`, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", recorder.Code)
	}
}
