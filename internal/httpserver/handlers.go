package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mindloadai/tokenledger/internal/abuseguard"
	"github.com/mindloadai/tokenledger/internal/verifier"
	"github.com/mindloadai/tokenledger/pkg/ledger"
)

type accountBody struct {
	AccountID                 string      `json:"account_id"`
	UserID                    string      `json:"user_id"`
	Tier                      ledger.Tier `json:"tier"`
	Balance                   int64       `json:"balance"`
	MonthlyAllowanceRemaining int64       `json:"monthly_allowance_remaining"`
	RolloverBalance           int64       `json:"rollover_balance"`
	PurchasedBalance          int64       `json:"purchased_balance"`
	LastResetUnixUTC          int64       `json:"last_reset_unix_utc"`
	Archived                  bool        `json:"archived"`
}

type entryBody struct {
	EntryID        string          `json:"entry_id"`
	Seq            int64           `json:"seq"`
	Action         ledger.Action   `json:"action"`
	Amount         int64           `json:"amount"`
	RequestID      string          `json:"request_id"`
	Source         string          `json:"source"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func accountToBody(account ledger.Account) accountBody {
	return accountBody{
		AccountID:                 account.AccountID,
		UserID:                    account.UserID,
		Tier:                      account.Tier,
		Balance:                   account.Balance,
		MonthlyAllowanceRemaining: account.MonthlyAllowanceRemaining,
		RolloverBalance:           account.RolloverBalance,
		PurchasedBalance:          account.PurchasedBalance(),
		LastResetUnixUTC:          account.LastResetUnixUTC,
		Archived:                  account.Archived,
	}
}

func entryToBody(entry ledger.Entry) entryBody {
	body := entryBody{
		EntryID:        entry.EntryID,
		Seq:            entry.Seq,
		Action:         entry.Action,
		Amount:         entry.Amount.Int64(),
		RequestID:      entry.RequestID,
		Source:         entry.Source.String(),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
	if entry.MetadataJSON != "" {
		body.Metadata = json.RawMessage(entry.MetadataJSON)
	}
	return body
}

// checkGuard consults the abuse guard and, when the verdict is not allowed,
// writes the response itself and reports false.
func (server *Server) checkGuard(writer http.ResponseWriter, request *http.Request, subjectID string, actionType string) bool {
	if server.guard == nil {
		return true
	}
	if deviceID := request.Header.Get(deviceHeader); deviceID != "" {
		if server.guard.RecordDevice(deviceID, subjectID) {
			server.logger.Warn("device over account limit",
				zap.String("device_id", deviceID),
				zap.String("account_id", subjectID),
			)
		}
	}
	switch server.guard.CheckAndRecord(subjectID, actionType) {
	case abuseguard.VerdictBlocked:
		respondError(writer, http.StatusTooManyRequests, "rate_limited", "too many attempts, try again later")
		return false
	case abuseguard.VerdictChallenge:
		respondError(writer, http.StatusForbidden, "challenge_required", "additional verification required")
		return false
	}
	return true
}

func (server *Server) handleGetOrCreateAccount(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(request, &body); err != nil {
		respondError(writer, http.StatusBadRequest, "invalid_request", "malformed json body")
		return
	}
	userID, err := ledger.NewUserID(body.UserID)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	account, err := server.service.GetOrCreateAccount(request.Context(), userID)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	respondJSON(writer, http.StatusOK, accountToBody(account))
}

func (server *Server) handleGetAccount(writer http.ResponseWriter, request *http.Request) {
	account, err := server.service.Account(request.Context(), chi.URLParam(request, "accountID"))
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	respondJSON(writer, http.StatusOK, accountToBody(account))
}

func (server *Server) handleHistory(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	afterSeq, _ := strconv.ParseInt(request.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(request.URL.Query().Get("limit"))
	entries, err := server.service.History(request.Context(), accountID, afterSeq, limit)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	bodies := make([]entryBody, 0, len(entries))
	for _, entry := range entries {
		bodies = append(bodies, entryToBody(entry))
	}
	respondJSON(writer, http.StatusOK, map[string]any{"entries": bodies})
}

// handleStream pushes balance snapshots over SSE. The current snapshot is sent
// first so a reconnecting client never misses state.
func (server *Server) handleStream(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	account, err := server.service.Account(request.Context(), accountID)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	flusher, ok := writer.(http.Flusher)
	if !ok {
		respondError(writer, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	snapshots, cancel := server.broadcaster.Subscribe(accountID)
	defer cancel()

	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Header().Set("Connection", "keep-alive")
	writer.WriteHeader(http.StatusOK)

	writeSnapshot := func(snapshot ledger.AccountSnapshot) bool {
		payload, marshalErr := json.Marshal(snapshot)
		if marshalErr != nil {
			return false
		}
		if _, writeErr := fmt.Fprintf(writer, "data: %s\n\n", payload); writeErr != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !writeSnapshot(ledger.AccountSnapshot{
		AccountID:                 account.AccountID,
		Tier:                      account.Tier,
		Balance:                   account.Balance,
		MonthlyAllowanceRemaining: account.MonthlyAllowanceRemaining,
		RolloverBalance:           account.RolloverBalance,
		LastEntryID:               account.LastEntryID,
	}) {
		return
	}
	for {
		select {
		case <-request.Context().Done():
			return
		case snapshot, open := <-snapshots:
			if !open {
				return
			}
			if !writeSnapshot(snapshot) {
				return
			}
		}
	}
}

func (server *Server) handleConsume(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		AccountID string          `json:"account_id"`
		Amount    int64           `json:"amount"`
		RequestID string          `json:"request_id"`
		Feature   string          `json:"feature"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(request, &body); err != nil {
		respondError(writer, http.StatusBadRequest, "invalid_request", "malformed json body")
		return
	}
	if !server.checkGuard(writer, request, body.AccountID, "consume") {
		return
	}
	cost, err := ledger.NewTokenCost(body.Amount)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	requestID, err := ledger.NewRequestID(body.RequestID)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(body.Metadata))
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	result, err := server.service.Consume(request.Context(), body.AccountID, cost, requestID, body.Feature, metadata)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	respondJSON(writer, http.StatusOK, result)
}

func (server *Server) handleVerifyPurchase(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		AccountID     string `json:"account_id"`
		Platform      string `json:"platform"`
		TransactionID string `json:"transaction_id"`
		Receipt       string `json:"receipt"`
		ProductID     string `json:"product_id"`
		RequestID     string `json:"request_id"`
	}
	if err := decodeJSON(request, &body); err != nil {
		respondError(writer, http.StatusBadRequest, "invalid_request", "malformed json body")
		return
	}
	if !server.checkGuard(writer, request, body.AccountID, "purchase") {
		return
	}
	platform, err := ledger.ParsePlatform(body.Platform)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	requestID, err := ledger.NewRequestID(body.RequestID)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	result, err := server.verifier.VerifyAndCredit(request.Context(), platform, body.TransactionID, body.Receipt, body.ProductID, body.AccountID, requestID)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	respondJSON(writer, http.StatusOK, result)
}

// handleRestorePurchases replays a batch of historical transactions. Receipt
// dedup makes already-credited entries no-ops, so the endpoint is safe to call
// on every app reinstall.
func (server *Server) handleRestorePurchases(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		AccountID    string `json:"account_id"`
		Platform     string `json:"platform"`
		Transactions []struct {
			TransactionID string `json:"transaction_id"`
			ProductID     string `json:"product_id"`
			Receipt       string `json:"receipt"`
		} `json:"transactions"`
	}
	if err := decodeJSON(request, &body); err != nil {
		respondError(writer, http.StatusBadRequest, "invalid_request", "malformed json body")
		return
	}
	if !server.checkGuard(writer, request, body.AccountID, "restore") {
		return
	}
	platform, err := ledger.ParsePlatform(body.Platform)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	type restoreOutcome struct {
		TransactionID string           `json:"transaction_id"`
		Result        *verifier.Result `json:"result,omitempty"`
		Error         string           `json:"error,omitempty"`
	}
	outcomes := make([]restoreOutcome, 0, len(body.Transactions))
	for _, transaction := range body.Transactions {
		requestID, idErr := ledger.NewRequestID(fmt.Sprintf("restore:%s:%s", platform, transaction.TransactionID))
		if idErr != nil {
			outcomes = append(outcomes, restoreOutcome{TransactionID: transaction.TransactionID, Error: "invalid transaction id"})
			continue
		}
		result, verifyErr := server.verifier.VerifyAndCredit(request.Context(), platform, transaction.TransactionID, transaction.Receipt, transaction.ProductID, body.AccountID, requestID)
		if verifyErr != nil {
			server.logger.Warn("restore transaction failed",
				zap.String("transaction_id", transaction.TransactionID),
				zap.Error(verifyErr),
			)
			outcomes = append(outcomes, restoreOutcome{TransactionID: transaction.TransactionID, Error: "not restored"})
			continue
		}
		outcomes = append(outcomes, restoreOutcome{TransactionID: transaction.TransactionID, Result: &result})
	}
	respondJSON(writer, http.StatusOK, map[string]any{"restored": outcomes})
}

func (server *Server) handleAppleWebhook(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := decodeJSON(request, &body); err != nil || body.SignedPayload == "" {
		respondError(writer, http.StatusBadRequest, "invalid_request", "missing signedPayload")
		return
	}
	err := server.verifier.ProcessAppleNotification(request.Context(), body.SignedPayload)
	switch {
	case err == nil, errors.Is(err, verifier.ErrUnmappedAccount):
		// Unmapped tokens are acked so the platform stops redelivering.
		respondJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, verifier.ErrInvalidReceipt):
		respondError(writer, http.StatusBadRequest, "invalid_payload", "signed payload rejected")
	default:
		server.logger.Error("apple notification failed", zap.Error(err))
		respondError(writer, http.StatusInternalServerError, "internal", "notification processing failed")
	}
}

// handleGoogleWebhook accepts the Pub/Sub push envelope carrying a real-time
// developer notification.
func (server *Server) handleGoogleWebhook(writer http.ResponseWriter, request *http.Request) {
	var envelope struct {
		Message struct {
			Data string `json:"data"`
		} `json:"message"`
		Subscription string `json:"subscription"`
	}
	if err := json.NewDecoder(request.Body).Decode(&envelope); err != nil || envelope.Message.Data == "" {
		respondError(writer, http.StatusBadRequest, "invalid_request", "missing pubsub message data")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		respondError(writer, http.StatusBadRequest, "invalid_request", "message data is not base64")
		return
	}
	var notification verifier.GoogleDeveloperNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		respondError(writer, http.StatusBadRequest, "invalid_request", "malformed developer notification")
		return
	}
	err = server.verifier.ProcessGoogleNotification(request.Context(), notification)
	switch {
	case err == nil, errors.Is(err, verifier.ErrUnmappedAccount), errors.Is(err, verifier.ErrInvalidReceipt):
		respondJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
	default:
		server.logger.Error("google notification failed", zap.Error(err))
		respondError(writer, http.StatusInternalServerError, "internal", "notification processing failed")
	}
}

func (server *Server) handleAdjust(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	var body struct {
		Delta     int64           `json:"delta"`
		RequestID string          `json:"request_id"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(request, &body); err != nil {
		respondError(writer, http.StatusBadRequest, "invalid_request", "malformed json body")
		return
	}
	requestID, err := ledger.NewRequestID(body.RequestID)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(body.Metadata))
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	result, err := server.service.Adjust(request.Context(), accountID, ledger.Tokens(body.Delta), requestID, ledger.NewManualAdjustmentSource(), metadata)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	respondJSON(writer, http.StatusOK, result)
}

func (server *Server) handleSetTier(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	var body struct {
		Tier string `json:"tier"`
	}
	if err := decodeJSON(request, &body); err != nil {
		respondError(writer, http.StatusBadRequest, "invalid_request", "malformed json body")
		return
	}
	tier, err := ledger.ParseTier(body.Tier)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	account, err := server.service.SetTier(request.Context(), accountID, tier)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	respondJSON(writer, http.StatusOK, accountToBody(account))
}

func (server *Server) handleArchive(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	if err := server.service.Archive(request.Context(), accountID); err != nil {
		respondLedgerError(writer, err)
		return
	}
	respondJSON(writer, http.StatusOK, map[string]string{"status": "archived"})
}

func (server *Server) handleMonthlyReset(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "accountID")
	result, applied, err := server.service.MonthlyReset(request.Context(), accountID)
	if err != nil {
		respondLedgerError(writer, err)
		return
	}
	respondJSON(writer, http.StatusOK, map[string]any{"applied": applied, "result": result})
}
