package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mindloadai/tokenledger/internal/catalog"
	"github.com/mindloadai/tokenledger/internal/verifier"
	"github.com/mindloadai/tokenledger/pkg/ledger"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func respondError(writer http.ResponseWriter, status int, code string, message string) {
	respondJSON(writer, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// respondLedgerError maps domain sentinels onto HTTP statuses. Unknown errors
// surface as 500 without leaking internals.
func respondLedgerError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		respondError(writer, http.StatusPaymentRequired, "insufficient_balance", "not enough tokens")
	case errors.Is(err, ledger.ErrAccountNotFound):
		respondError(writer, http.StatusNotFound, "account_not_found", "account not found")
	case errors.Is(err, ledger.ErrEntryNotFound):
		respondError(writer, http.StatusNotFound, "entry_not_found", "ledger entry not found")
	case errors.Is(err, ledger.ErrAccountArchived):
		respondError(writer, http.StatusGone, "account_archived", "account is archived")
	case errors.Is(err, ledger.ErrTemporarilyUnavailable):
		respondError(writer, http.StatusServiceUnavailable, "temporarily_unavailable", "write contention, retry with the same request id")
	case errors.Is(err, ledger.ErrDuplicateReceipt):
		respondError(writer, http.StatusConflict, "duplicate_receipt", "transaction already credited")
	case errors.Is(err, catalog.ErrUnknownProduct):
		respondError(writer, http.StatusBadRequest, "unknown_product", "product is not in the catalog")
	case errors.Is(err, verifier.ErrInvalidReceipt):
		respondError(writer, http.StatusUnprocessableEntity, "invalid_receipt", "platform rejected the receipt")
	case errors.Is(err, verifier.ErrVerificationFailed):
		respondError(writer, http.StatusBadGateway, "verification_failed", "platform verification unavailable")
	case errors.Is(err, verifier.ErrUnknownPlatform):
		respondError(writer, http.StatusBadRequest, "unknown_platform", "unsupported purchase platform")
	case errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidRequestID),
		errors.Is(err, ledger.ErrInvalidTokenAmount),
		errors.Is(err, ledger.ErrInvalidMetadataJSON),
		errors.Is(err, ledger.ErrInvalidPlatform),
		errors.Is(err, ledger.ErrInvalidTier):
		respondError(writer, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		respondError(writer, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeJSON(request *http.Request, target any) error {
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
