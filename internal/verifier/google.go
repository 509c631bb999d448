package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Google purchase states on ProductPurchase.
const (
	googlePurchaseStatePurchased = 0
	googlePurchaseStatePending   = 2
)

// GoogleClient verifies purchases through the Google Play Developer API.
// The RTDN purchase token doubles as the receipt payload.
type GoogleClient struct {
	packageName string
	service     *androidpublisher.Service
	nowFn       func() time.Time
}

// NewGoogleClient wires a GoogleClient. Credentials come through the standard
// option chain (service-account file, ADC, or an injected HTTP client in tests).
func NewGoogleClient(ctx context.Context, packageName string, options ...option.ClientOption) (*GoogleClient, error) {
	if packageName == "" {
		return nil, fmt.Errorf("google client: package name is required")
	}
	service, err := androidpublisher.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("google client: %w", err)
	}
	return &GoogleClient{packageName: packageName, service: service, nowFn: time.Now}, nil
}

// VerifyPurchase confirms a one-time product purchase token.
func (client *GoogleClient) VerifyPurchase(ctx context.Context, _ string, purchaseToken string, productID string) (PurchaseInfo, error) {
	purchase, err := client.service.Purchases.Products.Get(client.packageName, productID, purchaseToken).Context(ctx).Do()
	if err != nil {
		return PurchaseInfo{}, mapGoogleError(err)
	}
	switch purchase.PurchaseState {
	case googlePurchaseStatePurchased:
	case googlePurchaseStatePending:
		return PurchaseInfo{}, markTransient(fmt.Errorf("purchase pending"))
	default:
		return PurchaseInfo{}, fmt.Errorf("%w: purchase state %d", ErrInvalidReceipt, purchase.PurchaseState)
	}
	transactionID := purchase.OrderId
	if transactionID == "" {
		transactionID = purchaseToken
	}
	return PurchaseInfo{
		TransactionID: transactionID,
		ProductID:     productID,
		AccountToken:  purchase.ObfuscatedExternalAccountId,
	}, nil
}

// VerifySubscription confirms a subscription purchase token.
func (client *GoogleClient) VerifySubscription(ctx context.Context, subscriptionID string, purchaseToken string) (PurchaseInfo, error) {
	subscription, err := client.service.Purchases.Subscriptions.Get(client.packageName, subscriptionID, purchaseToken).Context(ctx).Do()
	if err != nil {
		return PurchaseInfo{}, mapGoogleError(err)
	}
	if subscription.ExpiryTimeMillis != 0 && time.UnixMilli(subscription.ExpiryTimeMillis).Before(client.nowFn()) {
		return PurchaseInfo{}, fmt.Errorf("%w: subscription expired", ErrInvalidReceipt)
	}
	transactionID := subscription.OrderId
	if transactionID == "" {
		transactionID = purchaseToken
	}
	return PurchaseInfo{
		TransactionID: transactionID,
		ProductID:     subscriptionID,
		AccountToken:  subscription.ObfuscatedExternalAccountId,
	}, nil
}

func mapGoogleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
			return fmt.Errorf("%w: %v", ErrInvalidReceipt, apiErr)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return markTransient(apiErr)
		default:
			return fmt.Errorf("%w: %v", ErrVerificationFailed, apiErr)
		}
	}
	return markTransient(err)
}
