package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/mindloadai/tokenledger/internal/catalog"
	"github.com/mindloadai/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

// ErrUnmappedAccount is returned when a platform notification carries no
// account reference we can resolve to a user.
var ErrUnmappedAccount = errors.New("notification has no account mapping")

// AppleNotification is the decoded App Store Server Notification V2 payload.
type AppleNotification struct {
	NotificationType string
	Subtype          string
	TransactionID    string
	ProductID        string
	AppAccountToken  string
}

// AppleNotificationDecoder verifies and decodes a signedPayload JWS.
type AppleNotificationDecoder interface {
	DecodeNotification(signedPayload string) (AppleNotification, error)
}

// SubscriptionClient verifies a subscription purchase token.
type SubscriptionClient interface {
	VerifySubscription(ctx context.Context, subscriptionID string, purchaseToken string) (PurchaseInfo, error)
}

// GoogleDeveloperNotification is the decoded RTDN payload.
type GoogleDeveloperNotification struct {
	Version     string `json:"version"`
	PackageName string `json:"packageName"`

	OneTimeProductNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SKU              string `json:"sku"`
	} `json:"oneTimeProductNotification"`

	SubscriptionNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

// Google RTDN subscription notification types we act on.
const (
	googleSubscriptionRecovered = 1
	googleSubscriptionRenewed   = 2
	googleSubscriptionPurchased = 4
	googleSubscriptionRevoked   = 12
	googleSubscriptionExpired   = 13

	googleOneTimePurchased = 1
)

// WithAppleDecoder wires the Apple webhook payload decoder.
func WithAppleDecoder(decoder AppleNotificationDecoder) Option {
	return func(verifier *Verifier) {
		verifier.appleDecoder = decoder
	}
}

// WithGoogleSubscriptions wires the Google subscription verification client.
func WithGoogleSubscriptions(client SubscriptionClient) Option {
	return func(verifier *Verifier) {
		verifier.googleSubscriptions = client
	}
}

// ProcessAppleNotification handles one App Store server notification.
// Delivery count is irrelevant: crediting dedups on the transaction id and
// tier changes are level-triggered.
func (verifier *Verifier) ProcessAppleNotification(ctx context.Context, signedPayload string) error {
	if verifier.appleDecoder == nil {
		return fmt.Errorf("%w: apple decoder not configured", ledger.ErrInvalidServiceConfig)
	}
	notification, err := verifier.appleDecoder.DecodeNotification(signedPayload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}
	if notification.AppAccountToken == "" {
		return ErrUnmappedAccount
	}
	userID, err := ledger.NewUserID(notification.AppAccountToken)
	if err != nil {
		return err
	}
	account, err := verifier.service.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return err
	}

	if tier, tierErr := verifier.catalog.TierFor(notification.ProductID); tierErr == nil {
		return verifier.applyTierEvent(ctx, account.AccountID, tier, notification.NotificationType)
	}

	switch notification.NotificationType {
	case "ONE_TIME_CHARGE", "CONSUMPTION_REQUEST":
		requestID, err := ledger.NewRequestID("apple:" + notification.TransactionID)
		if err != nil {
			return err
		}
		_, err = verifier.VerifyAndCredit(ctx, ledger.PlatformApple, notification.TransactionID, signedPayload, notification.ProductID, account.AccountID, requestID)
		return err
	default:
		verifier.logger.Info("apple notification ignored",
			zap.String("notification_type", notification.NotificationType),
			zap.String("product_id", notification.ProductID),
		)
		return nil
	}
}

// ProcessGoogleNotification handles one decoded RTDN message.
func (verifier *Verifier) ProcessGoogleNotification(ctx context.Context, notification GoogleDeveloperNotification) error {
	switch {
	case notification.OneTimeProductNotification != nil:
		oneTime := notification.OneTimeProductNotification
		if oneTime.NotificationType != googleOneTimePurchased {
			return nil
		}
		// The purchase record itself carries the account mapping, so the
		// platform call happens before we know who to credit.
		info, err := verifier.callPlatform(ctx, ledger.PlatformGoogle, oneTime.PurchaseToken, oneTime.PurchaseToken, oneTime.SKU)
		if err != nil {
			verifier.countRejected(ledger.PlatformGoogle, err)
			return err
		}
		if info.AccountToken == "" {
			return ErrUnmappedAccount
		}
		userID, err := ledger.NewUserID(info.AccountToken)
		if err != nil {
			return err
		}
		account, err := verifier.service.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		requestID, err := ledger.NewRequestID("google:" + info.TransactionID)
		if err != nil {
			return err
		}
		_, err = verifier.VerifyAndCredit(ctx, ledger.PlatformGoogle, info.TransactionID, oneTime.PurchaseToken, oneTime.SKU, account.AccountID, requestID)
		return err

	case notification.SubscriptionNotification != nil:
		subscription := notification.SubscriptionNotification
		if verifier.googleSubscriptions == nil {
			return fmt.Errorf("%w: google subscription client not configured", ledger.ErrInvalidServiceConfig)
		}
		info, err := verifier.googleSubscriptions.VerifySubscription(ctx, subscription.SubscriptionID, subscription.PurchaseToken)
		if err != nil {
			return err
		}
		if info.AccountToken == "" {
			return ErrUnmappedAccount
		}
		userID, err := ledger.NewUserID(info.AccountToken)
		if err != nil {
			return err
		}
		account, err := verifier.service.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		tier, err := verifier.catalog.TierFor(subscription.SubscriptionID)
		if err != nil {
			if errors.Is(err, catalog.ErrUnknownProduct) {
				verifier.logger.Warn("rtdn for uncataloged subscription", zap.String("subscription_id", subscription.SubscriptionID))
				return nil
			}
			return err
		}
		switch subscription.NotificationType {
		case googleSubscriptionPurchased, googleSubscriptionRenewed, googleSubscriptionRecovered:
			_, err = verifier.service.SetTier(ctx, account.AccountID, tier)
		case googleSubscriptionExpired, googleSubscriptionRevoked:
			_, err = verifier.service.SetTier(ctx, account.AccountID, ledger.TierFree)
		default:
			err = nil
		}
		return err
	}
	return nil
}

func (verifier *Verifier) applyTierEvent(ctx context.Context, accountID string, tier ledger.Tier, notificationType string) error {
	switch notificationType {
	case "SUBSCRIBED", "DID_RENEW", "DID_CHANGE_RENEWAL_PREF":
		_, err := verifier.service.SetTier(ctx, accountID, tier)
		return err
	case "EXPIRED", "REVOKE", "GRACE_PERIOD_EXPIRED":
		_, err := verifier.service.SetTier(ctx, accountID, ledger.TierFree)
		return err
	default:
		verifier.logger.Info("apple subscription notification ignored", zap.String("notification_type", notificationType))
		return nil
	}
}
