package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	appleProductionBaseURL = "https://api.storekit.itunes.apple.com"
	appleSandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"

	appleTokenAudience = "appstoreconnect-v1"
	appleTokenLifetime = 20 * time.Minute
)

// AppleOption configures an AppleClient.
type AppleOption func(*AppleClient)

// WithAppleBaseURL overrides the App Store Server API endpoint (sandbox, tests).
func WithAppleBaseURL(baseURL string) AppleOption {
	return func(client *AppleClient) {
		if baseURL != "" {
			client.baseURL = baseURL
		}
	}
}

// WithAppleSandbox points the client at the sandbox environment.
func WithAppleSandbox() AppleOption {
	return func(client *AppleClient) {
		client.baseURL = appleSandboxBaseURL
	}
}

// WithAppleHTTPClient overrides the HTTP client.
func WithAppleHTTPClient(httpClient *http.Client) AppleOption {
	return func(client *AppleClient) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithAppleRoots supplies the Apple root certificates used to verify the x5c
// chain on signed payloads. Without a pool only the leaf signature is checked.
func WithAppleRoots(roots *x509.CertPool) AppleOption {
	return func(client *AppleClient) {
		client.roots = roots
	}
}

// AppleClient talks to the App Store Server API and decodes Apple's signed
// (JWS) transaction and notification payloads.
type AppleClient struct {
	issuerID   string
	keyID      string
	bundleID   string
	signingKey *ecdsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	roots      *x509.CertPool
	nowFn      func() time.Time
}

// NewAppleClient wires an AppleClient from App Store Connect API credentials.
func NewAppleClient(issuerID string, keyID string, bundleID string, privateKeyPEM []byte, options ...AppleOption) (*AppleClient, error) {
	if issuerID == "" || keyID == "" || bundleID == "" {
		return nil, fmt.Errorf("apple client: issuer id, key id, and bundle id are required")
	}
	signingKey, err := jwt.ParseECPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("apple client: parse signing key: %w", err)
	}
	client := &AppleClient{
		issuerID:   issuerID,
		keyID:      keyID,
		bundleID:   bundleID,
		signingKey: signingKey,
		baseURL:    appleProductionBaseURL,
		httpClient: http.DefaultClient,
		nowFn:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// authToken mints the short-lived ES256 bearer token the API requires.
func (client *AppleClient) authToken() (string, error) {
	now := client.nowFn()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": client.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(appleTokenLifetime).Unix(),
		"aud": appleTokenAudience,
		"bid": client.bundleID,
	})
	token.Header["kid"] = client.keyID
	return token.SignedString(client.signingKey)
}

// VerifyPurchase fetches the transaction from the App Store Server API and
// validates the signed transaction payload.
func (client *AppleClient) VerifyPurchase(ctx context.Context, transactionID string, _ string, _ string) (PurchaseInfo, error) {
	bearer, err := client.authToken()
	if err != nil {
		return PurchaseInfo{}, fmt.Errorf("apple client: auth token: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/inApps/v1/transactions/"+transactionID, nil)
	if err != nil {
		return PurchaseInfo{}, err
	}
	request.Header.Set("Authorization", "Bearer "+bearer)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return PurchaseInfo{}, markTransient(err)
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return PurchaseInfo{}, markTransient(err)
	}
	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusNotFound:
		return PurchaseInfo{}, fmt.Errorf("%w: transaction %s not found", ErrInvalidReceipt, transactionID)
	case response.StatusCode == http.StatusUnauthorized:
		return PurchaseInfo{}, fmt.Errorf("%w: app store credentials rejected", ErrVerificationFailed)
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError:
		return PurchaseInfo{}, markTransient(fmt.Errorf("app store api status %d", response.StatusCode))
	default:
		return PurchaseInfo{}, fmt.Errorf("%w: app store api status %d", ErrVerificationFailed, response.StatusCode)
	}

	var payload struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PurchaseInfo{}, fmt.Errorf("%w: decode response: %v", ErrVerificationFailed, err)
	}
	transaction, err := client.decodeTransaction(payload.SignedTransactionInfo)
	if err != nil {
		return PurchaseInfo{}, err
	}
	if transaction.BundleID != client.bundleID {
		return PurchaseInfo{}, fmt.Errorf("%w: bundle id mismatch %q", ErrInvalidReceipt, transaction.BundleID)
	}
	return PurchaseInfo{
		TransactionID: transaction.TransactionID,
		ProductID:     transaction.ProductID,
		AccountToken:  transaction.AppAccountToken,
	}, nil
}

type appleTransactionClaims struct {
	jwt.RegisteredClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	AppAccountToken       string `json:"appAccountToken"`
}

type appleNotificationClaims struct {
	jwt.RegisteredClaims
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

// DecodeNotification verifies and decodes a server notification signedPayload,
// including the nested signed transaction.
func (client *AppleClient) DecodeNotification(signedPayload string) (AppleNotification, error) {
	var outer appleNotificationClaims
	if err := client.parseJWS(signedPayload, &outer); err != nil {
		return AppleNotification{}, fmt.Errorf("notification payload: %w", err)
	}
	notification := AppleNotification{
		NotificationType: outer.NotificationType,
		Subtype:          outer.Subtype,
	}
	if outer.Data.SignedTransactionInfo != "" {
		transaction, err := client.decodeTransaction(outer.Data.SignedTransactionInfo)
		if err != nil {
			return AppleNotification{}, err
		}
		notification.TransactionID = transaction.TransactionID
		notification.ProductID = transaction.ProductID
		notification.AppAccountToken = transaction.AppAccountToken
	}
	return notification, nil
}

func (client *AppleClient) decodeTransaction(signedTransaction string) (appleTransactionClaims, error) {
	var claims appleTransactionClaims
	if err := client.parseJWS(signedTransaction, &claims); err != nil {
		return appleTransactionClaims{}, fmt.Errorf("%w: signed transaction: %v", ErrInvalidReceipt, err)
	}
	return claims, nil
}

// parseJWS validates an Apple JWS against the certificate chain embedded in
// its x5c header.
func (client *AppleClient) parseJWS(token string, claims jwt.Claims) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	_, err := parser.ParseWithClaims(token, claims, client.x5cKeyFunc)
	return err
}

func (client *AppleClient) x5cKeyFunc(token *jwt.Token) (interface{}, error) {
	rawChain, ok := token.Header["x5c"].([]interface{})
	if !ok || len(rawChain) == 0 {
		return nil, fmt.Errorf("missing x5c certificate chain")
	}
	certificates := make([]*x509.Certificate, 0, len(rawChain))
	for _, rawCertificate := range rawChain {
		encoded, ok := rawCertificate.(string)
		if !ok {
			return nil, fmt.Errorf("malformed x5c entry")
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode x5c entry: %w", err)
		}
		certificate, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c certificate: %w", err)
		}
		certificates = append(certificates, certificate)
	}
	if client.roots != nil {
		intermediates := x509.NewCertPool()
		for _, certificate := range certificates[1:] {
			intermediates.AddCert(certificate)
		}
		if _, err := certificates[0].Verify(x509.VerifyOptions{
			Roots:         client.roots,
			Intermediates: intermediates,
			CurrentTime:   client.nowFn(),
		}); err != nil {
			return nil, fmt.Errorf("x5c chain verification: %w", err)
		}
	}
	return certificates[0].PublicKey, nil
}
