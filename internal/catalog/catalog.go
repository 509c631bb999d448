// Package catalog maps store product identifiers to token credit amounts and
// subscription tiers. The mapping is configuration, not ledger logic: the
// shipped defaults can be replaced wholesale by a config file.
package catalog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mindloadai/tokenledger/pkg/ledger"
	"github.com/spf13/viper"
)

// ErrUnknownProduct is returned for product ids missing from the catalog.
var ErrUnknownProduct = errors.New("unknown product")

// Product describes one purchasable item.
type Product struct {
	ProductID string `mapstructure:"product_id"`
	// Credits granted for a consumable token pack. Zero for subscriptions.
	Credits int64 `mapstructure:"credits"`
	// Tier granted by a subscription product. Empty for token packs.
	Tier string `mapstructure:"tier"`
}

// Catalog resolves product ids. Safe for concurrent use.
type Catalog struct {
	mutex    sync.RWMutex
	products map[string]Product
}

// Default returns the shipped MindLoad product set.
func Default() *Catalog {
	return fromProducts([]Product{
		{ProductID: "tokens_50", Credits: 50},
		{ProductID: "tokens_250", Credits: 250},
		{ProductID: "tokens_600", Credits: 600},
		{ProductID: "tokens_1500", Credits: 1500},
		{ProductID: "mindload_starter_monthly", Tier: ledger.TierStarter.String()},
		{ProductID: "mindload_pro_monthly", Tier: ledger.TierPro.String()},
		{ProductID: "mindload_max_monthly", Tier: ledger.TierMax.String()},
	})
}

// Load reads a catalog file (yaml/toml/json, decided by extension) with a
// top-level "products" list. The file replaces the defaults entirely.
func Load(path string) (*Catalog, error) {
	loader := viper.New()
	loader.SetConfigFile(path)
	if err := loader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("catalog read: %w", err)
	}
	var parsed struct {
		Products []Product `mapstructure:"products"`
	}
	if err := loader.Unmarshal(&parsed); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}
	if len(parsed.Products) == 0 {
		return nil, fmt.Errorf("catalog decode: no products in %s", path)
	}
	for _, product := range parsed.Products {
		if product.ProductID == "" {
			return nil, fmt.Errorf("catalog decode: product with empty product_id in %s", path)
		}
		if product.Credits <= 0 && product.Tier == "" {
			return nil, fmt.Errorf("catalog decode: product %q grants neither credits nor a tier", product.ProductID)
		}
		if product.Tier != "" {
			if _, err := ledger.ParseTier(product.Tier); err != nil {
				return nil, fmt.Errorf("catalog decode: product %q: %w", product.ProductID, err)
			}
		}
	}
	return fromProducts(parsed.Products), nil
}

func fromProducts(products []Product) *Catalog {
	indexed := make(map[string]Product, len(products))
	for _, product := range products {
		indexed[product.ProductID] = product
	}
	return &Catalog{products: indexed}
}

// Credits resolves a consumable product to its token grant.
func (catalog *Catalog) Credits(productID string) (ledger.TokenCost, error) {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	product, ok := catalog.products[productID]
	if !ok || product.Credits <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	return ledger.NewTokenCost(product.Credits)
}

// TierFor resolves a subscription product to the tier it grants.
func (catalog *Catalog) TierFor(productID string) (ledger.Tier, error) {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	product, ok := catalog.products[productID]
	if !ok || product.Tier == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	return ledger.ParseTier(product.Tier)
}
