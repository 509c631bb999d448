package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mindloadai/tokenledger/pkg/ledger"
)

func TestDefaultCatalogResolvesTokenPacks(t *testing.T) {
	t.Parallel()
	productCatalog := Default()

	credits, err := productCatalog.Credits("tokens_250")
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	if credits.Int64() != 250 {
		t.Fatalf("expected 250 credits, got %d", credits.Int64())
	}
	if _, err := productCatalog.Credits("tokens_9999"); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	// Subscription products do not grant consumable credits.
	if _, err := productCatalog.Credits("mindload_pro_monthly"); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct for subscription, got %v", err)
	}
}

func TestDefaultCatalogResolvesSubscriptionTiers(t *testing.T) {
	t.Parallel()
	productCatalog := Default()

	tier, err := productCatalog.TierFor("mindload_pro_monthly")
	if err != nil {
		t.Fatalf("tier: %v", err)
	}
	if tier != ledger.TierPro {
		t.Fatalf("expected pro, got %s", tier)
	}
	if _, err := productCatalog.TierFor("tokens_50"); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct for token pack, got %v", err)
	}
}

func TestLoadReplacesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	contents := `products:
  - product_id: tokens_100
    credits: 100
  - product_id: premium_monthly
    tier: max
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	productCatalog, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	credits, err := productCatalog.Credits("tokens_100")
	if err != nil || credits.Int64() != 100 {
		t.Fatalf("expected 100 credits, got %d err %v", credits.Int64(), err)
	}
	tier, err := productCatalog.TierFor("premium_monthly")
	if err != nil || tier != ledger.TierMax {
		t.Fatalf("expected max tier, got %s err %v", tier, err)
	}
	if _, err := productCatalog.Credits("tokens_250"); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("defaults must not survive a file load, got %v", err)
	}
}

func TestLoadRejectsInvalidCatalogs(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		contents string
	}{
		{name: "empty products", contents: "products: []\n"},
		{name: "missing product id", contents: "products:\n  - credits: 10\n"},
		{name: "grants nothing", contents: "products:\n  - product_id: dud\n"},
		{name: "unknown tier", contents: "products:\n  - product_id: sub\n    tier: diamond\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			if err := os.WriteFile(path, []byte(tc.contents), 0o600); err != nil {
				t.Fatalf("write catalog: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected load failure")
			}
		})
	}
}
