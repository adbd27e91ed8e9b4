package ledger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPricing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := `models:
  gpt-4o:
    input: 2.5
    output: 10.0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write pricing file: %v", err)
	}

	pricing, err := LoadPricing(path)
	if err != nil {
		t.Fatalf("LoadPricing: %v", err)
	}

	price := pricing.Lookup("gpt-4o")
	if price.Input != 2.5 || price.Output != 10.0 {
		t.Fatalf("unexpected price %+v", price)
	}
	if zero := pricing.Lookup("missing"); zero.Input != 0 || zero.Output != 0 {
		t.Fatalf("unlisted model must be zero priced, got %+v", zero)
	}
}

func TestLoadPricingMissingFile(t *testing.T) {
	pricing, err := LoadPricing(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if price := pricing.Lookup("anything"); price.Input != 0 {
		t.Fatalf("empty table must price everything at zero, got %+v", price)
	}
}

func TestLoadPricingMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte(":\n\t bad"), 0o600); err != nil {
		t.Fatalf("write pricing file: %v", err)
	}
	if _, err := LoadPricing(path); err == nil {
		t.Fatal("malformed yaml must error")
	}
}
