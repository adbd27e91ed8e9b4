package ledger

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPrice is the USD price per million tokens for one model.
type ModelPrice struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Pricing is an immutable lookup table from model identifier to price.
// Unknown models resolve to a zero-priced entry rather than an error, so
// estimation can never block persistence of usage data.
type Pricing struct {
	models map[string]ModelPrice
}

// NewPricing builds a pricing table from an explicit mapping.
func NewPricing(models map[string]ModelPrice) *Pricing {
	copied := make(map[string]ModelPrice, len(models))
	for k, v := range models {
		copied[k] = v
	}
	return &Pricing{models: copied}
}

// LoadPricing reads the pricing table from a YAML file of the form:
//
//	models:
//	  gpt-4-turbo-preview: {input: 10, output: 30}
//
// A missing file yields an empty table: every model estimates to zero.
func LoadPricing(path string) (*Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewPricing(nil), nil
		}
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	var file struct {
		Models map[string]ModelPrice `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	return NewPricing(file.Models), nil
}

// Lookup returns the price for a model, or the zero-priced fallback entry.
func (p *Pricing) Lookup(model string) ModelPrice {
	if p == nil {
		return ModelPrice{}
	}
	return p.models[model]
}
