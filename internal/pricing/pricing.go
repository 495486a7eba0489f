// Package pricing maps vendor/model pairs to per-token prices, used to
// attribute input and output cost to runs whose provider does not
// report cost in the usage block.
package pricing

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var defaultTable []byte

// ModelPricing holds USD prices per one million tokens.
type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Table maps vendor -> model name -> pricing.
type Table struct {
	Vendors map[string]map[string]ModelPricing
}

// Default returns the table embedded in the binary.
func Default() (*Table, error) {
	return parse(defaultTable)
}

// Load reads a pricing table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Table, error) {
	var vendors map[string]map[string]ModelPricing
	if err := yaml.Unmarshal(data, &vendors); err != nil {
		return nil, fmt.Errorf("parsing pricing table: %w", err)
	}
	return &Table{Vendors: vendors}, nil
}

// Cost returns the input and output cost in USD for a request. Unknown
// vendors or models cost zero.
func (t *Table) Cost(vendor, model string, inputTokens, outputTokens int) (inCost, outCost float64) {
	if t == nil || t.Vendors == nil {
		return 0, 0
	}
	models, ok := t.Vendors[vendor]
	if !ok {
		return 0, 0
	}
	p, ok := models[model]
	if !ok {
		return 0, 0
	}
	const million = 1_000_000
	return float64(inputTokens) / million * p.Input,
		float64(outputTokens) / million * p.Output
}
