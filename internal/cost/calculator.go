// Package cost prices finished requests from their token usage.
package cost

import (
	"strings"
	"sync"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

// ModelPricing is the USD price per thousand tokens.
type ModelPricing struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4":                      {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":                {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":                     {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":              {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"gemini-1.5-pro":             {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":           {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-2.0-flash":           {InputPer1K: 0.0001, OutputPer1K: 0.0004},
}

// Calculator is safe for concurrent use. Models without a price cost zero,
// which is the case for self-hosted backends.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCalculator starts from the built-in price list; overrides replace or
// add entries.
func NewCalculator(overrides map[string]ModelPricing) *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing)+len(overrides))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	for model, p := range overrides {
		pricing[model] = p
	}
	return &Calculator{pricing: pricing}
}

func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	pricing, ok := c.lookup(model)
	if !ok {
		return 0
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

// lookup also resolves versioned names such as "gpt-4o-2024-08-06" or
// "gemini-1.5-pro-002" to their base entry.
func (c *Calculator) lookup(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	var best string
	for name := range c.pricing {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return c.pricing[best], true
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}
