package cost

import (
	"math"
	"testing"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

func TestCalculator_Calculate(t *testing.T) {
	calc := NewCalculator(nil)

	tests := []struct {
		name     string
		model    string
		usage    domain.Usage
		expected float64
	}{
		{
			name:  "gpt-4 with tokens",
			model: "gpt-4",
			usage: domain.Usage{
				PromptTokens:     1000,
				CompletionTokens: 500,
			},
			expected: 0.03 + 0.03, // 1K * 0.03 + 0.5K * 0.06
		},
		{
			name:  "unknown model returns zero",
			model: "llama3",
			usage: domain.Usage{
				PromptTokens:     1000,
				CompletionTokens: 500,
			},
			expected: 0,
		},
		{
			name:  "versioned name uses the longest base entry",
			model: "gpt-4o-mini-2024-07-18",
			usage: domain.Usage{
				PromptTokens:     2000,
				CompletionTokens: 1000,
			},
			expected: 0.0003 + 0.0006,
		},
		{
			name:  "gemini",
			model: "gemini-1.5-flash",
			usage: domain.Usage{
				PromptTokens:     1000,
				CompletionTokens: 1000,
			},
			expected: 0.000075 + 0.0003,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := calc.Calculate(tt.model, tt.usage)
			if math.Abs(result-tt.expected) > 1e-12 {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestCalculator_Overrides(t *testing.T) {
	calc := NewCalculator(map[string]ModelPricing{
		"llama3": {InputPer1K: 0.0001, OutputPer1K: 0.0002},
		"gpt-4":  {InputPer1K: 1, OutputPer1K: 1},
	})

	usage := domain.Usage{PromptTokens: 1000, CompletionTokens: 1000}
	if got := calc.Calculate("llama3", usage); math.Abs(got-0.0003) > 1e-12 {
		t.Errorf("llama3 cost = %f", got)
	}
	if got := calc.Calculate("gpt-4", usage); got != 2 {
		t.Errorf("override must replace the default, got %f", got)
	}
	if got := NewCalculator(nil).Calculate("gpt-4", usage); math.Abs(got-0.09) > 1e-12 {
		t.Errorf("overrides must not leak into other calculators, got %f", got)
	}
}

func TestCalculator_SetPricing(t *testing.T) {
	calc := NewCalculator(nil)
	calc.SetPricing("mistral", ModelPricing{InputPer1K: 0.002, OutputPer1K: 0.002})

	got := calc.Calculate("mistral", domain.Usage{PromptTokens: 500, CompletionTokens: 500})
	if math.Abs(got-0.002) > 1e-12 {
		t.Errorf("expected 0.002, got %f", got)
	}
}

func BenchmarkCalculator_Calculate(b *testing.B) {
	calc := NewCalculator(nil)
	usage := domain.Usage{PromptTokens: 1200, CompletionTokens: 300}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Calculate("claude-3-5-sonnet-20241022", usage)
	}
}
