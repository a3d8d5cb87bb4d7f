package cost

import (
	"math"
	"sync"
	"testing"
)

func TestGetPricing_ConcurrentAddAndLookup(t *testing.T) {
	calc := NewCalculator()
	calc.AddPricing(&ModelPricing{Model: "coach-small", InputPer1M: 10, OutputPer1M: 20})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p, ok := calc.GetPricing("coach-small")
			if !ok {
				t.Error("expected pricing for coach-small")
				return
			}
			p.InputPer1M = 999
		}()
		go func(id int) {
			defer wg.Done()
			calc.AddPricing(&ModelPricing{Model: "coach-large", InputPer1M: float64(id)})
		}(i)
	}
	wg.Wait()

	p, _ := calc.GetPricing("coach-small")
	if p.InputPer1M != 10 {
		t.Errorf("InputPer1M = %v, want 10", p.InputPer1M)
	}
}

func TestGetPricing_LongestPrefixWins(t *testing.T) {
	calc := &Calculator{pricing: map[string]ModelPricing{}}
	calc.AddPricing(&ModelPricing{Model: "coach", InputPer1M: 30})
	calc.AddPricing(&ModelPricing{Model: "coach-pro", InputPer1M: 2.5})

	p, ok := calc.GetPricing("coach-pro-v2")
	if !ok {
		t.Fatal("expected pricing")
	}
	if p.InputPer1M != 2.5 {
		t.Errorf("InputPer1M = %v, want the coach-pro price", p.InputPer1M)
	}

	p, _ = calc.GetPricing("coach-lite")
	if p.InputPer1M != 30 {
		t.Errorf("InputPer1M = %v, want the coach price", p.InputPer1M)
	}
}

func TestGetPricing_ConfiguredOverridesDefault(t *testing.T) {
	calc := NewCalculator()
	calc.AddPricing(&ModelPricing{Model: "gpt-4o-mini", InputPer1M: 1, OutputPer1M: 2})

	p, _ := calc.GetPricing("gpt-4o-mini")
	if p.InputPer1M != 1 {
		t.Errorf("InputPer1M = %v, want the configured 1", p.InputPer1M)
	}
	if other, _ := DefaultCalculator.GetPricing("gpt-4o-mini"); other.InputPer1M != 0.15 {
		t.Errorf("DefaultCalculator changed: %v", other.InputPer1M)
	}
}

func TestGetPricing_NotFound(t *testing.T) {
	calc := NewCalculator()
	if _, ok := calc.GetPricing("mystery-model"); ok {
		t.Error("expected no pricing")
	}
	calc.AddPricing(&ModelPricing{})
	if _, ok := calc.GetPricing(""); ok {
		t.Error("an empty model name must not be priced")
	}
}

func TestGetPricing_QualifiedAndBedrockIDs(t *testing.T) {
	calc := NewCalculator()

	tests := []struct {
		model string
		input float64
	}{
		{"openai:gpt-4o-mini", 0.15},
		{"anthropic/claude-3-5-haiku-latest", 0.8},
		{"anthropic.claude-3-5-haiku-20241022-v1:0", 0.8},
		{"us.anthropic.claude-3-5-sonnet-20241022-v2:0", 3.0},
		{"bedrock:amazon.nova-lite-v1:0", 0.06},
		{"gemini-2.0-flash-001", 0.1},
		{"gemini-2.0-flash-lite-001", 0.075},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, ok := calc.GetPricing(tt.model)
			if !ok {
				t.Fatalf("expected pricing for %s", tt.model)
			}
			if p.InputPer1M != tt.input {
				t.Errorf("InputPer1M = %v, want %v", p.InputPer1M, tt.input)
			}
		})
	}
}

func TestUSD(t *testing.T) {
	calc := NewCalculator()

	tests := []struct {
		name          string
		model         string
		input, output int
		want          float64
		ok            bool
	}{
		{"input and output", "gpt-4o-mini", 1_000_000, 500_000, 0.45, true},
		{"output only", "claude-3-5-haiku", 0, 250_000, 1.0, true},
		{"no tokens", "gpt-4o", 0, 0, 0, true},
		{"negative counts ignored", "gpt-4o", -10, -10, 0, true},
		{"unknown model", "mystery-model", 100, 100, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := calc.USD(tt.model, tt.input, tt.output)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("USD = %v, want %v", got, tt.want)
			}
		})
	}
}
