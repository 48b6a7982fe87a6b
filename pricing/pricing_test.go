package pricing

import (
	"testing"

	"github.com/tollgate-ai/gateway/store"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func baseRow() *store.VendorPricing {
	return &store.VendorPricing{
		Provider:          "openai",
		ModelName:         "gpt-5",
		InputPricePer1k:   0.01,
		OutputPricePer1k:  0.03,
	}
}

func TestCalculateBasic(t *testing.T) {
	row := baseRow()
	c := Calculate(row, Usage{InputTokens: 1000, OutputTokens: 500})

	if c.InputCostUSD != 0.01 {
		t.Fatalf("expected input cost 0.01, got %f", c.InputCostUSD)
	}
	if c.OutputCostUSD != 0.015 {
		t.Fatalf("expected output cost 0.015, got %f", c.OutputCostUSD)
	}
	if c.VendorCostUSD != c.Total() {
		t.Fatalf("VendorCostUSD %f should equal Total() %f", c.VendorCostUSD, c.Total())
	}
	if c.IsHighContext {
		t.Fatal("expected not high context with no threshold configured")
	}
}

func TestCalculateHighContextSwitchesRates(t *testing.T) {
	row := baseRow()
	row.ContextThresholdTokens = intPtr(128_000)
	row.InputPricePer1kHighContext = floatPtr(0.02)

	under := Calculate(row, Usage{InputTokens: 100_000, OutputTokens: 0})
	if under.IsHighContext {
		t.Fatal("expected not high context under threshold")
	}

	over := Calculate(row, Usage{InputTokens: 200_000, OutputTokens: 0})
	if !over.IsHighContext {
		t.Fatal("expected high context over threshold")
	}
	if over.InputCostUSD != 200_000*0.02/1000 {
		t.Fatalf("expected high-context input rate applied, got %f", over.InputCostUSD)
	}
}

func TestCalculateCacheReadCheaperThanUncached(t *testing.T) {
	row := baseRow()

	uncached := Calculate(row, Usage{InputTokens: 10_000, OutputTokens: 100})
	cached := Calculate(row, Usage{InputTokens: 0, CacheReadTokens: 10_000, OutputTokens: 100})

	if cached.VendorCostUSD >= uncached.VendorCostUSD {
		t.Fatalf("expected cache-read cost (%f) strictly less than uncached (%f)", cached.VendorCostUSD, uncached.VendorCostUSD)
	}
}

func TestCalculateCacheReadUsesExplicitRate(t *testing.T) {
	row := baseRow()
	row.CacheReadPricePer1k = floatPtr(0.001)

	c := Calculate(row, Usage{CacheReadTokens: 10_000})
	want := 10_000 * 0.001 / 1000
	if c.CacheReadCostUSD != want {
		t.Fatalf("expected cache read cost %f, got %f", want, c.CacheReadCostUSD)
	}
}

func TestSavingsPercentPositiveWhenCached(t *testing.T) {
	row := baseRow()
	u := Usage{InputTokens: 0, CacheReadTokens: 10_000, OutputTokens: 100}
	actual := Calculate(row, u)

	savings := SavingsPercent(row, u, actual)
	if savings <= 0 {
		t.Fatalf("expected positive savings percent for cached usage, got %f", savings)
	}
}

func TestSavingsPercentZeroWithoutCache(t *testing.T) {
	row := baseRow()
	u := Usage{InputTokens: 1000, OutputTokens: 100}
	actual := Calculate(row, u)

	if got := SavingsPercent(row, u, actual); got != 0 {
		t.Fatalf("expected zero savings percent with no cached tokens, got %f", got)
	}
}

func TestCreditsForCostRoundsUpAndFloorsAtOne(t *testing.T) {
	if got := CreditsForCost(0.0001, 1.5); got != 1 {
		t.Fatalf("expected minimum 1 credit for tiny cost, got %d", got)
	}
	if got := CreditsForCost(0.10, 1.5); got != 15 {
		t.Fatalf("expected ceil(0.10*1.5*100)=15, got %d", got)
	}
	if got := CreditsForCost(0.101, 1.5); got != 16 {
		t.Fatalf("expected ceil(15.15)=16 to round up, got %d", got)
	}
}

func TestBreakdownOmitsZeroBuckets(t *testing.T) {
	row := baseRow()
	c := Calculate(row, Usage{InputTokens: 1000, OutputTokens: 0})

	b := Breakdown(c, 1.5)
	if _, ok := b["output"]; ok {
		t.Fatal("expected no output bucket when output cost is zero")
	}
	if _, ok := b["input"]; !ok {
		t.Fatal("expected input bucket present")
	}
}
