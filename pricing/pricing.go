// Package pricing implements the pricing engine (C2): vendor pricing
// lookup with effective-date history, context-threshold and cached-token
// cost rules, tier margin multiplier resolution, and USD-to-credit
// conversion.
package pricing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tollgate-ai/gateway/store"
)

// Usage is the provider-normalized token accounting the cost formula reads.
// Exactly one of CacheReadTokens / CachedPromptTokens / CachedContentTokens
// is expected to be nonzero for a single request, per provider.
type Usage struct {
	InputTokens          int
	OutputTokens         int
	CacheCreationTokens  int
	CacheReadTokens      int // Anthropic ephemeral-cache read
	CachedPromptTokens   int // OpenAI automatic prompt cache
	CachedContentTokens  int // Google context cache
}

// Cost is the result of a cost calculation: a total vendor cost in USD plus
// a per-bucket breakdown for attribution and display.
type Cost struct {
	InputCostUSD      float64
	OutputCostUSD     float64
	CacheWriteCostUSD float64
	CacheReadCostUSD  float64
	VendorCostUSD     float64
	IsHighContext     bool
}

// Total sums the bucket costs; kept distinct from VendorCostUSD so callers
// can assert they agree in tests.
func (c Cost) Total() float64 {
	return c.InputCostUSD + c.OutputCostUSD + c.CacheWriteCostUSD + c.CacheReadCostUSD
}

// Engine resolves pricing rows and tier multipliers from the database,
// with a small in-process cache since both are append-mostly and read on
// every request.
type Engine struct {
	db *gorm.DB

	mu           sync.RWMutex
	pricingCache map[string]pricingCacheEntry // key: provider/model

	multMu    sync.RWMutex
	multCache []store.TierMultiplier
	multLoaded time.Time
}

const cacheTTL = 5 * time.Minute

// pricingCacheEntry pairs a key's rows with its own load time, so refreshing
// one provider/model doesn't reset the freshness window of unrelated keys.
type pricingCacheEntry struct {
	rows     []store.VendorPricing // sorted by EffectiveFrom desc
	loadedAt time.Time
}

func NewEngine(db *gorm.DB) *Engine {
	return &Engine{
		db:           db,
		pricingCache: make(map[string]pricingCacheEntry),
	}
}

func pricingKey(provider, model string) string { return provider + "/" + model }

// Lookup selects the pricing row active at `at` for (provider, model):
// largest EffectiveFrom <= at, (EffectiveUntil IS NULL OR >= at), IsActive.
// Ties on EffectiveFrom are broken by largest id (insertion order), per
// spec §4.2.
func (e *Engine) Lookup(ctx context.Context, provider, model string, at time.Time) (*store.VendorPricing, error) {
	rows, err := e.rowsFor(ctx, provider, model)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		if row.EffectiveFrom.After(at) {
			continue
		}
		if row.EffectiveUntil != nil && row.EffectiveUntil.Before(at) {
			continue
		}
		r := row
		return &r, nil
	}
	return nil, fmt.Errorf("%w: no active pricing for %s/%s at %s", ErrNoPricing, provider, model, at)
}

func (e *Engine) rowsFor(ctx context.Context, provider, model string) ([]store.VendorPricing, error) {
	key := pricingKey(provider, model)

	e.mu.RLock()
	entry, ok := e.pricingCache[key]
	fresh := ok && time.Since(entry.loadedAt) < cacheTTL
	e.mu.RUnlock()
	if fresh {
		return entry.rows, nil
	}

	var fetched []store.VendorPricing
	if err := e.db.WithContext(ctx).
		Where("provider = ? AND model_name = ?", provider, model).
		Order("effective_from DESC, id DESC").
		Find(&fetched).Error; err != nil {
		return nil, fmt.Errorf("fetch vendor pricing: %w", err)
	}
	sort.SliceStable(fetched, func(i, j int) bool {
		if !fetched[i].EffectiveFrom.Equal(fetched[j].EffectiveFrom) {
			return fetched[i].EffectiveFrom.After(fetched[j].EffectiveFrom)
		}
		return fetched[i].ID > fetched[j].ID
	})

	e.mu.Lock()
	e.pricingCache[key] = pricingCacheEntry{rows: fetched, loadedAt: time.Now()}
	e.mu.Unlock()

	return fetched, nil
}

// InvalidatePricing forces the next Lookup to re-read from the database.
func (e *Engine) InvalidatePricing() {
	e.mu.Lock()
	e.pricingCache = make(map[string]pricingCacheEntry)
	e.mu.Unlock()
}

// Calculate applies the context-threshold and cache-bucket cost formula
// from spec §4.2 to a resolved pricing row and a usage report.
func Calculate(row *store.VendorPricing, u Usage) Cost {
	isHighContext := row.ContextThresholdTokens != nil && u.InputTokens > *row.ContextThresholdTokens

	pIn := row.InputPricePer1k
	pOut := row.OutputPricePer1k
	pCW := row.CacheWritePricePer1k
	pCR := row.CacheReadPricePer1k

	if isHighContext {
		if row.InputPricePer1kHighContext != nil {
			pIn = *row.InputPricePer1kHighContext
		}
		if row.OutputPricePer1kHighContext != nil {
			pOut = *row.OutputPricePer1kHighContext
		}
		if row.CacheWritePricePer1kHighCtx != nil {
			pCW = row.CacheWritePricePer1kHighCtx
		}
		if row.CacheReadPricePer1kHighCtx != nil {
			pCR = row.CacheReadPricePer1kHighCtx
		}
	}

	inputCost := float64(u.InputTokens) * pIn / 1000
	outputCost := float64(u.OutputTokens) * pOut / 1000

	cacheWriteRate := pIn
	if pCW != nil {
		cacheWriteRate = *pCW
	}
	cacheWriteCost := float64(u.CacheCreationTokens) * cacheWriteRate / 1000

	var cacheReadCost float64
	switch {
	case u.CacheReadTokens > 0:
		rate := 0.1 * pIn
		if pCR != nil {
			rate = *pCR
		}
		cacheReadCost = float64(u.CacheReadTokens) * rate / 1000
	case u.CachedPromptTokens > 0:
		rate := 0.5 * pIn
		if pCR != nil {
			rate = *pCR
		}
		cacheReadCost = float64(u.CachedPromptTokens) * rate / 1000
	case u.CachedContentTokens > 0:
		rate := 0.1 * pIn
		if pCR != nil {
			rate = *pCR
		}
		cacheReadCost = float64(u.CachedContentTokens) * rate / 1000
	}

	c := Cost{
		InputCostUSD:      inputCost,
		OutputCostUSD:     outputCost,
		CacheWriteCostUSD: cacheWriteCost,
		CacheReadCostUSD:  cacheReadCost,
		IsHighContext:     isHighContext,
	}
	c.VendorCostUSD = c.Total()
	return c
}

// SavingsPercent computes the cost-savings percentage versus the
// hypothetical all-input cost when any cache-read bucket was used (spec
// Testable Property 7: cached cost strictly less than uncached).
func SavingsPercent(row *store.VendorPricing, u Usage, actual Cost) float64 {
	cachedTokens := u.CacheReadTokens + u.CachedPromptTokens + u.CachedContentTokens
	if cachedTokens == 0 {
		return 0
	}
	hypothetical := Usage{InputTokens: u.InputTokens + cachedTokens, OutputTokens: u.OutputTokens}
	hypCost := Calculate(row, hypothetical)
	if hypCost.VendorCostUSD <= 0 {
		return 0
	}
	savings := (hypCost.VendorCostUSD - actual.VendorCostUSD) / hypCost.VendorCostUSD
	return savings * 100
}

// Multiplier resolves the margin multiplier for (tier, provider, model) by
// priority: (tier,provider,model) > (model) > (provider) > (tier) > 1.5
// default. Only rows with Status=="active" are considered.
func (e *Engine) Multiplier(ctx context.Context, tier, provider, model string) (float64, error) {
	rows, err := e.multiplierRows(ctx)
	if err != nil {
		return 0, err
	}

	match := func(t, p, m *string) bool {
		return (t == nil || *t == tier) && (p == nil || *p == provider) && (m == nil || *m == model)
	}
	// Weights make model outrank provider and provider outrank tier, while
	// the full (tier,provider,model) row outranks everything.
	specificity := func(r store.TierMultiplier) int {
		n := 0
		if r.Tier != nil {
			n++
		}
		if r.Provider != nil {
			n += 2
		}
		if r.Model != nil {
			n += 4
		}
		return n
	}

	best := -1
	bestMult := defaultMultiplier
	for _, r := range rows {
		if r.Status != "active" {
			continue
		}
		if !match(r.Tier, r.Provider, r.Model) {
			continue
		}
		s := specificity(r)
		if s > best {
			best = s
			bestMult = r.Multiplier
		}
	}
	return bestMult, nil
}

const defaultMultiplier = 1.5

func (e *Engine) multiplierRows(ctx context.Context) ([]store.TierMultiplier, error) {
	e.multMu.RLock()
	rows := e.multCache
	fresh := time.Since(e.multLoaded) < cacheTTL && rows != nil
	e.multMu.RUnlock()
	if fresh {
		return rows, nil
	}

	var fetched []store.TierMultiplier
	if err := e.db.WithContext(ctx).Where("status = ?", "active").Find(&fetched).Error; err != nil {
		return nil, fmt.Errorf("fetch tier multipliers: %w", err)
	}

	e.multMu.Lock()
	e.multCache = fetched
	e.multLoaded = time.Now()
	e.multMu.Unlock()
	return fetched, nil
}

// CreditsForCost converts a USD vendor cost and multiplier to credits:
// max(1, ceil(vendorCost * multiplier * 100)) — spec §4.2.
func CreditsForCost(vendorCostUSD, multiplier float64) int {
	// Rounding to a millionth of a credit first removes float noise (0.10*1.5*100
	// evaluates to 15.000000000000002) before the ceiling is taken.
	credits := int(math.Ceil(math.Round(vendorCostUSD*multiplier*100*1e6) / 1e6))
	if credits < 1 {
		credits = 1
	}
	return credits
}

// Breakdown produces per-bucket credit attribution for display. Bucket
// credits individually ceiling-rounded, so their sum may exceed the
// reported total credits by at most the number of nonzero buckets — the
// reported total is always the ceiling of the summed cost, not the sum of
// per-bucket ceilings (spec §4.2).
func Breakdown(c Cost, multiplier float64) map[string]int {
	b := make(map[string]int, 4)
	if c.InputCostUSD > 0 {
		b["input"] = CreditsForCost(c.InputCostUSD, multiplier)
	}
	if c.OutputCostUSD > 0 {
		b["output"] = CreditsForCost(c.OutputCostUSD, multiplier)
	}
	if c.CacheWriteCostUSD > 0 {
		b["cache_write"] = CreditsForCost(c.CacheWriteCostUSD, multiplier)
	}
	if c.CacheReadCostUSD > 0 {
		b["cache_read"] = CreditsForCost(c.CacheReadCostUSD, multiplier)
	}
	return b
}

// Estimate computes an upper-bound USD cost for a pre-flight admission
// check, ignoring cache fields entirely per spec §4.2 ("used only for
// pre-flight balance check").
func (e *Engine) Estimate(ctx context.Context, provider, model string, inputTokens, estimatedOutputTokens int) (float64, error) {
	row, err := e.Lookup(ctx, provider, model, time.Now())
	if err != nil {
		return 0, err
	}
	cost := Calculate(row, Usage{InputTokens: inputTokens, OutputTokens: estimatedOutputTokens})
	return cost.VendorCostUSD, nil
}

type pricingError string

func (e pricingError) Error() string { return string(e) }

const ErrNoPricing = pricingError("no active pricing row")
