package store

import (
	"time"

	"gorm.io/datatypes"
)

// User is owned by the identity store; the core treats it as read-only,
// keyed by the subject claim in the access token.
type User struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	Email     string `gorm:"uniqueIndex;not null"`
	Active    bool   `gorm:"default:true"`
	Role      string `gorm:"type:varchar(32);default:'user'"`
	Tier      string `gorm:"type:varchar(32);not null;default:'free'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription is the billing-period record the identity/billing system
// maintains; the core reads it to know when to allocate the next
// subscription credit pool.
type Subscription struct {
	ID                 string `gorm:"primaryKey;type:varchar(64)"`
	UserID             string `gorm:"index;not null"`
	Tier               string `gorm:"type:varchar(32);not null"`
	CreditsPerPeriod   int    `gorm:"not null"`
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Active             bool `gorm:"default:true"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreditPool is the subscription (periodic) credit reservoir. At most one
// row per user has IsCurrent=true (invariant §3.4).
type CreditPool struct {
	ID                 string `gorm:"primaryKey;type:varchar(64)"`
	UserID             string `gorm:"index:idx_credit_pool_user_current,priority:1;not null"`
	TotalCredits       int    `gorm:"not null"`
	UsedCredits        int    `gorm:"not null;default:0"`
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
	IsCurrent          bool `gorm:"index:idx_credit_pool_user_current,priority:2;not null;default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (p *CreditPool) Remaining() int { return p.TotalCredits - p.UsedCredits }

// PurchasedCreditPool is a persistent, non-expiring credit reservoir; rows
// are drained oldest-first only after the subscription pool is exhausted.
type PurchasedCreditPool struct {
	ID           string `gorm:"primaryKey;type:varchar(64)"`
	UserID       string `gorm:"index;not null"`
	PurchaseID   string `gorm:"uniqueIndex;not null"`
	TotalCredits int    `gorm:"not null"`
	UsedCredits  int    `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p *PurchasedCreditPool) Remaining() int { return p.TotalCredits - p.UsedCredits }

// DebitEntry records which pool a fraction of a deduction was drawn from,
// so Refund can return credits to the same pools they came from.
type DebitEntry struct {
	PoolType string `json:"poolType"` // "subscription" | "purchased"
	PoolID   string `json:"poolId"`
	Credits  int    `json:"credits"`
}

// UsageRecord is the append-only ledger entry for one billed (or
// reconciled) inference.
type UsageRecord struct {
	ID                   string `gorm:"primaryKey;type:varchar(64)"`
	UserID               string `gorm:"index;not null"`
	ModelID              string `gorm:"index;not null"`
	Provider             string `gorm:"type:varchar(32);not null"`
	Operation            string `gorm:"type:varchar(32);not null"` // completion|chat|embedding|function_call
	PromptTokens         int
	CompletionTokens     int
	TotalTokens          int
	CacheCreationTokens  int
	CacheReadTokens      int
	CachedPromptTokens   int
	CreditsUsed          int     `gorm:"not null"`
	VendorCostUSD        float64 `gorm:"type:decimal(14,8);not null"`
	MarginMultiplier     float64 `gorm:"type:decimal(5,3);not null"`
	GrossMarginUSD       float64 `gorm:"type:decimal(14,8);not null"`
	CacheHitRate         float64 `gorm:"type:decimal(5,4)"`
	CostSavingsPercent   float64 `gorm:"type:decimal(5,2)"`
	CreditBreakdown      datatypes.JSONMap `gorm:"type:jsonb"` // per-bucket credit attribution
	DebitTrail           datatypes.JSONSlice[DebitEntry] `gorm:"type:jsonb"`
	FinishReason         string `gorm:"type:varchar(32)"`
	ExecutedAt           time.Time `gorm:"index"`
	DurationMs           int64
	CreatedAt            time.Time
}

// Model mirrors spec §3's Model entity; Meta holds the extensibility
// fields (display, parameterConstraints, customParameters, legacy_info)
// as a single JSONB document, per the teacher's own JSON-meta convention.
type Model struct {
	ID                  string `gorm:"primaryKey;type:varchar(128)"`
	Provider             string `gorm:"type:varchar(32);not null;index"`
	Capabilities         datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	ContextWindow        int
	MaxOutputTokens      int
	Meta                 datatypes.JSONMap `gorm:"type:jsonb;index:,class:GIN"`
	IsAvailable          bool   `gorm:"default:true"`
	IsLegacy             bool   `gorm:"default:false"`
	IsArchived           bool   `gorm:"default:false"`
	RequiredTier         string `gorm:"type:varchar(32);default:'free'"`
	TierRestrictionMode  string `gorm:"type:varchar(16);default:'minimum'"` // minimum|exact|whitelist
	AllowedTiers         datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// VendorPricing is an append-only history of per-model pricing rows, keyed
// by (Provider, ModelName, EffectiveFrom). Exactly one row is active for
// any (provider, model, instant) per invariant §3.7.
type VendorPricing struct {
	ID                            string `gorm:"primaryKey;type:varchar(64)"`
	Provider                      string `gorm:"type:varchar(32);not null;index:idx_pricing_lookup"`
	ModelName                     string `gorm:"type:varchar(128);not null;index:idx_pricing_lookup"`
	InputPricePer1k               float64 `gorm:"type:decimal(14,8);not null"`
	OutputPricePer1k              float64 `gorm:"type:decimal(14,8);not null"`
	CacheWritePricePer1k          *float64 `gorm:"type:decimal(14,8)"`
	CacheReadPricePer1k           *float64 `gorm:"type:decimal(14,8)"`
	ContextThresholdTokens        *int
	InputPricePer1kHighContext    *float64 `gorm:"type:decimal(14,8)"`
	OutputPricePer1kHighContext   *float64 `gorm:"type:decimal(14,8)"`
	CacheWritePricePer1kHighCtx   *float64 `gorm:"type:decimal(14,8)"`
	CacheReadPricePer1kHighCtx    *float64 `gorm:"type:decimal(14,8)"`
	EffectiveFrom                 time.Time `gorm:"not null;index:idx_pricing_lookup"`
	EffectiveUntil                *time.Time
	IsActive                      bool `gorm:"default:true"`
	CreatedAt                     time.Time
}

// TierMultiplier resolves customer-price-to-vendor-cost margins by
// priority (tier,provider,model) > (model) > (provider) > (tier) > default.
type TierMultiplier struct {
	ID         string  `gorm:"primaryKey;type:varchar(64)"`
	Tier       *string `gorm:"type:varchar(32);index"`
	Provider   *string `gorm:"type:varchar(32);index"`
	Model      *string `gorm:"type:varchar(128);index"`
	Multiplier float64 `gorm:"type:decimal(5,3);not null"`
	Status     string  `gorm:"type:varchar(16);not null;default:'pending'"` // pending|approved|active
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AuthCode is an OIDC authorization code, single-use and short-lived.
type AuthCode struct {
	Code                string `gorm:"primaryKey;type:varchar(128)"`
	ClientID            string `gorm:"not null"`
	UserID              string `gorm:"index;not null"`
	RedirectURI         string `gorm:"not null"`
	Scope               string
	CodeChallenge       string `gorm:"not null"`
	CodeChallengeMethod string `gorm:"not null;default:'S256'"`
	ExpiresAt           time.Time `gorm:"not null"`
	Used                bool      `gorm:"default:false"`
	CreatedAt           time.Time
}

// RefreshToken backs the token endpoint's refresh_token grant.
type RefreshToken struct {
	Token     string `gorm:"primaryKey;type:varchar(128)"`
	ClientID  string `gorm:"not null"`
	UserID    string `gorm:"index;not null"`
	Scope     string
	ExpiresAt time.Time `gorm:"not null"`
	Revoked   bool      `gorm:"default:false"`
	CreatedAt time.Time
}

// ReconciliationRecord flags a request whose content was returned to the
// client but whose ledger deduction failed (spec §4.6 step 8, §7). It is
// the only place the exactly-once billing invariant is allowed to bend,
// and it must be visible to an operator out-of-band.
type ReconciliationRecord struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	UserID         string `gorm:"index;not null"`
	ModelID        string `gorm:"not null"`
	EstimatedCredits int
	Reason         string
	Resolved       bool `gorm:"default:false"`
	CreatedAt      time.Time `gorm:"index"`
	ResolvedAt     *time.Time
}
