// Package models implements the model catalog (C5): a cached view over
// store.Model with tier-access evaluation, mirroring the teacher's
// provider.ModelSyncer background-refresh-with-TTL-cache shape.
package models

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tollgate-ai/gateway/store"
)

// tierOrder defines the ascending access ladder used by "minimum" mode
// restrictions. A tier not present here is treated as below "free".
var tierOrder = map[string]int{
	"free":       0,
	"pro":        1,
	"team":       2,
	"enterprise": 3,
}

// ErrNotFound is returned when a model ID has no catalog entry.
var ErrNotFound = fmt.Errorf("model not found")

// ErrNotAccessible is returned when a model exists but the caller's tier
// does not satisfy its access rule.
var ErrNotAccessible = fmt.Errorf("model not accessible at this tier")

// ErrArchived is returned for a model that has been archived.
var ErrArchived = fmt.Errorf("model archived")

// AccessDeniedError is the typed form of ErrNotAccessible carrying the
// fields spec §7 scenario S6 requires in the tier_restricted error body:
// modelId, requiredTier, currentTier. It unwraps to ErrNotAccessible so
// existing errors.Is(err, ErrNotAccessible) call sites keep working.
type AccessDeniedError struct {
	ModelID      string
	RequiredTier string
	CurrentTier  string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("model %s requires tier %s, caller is %s", e.ModelID, e.RequiredTier, e.CurrentTier)
}

func (e *AccessDeniedError) Unwrap() error { return ErrNotAccessible }

// Catalog is a read-through, TTL-refreshed cache over the Model table.
type Catalog struct {
	db       *gorm.DB
	log      zerolog.Logger
	ttl      time.Duration
	stopCh   chan struct{}

	mu       sync.RWMutex
	byID     map[string]store.Model
	loadedAt time.Time
}

func NewCatalog(db *gorm.DB, log zerolog.Logger, ttl time.Duration) *Catalog {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{
		db:     db,
		log:    log.With().Str("component", "model_catalog").Logger(),
		ttl:    ttl,
		stopCh: make(chan struct{}),
		byID:   make(map[string]store.Model),
	}
}

// Start loads the catalog immediately and begins the background refresh
// loop, in the shape of provider.ModelSyncer's loop/syncAll split.
func (c *Catalog) Start(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		return fmt.Errorf("initial model catalog load: %w", err)
	}
	go c.loop()
	return nil
}

func (c *Catalog) Stop() {
	close(c.stopCh)
}

func (c *Catalog) loop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.refresh(ctx); err != nil {
				c.log.Error().Err(err).Msg("model catalog refresh failed, serving stale cache")
			}
			cancel()
		}
	}
}

func (c *Catalog) refresh(ctx context.Context) error {
	var rows []store.Model
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return err
	}
	byID := make(map[string]store.Model, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}
	c.mu.Lock()
	c.byID = byID
	c.loadedAt = time.Now()
	c.mu.Unlock()
	c.log.Debug().Int("models", len(rows)).Msg("model catalog refreshed")
	return nil
}

// Invalidate reloads the catalog from the database immediately.
func (c *Catalog) Invalidate(ctx context.Context) error {
	return c.refresh(ctx)
}

// Get returns the raw catalog entry without any tier enforcement.
func (c *Catalog) Get(modelID string) (store.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[modelID]
	return m, ok
}

// List returns all non-archived models visible to the given tier,
// filtering archived models out of public listings per spec §3.6.
func (c *Catalog) List(tier string) []store.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Model, 0, len(c.byID))
	for _, m := range c.byID {
		if m.IsArchived {
			continue
		}
		if err := evaluateAccess(m, tier); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ListWithArchived is List plus archived rows, for the admin-only
// includeArchived filter on GET /v1/models (spec §6). Tier access is still
// enforced — archival and tier restriction are independent gates.
func (c *Catalog) ListWithArchived(tier string) []store.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Model, 0, len(c.byID))
	for _, m := range c.byID {
		if err := evaluateAccess(m, tier); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Resolve validates that modelID exists, is not archived, and is
// accessible to tier, returning the model row on success.
func (c *Catalog) Resolve(modelID, tier string) (store.Model, error) {
	m, ok := c.Get(modelID)
	if !ok {
		return store.Model{}, ErrNotFound
	}
	if m.IsArchived {
		return store.Model{}, ErrArchived
	}
	if !m.IsAvailable {
		return store.Model{}, fmt.Errorf("%w: model currently unavailable", ErrNotAccessible)
	}
	if err := evaluateAccess(m, tier); err != nil {
		return store.Model{}, err
	}
	return m, nil
}

// evaluateAccess implements the three TierRestrictionMode variants named
// in spec §3.6: minimum (ladder comparison), exact (single tier), and
// whitelist (explicit allow-list via AllowedTiers). Denials return
// *AccessDeniedError rather than the bare ErrNotAccessible sentinel so
// callers can report which tier was required and which tier the caller
// actually held.
func evaluateAccess(m store.Model, tier string) error {
	denied := func() error {
		return &AccessDeniedError{ModelID: m.ID, RequiredTier: m.RequiredTier, CurrentTier: tier}
	}
	switch m.TierRestrictionMode {
	case "exact":
		if tier != m.RequiredTier {
			return denied()
		}
	case "whitelist":
		for _, t := range m.AllowedTiers {
			if t == tier {
				return nil
			}
		}
		return denied()
	default: // "minimum"
		callerRank, ok := tierOrder[tier]
		if !ok {
			callerRank = -1
		}
		requiredRank, ok := tierOrder[m.RequiredTier]
		if !ok {
			requiredRank = 0
		}
		if callerRank < requiredRank {
			return denied()
		}
	}
	return nil
}
