// Package ledger implements the credit ledger (C3): subscription and
// purchased credit pools, atomic multi-pool deduction with a per-user lock
// plus a row-level DB lock, and refunds that unwind a prior deduction's
// debit trail. Grounded on the teacher's multi-pool gorm.DB patterns and
// on the reference CreditsService's FOR UPDATE row-locking discipline.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tollgate-ai/gateway/middleware"
	"github.com/tollgate-ai/gateway/store"
)

// ErrInsufficientCredits is returned when neither pool can cover a charge.
var ErrInsufficientCredits = fmt.Errorf("insufficient credits")

// Balance is the detailed view returned by GetDetailed.
type Balance struct {
	SubscriptionRemaining int
	PurchasedRemaining    int
	Total                 int
}

// Ledger owns credit pool reads, admission checks, and atomic deduction.
type Ledger struct {
	db    *gorm.DB
	log   zerolog.Logger
	locks *middleware.KeyedMutex
}

func New(db *gorm.DB, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:    db,
		log:   log.With().Str("component", "ledger").Logger(),
		locks: middleware.NewKeyedMutex(),
	}
}

// GetDetailed returns the user's current subscription and purchased
// balances without locking — a read-only snapshot used for display and
// for the pre-flight estimate in the orchestrator.
func (l *Ledger) GetDetailed(ctx context.Context, userID string) (Balance, error) {
	var sub store.CreditPool
	subErr := l.db.WithContext(ctx).Where("user_id = ? AND is_current = ?", userID, true).First(&sub).Error
	if subErr != nil && subErr != gorm.ErrRecordNotFound {
		return Balance{}, fmt.Errorf("load subscription pool: %w", subErr)
	}

	var purchased []store.PurchasedCreditPool
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at asc").Find(&purchased).Error; err != nil {
		return Balance{}, fmt.Errorf("load purchased pools: %w", err)
	}

	b := Balance{}
	if subErr == nil {
		b.SubscriptionRemaining = sub.Remaining()
	}
	for _, p := range purchased {
		b.PurchasedRemaining += p.Remaining()
	}
	b.Total = b.SubscriptionRemaining + b.PurchasedRemaining
	return b, nil
}

// HasAvailable reports whether the user's combined pools can cover n
// credits, for the orchestrator's pre-flight admission check.
func (l *Ledger) HasAvailable(ctx context.Context, userID string, n int) (bool, error) {
	b, err := l.GetDetailed(ctx, userID)
	if err != nil {
		return false, err
	}
	return b.Total >= n, nil
}

// DeductResult reports what actually happened during a deduction so
// callers can persist a UsageRecord with an accurate debit trail.
type DeductResult struct {
	CreditsDeducted int
	DebitTrail      []store.DebitEntry
	Balance         Balance
}

// Deduct atomically charges n credits, draining the current subscription
// pool first and then purchased pools oldest-first (invariant §3.5), and
// — when rec is non-nil — inserts rec in the same transaction. Spec §4.3
// step 4 treats "deduct" and "insert UsageRecord" as one committed unit:
// if the record insert fails, the pool debits roll back with it rather
// than leaving a charge with no corresponding record. The whole thing runs
// under a per-user KeyedMutex plus row-level locks: the mutex serializes
// concurrent requests from the same user so the read-modify-write under
// FOR UPDATE never races with itself within this process; the DB lock
// covers the cross-process case.
func (l *Ledger) Deduct(ctx context.Context, userID string, n int, rec *store.UsageRecord) (DeductResult, error) {
	if n <= 0 {
		if rec == nil {
			return DeductResult{}, nil
		}
		rec.CreditsUsed = 0
		if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
			return DeductResult{}, fmt.Errorf("create usage record: %w", err)
		}
		return DeductResult{}, nil
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	var result DeductResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		remaining := n

		var sub store.CreditPool
		hasSub := false
		subErr := tx.Raw(
			`SELECT * FROM credit_pools WHERE user_id = ? AND is_current = true FOR UPDATE`, userID,
		).Scan(&sub).Error
		if subErr != nil && subErr != gorm.ErrRecordNotFound {
			return fmt.Errorf("lock subscription pool: %w", subErr)
		}
		if subErr == nil && sub.ID != "" {
			hasSub = true
			if avail := sub.Remaining(); avail > 0 && remaining > 0 {
				take := min(avail, remaining)
				sub.UsedCredits += take
				if err := tx.Save(&sub).Error; err != nil {
					return fmt.Errorf("save subscription pool: %w", err)
				}
				remaining -= take
				result.DebitTrail = append(result.DebitTrail, store.DebitEntry{
					PoolType: "subscription", PoolID: sub.ID, Credits: take,
				})
			}
		}

		// Purchased pools are always loaded under lock, even once remaining
		// has hit zero, so the post-deduction Balance below reflects a
		// consistent, lock-held snapshot rather than a racy second query.
		var purchased []store.PurchasedCreditPool
		if err := tx.Raw(
			`SELECT * FROM purchased_credit_pools WHERE user_id = ? ORDER BY created_at ASC FOR UPDATE`, userID,
		).Scan(&purchased).Error; err != nil {
			return fmt.Errorf("lock purchased pools: %w", err)
		}
		for i := range purchased {
			if remaining <= 0 {
				break
			}
			p := &purchased[i]
			avail := p.Remaining()
			if avail <= 0 {
				continue
			}
			take := min(avail, remaining)
			p.UsedCredits += take
			if err := tx.Save(p).Error; err != nil {
				return fmt.Errorf("save purchased pool %s: %w", p.ID, err)
			}
			remaining -= take
			result.DebitTrail = append(result.DebitTrail, store.DebitEntry{
				PoolType: "purchased", PoolID: p.ID, Credits: take,
			})
		}

		if remaining > 0 {
			return ErrInsufficientCredits
		}
		result.CreditsDeducted = n

		if hasSub {
			result.Balance.SubscriptionRemaining = sub.Remaining()
		}
		for _, p := range purchased {
			result.Balance.PurchasedRemaining += p.Remaining()
		}
		result.Balance.Total = result.Balance.SubscriptionRemaining + result.Balance.PurchasedRemaining

		if rec != nil {
			rec.CreditsUsed = n
			rec.DebitTrail = result.DebitTrail
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("create usage record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return DeductResult{}, err
	}
	return result, nil
}

// Refund reverses a prior deduction by crediting back each pool named in
// the debit trail, inside one transaction. Used on provider-side failure
// after a reservation was settled, or when a reconciliation resolves in
// the user's favor.
func (l *Ledger) Refund(ctx context.Context, userID string, trail []store.DebitEntry) error {
	if len(trail) == 0 {
		return nil
	}
	unlock := l.locks.Lock(userID)
	defer unlock()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range trail {
			switch entry.PoolType {
			case "subscription":
				var pool store.CreditPool
				if err := tx.Raw(`SELECT * FROM credit_pools WHERE id = ? FOR UPDATE`, entry.PoolID).Scan(&pool).Error; err != nil {
					return fmt.Errorf("lock subscription pool %s: %w", entry.PoolID, err)
				}
				pool.UsedCredits -= entry.Credits
				if pool.UsedCredits < 0 {
					pool.UsedCredits = 0
				}
				if err := tx.Save(&pool).Error; err != nil {
					return fmt.Errorf("refund subscription pool %s: %w", entry.PoolID, err)
				}
			case "purchased":
				var pool store.PurchasedCreditPool
				if err := tx.Raw(`SELECT * FROM purchased_credit_pools WHERE id = ? FOR UPDATE`, entry.PoolID).Scan(&pool).Error; err != nil {
					return fmt.Errorf("lock purchased pool %s: %w", entry.PoolID, err)
				}
				pool.UsedCredits -= entry.Credits
				if pool.UsedCredits < 0 {
					pool.UsedCredits = 0
				}
				if err := tx.Save(&pool).Error; err != nil {
					return fmt.Errorf("refund purchased pool %s: %w", entry.PoolID, err)
				}
			default:
				return fmt.Errorf("unknown pool type %q in debit trail", entry.PoolType)
			}
		}
		return nil
	})
}

// Allocate creates a fresh subscription credit pool for a new billing
// period, marking any prior current pool as no longer current (invariant
// §3.4: at most one current subscription pool per user).
func (l *Ledger) Allocate(ctx context.Context, userID string, credits int, periodStart, periodEnd time.Time) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&store.CreditPool{}).
			Where("user_id = ? AND is_current = ?", userID, true).
			Update("is_current", false).Error; err != nil {
			return fmt.Errorf("retire prior subscription pool: %w", err)
		}
		pool := store.CreditPool{
			ID:                 uuid.NewString(),
			UserID:             userID,
			TotalCredits:       credits,
			BillingPeriodStart: periodStart,
			BillingPeriodEnd:   periodEnd,
			IsCurrent:          true,
		}
		if err := tx.Create(&pool).Error; err != nil {
			return fmt.Errorf("create subscription pool: %w", err)
		}
		return nil
	})
}

// AllocatePurchase adds a non-expiring purchased credit pool, idempotent
// on PurchaseID so a retried payment webhook cannot double-credit.
func (l *Ledger) AllocatePurchase(ctx context.Context, userID, purchaseID string, credits int) error {
	pool := store.PurchasedCreditPool{
		ID:           uuid.NewString(),
		UserID:       userID,
		PurchaseID:   purchaseID,
		TotalCredits: credits,
	}
	err := l.db.WithContext(ctx).Clauses(onConflictDoNothing("purchase_id")).Create(&pool).Error
	if err != nil {
		return fmt.Errorf("allocate purchased pool: %w", err)
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
