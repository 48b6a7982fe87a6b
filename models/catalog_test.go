package models

import (
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/tollgate-ai/gateway/store"
)

func testCatalog(rows ...store.Model) *Catalog {
	byID := make(map[string]store.Model, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}
	return &Catalog{
		log:    zerolog.New(io.Discard),
		ttl:    0,
		stopCh: make(chan struct{}),
		byID:   byID,
	}
}

func TestEvaluateAccessMinimumMode(t *testing.T) {
	m := store.Model{ID: "m1", TierRestrictionMode: "minimum", RequiredTier: "pro"}

	if err := evaluateAccess(m, "free"); !errors.Is(err, ErrNotAccessible) {
		t.Fatalf("expected free tier denied under minimum(pro), got %v", err)
	}
	if err := evaluateAccess(m, "pro"); err != nil {
		t.Fatalf("expected pro tier allowed under minimum(pro), got %v", err)
	}
	if err := evaluateAccess(m, "enterprise"); err != nil {
		t.Fatalf("expected higher tier allowed under minimum(pro), got %v", err)
	}
}

func TestEvaluateAccessMinimumModeUnknownTierDenied(t *testing.T) {
	m := store.Model{ID: "m1", TierRestrictionMode: "minimum", RequiredTier: "pro"}
	if err := evaluateAccess(m, "nonsense-tier"); !errors.Is(err, ErrNotAccessible) {
		t.Fatalf("expected an unrecognized tier to be denied, got %v", err)
	}
}

func TestEvaluateAccessExactMode(t *testing.T) {
	m := store.Model{ID: "m1", TierRestrictionMode: "exact", RequiredTier: "team"}

	if err := evaluateAccess(m, "enterprise"); !errors.Is(err, ErrNotAccessible) {
		t.Fatalf("expected exact mode to deny a higher tier than required, got %v", err)
	}
	if err := evaluateAccess(m, "team"); err != nil {
		t.Fatalf("expected exact tier match allowed, got %v", err)
	}
}

func TestEvaluateAccessWhitelistMode(t *testing.T) {
	m := store.Model{
		ID:                  "m1",
		TierRestrictionMode: "whitelist",
		AllowedTiers:        datatypes.JSONSlice[string]{"pro", "enterprise"},
	}

	if err := evaluateAccess(m, "free"); !errors.Is(err, ErrNotAccessible) {
		t.Fatalf("expected free tier denied, not in whitelist, got %v", err)
	}
	if err := evaluateAccess(m, "pro"); err != nil {
		t.Fatalf("expected whitelisted tier allowed, got %v", err)
	}
	if err := evaluateAccess(m, "enterprise"); err != nil {
		t.Fatalf("expected whitelisted tier allowed, got %v", err)
	}
}

func TestListExcludesArchivedAndInaccessible(t *testing.T) {
	c := testCatalog(
		store.Model{ID: "visible", TierRestrictionMode: "minimum", RequiredTier: "free"},
		store.Model{ID: "archived", IsArchived: true, TierRestrictionMode: "minimum", RequiredTier: "free"},
		store.Model{ID: "gated", TierRestrictionMode: "minimum", RequiredTier: "enterprise"},
	)

	got := c.List("free")
	if len(got) != 1 || got[0].ID != "visible" {
		t.Fatalf("expected only the visible model, got %+v", got)
	}
}

func TestListWithArchivedIncludesArchivedButStillEnforcesTier(t *testing.T) {
	c := testCatalog(
		store.Model{ID: "archived", IsArchived: true, TierRestrictionMode: "minimum", RequiredTier: "free"},
		store.Model{ID: "archived-gated", IsArchived: true, TierRestrictionMode: "minimum", RequiredTier: "enterprise"},
	)

	got := c.ListWithArchived("free")
	if len(got) != 1 || got[0].ID != "archived" {
		t.Fatalf("expected archived-but-accessible model only, got %+v", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	c := testCatalog()
	if _, err := c.Resolve("missing", "free"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveArchived(t *testing.T) {
	c := testCatalog(store.Model{ID: "m1", IsArchived: true, IsAvailable: true, TierRestrictionMode: "minimum"})
	if _, err := c.Resolve("m1", "free"); err != ErrArchived {
		t.Fatalf("expected ErrArchived, got %v", err)
	}
}

func TestResolveUnavailable(t *testing.T) {
	c := testCatalog(store.Model{ID: "m1", IsAvailable: false, TierRestrictionMode: "minimum"})
	if _, err := c.Resolve("m1", "free"); err == nil {
		t.Fatal("expected an error for an unavailable model")
	}
}

func TestResolveTierDenied(t *testing.T) {
	c := testCatalog(store.Model{ID: "m1", IsAvailable: true, TierRestrictionMode: "minimum", RequiredTier: "enterprise"})
	_, err := c.Resolve("m1", "free")
	if !errors.Is(err, ErrNotAccessible) {
		t.Fatalf("expected ErrNotAccessible, got %v", err)
	}
	var accessErr *AccessDeniedError
	if !errors.As(err, &accessErr) {
		t.Fatalf("expected *AccessDeniedError, got %T", err)
	}
	if accessErr.ModelID != "m1" || accessErr.RequiredTier != "enterprise" || accessErr.CurrentTier != "free" {
		t.Fatalf("unexpected AccessDeniedError fields: %+v", accessErr)
	}
}

func TestResolveSuccess(t *testing.T) {
	c := testCatalog(store.Model{ID: "m1", IsAvailable: true, TierRestrictionMode: "minimum", RequiredTier: "free"})
	m, err := c.Resolve("m1", "pro")
	if err != nil {
		t.Fatalf("expected successful resolution, got %v", err)
	}
	if m.ID != "m1" {
		t.Fatalf("expected resolved model m1, got %s", m.ID)
	}
}
