// Package store owns the relational schema behind the credit ledger,
// pricing history, and model registry, and opens the single *gorm.DB the
// rest of the gateway shares.
package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tollgate-ai/gateway/config"
)

// Open connects to Postgres and configures the connection pool. Callers
// must call AutoMigrate once at boot before serving traffic.
func Open(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	gormLvl := logger.Warn
	if cfg.IsDevelopment() {
		gormLvl = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(gormLvl),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DatabaseMaxConn)
	sqlDB.SetMaxIdleConns(cfg.DatabaseMaxConn / 2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// AutoMigrate registers every model the core owns. Users/Subscriptions are
// read-only from the core's perspective but are migrated here too so the
// module is runnable standalone in development.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Subscription{},
		&CreditPool{},
		&PurchasedCreditPool{},
		&UsageRecord{},
		&Model{},
		&VendorPricing{},
		&TierMultiplier{},
		&AuthCode{},
		&RefreshToken{},
		&ReconciliationRecord{},
	)
}
