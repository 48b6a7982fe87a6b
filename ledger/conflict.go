package ledger

import (
	"gorm.io/gorm/clause"
)

// onConflictDoNothing builds an ON CONFLICT (column) DO NOTHING clause,
// used so a replayed purchase webhook can't create a duplicate credit pool.
func onConflictDoNothing(column string) clause.Expression {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: column}},
		DoNothing: true,
	}
}
