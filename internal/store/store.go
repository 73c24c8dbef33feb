// Package store provides the gorm/Postgres-backed persistence seams for
// chainlog, wallet, authority, dispute, gate, and maintenance — the same
// gorm.io/gorm + gorm.io/driver/postgres stack services/otc-gateway and
// services/escrow-gateway persist through in the teacher repo. Every
// entity that spec §5 requires to serialize "two operations on the same
// key observe a total order" is mutated here under a row-level
// `SELECT ... FOR UPDATE` lock inside a transaction, never a bare read then
// write.
package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DB wraps a *gorm.DB and exposes Open/Migrate so every per-component store
// in this package (ChainlogStore, WalletStore, ...) can share one
// connection pool and one migration pass, the way a single binary's
// main() wires one *gorm.DB into every service it starts.
type DB struct {
	*gorm.DB
}

// Open dials a gorm.Dialector and returns a *DB ready for Migrate. Tests in
// this package construct a *gorm.DB against glebarez/sqlite's in-memory
// dialector and wrap it with &store.DB{DB: raw} rather than dialing
// Postgres, the same substitution services/otc-gateway's recon and funding
// tests make.
func Open(dialector gorm.Dialector) (*DB, error) {
	raw, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return &DB{DB: raw}, nil
}

// Migrate runs AutoMigrate for every table this package defines. Called
// once at binary startup, never from request-handling code paths.
func (d *DB) Migrate(ctx context.Context) error {
	return d.WithContext(ctx).AutoMigrate(
		&chainEventRow{}, &chainIdempotencyRow{},
		&walletRow{}, &gateLedgerRow{}, &walletCreditIdemRow{}, &holdbackRow{},
		&grantRow{}, &grantGateRow{},
		&gateRow{},
		&disputeRow{}, &arbitrationCaseRow{},
		&settlementRow{},
		&outboxRow{},
		&flagRow{},
	)
}

// forUpdate returns a query clause that locks matching rows for the
// duration of the enclosing transaction, the row-level-lock contract spec
// §5 requires for same-key serialization.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func nowOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t.UTC()
}
