// Package store implements the ledger and dispute transaction scopes on
// PostgreSQL and in memory.
//
// Both stores expose two views of one underlying transaction: Ledger()
// for the ledger service and Disputes() for the dispute service. A
// dispute transaction is also a ledger transaction, so a resolution locks
// and writes accounts in the same atomic unit as the dispute and order.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/marketledger/internal/disputes"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/migrations"
	"github.com/pressly/goose/v3"
)

// DefaultLockTimeout bounds row lock waits when none is configured.
const DefaultLockTimeout = 5 * time.Second

// Backend is implemented by both stores.
type Backend interface {
	Ledger() ledger.Store
	Disputes() disputes.Store
	CreateOrder(ctx context.Context, o *disputes.Order) error
	AddPaymentMethod(ctx context.Context, pm *ledger.PaymentMethod) error
	ListAccounts(ctx context.Context) ([]*ledger.Account, error)
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)

// checkBuckets rejects balances no ledger primitive can produce.
func checkBuckets(a *ledger.Account) error {
	if a.Available.IsNegative() || a.InEscrow.IsNegative() || a.Pending.IsNegative() {
		return fmt.Errorf("account %d: refusing to save negative balance", a.UserID)
	}
	return nil
}

// lockOrder validates account references and returns them in lock order.
func lockOrder(userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, ledger.ErrInvalidAccount
	}
	for _, id := range userIDs {
		if id <= 0 {
			return nil, ledger.ErrInvalidAccount
		}
	}
	return ledger.LockOrder(userIDs), nil
}

// Migrate applies the embedded goose migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
