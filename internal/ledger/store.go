package ledger

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"
)

// Tx is one atomic unit of work. Everything written through a Tx becomes
// visible together when the enclosing Store.WithTx returns nil, and not at
// all otherwise.
type Tx interface {
	// LockAccounts takes exclusive locks on the users' accounts in ascending
	// user id order, provisioning zero-balance accounts for unknown users.
	LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*Account, error)

	// SaveAccount persists the balances of an account locked by this Tx.
	SaveAccount(ctx context.Context, a *Account) error

	// AppendTransaction assigns ID and CreatedAt and appends t to the log.
	AppendTransaction(ctx context.Context, t *Transaction) error

	// GetPaymentMethod returns ErrPaymentMethodNotFound for unknown ids.
	GetPaymentMethod(ctx context.Context, id int64) (*PaymentMethod, error)
}

// Store persists accounts and the transaction log.
type Store interface {
	// WithTx runs fn in a new transaction scope. It commits when fn returns
	// nil and rolls back on error, panic or context cancellation. Lock
	// timeouts surface as ErrContention.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// GetAccount returns the committed balances, zeros for unknown users.
	GetAccount(ctx context.Context, userID int64) (*Account, error)

	// ListTransactions returns up to limit entries involving userID with
	// id < beforeID (no bound when beforeID is 0), newest first.
	ListTransactions(ctx context.Context, userID int64, beforeID int64, limit int) ([]*Transaction, error)
}

// Snapshot is every account together with the log's deposit and
// withdrawal totals, read at one point in time.
type Snapshot struct {
	Accounts  []*Account
	Deposited decimal.Decimal
	Withdrawn decimal.Decimal
}

// LockOrder returns ids sorted ascending without duplicates or
// non-positive values. Stores lock accounts in this order.
func LockOrder(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
