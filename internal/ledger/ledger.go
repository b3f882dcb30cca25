// Package ledger keeps each user's three-bucket EGP balance and the
// append-only transaction log that audits every change to it.
//
// Buckets:
//   - available: spendable and withdrawable
//   - in escrow: held against an accepted order, released only by order
//     release or dispute resolution
//   - pending: owed to a technician, withdrawable after
//     TransferPendingToAvailable
//
// Flow:
//   - Deposit → available += amount
//   - Order acceptance → available -= price, in escrow += price
//   - Order release → client in escrow -= price, technician pending += price
//   - Dispute resolution → in escrow -= amount, client available or
//     technician pending += amount
//   - TransferPendingToAvailable → pending → available
//   - Withdraw → available -= amount
//
// Every mutation is paired with exactly one Transaction inside the same
// Store.WithTx scope.
package ledger

import (
	"context"
	"iter"
	"log/slog"

	"github.com/mbd888/marketledger/internal/money"
	"github.com/mbd888/marketledger/internal/traces"
	"github.com/shopspring/decimal"
)

const defaultHistoryPageSize = 100

// Service exposes the ledger-facing operations.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a ledger service backed by store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Deposit credits the user's available balance. paymentRef is an optional
// free-form reference to the external settlement.
func (s *Service) Deposit(ctx context.Context, userID int64, amount decimal.Decimal, paymentRef string) (_ *Transaction, err error) {
	defer observeOp(opDeposit, &err)()
	ctx, span := traces.StartSpan(ctx, "ledger.Deposit", traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()

	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	var entry *Transaction
	err = s.store.WithTx(ctx, func(tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, userID)
		if err != nil {
			return err
		}
		acct := accounts[userID]
		if err := acct.Deposit(amount); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		var opts []RecordOption
		if paymentRef != "" {
			opts = append(opts, ViaPaymentMethod(paymentRef))
		}
		entry, err = Record(ctx, tx, KindDeposit, userID, userID, amount, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("deposit recorded", "user_id", userID, "amount", money.Format(amount), "transaction_id", entry.ID)
	return entry, nil
}

// Withdraw debits the user's available balance towards a payment method
// the user owns. Methods owned by someone else are reported as not found.
func (s *Service) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal, paymentMethodID int64) (_ *Transaction, err error) {
	defer observeOp(opWithdraw, &err)()
	ctx, span := traces.StartSpan(ctx, "ledger.Withdraw", traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()

	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	var entry *Transaction
	err = s.store.WithTx(ctx, func(tx Tx) error {
		pm, err := tx.GetPaymentMethod(ctx, paymentMethodID)
		if err != nil {
			return err
		}
		if !pm.OwnedBy(userID) {
			return ErrPaymentMethodNotFound
		}

		accounts, err := tx.LockAccounts(ctx, userID)
		if err != nil {
			return err
		}
		acct := accounts[userID]
		if err := acct.Withdraw(amount); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		entry, err = Record(ctx, tx, KindWithdrawal, userID, userID, amount, ViaPaymentMethod(pm.Label()))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal recorded", "user_id", userID, "amount", money.Format(amount), "transaction_id", entry.ID)
	return entry, nil
}

// TransferPendingToAvailable moves the user's whole pending balance into
// available.
func (s *Service) TransferPendingToAvailable(ctx context.Context, userID int64) (_ *Transaction, err error) {
	defer observeOp(opTransferPending, &err)()
	ctx, span := traces.StartSpan(ctx, "ledger.TransferPendingToAvailable", traces.UserID(userID))
	defer func() { traces.End(span, err) }()

	var entry *Transaction
	err = s.store.WithTx(ctx, func(tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, userID)
		if err != nil {
			return err
		}
		acct := accounts[userID]
		moved, err := acct.MovePendingToAvailable()
		if err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		entry, err = Record(ctx, tx, KindPendingToAvailable, userID, userID, moved)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("pending funds released", "user_id", userID, "amount", money.Format(entry.Amount), "transaction_id", entry.ID)
	return entry, nil
}

// Balance returns the committed balances of userID.
func (s *Service) Balance(ctx context.Context, userID int64) (*Balances, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return acct.Balances(), nil
}

// History returns the user's transactions newest first. The sequence is
// lazy, fetching pageSize entries at a time, and may be ranged over more
// than once. Iteration stops after yielding the first error.
func (s *Service) History(ctx context.Context, userID int64, pageSize int) iter.Seq2[*Transaction, error] {
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	return func(yield func(*Transaction, error) bool) {
		var before int64
		for {
			page, err := s.store.ListTransactions(ctx, userID, before, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			before = page[len(page)-1].ID
		}
	}
}

// HistoryPage returns one page of the user's transactions below beforeID
// (0 for the newest page), fetching one extra row to detect more.
func (s *Service) HistoryPage(ctx context.Context, userID, beforeID int64, limit int) ([]*Transaction, error) {
	return s.store.ListTransactions(ctx, userID, beforeID, limit+1)
}
