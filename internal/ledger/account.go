package ledger

import (
	"fmt"
	"time"

	"github.com/mbd888/marketledger/internal/money"
	"github.com/shopspring/decimal"
)

// Account is a user's three-bucket balance. Values returned by a Tx are
// locked rows; mutate them only through the primitives below and persist
// with Tx.SaveAccount.
type Account struct {
	UserID    int64
	Available decimal.Decimal
	InEscrow  decimal.Decimal
	Pending   decimal.Decimal
	UpdatedAt time.Time
}

// NewAccount returns a zero-balance account for userID.
func NewAccount(userID int64) *Account {
	return &Account{
		UserID:    userID,
		Available: decimal.Zero,
		InEscrow:  decimal.Zero,
		Pending:   decimal.Zero,
	}
}

// Total is available + in escrow + pending.
func (a *Account) Total() decimal.Decimal {
	return a.Available.Add(a.InEscrow).Add(a.Pending)
}

// Clone returns a copy safe to hand out of a store.
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}

// Balances is the display snapshot of an account.
type Balances struct {
	UserID    int64     `json:"userId"`
	Available string    `json:"available"`
	InEscrow  string    `json:"inEscrow"`
	Pending   string    `json:"pending"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Balances formats the account for collaborators.
func (a *Account) Balances() *Balances {
	return &Balances{
		UserID:    a.UserID,
		Available: money.Format(a.Available),
		InEscrow:  money.Format(a.InEscrow),
		Pending:   money.Format(a.Pending),
		Currency:  money.Currency,
		UpdatedAt: a.UpdatedAt,
	}
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !money.Valid(amount) {
		return ErrInvalidAmount
	}
	return nil
}

// credit returns bucket + amount, failing if the sum does not fit a
// balance column.
func credit(bucket, amount decimal.Decimal) (decimal.Decimal, error) {
	sum := bucket.Add(amount)
	if sum.GreaterThan(money.Max) {
		return bucket, fmt.Errorf("%w: balance would reach %s", ErrBalanceLimit, money.Format(sum))
	}
	return sum, nil
}

// Deposit credits available.
func (a *Account) Deposit(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	available, err := credit(a.Available, amount)
	if err != nil {
		return err
	}
	a.Available = available
	return nil
}

// Withdraw debits available.
func (a *Account) Withdraw(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if a.Available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s",
			ErrInsufficientFunds, money.Format(a.Available), money.Format(amount))
	}
	a.Available = a.Available.Sub(amount)
	return nil
}

// HoldEscrow moves amount from available into escrow.
func (a *Account) HoldEscrow(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if a.Available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s",
			ErrInsufficientFunds, money.Format(a.Available), money.Format(amount))
	}
	escrow, err := credit(a.InEscrow, amount)
	if err != nil {
		return err
	}
	a.Available = a.Available.Sub(amount)
	a.InEscrow = escrow
	return nil
}

// MovePendingToAvailable moves the whole pending balance to available and
// returns the amount moved.
func (a *Account) MovePendingToAvailable() (decimal.Decimal, error) {
	if !a.Pending.IsPositive() {
		return decimal.Zero, ErrNoPendingFunds
	}
	moved := a.Pending
	available, err := credit(a.Available, moved)
	if err != nil {
		return decimal.Zero, err
	}
	a.Available = available
	a.Pending = decimal.Zero
	return moved, nil
}

// ReleaseEscrowToClient moves amount from escrow back to available.
func (a *Account) ReleaseEscrowToClient(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if a.InEscrow.LessThan(amount) {
		return fmt.Errorf("%w: in escrow %s, requested %s",
			ErrInsufficientEscrow, money.Format(a.InEscrow), money.Format(amount))
	}
	available, err := credit(a.Available, amount)
	if err != nil {
		return err
	}
	a.InEscrow = a.InEscrow.Sub(amount)
	a.Available = available
	return nil
}

// ReleaseEscrowToPayee moves amount from from's escrow into to's pending
// balance.
func ReleaseEscrowToPayee(from, to *Account, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if from.UserID == to.UserID {
		return ErrInvalidAccount
	}
	if from.InEscrow.LessThan(amount) {
		return fmt.Errorf("%w: in escrow %s, requested %s",
			ErrInsufficientEscrow, money.Format(from.InEscrow), money.Format(amount))
	}
	pending, err := credit(to.Pending, amount)
	if err != nil {
		return err
	}
	from.InEscrow = from.InEscrow.Sub(amount)
	to.Pending = pending
	return nil
}
