package ledger

import (
	"context"
	"time"

	"github.com/mbd888/marketledger/internal/money"
	"github.com/shopspring/decimal"
)

// Kind is the type of a transaction log entry.
type Kind string

const (
	KindDeposit            Kind = "DEPOSIT"
	KindWithdrawal         Kind = "WITHDRAWAL"
	KindEscrowHold         Kind = "ESCROW_HOLD"
	KindEscrowRelease      Kind = "ESCROW_RELEASE"
	KindPendingToAvailable Kind = "PENDING_TO_AVAILABLE"
	KindDisputeRefund      Kind = "DISPUTE_REFUND"
	KindDisputePayout      Kind = "DISPUTE_PAYOUT"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindEscrowHold, KindEscrowRelease,
		KindPendingToAvailable, KindDisputeRefund, KindDisputePayout:
		return true
	}
	return false
}

// PaymentMethodEscrow is the payment reference written on escrow entries.
const PaymentMethodEscrow = "Escrow"

// Transaction is one immutable entry of the transaction log.
type Transaction struct {
	ID                int64           `json:"id"`
	SourceUserID      int64           `json:"sourceUserId"`
	DestinationUserID int64           `json:"destinationUserId"`
	OrderID           *int64          `json:"orderId,omitempty"`
	DisputeID         *int64          `json:"disputeId,omitempty"`
	Kind              Kind            `json:"kind"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PaymentMethod     string          `json:"paymentMethod,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Involves reports whether userID is the source or destination of t.
func (t *Transaction) Involves(userID int64) bool {
	return t.SourceUserID == userID || t.DestinationUserID == userID
}

// RecordOption sets optional references on a recorded entry.
type RecordOption func(*Transaction)

// ForOrder links the entry to an order.
func ForOrder(orderID int64) RecordOption {
	return func(t *Transaction) { t.OrderID = &orderID }
}

// ForDispute links the entry to a dispute.
func ForDispute(disputeID int64) RecordOption {
	return func(t *Transaction) { t.DisputeID = &disputeID }
}

// ViaPaymentMethod records the payment reference.
func ViaPaymentMethod(ref string) RecordOption {
	return func(t *Transaction) { t.PaymentMethod = ref }
}

// Record appends one entry to the transaction log inside tx and returns it.
// It validates only the amount, the kind and the account references; the
// caller owns every business rule.
func Record(ctx context.Context, tx Tx, kind Kind, source, destination int64, amount decimal.Decimal, opts ...RecordOption) (*Transaction, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if source <= 0 || destination <= 0 {
		return nil, ErrInvalidAccount
	}
	t := &Transaction{
		SourceUserID:      source,
		DestinationUserID: destination,
		Kind:              kind,
		Amount:            amount,
		Currency:          money.Currency,
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
