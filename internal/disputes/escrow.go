package disputes

import (
	"context"
	"fmt"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/money"
	"github.com/mbd888/marketledger/internal/traces"
)

// ErrOrderNotPending is returned when funding an order that already left
// the PENDING state.
var ErrOrderNotPending = ledger.NewError(ledger.KindState, "order_not_pending", "order is not awaiting acceptance")

// AcceptOrder binds an order to its escrow: the order's final price moves
// from the client's available balance into escrow and the order becomes
// ACCEPTED. Only the order's client may fund it.
func (s *Service) AcceptOrder(ctx context.Context, orderID int64, client Actor) (_ *ledger.Transaction, err error) {
	defer observeDisputeOp("accept_order", &err)()
	ctx, span := traces.StartSpan(ctx, "disputes.AcceptOrder", traces.OrderID(orderID), traces.UserID(client.UserID))
	defer func() { traces.End(span, err) }()

	var entry *ledger.Transaction
	err = s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.ClientUserID != client.UserID {
			return ErrNotParticipant
		}
		if o.Status != OrderPending {
			return fmt.Errorf("%w: status %s", ErrOrderNotPending, o.Status)
		}
		price := o.EscrowAmount()
		if !price.IsPositive() {
			return fmt.Errorf("%w: order has no final price", ledger.ErrInvalidAmount)
		}

		accounts, err := tx.LockAccounts(ctx, o.ClientUserID)
		if err != nil {
			return err
		}
		acct := accounts[o.ClientUserID]
		if err := acct.HoldEscrow(price); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		entry, err = ledger.Record(ctx, tx, ledger.KindEscrowHold, acct.UserID, acct.UserID, price,
			ledger.ForOrder(o.ID), ledger.ViaPaymentMethod(ledger.PaymentMethodEscrow))
		if err != nil {
			return err
		}

		o.Status = OrderAccepted
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order escrow held", "order_id", orderID, "client_id", client.UserID, "amount", money.Format(entry.Amount))
	return entry, nil
}
