package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/money"
	"github.com/mbd888/marketledger/internal/traces"
)

// DefaultReleaseWindow is how long an order stays AWAITING_RELEASE before
// its escrow is released without the client.
const DefaultReleaseWindow = 72 * time.Hour

// autoReleaseBatch bounds the orders released per AutoRelease call.
const autoReleaseBatch = 100

// Release triggers, as recorded in metrics, logs and notifications.
const (
	ReleaseByClient = "client"
	ReleaseAuto     = "auto"
)

var (
	ErrOrderNotReleasable = ledger.NewError(ledger.KindState, "order_not_releasable", "order escrow cannot be released in its current state")
	ErrJobNotStarted      = ledger.NewError(ledger.KindState, "job_not_started", "order is not accepted or in progress")
)

// ReleaseResult is the committed outcome of an escrow release.
type ReleaseResult struct {
	Order              *Order              `json:"order"`
	Transaction        *ledger.Transaction `json:"transaction,omitempty"`
	ClientBalances     *ledger.Balances    `json:"clientBalances"`
	TechnicianBalances *ledger.Balances    `json:"technicianBalances"`
}

// CompleteJob is the technician's report that the work is done. The order
// becomes AWAITING_RELEASE and is released automatically once the release
// window passes, unless the client releases or disputes it first.
func (s *Service) CompleteJob(ctx context.Context, orderID int64, technician Actor) (_ *Order, err error) {
	defer observeDisputeOp("complete_job", &err)()
	ctx, span := traces.StartSpan(ctx, "disputes.CompleteJob", traces.OrderID(orderID), traces.UserID(technician.UserID))
	defer func() { traces.End(span, err) }()

	var updated *Order
	err = s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.IsTechnician(technician.UserID) {
			return ErrNotParticipant
		}
		if o.Status != OrderAccepted && o.Status != OrderInProgress {
			return fmt.Errorf("%w: status %s", ErrJobNotStarted, o.Status)
		}
		due := s.now().UTC().Add(s.releaseWindow)
		o.Status = OrderAwaitingRelease
		o.AutoReleaseDate = &due
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job completed, awaiting release", "order_id", orderID, "auto_release_date", updated.AutoReleaseDate)
	s.notifier.Notify(ctx, updated.ClientUserID, EventJobCompleted, map[string]any{
		"orderId":         updated.ID,
		"autoReleaseDate": updated.AutoReleaseDate,
	})
	return updated, nil
}

// ReleaseOrder is the client's confirmation of the job: the order's escrow
// moves to the technician's pending balance and the order is COMPLETED.
func (s *Service) ReleaseOrder(ctx context.Context, orderID int64, client Actor) (*ReleaseResult, error) {
	return s.release(ctx, orderID, ReleaseByClient, func(o *Order) error {
		if o.ClientUserID != client.UserID {
			return ErrNotParticipant
		}
		if !o.Releasable() {
			return fmt.Errorf("%w: status %s", ErrOrderNotReleasable, o.Status)
		}
		return nil
	})
}

// AutoRelease releases every AWAITING_RELEASE order whose release date has
// passed and returns how many were released. An order that fails is logged
// and skipped; its client is told when the failure needs their attention.
func (s *Service) AutoRelease(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.ListDueForRelease(ctx, now, autoReleaseBatch)
	if err != nil {
		return 0, fmt.Errorf("list orders due for release: %w", err)
	}

	released := 0
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		_, err := s.release(ctx, candidate.ID, ReleaseAuto, func(o *Order) error {
			if o.Status != OrderAwaitingRelease || o.AutoReleaseDate == nil || o.AutoReleaseDate.After(now) {
				return fmt.Errorf("%w: status %s", ErrOrderNotReleasable, o.Status)
			}
			return nil
		})
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrOrderNotReleasable), ledger.IsContention(err):
			s.logger.Info("auto-release skipped", "order_id", candidate.ID, "reason", err)
		default:
			s.logger.Warn("auto-release failed", "order_id", candidate.ID, "error", err)
			s.notifier.Notify(ctx, candidate.ClientUserID, EventReleaseFailed, map[string]any{
				"orderId": candidate.ID,
				"reason":  ledger.CodeOf(err),
			})
		}
	}
	return released, nil
}

// release moves the order's escrow to its technician once check accepts the
// locked order.
func (s *Service) release(ctx context.Context, orderID int64, trigger string, check func(*Order) error) (_ *ReleaseResult, err error) {
	defer observeRelease(trigger, &err)()
	ctx, span := traces.StartSpan(ctx, "disputes.ReleaseOrder", traces.OrderID(orderID), traces.ReleaseTrigger(trigger))
	defer func() { traces.End(span, err) }()

	result := &ReleaseResult{}
	err = s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := check(o); err != nil {
			return err
		}
		if !o.HasTechnician() {
			return ErrNoTechnician
		}

		accounts, err := tx.LockAccounts(ctx, o.Parties()...)
		if err != nil {
			return err
		}
		client, technician := accounts[o.ClientUserID], accounts[*o.TechnicianUserID]
		if amount := o.EscrowAmount(); amount.IsPositive() {
			if err := ledger.ReleaseEscrowToPayee(client, technician, amount); err != nil {
				return err
			}
			for _, a := range []*ledger.Account{client, technician} {
				if err := tx.SaveAccount(ctx, a); err != nil {
					return err
				}
			}
			result.Transaction, err = ledger.Record(ctx, tx, ledger.KindEscrowRelease, client.UserID, technician.UserID, amount,
				ledger.ForOrder(o.ID), ledger.ViaPaymentMethod(ledger.PaymentMethodEscrow))
			if err != nil {
				return err
			}
		}

		now := s.now().UTC()
		o.Status = OrderCompleted
		o.JobCompletionTimestamp = &now
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}

		result.Order = o
		result.ClientBalances = client.Balances()
		result.TechnicianBalances = technician.Balances()
		return nil
	})
	if err != nil {
		return nil, err
	}

	amount := money.Format(result.Order.EscrowAmount())
	s.logger.Info("order escrow released", "order_id", orderID, "trigger", trigger, "amount", amount)
	payload := map[string]any{
		"orderId": orderID,
		"amount":  amount,
		"trigger": trigger,
	}
	for _, uid := range result.Order.Parties() {
		s.notifier.Notify(ctx, uid, EventEscrowReleased, payload)
	}
	return result, nil
}
