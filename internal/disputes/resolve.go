package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/money"
	"github.com/mbd888/marketledger/internal/traces"
	"github.com/shopspring/decimal"
)

// ResolveRequest is an admin's decision on a dispute. The split amounts are
// read only for SPLIT_PAYMENT; an empty amount counts as zero.
type ResolveRequest struct {
	DisputeID              int64
	Admin                  Actor
	Resolution             Resolution
	AdminNotes             string
	ClientRefundAmount     string
	TechnicianPayoutAmount string
}

// ResolveResult is the committed outcome of a resolution.
type ResolveResult struct {
	Dispute            *Dispute              `json:"dispute"`
	Order              *Order                `json:"order"`
	ClientBalances     *ledger.Balances      `json:"clientBalances"`
	TechnicianBalances *ledger.Balances      `json:"technicianBalances,omitempty"`
	Transactions       []*ledger.Transaction `json:"transactions"`
	// SplitRemainder is the escrow left over by a split that did not cover
	// the whole order price. It was refunded to the client.
	SplitRemainder string `json:"splitRemainder,omitempty"`
}

type split struct {
	refund decimal.Decimal
	payout decimal.Decimal
}

// transfer is one escrow movement out of the client's account.
type transfer struct {
	kind   ledger.Kind
	amount decimal.Decimal
}

// plan is the full set of movements for a resolution, computed before any
// account is touched.
type plan struct {
	transfers   []transfer
	required    decimal.Decimal
	remainder   decimal.Decimal
	orderStatus OrderStatus
	completes   bool
}

// ResolveDispute applies an admin's resolution atomically: it moves the
// order's escrow, writes one transaction per movement, closes the order and
// seals the dispute. Resolving a RESOLVED dispute fails with
// ErrAlreadyResolved and changes nothing.
func (s *Service) ResolveDispute(ctx context.Context, req ResolveRequest) (_ *ResolveResult, err error) {
	defer observeResolve(req.Resolution, &err)()
	ctx, span := traces.StartSpan(ctx, "disputes.ResolveDispute",
		traces.DisputeID(req.DisputeID), traces.Resolution(string(req.Resolution)))
	defer func() { traces.End(span, err) }()

	result := &ResolveResult{}
	var p *plan
	err = s.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.LockDispute(ctx, req.DisputeID)
		if err != nil {
			return err
		}
		if d.Status == StatusResolved {
			return ErrAlreadyResolved
		}
		amounts, err := validateResolve(req)
		if err != nil {
			return err
		}

		o, err := tx.LockOrder(ctx, d.OrderID)
		if err != nil {
			return err
		}
		p, err = planResolution(req.Resolution, o, amounts)
		if err != nil {
			return err
		}

		accounts, err := tx.LockAccounts(ctx, o.Parties()...)
		if err != nil {
			return err
		}
		client := accounts[o.ClientUserID]
		if p.required.IsPositive() && client.InEscrow.LessThan(p.required) {
			return fmt.Errorf("%w: in escrow %s, order requires %s",
				ledger.ErrInsufficientEscrow, money.Format(client.InEscrow), money.Format(p.required))
		}

		var technician *ledger.Account
		if o.HasTechnician() {
			technician = accounts[*o.TechnicianUserID]
		}
		for _, tr := range p.transfers {
			entry, err := applyTransfer(ctx, tx, d, o, client, technician, tr)
			if err != nil {
				return err
			}
			result.Transactions = append(result.Transactions, entry)
		}
		for _, id := range o.Parties() {
			if err := tx.SaveAccount(ctx, accounts[id]); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		o.Status = p.orderStatus
		if p.completes {
			o.JobCompletionTimestamp = &now
		}
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}

		adminID := req.Admin.UserID
		d.Status = StatusResolved
		d.Resolution = req.Resolution
		d.AdminNotes = strings.TrimSpace(req.AdminNotes)
		d.ResolutionDate = &now
		if adminID > 0 {
			d.ResolvedBy = &adminID
		}
		if err := tx.SaveDispute(ctx, d); err != nil {
			return err
		}

		result.Dispute = d
		result.Order = o
		result.ClientBalances = client.Balances()
		if technician != nil {
			result.TechnicianBalances = technician.Balances()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p.remainder.IsPositive() {
		result.SplitRemainder = money.Format(p.remainder)
		splitRemainders.Inc()
		s.logger.Warn("split did not cover escrow, remainder refunded to client",
			"dispute_id", req.DisputeID,
			"order_id", result.Order.ID,
			"remainder", result.SplitRemainder)
	}
	s.logger.Info("dispute resolved",
		"dispute_id", req.DisputeID,
		"resolution", req.Resolution,
		"admin_id", req.Admin.UserID,
		"transactions", len(result.Transactions))

	payload := map[string]any{
		"disputeId":  result.Dispute.ID,
		"orderId":    result.Order.ID,
		"resolution": string(result.Dispute.Resolution),
	}
	for _, uid := range result.Order.Parties() {
		s.notifier.Notify(ctx, uid, EventDisputeResolved, payload)
	}
	return result, nil
}

// validateResolve checks the request preconditions that do not depend on
// stored state, in order: resolution, notes, amounts.
func validateResolve(req ResolveRequest) (split, error) {
	if !req.Resolution.Valid() {
		return split{}, ErrInvalidResolution
	}
	if strings.TrimSpace(req.AdminNotes) == "" {
		return split{}, ErrMissingNotes
	}
	if req.Resolution != ResolutionSplitPayment {
		return split{}, nil
	}
	refund, err := parseSplitAmount(req.ClientRefundAmount)
	if err != nil {
		return split{}, fmt.Errorf("%w: client refund amount: %v", ledger.ErrInvalidAmount, err)
	}
	payout, err := parseSplitAmount(req.TechnicianPayoutAmount)
	if err != nil {
		return split{}, fmt.Errorf("%w: technician payout amount: %v", ledger.ErrInvalidAmount, err)
	}
	return split{refund: refund, payout: payout}, nil
}

func parseSplitAmount(s string) (decimal.Decimal, error) {
	d, err := money.Parse(s)
	if errors.Is(err, money.ErrEmpty) {
		return decimal.Zero, nil
	}
	return d, err
}

// planResolution computes the movements for resolution r against order o.
func planResolution(r Resolution, o *Order, amounts split) (*plan, error) {
	escrow := o.EscrowAmount()
	p := &plan{required: decimal.Zero, remainder: decimal.Zero}

	switch r {
	case ResolutionRefundClient:
		p.orderStatus = OrderRefunded
		if escrow.IsPositive() {
			p.required = escrow
			p.transfers = append(p.transfers, transfer{ledger.KindDisputeRefund, escrow})
		}

	case ResolutionPayTechnician:
		p.orderStatus = OrderCompleted
		p.completes = true
		if escrow.IsPositive() {
			if !o.HasTechnician() {
				return nil, ErrNoTechnician
			}
			p.required = escrow
			p.transfers = append(p.transfers, transfer{ledger.KindDisputePayout, escrow})
		}

	case ResolutionSplitPayment:
		p.orderStatus = OrderCompleted
		p.completes = true
		total := amounts.refund.Add(amounts.payout)
		if total.GreaterThan(escrow) {
			return nil, fmt.Errorf("%w: split %s, escrow %s",
				ErrSplitExceedsEscrow, money.Format(total), money.Format(escrow))
		}
		if amounts.payout.IsPositive() && !o.HasTechnician() {
			return nil, ErrNoTechnician
		}
		p.required = total
		if amounts.refund.IsPositive() {
			p.transfers = append(p.transfers, transfer{ledger.KindDisputeRefund, amounts.refund})
		}
		if amounts.payout.IsPositive() {
			p.transfers = append(p.transfers, transfer{ledger.KindDisputePayout, amounts.payout})
		}
		if rem := escrow.Sub(total); rem.IsPositive() {
			p.remainder = rem
			p.transfers = append(p.transfers, transfer{ledger.KindDisputeRefund, rem})
		}

	default:
		return nil, ErrInvalidResolution
	}
	return p, nil
}

// applyTransfer moves one amount out of the client's escrow and records it.
func applyTransfer(ctx context.Context, tx Tx, d *Dispute, o *Order, client, technician *ledger.Account, tr transfer) (*ledger.Transaction, error) {
	opts := []ledger.RecordOption{
		ledger.ForOrder(o.ID),
		ledger.ForDispute(d.ID),
		ledger.ViaPaymentMethod(ledger.PaymentMethodEscrow),
	}
	switch tr.kind {
	case ledger.KindDisputeRefund:
		if err := client.ReleaseEscrowToClient(tr.amount); err != nil {
			return nil, err
		}
		return ledger.Record(ctx, tx, tr.kind, client.UserID, client.UserID, tr.amount, opts...)
	case ledger.KindDisputePayout:
		if err := ledger.ReleaseEscrowToPayee(client, technician, tr.amount); err != nil {
			return nil, err
		}
		return ledger.Record(ctx, tx, tr.kind, client.UserID, technician.UserID, tr.amount, opts...)
	}
	return nil, ledger.ErrInvalidKind
}
