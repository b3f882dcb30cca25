package disputes

import (
	"context"
	"strings"

	"github.com/mbd888/marketledger/internal/pagination"
	"github.com/mbd888/marketledger/internal/traces"
)

// OpenDispute opens a dispute on an order for one of its parties. The
// initiator's argument is stored on their side and the order is marked
// DISPUTED.
func (s *Service) OpenDispute(ctx context.Context, orderID int64, initiator Actor, argument string) (_ *Dispute, err error) {
	defer observeDisputeOp("open", &err)()
	ctx, span := traces.StartSpan(ctx, "disputes.OpenDispute",
		traces.OrderID(orderID), traces.UserID(initiator.UserID))
	defer func() { traces.End(span, err) }()

	argument = strings.TrimSpace(argument)
	var (
		created      *Dispute
		counterparty int64
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.OwnedBy(initiator.UserID) {
			return ErrNotParticipant
		}
		if !o.Disputable() {
			return ErrOrderNotDisputable
		}
		active, err := tx.FindActiveDispute(ctx, orderID)
		if err != nil {
			return err
		}
		if active != nil {
			return ErrDisputeAlreadyOpen
		}

		d := &Dispute{
			OrderID:     orderID,
			InitiatorID: initiator.UserID,
			Status:      StatusOpen,
		}
		if initiator.UserID == o.ClientUserID {
			d.ClientArgument = argument
			if o.HasTechnician() {
				counterparty = *o.TechnicianUserID
			}
		} else {
			d.TechnicianArgument = argument
			counterparty = o.ClientUserID
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}

		o.Status = OrderDisputed
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		created = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispute opened", "dispute_id", created.ID, "order_id", orderID, "initiator_id", initiator.UserID)
	if counterparty != 0 {
		s.notifier.Notify(ctx, counterparty, EventDisputeOpened, map[string]any{
			"disputeId": created.ID,
			"orderId":   orderID,
		})
	}
	return created, nil
}

// Thread is a dispute with its order and responses, as shown to a
// participant.
type Thread struct {
	Dispute   *Dispute    `json:"dispute"`
	Order     *Order      `json:"order"`
	Responses []*Response `json:"responses"`
}

// GetThread returns the dispute for a viewer who participates in it.
func (s *Service) GetThread(ctx context.Context, disputeID int64, viewer Actor) (*Thread, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	o, err := s.store.GetOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if _, ok := roleOf(d, o, viewer); !ok {
		return nil, ErrNotParticipant
	}
	responses, err := s.store.ListResponses(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	return &Thread{Dispute: d, Order: o, Responses: responses}, nil
}

// ListDisputesFor lists every dispute for admins, otherwise the disputes
// the viewer initiated or whose order they belong to.
func (s *Service) ListDisputesFor(ctx context.Context, viewer Actor, limit int) ([]*Dispute, error) {
	limit = pagination.ClampLimit(limit)
	if viewer.Admin {
		return s.store.ListDisputes(ctx, 0, limit)
	}
	return s.store.ListDisputes(ctx, viewer.UserID, limit)
}
