package disputes

import (
	"context"
	"slices"
	"strings"

	"github.com/mbd888/marketledger/internal/traces"
)

// roleOf resolves the caller's relation to a dispute. Parties of the order
// keep their side even when they are admins.
func roleOf(d *Dispute, o *Order, a Actor) (ResponseType, bool) {
	switch {
	case a.UserID == o.ClientUserID:
		return ResponseClient, true
	case o.IsTechnician(a.UserID):
		return ResponseTechnician, true
	case a.Admin:
		return ResponseAdmin, true
	case a.UserID == d.InitiatorID:
		return ResponseClient, true
	}
	return "", false
}

// participants returns every user to notify about d, sorted.
func participants(d *Dispute, o *Order) []int64 {
	ids := append([]int64{d.InitiatorID}, o.Parties()...)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// AddDisputeResponse appends a response to the dispute thread. The first
// response to an OPEN dispute moves it to IN_REVIEW. Every participant
// other than the sender is notified.
func (s *Service) AddDisputeResponse(ctx context.Context, disputeID int64, sender Actor, message, fileURL string) (_ *Response, err error) {
	defer observeDisputeOp("add_response", &err)()
	ctx, span := traces.StartSpan(ctx, "disputes.AddDisputeResponse",
		traces.DisputeID(disputeID), traces.UserID(sender.UserID))
	defer func() { traces.End(span, err) }()

	message = strings.TrimSpace(message)
	fileURL = strings.TrimSpace(fileURL)

	var (
		resp       *Response
		recipients []int64
		reopened   bool
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status.IsTerminal() {
			return ErrDisputeResolved
		}
		o, err := tx.LockOrder(ctx, d.OrderID)
		if err != nil {
			return err
		}
		role, ok := roleOf(d, o, sender)
		if !ok {
			return ErrNotParticipant
		}
		if message == "" && fileURL == "" {
			return ErrEmptyResponse
		}

		resp = &Response{
			DisputeID:    d.ID,
			SenderID:     sender.UserID,
			ResponseType: role,
			Message:      message,
			FileURL:      fileURL,
		}
		if err := tx.AppendResponse(ctx, resp); err != nil {
			return err
		}
		if d.Status == StatusOpen {
			d.Status = StatusInReview
			if err := tx.SaveDispute(ctx, d); err != nil {
				return err
			}
			reopened = true
		}

		for _, uid := range participants(d, o) {
			if uid != sender.UserID {
				recipients = append(recipients, uid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if reopened {
		s.logger.Info("dispute moved to review", "dispute_id", disputeID, "response_id", resp.ID)
	}
	payload := map[string]any{
		"disputeId":    disputeID,
		"responseId":   resp.ID,
		"responseType": string(resp.ResponseType),
	}
	for _, uid := range recipients {
		s.notifier.Notify(ctx, uid, EventDisputeResponse, payload)
	}
	return resp, nil
}

// SubmitArgument sets the caller's side of the dispute: the order's client
// writes the client argument and its technician the technician argument.
func (s *Service) SubmitArgument(ctx context.Context, disputeID int64, sender Actor, argument string) (_ *Dispute, err error) {
	defer observeDisputeOp("submit_argument", &err)()
	ctx, span := traces.StartSpan(ctx, "disputes.SubmitArgument",
		traces.DisputeID(disputeID), traces.UserID(sender.UserID))
	defer func() { traces.End(span, err) }()

	argument = strings.TrimSpace(argument)
	var updated *Dispute
	err = s.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status.IsTerminal() {
			return ErrDisputeResolved
		}
		o, err := tx.LockOrder(ctx, d.OrderID)
		if err != nil {
			return err
		}
		switch {
		case sender.UserID == o.ClientUserID:
			if argument == "" {
				return ErrEmptyArgument
			}
			d.ClientArgument = argument
		case o.IsTechnician(sender.UserID):
			if argument == "" {
				return ErrEmptyArgument
			}
			d.TechnicianArgument = argument
		default:
			return ErrNotParticipant
		}
		if err := tx.SaveDispute(ctx, d); err != nil {
			return err
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
