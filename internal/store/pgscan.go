package store

import (
	"database/sql"
	"time"

	"github.com/mbd888/marketledger/internal/disputes"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/shopspring/decimal"
)

const accountColumns = `user_id, available_balance, in_escrow_balance, pending_balance, updated_at`

const orderColumns = `id, client_user_id, technician_user_id, final_price, order_status,
		       job_completion_timestamp, auto_release_date, created_at, updated_at`

// disputeColumns expects the disputes table aliased as d.
const disputeColumns = `d.id, d.order_id, d.initiator_id, d.client_argument, d.technician_argument,
		       d.admin_notes, d.status, d.resolution, d.resolution_date, d.resolved_by,
		       d.created_at, d.updated_at`

const transactionColumns = `id, source_user_id, destination_user_id, order_id, dispute_id,
		       kind, amount, currency, payment_method, created_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(sc scanner) (*ledger.Account, error) {
	a := &ledger.Account{}
	if err := sc.Scan(&a.UserID, &a.Available, &a.InEscrow, &a.Pending, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func scanOrder(sc scanner) (*disputes.Order, error) {
	o := &disputes.Order{}
	var (
		technician sql.NullInt64
		price      decimal.NullDecimal
		status     string
		completed  sql.NullTime
		release    sql.NullTime
	)
	if err := sc.Scan(&o.ID, &o.ClientUserID, &technician, &price, &status,
		&completed, &release, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.TechnicianUserID = int64Ptr(technician)
	if price.Valid {
		o.FinalPrice = price.Decimal
	}
	o.Status = disputes.OrderStatus(status)
	o.JobCompletionTimestamp = timePtr(completed)
	o.AutoReleaseDate = timePtr(release)
	return o, nil
}

func scanDispute(sc scanner) (*disputes.Dispute, error) {
	d := &disputes.Dispute{}
	var (
		status     string
		resolution sql.NullString
		resolvedAt sql.NullTime
		resolvedBy sql.NullInt64
	)
	if err := sc.Scan(&d.ID, &d.OrderID, &d.InitiatorID, &d.ClientArgument, &d.TechnicianArgument,
		&d.AdminNotes, &status, &resolution, &resolvedAt, &resolvedBy,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = disputes.Status(status)
	if resolution.Valid {
		d.Resolution = disputes.Resolution(resolution.String)
	}
	d.ResolutionDate = timePtr(resolvedAt)
	d.ResolvedBy = int64Ptr(resolvedBy)
	return d, nil
}

func scanTransaction(sc scanner) (*ledger.Transaction, error) {
	t := &ledger.Transaction{}
	var (
		orderID, disputeID sql.NullInt64
		kind               string
		paymentMethod      sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.SourceUserID, &t.DestinationUserID, &orderID, &disputeID,
		&kind, &t.Amount, &t.Currency, &paymentMethod, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.OrderID = int64Ptr(orderID)
	t.DisputeID = int64Ptr(disputeID)
	t.Kind = ledger.Kind(kind)
	t.PaymentMethod = paymentMethod.String
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
