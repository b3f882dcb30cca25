package disputes

import (
	"time"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/shopspring/decimal"
)

// OrderStatus is the marketplace order lifecycle state.
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderAccepted   OrderStatus = "ACCEPTED"
	OrderInProgress OrderStatus = "IN_PROGRESS"
	// OrderAwaitingRelease is set when the technician reports the job done.
	// The escrow is released to the technician by the client or, after
	// AutoReleaseDate, by the release timer.
	OrderAwaitingRelease OrderStatus = "AWAITING_RELEASE"
	OrderDisputed        OrderStatus = "DISPUTED"
	OrderCompleted       OrderStatus = "COMPLETED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRefunded        OrderStatus = "REFUNDED"
)

// Order holds the fields of a marketplace order the ledger touches.
// FinalPrice is the amount held in the client's escrow for the order.
type Order struct {
	ID                     int64           `json:"id"`
	ClientUserID           int64           `json:"clientUserId"`
	TechnicianUserID       *int64          `json:"technicianUserId,omitempty"`
	FinalPrice             decimal.Decimal `json:"finalPrice"`
	Status                 OrderStatus     `json:"status"`
	JobCompletionTimestamp *time.Time      `json:"jobCompletionTimestamp,omitempty"`
	AutoReleaseDate        *time.Time      `json:"autoReleaseDate,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// EscrowAmount is the amount assumed in the client's escrow for the order.
// A missing or negative price counts as zero.
func (o *Order) EscrowAmount() decimal.Decimal {
	if o.FinalPrice.IsPositive() {
		return o.FinalPrice
	}
	return decimal.Zero
}

// HasTechnician reports whether a technician is assigned.
func (o *Order) HasTechnician() bool {
	return o.TechnicianUserID != nil && *o.TechnicianUserID > 0
}

// IsTechnician reports whether userID is the assigned technician.
func (o *Order) IsTechnician(userID int64) bool {
	return o.HasTechnician() && *o.TechnicianUserID == userID
}

// OwnedBy reports whether userID is the order's client or technician.
func (o *Order) OwnedBy(userID int64) bool {
	return o.ClientUserID == userID || o.IsTechnician(userID)
}

// Disputable reports whether the order's escrow is held and may still be
// contested. A PENDING order was never funded and has nothing to contest.
func (o *Order) Disputable() bool {
	switch o.Status {
	case OrderAccepted, OrderInProgress, OrderAwaitingRelease, OrderDisputed:
		return true
	}
	return false
}

// Releasable reports whether the client may release the escrow to the
// technician.
func (o *Order) Releasable() bool {
	switch o.Status {
	case OrderAccepted, OrderInProgress, OrderAwaitingRelease:
		return true
	}
	return false
}

// Parties returns the client and, if assigned, the technician.
func (o *Order) Parties() []int64 {
	if o.HasTechnician() {
		return []int64{o.ClientUserID, *o.TechnicianUserID}
	}
	return []int64{o.ClientUserID}
}

var _ ledger.Owned = (*Order)(nil)
