package disputes

import (
	"context"
	"time"

	"github.com/mbd888/marketledger/internal/ledger"
)

// Tx extends the ledger transaction scope with dispute and order rows.
// Lock dispute rows before order rows and both before accounts.
type Tx interface {
	ledger.Tx

	// LockDispute returns ErrDisputeNotFound for unknown ids.
	LockDispute(ctx context.Context, id int64) (*Dispute, error)

	// LockOrder returns ErrOrderNotFound for unknown ids.
	LockOrder(ctx context.Context, id int64) (*Order, error)

	// FindActiveDispute returns the order's OPEN or IN_REVIEW dispute, or
	// nil if there is none.
	FindActiveDispute(ctx context.Context, orderID int64) (*Dispute, error)

	// CreateDispute assigns ID, CreatedAt and UpdatedAt.
	CreateDispute(ctx context.Context, d *Dispute) error

	// SaveDispute fails with ErrDisputeResolved if the stored row is
	// already RESOLVED.
	SaveDispute(ctx context.Context, d *Dispute) error

	SaveOrder(ctx context.Context, o *Order) error

	// AppendResponse assigns ID and CreatedAt.
	AppendResponse(ctx context.Context, r *Response) error
}

// Store persists disputes, their responses and the orders they reference.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error

	GetDispute(ctx context.Context, id int64) (*Dispute, error)
	GetOrder(ctx context.Context, id int64) (*Order, error)
	ListResponses(ctx context.Context, disputeID int64) ([]*Response, error)

	// ListDisputes returns disputes newest first. userID 0 lists all;
	// otherwise disputes the user initiated or whose order they belong to.
	ListDisputes(ctx context.Context, userID int64, limit int) ([]*Dispute, error)

	// ListDueForRelease returns AWAITING_RELEASE orders whose
	// AutoReleaseDate is at or before before, oldest date first.
	ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}
