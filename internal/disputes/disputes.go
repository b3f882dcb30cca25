// Package disputes resolves disputes over escrowed order funds.
//
// Orders:
//   - AcceptOrder (client) → PENDING becomes ACCEPTED, price held in escrow
//   - CompleteJob (technician) → AWAITING_RELEASE with an auto-release date
//   - ReleaseOrder (client) or AutoRelease (timer) → escrow to technician
//     pending, order COMPLETED
//
// Lifecycle:
//   - OpenDispute (client or technician) → OPEN, order → DISPUTED
//   - AddDisputeResponse → OPEN becomes IN_REVIEW on the first response
//   - ResolveDispute (admin) → RESOLVED, terminal; escrow is paid out,
//     refunded or split and the order is COMPLETED or REFUNDED
//
// Every operation runs in one Store.WithTx scope. Rows are locked in the
// order dispute, order, accounts (ascending user id). Notifications are
// sent only after the scope commits.
package disputes

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/marketledger/internal/ledger"
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusInReview Status = "IN_REVIEW"
	StatusResolved Status = "RESOLVED"
)

// IsTerminal returns true if no further mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusResolved
}

// Resolution is the admin's decision on a dispute.
type Resolution string

const (
	ResolutionPayTechnician Resolution = "PAY_TECHNICIAN"
	ResolutionRefundClient  Resolution = "REFUND_CLIENT"
	ResolutionSplitPayment  Resolution = "SPLIT_PAYMENT"
)

// Valid reports whether r is one of the three resolution kinds.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionPayTechnician, ResolutionRefundClient, ResolutionSplitPayment:
		return true
	}
	return false
}

// ResponseType records which side of the dispute wrote a response.
type ResponseType string

const (
	ResponseClient     ResponseType = "CLIENT"
	ResponseTechnician ResponseType = "TECHNICIAN"
	ResponseAdmin      ResponseType = "ADMIN"
)

// Dispute is a disagreement over an order's escrow.
type Dispute struct {
	ID                 int64      `json:"id"`
	OrderID            int64      `json:"orderId"`
	InitiatorID        int64      `json:"initiatorId"`
	ClientArgument     string     `json:"clientArgument"`
	TechnicianArgument string     `json:"technicianArgument"`
	AdminNotes         string     `json:"adminNotes"`
	Status             Status     `json:"status"`
	Resolution         Resolution `json:"resolution,omitempty"`
	ResolutionDate     *time.Time `json:"resolutionDate,omitempty"`
	ResolvedBy         *int64     `json:"resolvedBy,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Response is one append-only entry of a dispute thread.
type Response struct {
	ID           int64        `json:"id"`
	DisputeID    int64        `json:"disputeId"`
	SenderID     int64        `json:"senderId"`
	ResponseType ResponseType `json:"responseType"`
	Message      string       `json:"message,omitempty"`
	FileURL      string       `json:"fileUrl,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Actor is the authenticated caller as resolved by the collaborator layer.
type Actor struct {
	UserID int64
	Admin  bool
}

// Notification kinds sent to users.
const (
	EventDisputeOpened   = "dispute_opened"
	EventDisputeResponse = "dispute_response"
	EventDisputeResolved = "dispute_resolved"
	EventJobCompleted    = "job_completed"
	EventEscrowReleased  = "escrow_released"
	EventReleaseFailed   = "auto_release_failed"
)

// Notifier delivers "tell user X about event Y" signals. Implementations
// must not block and must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind string, payload map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, int64, string, map[string]any) {}

var (
	ErrDisputeNotFound    = ledger.NewError(ledger.KindNotFound, "dispute_not_found", "dispute not found")
	ErrOrderNotFound      = ledger.NewError(ledger.KindNotFound, "order_not_found", "order not found")
	ErrAlreadyResolved    = ledger.NewError(ledger.KindState, "already_resolved", "dispute is already resolved")
	ErrDisputeResolved    = ledger.NewError(ledger.KindState, "dispute_resolved", "dispute is resolved and accepts no further changes")
	ErrDisputeAlreadyOpen = ledger.NewError(ledger.KindState, "dispute_already_open", "order already has an open dispute")
	ErrOrderNotDisputable = ledger.NewError(ledger.KindState, "order_not_disputable", "order can no longer be disputed")
	ErrInvalidResolution  = ledger.NewError(ledger.KindValidation, "invalid_resolution", "resolution must be PAY_TECHNICIAN, REFUND_CLIENT or SPLIT_PAYMENT")
	ErrMissingNotes       = ledger.NewError(ledger.KindValidation, "missing_notes", "admin notes are required")
	ErrEmptyResponse      = ledger.NewError(ledger.KindValidation, "empty_response", "a message or a file is required")
	ErrEmptyArgument      = ledger.NewError(ledger.KindValidation, "empty_argument", "argument must not be empty")
	ErrNoTechnician       = ledger.NewError(ledger.KindValidation, "no_technician", "order has no technician to pay")
	ErrNotParticipant     = ledger.NewError(ledger.KindNotParticipant, "not_participant", "caller is not a participant in this dispute")
	ErrSplitExceedsEscrow = ledger.NewError(ledger.KindInvariant, "split_exceeds_escrow", "split amounts exceed the escrowed order price")
)

// Service implements the dispute operations.
type Service struct {
	store         Store
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
	releaseWindow time.Duration
}

// NewService creates a dispute service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		notifier:      nopNotifier{},
		logger:        logger,
		now:           time.Now,
		releaseWindow: DefaultReleaseWindow,
	}
}

// WithNotifier sets the notification sink and returns the service.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithReleaseWindow sets how long a completed job waits for the client
// before its escrow is released automatically, and returns the service.
func (s *Service) WithReleaseWindow(d time.Duration) *Service {
	if d > 0 {
		s.releaseWindow = d
	}
	return s
}

// WithClock overrides the time source and returns the service.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}
