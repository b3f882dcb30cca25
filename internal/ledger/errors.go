package ledger

import (
	"errors"
)

// ErrorKind classifies a ledger failure for callers that translate it into
// a protocol response.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindBusinessRule   ErrorKind = "business_rule"
	KindState          ErrorKind = "state"
	KindNotParticipant ErrorKind = "not_participant"
	KindNotFound       ErrorKind = "not_found"
	KindInvariant      ErrorKind = "invariant"
	KindContention     ErrorKind = "contention"
	KindInternal       ErrorKind = "internal"
)

// Error is a typed failure returned by ledger and dispute operations.
// Package level values are sentinels: compare with errors.Is.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError defines a typed failure. Use it for package level sentinels only.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidAmount         = NewError(KindValidation, "invalid_amount", "amount must be a positive decimal with at most 2 places")
	ErrInvalidAccount        = NewError(KindValidation, "invalid_account", "account reference is required")
	ErrInvalidKind           = NewError(KindValidation, "invalid_transaction_kind", "unknown transaction kind")
	ErrInsufficientFunds     = NewError(KindBusinessRule, "insufficient_funds", "insufficient available balance")
	ErrInsufficientEscrow    = NewError(KindBusinessRule, "insufficient_escrow", "insufficient escrow balance")
	ErrNoPendingFunds        = NewError(KindBusinessRule, "no_pending_funds", "no pending funds to transfer")
	ErrBalanceLimit          = NewError(KindBusinessRule, "balance_limit_exceeded", "balance would exceed 999999999999.99")
	ErrPaymentMethodNotFound = NewError(KindNotFound, "payment_method_not_found", "payment method not found")
	ErrContention            = NewError(KindContention, "contention", "resource is busy, retry the request")
)

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine readable code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// IsContention reports whether err is a transient lock failure the caller
// may retry.
func IsContention(err error) bool {
	return errors.Is(err, ErrContention)
}
