package ledger

import (
	"fmt"
	"time"
)

// Owned is implemented by every entity whose ownership the core checks.
type Owned interface {
	OwnedBy(userID int64) bool
}

// PaymentMethod is a user's withdrawal destination.
type PaymentMethod struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	CardType  string    `json:"cardType"`
	LastFour  string    `json:"lastFourDigits"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p *PaymentMethod) OwnedBy(userID int64) bool {
	return p != nil && p.UserID == userID
}

// Label is the reference recorded on withdrawals.
func (p *PaymentMethod) Label() string {
	return fmt.Sprintf("%s ****%s", p.CardType, p.LastFour)
}

var _ Owned = (*PaymentMethod)(nil)
