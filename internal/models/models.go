package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicketStatus is the lifecycle state of a ticket
type TicketStatus string

const (
	TicketActive    TicketStatus = "Active"
	TicketLocked    TicketStatus = "Locked"
	TicketCompleted TicketStatus = "Completed"
	TicketExpired   TicketStatus = "Expired"
	TicketCanceled  TicketStatus = "Canceled"
)

// ListingType is the intent a listing expresses
type ListingType string

const (
	ListingSell     ListingType = "Sell"
	ListingBuy      ListingType = "Buy"
	ListingExchange ListingType = "Exchange"
)

// Valid reports whether t is one of the known listing types
func (t ListingType) Valid() bool {
	switch t {
	case ListingSell, ListingBuy, ListingExchange:
		return true
	}
	return false
}

// ListingStatus is the lifecycle state of a listing
type ListingStatus string

const (
	ListingActive    ListingStatus = "Active"
	ListingCompleted ListingStatus = "Completed"
	ListingCanceled  ListingStatus = "Canceled"
	ListingExpired   ListingStatus = "Expired"
	ListingDeleted   ListingStatus = "Deleted"
)

// TradeStatus is the lifecycle state of a trade
type TradeStatus string

const (
	TradePending   TradeStatus = "Pending"
	TradeCompleted TradeStatus = "Completed"
	TradeCanceled  TradeStatus = "Canceled"
	TradeDisputed  TradeStatus = "Disputed"
	TradeExpired   TradeStatus = "Expired"
)

// Role is a participant's part in a trade
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleSeller    Role = "seller"
	RoleExchanger Role = "exchanger"
)

// Ledger reason codes
const (
	ReasonOpeningBalance       = "OPENING_BALANCE"
	ReasonTradePayment         = "TRADE_PAYMENT"
	ReasonTradePriceDifference = "TRADE_PRICE_DIFFERENCE"
)

// User represents a registered user
type User struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Ticket is a sellable unit for one event occurrence
type Ticket struct {
	ID           int64           `json:"id"`
	OwnerID      int64           `json:"owner_id"`
	OccurrenceID int64           `json:"occurrence_id"`
	EventID      int64           `json:"event_id"`
	SeatArea     string          `json:"seat_area"`
	SeatNumber   string          `json:"seat_number"`
	Price        decimal.Decimal `json:"price"`
	Status       TicketStatus    `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Listing is a user's intent to sell, buy or exchange tickets for an event
type Listing struct {
	ID        int64         `json:"id"`
	OwnerID   int64         `json:"owner_id"`
	EventID   int64         `json:"event_id"`
	Type      ListingType   `json:"type"`
	Status    ListingStatus `json:"status"`
	Content   string        `json:"content,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Trade is a negotiated exchange between two parties scoped to one listing.
// AgreedPrice sign encodes the payment direction for Exchange trades.
type Trade struct {
	ID          int64           `json:"id"`
	ListingID   int64           `json:"listing_id"`
	Status      TradeStatus     `json:"status"`
	AgreedPrice decimal.Decimal `json:"agreed_price"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TradeParticipant is one user's seat at a trade
type TradeParticipant struct {
	TradeID     int64      `json:"trade_id"`
	UserID      int64      `json:"user_id"`
	Role        Role       `json:"role"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// TradeTicket records the declared movement of one ticket in a trade
type TradeTicket struct {
	TradeID    int64 `json:"trade_id"`
	TicketID   int64 `json:"ticket_id"`
	FromUserID int64 `json:"from_user_id"`
	ToUserID   int64 `json:"to_user_id"`
}

// BalanceLogEntry is one append-only ledger row
type BalanceLogEntry struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	TradeID   *int64          `json:"trade_id,omitempty"`
	Change    decimal.Decimal `json:"change"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingObligation is another Pending trade the user has already confirmed,
// with enough context to recompute what it will cost them.
type PendingObligation struct {
	TradeID        int64
	ListingType    ListingType
	ListingOwnerID int64
	Role           Role
	AgreedPrice    decimal.Decimal
}

// TradeSummary is a trade as seen from one participant
type TradeSummary struct {
	Trade
	ListingType ListingType `json:"listing_type"`
	MyRole      Role        `json:"my_role"`
	MyConfirmed bool        `json:"my_confirmed"`
}
