package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/shopspring/decimal"
)

// TradeTicketView is a declared ticket movement with the ticket's current state
type TradeTicketView struct {
	models.TradeTicket
	SeatArea   string              `json:"seat_area"`
	SeatNumber string              `json:"seat_number"`
	Price      decimal.Decimal     `json:"price"`
	Status     models.TicketStatus `json:"status"`
}

// TradeDetail is a trade as shown to one of its participants
type TradeDetail struct {
	Trade          models.Trade              `json:"trade"`
	ListingType    models.ListingType        `json:"listing_type"`
	ListingOwnerID int64                     `json:"listing_owner_id"`
	Participants   []models.TradeParticipant `json:"participants"`
	Tickets        []TradeTicketView         `json:"tickets"`
	BalanceLog     []models.BalanceLogEntry  `json:"balance_log"`
}

// GetTrade returns a trade with its participants, tickets and ledger entries.
// Only participants may read it.
func (e *Engine) GetTrade(ctx context.Context, tradeID, userID int64) (TradeDetail, error) {
	trade, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return TradeDetail{}, fmt.Errorf("%w: %d", ErrTradeNotFound, tradeID)
		}
		return TradeDetail{}, err
	}

	participants, err := e.store.Participants(ctx, tradeID)
	if err != nil {
		return TradeDetail{}, err
	}
	if _, ok := findParticipant(participants, userID); !ok {
		return TradeDetail{}, ErrNotAParticipant
	}

	listing, err := e.store.GetListing(ctx, trade.ListingID)
	if err != nil {
		return TradeDetail{}, err
	}

	movements, err := e.store.TradeTickets(ctx, tradeID)
	if err != nil {
		return TradeDetail{}, err
	}
	tickets := make([]TradeTicketView, 0, len(movements))
	for _, tt := range movements {
		ticket, err := e.store.GetTicket(ctx, tt.TicketID)
		if err != nil {
			return TradeDetail{}, err
		}
		tickets = append(tickets, TradeTicketView{
			TradeTicket: tt,
			SeatArea:    ticket.SeatArea,
			SeatNumber:  ticket.SeatNumber,
			Price:       ticket.Price,
			Status:      ticket.Status,
		})
	}

	log, err := e.store.TradeBalanceLog(ctx, tradeID)
	if err != nil {
		return TradeDetail{}, err
	}

	return TradeDetail{
		Trade:          trade,
		ListingType:    listing.Type,
		ListingOwnerID: listing.OwnerID,
		Participants:   participants,
		Tickets:        tickets,
		BalanceLog:     log,
	}, nil
}

// ListTrades returns the user's trades newest first
func (e *Engine) ListTrades(ctx context.Context, userID int64) ([]models.TradeSummary, error) {
	trades, err := e.store.ListUserTrades(ctx, userID)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []models.TradeSummary{}
	}
	return trades, nil
}

// Statement is a user's balance next to the ledger it is derived from
type Statement struct {
	UserID     int64                    `json:"user_id"`
	Balance    decimal.Decimal          `json:"balance"`
	LedgerSum  decimal.Decimal          `json:"ledger_sum"`
	Consistent bool                     `json:"consistent"`
	Committed  decimal.Decimal          `json:"committed"`
	Entries    []models.BalanceLogEntry `json:"entries"`
}

// Balance returns the user's balance, ledger entries and what they have already
// committed to pay in confirmed Pending trades.
func (e *Engine) Balance(ctx context.Context, userID int64) (Statement, error) {
	balance, err := e.store.Balance(ctx, userID)
	if err != nil {
		return Statement{}, err
	}
	entries, err := e.store.BalanceLog(ctx, userID)
	if err != nil {
		return Statement{}, err
	}
	committed, err := e.sumPendingDebits(ctx, userID, 0)
	if err != nil {
		return Statement{}, err
	}

	sum := decimal.Zero
	for _, entry := range entries {
		sum = sum.Add(entry.Change)
	}
	if entries == nil {
		entries = []models.BalanceLogEntry{}
	}

	return Statement{
		UserID:     userID,
		Balance:    balance,
		LedgerSum:  sum,
		Consistent: balance.Equal(sum),
		Committed:  committed,
		Entries:    entries,
	}, nil
}

// VerifyBalance reports whether the user's balance equals the sum of their ledger entries
func (e *Engine) VerifyBalance(ctx context.Context, userID int64) (bool, error) {
	st, err := e.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.Consistent, nil
}

// AuditLedger returns the users whose cached balance no longer equals the sum of
// their ledger entries, logging each one.
func (e *Engine) AuditLedger(ctx context.Context) ([]int64, error) {
	drift, err := e.store.LedgerDrift(ctx)
	if err != nil {
		return nil, err
	}
	for _, userID := range drift {
		e.log.WithField("user_id", userID).Error("balance does not match ledger")
	}
	return drift, nil
}
