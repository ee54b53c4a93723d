package settlement

import (
	"context"
	"time"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/shopspring/decimal"
)

// Store is the transactional state the engine drives. Conditional writes report
// models.ErrConflict when their precondition does not hold, and DebitIfSufficient
// reports models.ErrInsufficientFunds. *db.DB implements it.
type Store interface {
	// WithTx runs fn in one transaction; an error from fn rolls back every write made through ctx.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetListing(ctx context.Context, listingID int64) (models.Listing, error)
	ListingTicketIDs(ctx context.Context, listingID int64) ([]int64, error)
	CompleteListing(ctx context.Context, listingID int64) error

	GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error)
	ActiveTicketIDsForEvent(ctx context.Context, ownerID, eventID int64, limit int) ([]int64, error)
	LockTicket(ctx context.Context, ticketID, expectedOwner int64) error
	UnlockTicket(ctx context.Context, ticketID int64) (bool, error)
	TransferTicket(ctx context.Context, ticketID, expectedFrom, to int64) error

	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	BalanceForUpdate(ctx context.Context, userID int64) (decimal.Decimal, error)
	DebitIfSufficient(ctx context.Context, userID int64, amount decimal.Decimal, tradeID *int64, reason string) (decimal.Decimal, error)
	Credit(ctx context.Context, userID int64, amount decimal.Decimal, tradeID *int64, reason string) (decimal.Decimal, error)
	PendingObligations(ctx context.Context, userID, excludingTradeID int64) ([]models.PendingObligation, error)
	BalanceLog(ctx context.Context, userID int64) ([]models.BalanceLogEntry, error)
	TradeBalanceLog(ctx context.Context, tradeID int64) ([]models.BalanceLogEntry, error)
	LedgerDrift(ctx context.Context) ([]int64, error)

	CreateTrade(ctx context.Context, trade models.Trade, participants []models.TradeParticipant, tickets []models.TradeTicket) (models.Trade, error)
	GetTrade(ctx context.Context, tradeID int64) (models.Trade, error)
	GetTradeForUpdate(ctx context.Context, tradeID int64) (models.Trade, error)
	SetTradeStatus(ctx context.Context, tradeID int64, from, to models.TradeStatus) error
	Participants(ctx context.Context, tradeID int64) ([]models.TradeParticipant, error)
	ConfirmParticipant(ctx context.Context, tradeID, userID int64, at time.Time) error
	TradeTickets(ctx context.Context, tradeID int64) ([]models.TradeTicket, error)
	ListUserTrades(ctx context.Context, userID int64) ([]models.TradeSummary, error)
}
