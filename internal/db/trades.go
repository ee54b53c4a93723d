package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/jackc/pgx/v5"
)

const tradeColumns = "id, listing_id, status, agreed_price, created_at, updated_at"

func scanTrade(row pgx.Row) (models.Trade, error) {
	var t models.Trade
	err := row.Scan(&t.ID, &t.ListingID, &t.Status, &t.AgreedPrice, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// CreateTrade persists a Pending trade with its participants and ticket movements
// in one transaction.
func (db *DB) CreateTrade(ctx context.Context, trade models.Trade, participants []models.TradeParticipant, tickets []models.TradeTicket) (models.Trade, error) {
	err := db.WithTx(ctx, func(ctx context.Context) error {
		var err error
		trade, err = scanTrade(db.queryRow(ctx,
			"INSERT INTO trades (listing_id, status, agreed_price) VALUES ($1, 'Pending', $2) RETURNING "+tradeColumns,
			trade.ListingID, trade.AgreedPrice))
		if err != nil {
			return wrap(err, "insert trade")
		}

		for _, p := range participants {
			if _, err := db.exec(ctx,
				"INSERT INTO trade_participants (trade_id, user_id, role) VALUES ($1, $2, $3)",
				trade.ID, p.UserID, p.Role); err != nil {
				return wrap(err, "insert trade participant")
			}
		}

		for _, tt := range tickets {
			if _, err := db.exec(ctx,
				"INSERT INTO trade_tickets (trade_id, ticket_id, from_user_id, to_user_id) VALUES ($1, $2, $3, $4)",
				trade.ID, tt.TicketID, tt.FromUserID, tt.ToUserID); err != nil {
				return wrap(err, "insert trade ticket")
			}
		}
		return nil
	})
	if err != nil {
		return models.Trade{}, err
	}
	return trade, nil
}

// GetTrade retrieves a trade without locking it
func (db *DB) GetTrade(ctx context.Context, tradeID int64) (models.Trade, error) {
	return db.getTrade(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1", tradeID)
}

// GetTradeForUpdate retrieves a trade and holds its row lock until the enclosing
// transaction ends. Every mutation of a trade starts here.
func (db *DB) GetTradeForUpdate(ctx context.Context, tradeID int64) (models.Trade, error) {
	return db.getTrade(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1 FOR UPDATE", tradeID)
}

func (db *DB) getTrade(ctx context.Context, sql string, tradeID int64) (models.Trade, error) {
	t, err := scanTrade(db.queryRow(ctx, sql, tradeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Trade{}, fmt.Errorf("trade %d: %w", tradeID, models.ErrNotFound)
		}
		return models.Trade{}, wrap(err, "get trade")
	}
	return t, nil
}

// SetTradeStatus moves a trade from one status to another. Returns
// models.ErrConflict when the trade is no longer in the expected status.
func (db *DB) SetTradeStatus(ctx context.Context, tradeID int64, from, to models.TradeStatus) error {
	tag, err := db.exec(ctx,
		"UPDATE trades SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2",
		tradeID, from, to)
	if err != nil {
		return wrap(err, "update trade status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d status %s: %w", tradeID, from, models.ErrConflict)
	}
	return nil
}

// Participants returns both sides of a trade
func (db *DB) Participants(ctx context.Context, tradeID int64) ([]models.TradeParticipant, error) {
	rows, err := db.query(ctx,
		"SELECT trade_id, user_id, role, confirmed, confirmed_at FROM trade_participants WHERE trade_id = $1 ORDER BY user_id",
		tradeID)
	if err != nil {
		return nil, wrap(err, "select trade participants")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TradeParticipant, error) {
		var p models.TradeParticipant
		err := row.Scan(&p.TradeID, &p.UserID, &p.Role, &p.Confirmed, &p.ConfirmedAt)
		return p, err
	})
}

// ConfirmParticipant flips an unconfirmed participant to confirmed. Returns
// models.ErrConflict when the row was already confirmed or does not exist.
func (db *DB) ConfirmParticipant(ctx context.Context, tradeID, userID int64, at time.Time) error {
	tag, err := db.exec(ctx,
		"UPDATE trade_participants SET confirmed = TRUE, confirmed_at = $3 WHERE trade_id = $1 AND user_id = $2 AND confirmed = FALSE",
		tradeID, userID, at)
	if err != nil {
		return wrap(err, "confirm participant")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("confirm participant %d on trade %d: %w", userID, tradeID, models.ErrConflict)
	}
	return nil
}

// TradeTickets returns the declared ticket movements of a trade
func (db *DB) TradeTickets(ctx context.Context, tradeID int64) ([]models.TradeTicket, error) {
	rows, err := db.query(ctx,
		"SELECT trade_id, ticket_id, from_user_id, to_user_id FROM trade_tickets WHERE trade_id = $1 ORDER BY ticket_id",
		tradeID)
	if err != nil {
		return nil, wrap(err, "select trade tickets")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TradeTicket, error) {
		var tt models.TradeTicket
		err := row.Scan(&tt.TradeID, &tt.TicketID, &tt.FromUserID, &tt.ToUserID)
		return tt, err
	})
}

// ListUserTrades returns the trades a user participates in, newest first
func (db *DB) ListUserTrades(ctx context.Context, userID int64) ([]models.TradeSummary, error) {
	rows, err := db.query(ctx, `
		SELECT t.id, t.listing_id, t.status, t.agreed_price, t.created_at, t.updated_at,
		       l.type, tp.role, tp.confirmed
		FROM trade_participants tp
		JOIN trades t ON t.id = tp.trade_id
		JOIN listings l ON l.id = t.listing_id
		WHERE tp.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC
	`, userID)
	if err != nil {
		return nil, wrap(err, "select user trades")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TradeSummary, error) {
		var s models.TradeSummary
		err := row.Scan(&s.ID, &s.ListingID, &s.Status, &s.AgreedPrice, &s.CreatedAt, &s.UpdatedAt,
			&s.ListingType, &s.MyRole, &s.MyConfirmed)
		return s, err
	})
}
