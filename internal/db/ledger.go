package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Balance returns a user's cached balance
func (db *DB) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return db.balance(ctx, "SELECT balance FROM users WHERE id = $1", userID)
}

// BalanceForUpdate returns a user's balance and holds the row lock until the
// enclosing transaction ends, serializing solvency checks for the same payer.
func (db *DB) BalanceForUpdate(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return db.balance(ctx, "SELECT balance FROM users WHERE id = $1 FOR UPDATE", userID)
}

func (db *DB) balance(ctx context.Context, sql string, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	if err := db.queryRow(ctx, sql, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("user %d: %w", userID, models.ErrNotFound)
		}
		return decimal.Zero, wrap(err, "get balance")
	}
	return balance, nil
}

// DebitIfSufficient subtracts amount only if the balance covers it, in the same
// statement, then appends the negative ledger entry.
func (db *DB) DebitIfSufficient(ctx context.Context, userID int64, amount decimal.Decimal, tradeID *int64, reason string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("debit amount must be positive, got %s", amount)
	}

	var balance decimal.Decimal
	err := db.WithTx(ctx, func(ctx context.Context) error {
		err := db.queryRow(ctx,
			"UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1 RETURNING balance",
			amount, userID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("debit user %d by %s: %w", userID, amount, models.ErrInsufficientFunds)
			}
			return wrap(err, "debit balance")
		}
		return db.appendLog(ctx, userID, tradeID, amount.Neg(), reason)
	})
	return balance, err
}

// Credit adds amount to the balance and appends the positive ledger entry
func (db *DB) Credit(ctx context.Context, userID int64, amount decimal.Decimal, tradeID *int64, reason string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	var balance decimal.Decimal
	err := db.WithTx(ctx, func(ctx context.Context) error {
		err := db.queryRow(ctx,
			"UPDATE users SET balance = balance + $1 WHERE id = $2 RETURNING balance",
			amount, userID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("user %d: %w", userID, models.ErrNotFound)
			}
			return wrap(err, "credit balance")
		}
		return db.appendLog(ctx, userID, tradeID, amount, reason)
	})
	return balance, err
}

func (db *DB) appendLog(ctx context.Context, userID int64, tradeID *int64, change decimal.Decimal, reason string) error {
	_, err := db.exec(ctx,
		"INSERT INTO user_balance_log (user_id, trade_id, change, reason) VALUES ($1, $2, $3, $4)",
		userID, tradeID, change, reason)
	if err != nil {
		return wrap(err, "append balance log")
	}
	return nil
}

// PendingObligations lists the other Pending trades the user has already confirmed
func (db *DB) PendingObligations(ctx context.Context, userID, excludingTradeID int64) ([]models.PendingObligation, error) {
	rows, err := db.query(ctx, `
		SELECT t.id, l.type, l.user_id, tp.role, t.agreed_price
		FROM trades t
		JOIN listings l ON l.id = t.listing_id
		JOIN trade_participants tp ON tp.trade_id = t.id
		WHERE tp.user_id = $1
		  AND tp.confirmed = TRUE
		  AND t.status = 'Pending'
		  AND t.id <> $2
	`, userID, excludingTradeID)
	if err != nil {
		return nil, wrap(err, "select pending obligations")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PendingObligation, error) {
		var o models.PendingObligation
		err := row.Scan(&o.TradeID, &o.ListingType, &o.ListingOwnerID, &o.Role, &o.AgreedPrice)
		return o, err
	})
}

// BalanceLog returns a user's ledger entries oldest first
func (db *DB) BalanceLog(ctx context.Context, userID int64) ([]models.BalanceLogEntry, error) {
	return db.balanceLog(ctx, "WHERE user_id = $1", userID)
}

// TradeBalanceLog returns the ledger entries written by a trade's settlement
func (db *DB) TradeBalanceLog(ctx context.Context, tradeID int64) ([]models.BalanceLogEntry, error) {
	return db.balanceLog(ctx, "WHERE trade_id = $1", tradeID)
}

func (db *DB) balanceLog(ctx context.Context, where string, arg int64) ([]models.BalanceLogEntry, error) {
	rows, err := db.query(ctx,
		"SELECT id, user_id, trade_id, change, reason, created_at FROM user_balance_log "+where+" ORDER BY id",
		arg)
	if err != nil {
		return nil, wrap(err, "select balance log")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.BalanceLogEntry, error) {
		var e models.BalanceLogEntry
		err := row.Scan(&e.ID, &e.UserID, &e.TradeID, &e.Change, &e.Reason, &e.CreatedAt)
		return e, err
	})
}

// LedgerDrift returns the ids of users whose cached balance differs from their ledger sum
func (db *DB) LedgerDrift(ctx context.Context) ([]int64, error) {
	rows, err := db.query(ctx, `
		SELECT u.id
		FROM users u
		LEFT JOIN user_balance_log l ON l.user_id = u.id
		GROUP BY u.id, u.balance
		HAVING u.balance <> COALESCE(SUM(l.change), 0)
		ORDER BY u.id
	`)
	if err != nil {
		return nil, wrap(err, "check ledger drift")
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
