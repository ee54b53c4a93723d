package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/jackc/pgx/v5"
)

const ticketColumns = `t.id, t.owner_id, t.occurrence_id, o.event_id, t.seat_area, t.seat_number, t.price, t.status, t.created_at`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(&t.ID, &t.OwnerID, &t.OccurrenceID, &t.EventID, &t.SeatArea, &t.SeatNumber, &t.Price, &t.Status, &t.CreatedAt)
	return t, err
}

// GetTicket retrieves a ticket with its event reference
func (db *DB) GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error) {
	t, err := scanTicket(db.queryRow(ctx,
		"SELECT "+ticketColumns+" FROM tickets t JOIN event_occurrences o ON o.id = t.occurrence_id WHERE t.id = $1",
		ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, fmt.Errorf("ticket %d: %w", ticketID, models.ErrNotFound)
		}
		return models.Ticket{}, wrap(err, "get ticket")
	}
	return t, nil
}

// LockTicket moves an Active ticket owned by expectedOwner to Locked in a single
// conditional update. Returns models.ErrConflict when the precondition does not hold.
func (db *DB) LockTicket(ctx context.Context, ticketID, expectedOwner int64) error {
	tag, err := db.exec(ctx,
		"UPDATE tickets SET status = 'Locked' WHERE id = $1 AND owner_id = $2 AND status = 'Active'",
		ticketID, expectedOwner)
	if err != nil {
		return wrap(err, "lock ticket")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lock ticket %d: %w", ticketID, models.ErrConflict)
	}
	return nil
}

// UnlockTicket moves a Locked ticket back to Active. It reports false, without
// error, when the ticket was not Locked.
func (db *DB) UnlockTicket(ctx context.Context, ticketID int64) (bool, error) {
	tag, err := db.exec(ctx,
		"UPDATE tickets SET status = 'Active' WHERE id = $1 AND status = 'Locked'",
		ticketID)
	if err != nil {
		return false, wrap(err, "unlock ticket")
	}
	return tag.RowsAffected() == 1, nil
}

// TransferTicket hands a Locked ticket from expectedFrom to the new owner and
// reactivates it. Returns models.ErrConflict when the ticket is not Locked or
// not owned by expectedFrom.
func (db *DB) TransferTicket(ctx context.Context, ticketID, expectedFrom, to int64) error {
	tag, err := db.exec(ctx,
		"UPDATE tickets SET owner_id = $3, status = 'Active' WHERE id = $1 AND owner_id = $2 AND status = 'Locked'",
		ticketID, expectedFrom, to)
	if err != nil {
		return wrap(err, "transfer ticket")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transfer ticket %d: %w", ticketID, models.ErrConflict)
	}
	return nil
}

// ActiveTicketIDsForEvent returns up to limit of the owner's Active tickets for any
// occurrence of the event, oldest first.
func (db *DB) ActiveTicketIDsForEvent(ctx context.Context, ownerID, eventID int64, limit int) ([]int64, error) {
	rows, err := db.query(ctx, `
		SELECT t.id
		FROM tickets t
		JOIN event_occurrences o ON o.id = t.occurrence_id
		WHERE t.owner_id = $1 AND o.event_id = $2 AND t.status = 'Active'
		ORDER BY t.id
		LIMIT $3
	`, ownerID, eventID, limit)
	if err != nil {
		return nil, wrap(err, "select active tickets")
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
