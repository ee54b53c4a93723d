package db

import (
	"context"
	"time"

	"github.com/xtrntr/ticketmatch/internal/models"
)

// CreateEvent inserts an event and returns its id
func (db *DB) CreateEvent(ctx context.Context, name, venue string) (int64, error) {
	var id int64
	err := db.queryRow(ctx,
		"INSERT INTO events (name, venue) VALUES ($1, $2) RETURNING id",
		name, venue).Scan(&id)
	if err != nil {
		return 0, wrap(err, "insert event")
	}
	return id, nil
}

// CreateOccurrence inserts a dated occurrence of an event and returns its id
func (db *DB) CreateOccurrence(ctx context.Context, eventID int64, startsAt time.Time) (int64, error) {
	var id int64
	err := db.queryRow(ctx,
		"INSERT INTO event_occurrences (event_id, starts_at) VALUES ($1, $2) RETURNING id",
		eventID, startsAt).Scan(&id)
	if err != nil {
		return 0, wrap(err, "insert occurrence")
	}
	return id, nil
}

// CreateTicket inserts an Active ticket for an occurrence
func (db *DB) CreateTicket(ctx context.Context, t models.Ticket) (models.Ticket, error) {
	if t.Status == "" {
		t.Status = models.TicketActive
	}
	err := db.queryRow(ctx, `
		INSERT INTO tickets (owner_id, occurrence_id, seat_area, seat_number, price, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, t.OwnerID, t.OccurrenceID, t.SeatArea, t.SeatNumber, t.Price, t.Status).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return models.Ticket{}, wrap(err, "insert ticket")
	}
	if err := db.queryRow(ctx,
		"SELECT event_id FROM event_occurrences WHERE id = $1",
		t.OccurrenceID).Scan(&t.EventID); err != nil {
		return models.Ticket{}, wrap(err, "get occurrence event")
	}
	return t, nil
}

// CountTrades returns the number of trades ever created
func (db *DB) CountTrades(ctx context.Context) (int, error) {
	var n int
	if err := db.queryRow(ctx, "SELECT COUNT(*) FROM trades").Scan(&n); err != nil {
		return 0, wrap(err, "count trades")
	}
	return n, nil
}
