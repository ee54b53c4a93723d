package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/jackc/pgx/v5"
)

// GetListing retrieves a listing by id
func (db *DB) GetListing(ctx context.Context, listingID int64) (models.Listing, error) {
	var l models.Listing
	err := db.queryRow(ctx,
		"SELECT id, user_id, event_id, type, status, content, created_at FROM listings WHERE id = $1",
		listingID).Scan(&l.ID, &l.OwnerID, &l.EventID, &l.Type, &l.Status, &l.Content, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Listing{}, fmt.Errorf("listing %d: %w", listingID, models.ErrNotFound)
		}
		return models.Listing{}, wrap(err, "get listing")
	}
	return l, nil
}

// ListingTicketIDs returns the tickets the owner attached to a listing
func (db *DB) ListingTicketIDs(ctx context.Context, listingID int64) ([]int64, error) {
	rows, err := db.query(ctx,
		"SELECT ticket_id FROM listing_tickets WHERE listing_id = $1 ORDER BY ticket_id",
		listingID)
	if err != nil {
		return nil, wrap(err, "select listing tickets")
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// CompleteListing moves an Active listing to Completed. It returns
// models.ErrConflict when the listing is no longer Active.
func (db *DB) CompleteListing(ctx context.Context, listingID int64) error {
	tag, err := db.exec(ctx,
		"UPDATE listings SET status = 'Completed' WHERE id = $1 AND status = 'Active'",
		listingID)
	if err != nil {
		return wrap(err, "complete listing")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %d: %w", listingID, models.ErrConflict)
	}
	return nil
}

// CreateListing inserts a listing and attaches its offered tickets
func (db *DB) CreateListing(ctx context.Context, l models.Listing, ticketIDs []int64) (models.Listing, error) {
	if l.Status == "" {
		l.Status = models.ListingActive
	}
	err := db.WithTx(ctx, func(ctx context.Context) error {
		err := db.queryRow(ctx,
			"INSERT INTO listings (user_id, event_id, type, status, content) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at",
			l.OwnerID, l.EventID, l.Type, l.Status, l.Content).Scan(&l.ID, &l.CreatedAt)
		if err != nil {
			return wrap(err, "insert listing")
		}
		for _, id := range ticketIDs {
			if _, err := db.exec(ctx,
				"INSERT INTO listing_tickets (listing_id, ticket_id) VALUES ($1, $2)",
				l.ID, id); err != nil {
				return wrap(err, "attach listing ticket")
			}
		}
		return nil
	})
	return l, err
}
