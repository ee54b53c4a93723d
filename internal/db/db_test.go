package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xtrntr/ticketmatch/internal/models"
	"github.com/xtrntr/ticketmatch/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := testutil.RequireDatabase(t, "db_test")

	db, err := NewDB(context.Background(), dsn, 20)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

type fixture struct {
	alice, bob int64
	eventID    int64
	occurrence int64
}

func newFixture(t *testing.T, db *DB, aliceFunds, bobFunds string) fixture {
	t.Helper()
	ctx := context.Background()

	alice, err := db.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	bob, err := db.CreateUser(ctx, "bob", "hash")
	require.NoError(t, err)

	for id, funds := range map[int64]string{alice.ID: aliceFunds, bob.ID: bobFunds} {
		amount := decimal.RequireFromString(funds)
		if amount.IsPositive() {
			_, err := db.Credit(ctx, id, amount, nil, models.ReasonOpeningBalance)
			require.NoError(t, err)
		}
	}

	eventID, err := db.CreateEvent(ctx, "Concert", "Arena")
	require.NoError(t, err)
	occurrence, err := db.CreateOccurrence(ctx, eventID, time.Now().Add(72*time.Hour))
	require.NoError(t, err)

	return fixture{alice: alice.ID, bob: bob.ID, eventID: eventID, occurrence: occurrence}
}

func ledgerSum(t *testing.T, db *DB, userID int64) decimal.Decimal {
	t.Helper()
	var sum decimal.Decimal
	err := db.Pool.QueryRow(context.Background(),
		"SELECT COALESCE(SUM(change), 0) FROM user_balance_log WHERE user_id = $1", userID).Scan(&sum)
	require.NoError(t, err)
	return sum
}

func (f fixture) ticket(t *testing.T, db *DB, owner int64, price string) models.Ticket {
	t.Helper()
	ticket, err := db.CreateTicket(context.Background(), models.Ticket{
		OwnerID:      owner,
		OccurrenceID: f.occurrence,
		SeatArea:     "A",
		SeatNumber:   "1",
		Price:        decimal.RequireFromString(price),
	})
	require.NoError(t, err)
	return ticket
}

func TestDB_CreateUser_Duplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)

	_, err = db.CreateUser(ctx, "alice", "other")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = db.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDB_LockTicket(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "0", "0")
	ticket := f.ticket(t, db, f.alice, "100")

	tests := []struct {
		name        string
		owner       int64
		expectError error
	}{
		{name: "WrongOwner", owner: f.bob, expectError: models.ErrConflict},
		{name: "Success", owner: f.alice},
		{name: "AlreadyLocked", owner: f.alice, expectError: models.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.LockTicket(ctx, ticket.ID, tt.owner)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)

			got, err := db.GetTicket(ctx, ticket.ID)
			require.NoError(t, err)
			assert.Equal(t, models.TicketLocked, got.Status)
		})
	}
}

func TestDB_LockTicket_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "0", "0")
	ticket := f.ticket(t, db, f.alice, "100")

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	conflictCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := db.LockTicket(ctx, ticket.ID, f.alice)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successCount++
			case errors.Is(err, models.ErrConflict):
				conflictCount++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCount, "exactly one lock must win")
	assert.Equal(t, n-1, conflictCount)
}

func TestDB_UnlockTicket_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "0", "0")
	ticket := f.ticket(t, db, f.alice, "100")

	changed, err := db.UnlockTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, changed, "unlock of an Active ticket is a no-op")

	require.NoError(t, db.LockTicket(ctx, ticket.ID, f.alice))
	changed, err = db.UnlockTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := db.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketActive, got.Status)
	assert.Equal(t, f.alice, got.OwnerID)
}

func TestDB_TransferTicket(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "0", "0")
	ticket := f.ticket(t, db, f.alice, "100")

	err := db.TransferTicket(ctx, ticket.ID, f.alice, f.bob)
	assert.ErrorIs(t, err, models.ErrConflict, "Active tickets cannot be transferred")

	require.NoError(t, db.LockTicket(ctx, ticket.ID, f.alice))

	err = db.TransferTicket(ctx, ticket.ID, f.bob, f.alice)
	assert.ErrorIs(t, err, models.ErrConflict, "wrong expected owner")

	require.NoError(t, db.TransferTicket(ctx, ticket.ID, f.alice, f.bob))

	got, err := db.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bob, got.OwnerID)
	assert.Equal(t, models.TicketActive, got.Status)
	assert.Equal(t, f.eventID, got.EventID)
}

func TestDB_DebitIfSufficient(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "150", "0")

	tests := []struct {
		name        string
		amount      string
		expectError error
		expectLeft  string
	}{
		{name: "Success", amount: "100", expectLeft: "50"},
		{name: "Insufficient", amount: "50.01", expectError: models.ErrInsufficientFunds, expectLeft: "50"},
		{name: "Exact", amount: "50", expectLeft: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.DebitIfSufficient(ctx, f.alice, decimal.RequireFromString(tt.amount), nil, models.ReasonTradePayment)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
			} else {
				require.NoError(t, err)
			}

			balance, err := db.Balance(ctx, f.alice)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.expectLeft).Equal(balance), "balance %s", balance)
		})
	}

	entries, err := db.BalanceLog(ctx, f.alice)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "opening credit plus two successful debits")

	_, err = db.DebitIfSufficient(ctx, f.alice, decimal.Zero, nil, models.ReasonTradePayment)
	assert.Error(t, err)
}

func TestDB_DebitIfSufficient_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "150", "0")

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := db.DebitIfSufficient(ctx, f.alice, decimal.NewFromInt(100), nil, models.ReasonTradePayment)
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCount)

	balance, err := db.Balance(ctx, f.alice)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(balance))

	drift, err := db.LedgerDrift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestDB_WithTx_RollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "10", "0")

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := db.Credit(ctx, f.alice, decimal.NewFromInt(5), nil, models.ReasonTradePayment); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := db.Balance(ctx, f.alice)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(balance))

	assert.True(t, balance.Equal(ledgerSum(t, db, f.alice)))
}

func TestDB_TradeRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "500", "0")
	ticket := f.ticket(t, db, f.bob, "100")

	listing, err := db.CreateListing(ctx, models.Listing{
		OwnerID: f.bob,
		EventID: f.eventID,
		Type:    models.ListingSell,
	}, []int64{ticket.ID})
	require.NoError(t, err)

	ids, err := db.ListingTicketIDs(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{ticket.ID}, ids)

	trade, err := db.CreateTrade(ctx,
		models.Trade{ListingID: listing.ID, AgreedPrice: decimal.NewFromInt(100)},
		[]models.TradeParticipant{
			{UserID: f.bob, Role: models.RoleSeller},
			{UserID: f.alice, Role: models.RoleBuyer},
		},
		[]models.TradeTicket{{TicketID: ticket.ID, FromUserID: f.bob, ToUserID: f.alice}},
	)
	require.NoError(t, err)
	assert.Equal(t, models.TradePending, trade.Status)

	require.NoError(t, db.ConfirmParticipant(ctx, trade.ID, f.alice, time.Now()))
	assert.ErrorIs(t, db.ConfirmParticipant(ctx, trade.ID, f.alice, time.Now()), models.ErrConflict)

	participants, err := db.Participants(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, participants, 2)

	obligations, err := db.PendingObligations(ctx, f.alice, 0)
	require.NoError(t, err)
	require.Len(t, obligations, 1)
	assert.Equal(t, models.ListingSell, obligations[0].ListingType)
	assert.Equal(t, models.RoleBuyer, obligations[0].Role)
	assert.Equal(t, f.bob, obligations[0].ListingOwnerID)

	obligations, err = db.PendingObligations(ctx, f.alice, trade.ID)
	require.NoError(t, err)
	assert.Empty(t, obligations)

	summaries, err := db.ListUserTrades(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].MyConfirmed)
	assert.Equal(t, models.RoleBuyer, summaries[0].MyRole)

	assert.ErrorIs(t, db.SetTradeStatus(ctx, trade.ID, models.TradeCompleted, models.TradeCanceled), models.ErrConflict)
	require.NoError(t, db.SetTradeStatus(ctx, trade.ID, models.TradePending, models.TradeCanceled))

	_, err = db.GetTradeForUpdate(ctx, 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDB_CompleteListing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "0", "0")

	listing, err := db.CreateListing(ctx, models.Listing{OwnerID: f.alice, EventID: f.eventID, Type: models.ListingBuy}, nil)
	require.NoError(t, err)

	require.NoError(t, db.CompleteListing(ctx, listing.ID))
	got, err := db.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingCompleted, got.Status)

	assert.ErrorIs(t, db.CompleteListing(ctx, listing.ID), models.ErrConflict, "a listing completes once")
	assert.ErrorIs(t, db.CompleteListing(ctx, 9999), models.ErrConflict)
}

func TestDB_LedgerDrift(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := newFixture(t, db, "100", "0")

	drift, err := db.LedgerDrift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)

	_, err = db.Pool.Exec(ctx, "UPDATE users SET balance = balance + 1 WHERE id = $1", f.alice)
	require.NoError(t, err)

	drift, err = db.LedgerDrift(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.alice}, drift)
}
