package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store. A transaction holds the store mutex for its whole
// duration and restores a snapshot when fn fails.
type memStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	balances       map[int64]decimal.Decimal
	log            []models.BalanceLogEntry
	tickets        map[int64]models.Ticket
	listings       map[int64]models.Listing
	listingTickets map[int64][]int64
	trades         map[int64]models.Trade
	participants   map[int64][]models.TradeParticipant
	tradeTickets   map[int64][]models.TradeTicket
	nextID         int64
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{state: memState{
		balances:       map[int64]decimal.Decimal{},
		tickets:        map[int64]models.Ticket{},
		listings:       map[int64]models.Listing{},
		listingTickets: map[int64][]int64{},
		trades:         map[int64]models.Trade{},
		participants:   map[int64][]models.TradeParticipant{},
		tradeTickets:   map[int64][]models.TradeTicket{},
	}}
}

func (s memState) clone() memState {
	c := memState{
		balances:       make(map[int64]decimal.Decimal, len(s.balances)),
		log:            append([]models.BalanceLogEntry(nil), s.log...),
		tickets:        make(map[int64]models.Ticket, len(s.tickets)),
		listings:       make(map[int64]models.Listing, len(s.listings)),
		listingTickets: make(map[int64][]int64, len(s.listingTickets)),
		trades:         make(map[int64]models.Trade, len(s.trades)),
		participants:   make(map[int64][]models.TradeParticipant, len(s.participants)),
		tradeTickets:   make(map[int64][]models.TradeTicket, len(s.tradeTickets)),
		nextID:         s.nextID,
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.listingTickets {
		c.listingTickets[k] = append([]int64(nil), v...)
	}
	for k, v := range s.trades {
		c.trades[k] = v
	}
	for k, v := range s.participants {
		c.participants[k] = append([]models.TradeParticipant(nil), v...)
	}
	for k, v := range s.tradeTickets {
		c.tradeTickets[k] = append([]models.TradeTicket(nil), v...)
	}
	return c
}

func (s *memStore) guard(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memStore) id() int64 {
	s.state.nextID++
	return s.state.nextID
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// fixtures

func (s *memStore) addUser(balance string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.state.balances[id] = decimal.Zero
	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		s.credit(id, amount, nil, models.ReasonOpeningBalance)
	}
	return id
}

func (s *memStore) addTicket(owner, eventID int64, price string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.state.tickets[id] = models.Ticket{
		ID:      id,
		OwnerID: owner,
		EventID: eventID,
		Price:   decimal.RequireFromString(price),
		Status:  models.TicketActive,
	}
	return id
}

func (s *memStore) addListing(owner, eventID int64, t models.ListingType, tickets ...int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.state.listings[id] = models.Listing{ID: id, OwnerID: owner, EventID: eventID, Type: t, Status: models.ListingActive}
	s.state.listingTickets[id] = tickets
	return id
}

func (s *memStore) ticket(id int64) models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.tickets[id]
}

func (s *memStore) balance(id int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.balances[id]
}

func (s *memStore) participant(tradeID, userID int64) models.TradeParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.state.participants[tradeID] {
		if p.UserID == userID {
			return p
		}
	}
	return models.TradeParticipant{}
}

func (s *memStore) mutate(fn func(st *memState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// ledgerConsistent reports whether every balance equals the sum of its ledger entries
func (s *memStore) ledgerConsistent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := map[int64]decimal.Decimal{}
	for _, e := range s.state.log {
		sums[e.UserID] = sums[e.UserID].Add(e.Change)
	}
	for id, b := range s.state.balances {
		if !b.Equal(sums[id]) {
			return fmt.Errorf("user %d: balance %s, ledger %s", id, b, sums[id])
		}
	}
	return nil
}

// Store

func (s *memStore) GetListing(ctx context.Context, listingID int64) (models.Listing, error) {
	defer s.guard(ctx)()
	l, ok := s.state.listings[listingID]
	if !ok {
		return models.Listing{}, fmt.Errorf("listing %d: %w", listingID, models.ErrNotFound)
	}
	return l, nil
}

func (s *memStore) ListingTicketIDs(ctx context.Context, listingID int64) ([]int64, error) {
	defer s.guard(ctx)()
	return append([]int64(nil), s.state.listingTickets[listingID]...), nil
}

func (s *memStore) CompleteListing(ctx context.Context, listingID int64) error {
	defer s.guard(ctx)()
	l, ok := s.state.listings[listingID]
	if !ok {
		return models.ErrNotFound
	}
	if l.Status != models.ListingActive {
		return models.ErrConflict
	}
	l.Status = models.ListingCompleted
	s.state.listings[listingID] = l
	return nil
}

func (s *memStore) GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error) {
	defer s.guard(ctx)()
	t, ok := s.state.tickets[ticketID]
	if !ok {
		return models.Ticket{}, fmt.Errorf("ticket %d: %w", ticketID, models.ErrNotFound)
	}
	return t, nil
}

func (s *memStore) ActiveTicketIDsForEvent(ctx context.Context, ownerID, eventID int64, limit int) ([]int64, error) {
	defer s.guard(ctx)()
	var ids []int64
	for id, t := range s.state.tickets {
		if t.OwnerID == ownerID && t.EventID == eventID && t.Status == models.TicketActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) LockTicket(ctx context.Context, ticketID, expectedOwner int64) error {
	defer s.guard(ctx)()
	t, ok := s.state.tickets[ticketID]
	if !ok || t.OwnerID != expectedOwner || t.Status != models.TicketActive {
		return models.ErrConflict
	}
	t.Status = models.TicketLocked
	s.state.tickets[ticketID] = t
	return nil
}

func (s *memStore) UnlockTicket(ctx context.Context, ticketID int64) (bool, error) {
	defer s.guard(ctx)()
	t, ok := s.state.tickets[ticketID]
	if !ok || t.Status != models.TicketLocked {
		return false, nil
	}
	t.Status = models.TicketActive
	s.state.tickets[ticketID] = t
	return true, nil
}

func (s *memStore) TransferTicket(ctx context.Context, ticketID, expectedFrom, to int64) error {
	defer s.guard(ctx)()
	t, ok := s.state.tickets[ticketID]
	if !ok || t.OwnerID != expectedFrom || t.Status != models.TicketLocked {
		return models.ErrConflict
	}
	t.OwnerID = to
	t.Status = models.TicketActive
	s.state.tickets[ticketID] = t
	return nil
}

func (s *memStore) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	defer s.guard(ctx)()
	b, ok := s.state.balances[userID]
	if !ok {
		return decimal.Zero, models.ErrNotFound
	}
	return b, nil
}

func (s *memStore) BalanceForUpdate(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.Balance(ctx, userID)
}

func (s *memStore) DebitIfSufficient(ctx context.Context, userID int64, amount decimal.Decimal, tradeID *int64, reason string) (decimal.Decimal, error) {
	defer s.guard(ctx)()
	b, ok := s.state.balances[userID]
	if !ok || b.LessThan(amount) {
		return decimal.Zero, models.ErrInsufficientFunds
	}
	s.credit(userID, amount.Neg(), tradeID, reason)
	return s.state.balances[userID], nil
}

func (s *memStore) Credit(ctx context.Context, userID int64, amount decimal.Decimal, tradeID *int64, reason string) (decimal.Decimal, error) {
	defer s.guard(ctx)()
	if _, ok := s.state.balances[userID]; !ok {
		return decimal.Zero, models.ErrNotFound
	}
	s.credit(userID, amount, tradeID, reason)
	return s.state.balances[userID], nil
}

func (s *memStore) credit(userID int64, change decimal.Decimal, tradeID *int64, reason string) {
	s.state.balances[userID] = s.state.balances[userID].Add(change)
	var tid *int64
	if tradeID != nil {
		v := *tradeID
		tid = &v
	}
	s.state.log = append(s.state.log, models.BalanceLogEntry{
		ID:      s.id(),
		UserID:  userID,
		TradeID: tid,
		Change:  change,
		Reason:  reason,
	})
}

func (s *memStore) PendingObligations(ctx context.Context, userID, excludingTradeID int64) ([]models.PendingObligation, error) {
	defer s.guard(ctx)()
	var out []models.PendingObligation
	for id, t := range s.state.trades {
		if id == excludingTradeID || t.Status != models.TradePending {
			continue
		}
		for _, p := range s.state.participants[id] {
			if p.UserID == userID && p.Confirmed {
				l := s.state.listings[t.ListingID]
				out = append(out, models.PendingObligation{
					TradeID:        id,
					ListingType:    l.Type,
					ListingOwnerID: l.OwnerID,
					Role:           p.Role,
					AgreedPrice:    t.AgreedPrice,
				})
			}
		}
	}
	return out, nil
}

func (s *memStore) BalanceLog(ctx context.Context, userID int64) ([]models.BalanceLogEntry, error) {
	defer s.guard(ctx)()
	var out []models.BalanceLogEntry
	for _, e := range s.state.log {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) TradeBalanceLog(ctx context.Context, tradeID int64) ([]models.BalanceLogEntry, error) {
	defer s.guard(ctx)()
	var out []models.BalanceLogEntry
	for _, e := range s.state.log {
		if e.TradeID != nil && *e.TradeID == tradeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) LedgerDrift(ctx context.Context) ([]int64, error) {
	defer s.guard(ctx)()
	sums := map[int64]decimal.Decimal{}
	for _, e := range s.state.log {
		sums[e.UserID] = sums[e.UserID].Add(e.Change)
	}
	var out []int64
	for id, b := range s.state.balances {
		if !b.Equal(sums[id]) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) CreateTrade(ctx context.Context, trade models.Trade, participants []models.TradeParticipant, tickets []models.TradeTicket) (models.Trade, error) {
	defer s.guard(ctx)()
	trade.ID = s.id()
	trade.Status = models.TradePending
	trade.CreatedAt = time.Now()
	trade.UpdatedAt = trade.CreatedAt
	s.state.trades[trade.ID] = trade
	for _, p := range participants {
		p.TradeID = trade.ID
		s.state.participants[trade.ID] = append(s.state.participants[trade.ID], p)
	}
	for _, tt := range tickets {
		tt.TradeID = trade.ID
		s.state.tradeTickets[trade.ID] = append(s.state.tradeTickets[trade.ID], tt)
	}
	return trade, nil
}

func (s *memStore) GetTrade(ctx context.Context, tradeID int64) (models.Trade, error) {
	defer s.guard(ctx)()
	t, ok := s.state.trades[tradeID]
	if !ok {
		return models.Trade{}, fmt.Errorf("trade %d: %w", tradeID, models.ErrNotFound)
	}
	return t, nil
}

func (s *memStore) GetTradeForUpdate(ctx context.Context, tradeID int64) (models.Trade, error) {
	return s.GetTrade(ctx, tradeID)
}

func (s *memStore) SetTradeStatus(ctx context.Context, tradeID int64, from, to models.TradeStatus) error {
	defer s.guard(ctx)()
	t, ok := s.state.trades[tradeID]
	if !ok || t.Status != from {
		return models.ErrConflict
	}
	t.Status = to
	s.state.trades[tradeID] = t
	return nil
}

func (s *memStore) Participants(ctx context.Context, tradeID int64) ([]models.TradeParticipant, error) {
	defer s.guard(ctx)()
	return append([]models.TradeParticipant(nil), s.state.participants[tradeID]...), nil
}

func (s *memStore) ConfirmParticipant(ctx context.Context, tradeID, userID int64, at time.Time) error {
	defer s.guard(ctx)()
	ps := s.state.participants[tradeID]
	for i := range ps {
		if ps[i].UserID == userID && !ps[i].Confirmed {
			ps[i].Confirmed = true
			ps[i].ConfirmedAt = &at
			return nil
		}
	}
	return models.ErrConflict
}

func (s *memStore) TradeTickets(ctx context.Context, tradeID int64) ([]models.TradeTicket, error) {
	defer s.guard(ctx)()
	return append([]models.TradeTicket(nil), s.state.tradeTickets[tradeID]...), nil
}

func (s *memStore) ListUserTrades(ctx context.Context, userID int64) ([]models.TradeSummary, error) {
	defer s.guard(ctx)()
	var out []models.TradeSummary
	for id, t := range s.state.trades {
		for _, p := range s.state.participants[id] {
			if p.UserID == userID {
				out = append(out, models.TradeSummary{
					Trade:       t,
					ListingType: s.state.listings[t.ListingID].Type,
					MyRole:      p.Role,
					MyConfirmed: p.Confirmed,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
