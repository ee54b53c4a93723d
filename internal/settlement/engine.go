// Package settlement drives trades between two parties from proposal through
// mutual confirmation to an atomic swap of tickets and money, or unwinds them
// on cancellation.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/ticketmatch/internal/activity"
	"github.com/xtrntr/ticketmatch/internal/metrics"
	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultAutoSelectLimit caps how many of a seller's tickets a Sell listing without
// an explicit ticket set pulls into a trade.
const DefaultAutoSelectLimit = 10

// DefaultActivityTimeout bounds how long a committed operation waits on the activity sink
const DefaultActivityTimeout = 500 * time.Millisecond

// Options configures an Engine. Zero values select defaults.
type Options struct {
	AutoSelectLimit int
	Activity        activity.Recorder
	ActivityTimeout time.Duration
	Monitor         *metrics.Monitor
	Now             func() time.Time
}

// Engine runs trade creation, confirmation and cancellation against a Store
type Engine struct {
	store           Store
	log             *logrus.Logger
	activity        activity.Recorder
	activityTimeout time.Duration
	monitor         *metrics.Monitor
	autoSelectLimit int
	now             func() time.Time
}

// NewEngine creates a settlement engine
func NewEngine(store Store, logger *logrus.Logger, opts Options) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.AutoSelectLimit <= 0 {
		opts.AutoSelectLimit = DefaultAutoSelectLimit
	}
	if opts.Activity == nil {
		opts.Activity = activity.Nop{}
	}
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = DefaultActivityTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:           store,
		log:             logger,
		activity:        opts.Activity,
		activityTimeout: opts.ActivityTimeout,
		monitor:         opts.Monitor,
		autoSelectLimit: opts.AutoSelectLimit,
		now:             opts.Now,
	}
}

// CreateTradeRequest is a proposal against a listing
type CreateTradeRequest struct {
	ListingID         int64
	ProposerID        int64
	AgreedPrice       decimal.Decimal
	ProposerTicketIDs []int64
	// OwnerTicketIDs is only read for Exchange listings
	OwnerTicketIDs []int64
}

// ConfirmResult reports where a trade stands after a confirmation
type ConfirmResult struct {
	TradeID   int64              `json:"trade_id"`
	Status    models.TradeStatus `json:"status"`
	Confirmed int                `json:"confirmed"`
	Total     int                `json:"total"`
}

// CreateTrade validates a proposal and persists a Pending trade. Nothing is locked
// and no money moves.
func (e *Engine) CreateTrade(ctx context.Context, req CreateTradeRequest) (models.Trade, error) {
	trade, err := e.createTrade(ctx, req)
	e.monitor.TrackOperation("create", Code(err))
	if err != nil {
		e.logFailure("create", 0, req.ProposerID, err)
		return models.Trade{}, err
	}

	e.log.WithFields(logrus.Fields{
		"trade_id":   trade.ID,
		"listing_id": trade.ListingID,
		"user_id":    req.ProposerID,
	}).Info("trade created")
	e.record(ctx, activity.TradeCreated, req.ProposerID, trade.ID, trade.ListingID)
	return trade, nil
}

func (e *Engine) createTrade(ctx context.Context, req CreateTradeRequest) (models.Trade, error) {
	listing, err := e.store.GetListing(ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Trade{}, fmt.Errorf("%w: %d", ErrListingNotFound, req.ListingID)
		}
		return models.Trade{}, err
	}
	if listing.Status != models.ListingActive {
		return models.Trade{}, fmt.Errorf("%w: listing %d is %s", ErrListingNotActive, listing.ID, listing.Status)
	}
	if req.ProposerID == listing.OwnerID {
		return models.Trade{}, ErrSelfTrade
	}

	terms, err := TermsFor(listing.Type, req.AgreedPrice)
	if err != nil {
		return models.Trade{}, err
	}

	ownerTickets, err := e.ownerTicketIDs(ctx, listing, terms.OwnerGives, req.OwnerTicketIDs)
	if err != nil {
		return models.Trade{}, err
	}
	proposerTickets, err := proposerTicketIDs(terms.ProposerGives, req.ProposerTicketIDs)
	if err != nil {
		return models.Trade{}, err
	}

	seen := make(map[int64]bool, len(ownerTickets)+len(proposerTickets))
	var movements []models.TradeTicket
	for _, side := range []struct {
		ids      []int64
		from, to int64
	}{
		{ownerTickets, listing.OwnerID, req.ProposerID},
		{proposerTickets, req.ProposerID, listing.OwnerID},
	} {
		for _, id := range side.ids {
			if seen[id] {
				return models.Trade{}, fmt.Errorf("%w: ticket %d", ErrDuplicateTicket, id)
			}
			seen[id] = true

			if err := e.checkTicket(ctx, id, side.from, listing.EventID); err != nil {
				return models.Trade{}, err
			}
			movements = append(movements, models.TradeTicket{TicketID: id, FromUserID: side.from, ToUserID: side.to})
		}
	}
	if len(movements) == 0 {
		return models.Trade{}, ErrEmptyTrade
	}

	return e.store.CreateTrade(ctx,
		models.Trade{ListingID: listing.ID, Status: models.TradePending, AgreedPrice: req.AgreedPrice},
		[]models.TradeParticipant{
			{UserID: listing.OwnerID, Role: terms.OwnerRole},
			{UserID: req.ProposerID, Role: terms.ProposerRole},
		},
		movements,
	)
}

func (e *Engine) ownerTicketIDs(ctx context.Context, listing models.Listing, gives Contribution, requested []int64) ([]int64, error) {
	switch gives {
	case ContributesNone:
		if len(requested) > 0 {
			return nil, fmt.Errorf("%w: listing owner on a %s listing", ErrUnexpectedTickets, listing.Type)
		}
		return nil, nil

	case ContributesFromListing:
		if len(requested) > 0 {
			return nil, fmt.Errorf("%w: %s listing tickets are fixed by the listing", ErrUnexpectedTickets, listing.Type)
		}
		offered, err := e.store.ListingTicketIDs(ctx, listing.ID)
		if err != nil {
			return nil, err
		}
		if len(offered) > 0 {
			return offered, nil
		}
		return e.store.ActiveTicketIDsForEvent(ctx, listing.OwnerID, listing.EventID, e.autoSelectLimit)

	default:
		offered, err := e.store.ListingTicketIDs(ctx, listing.ID)
		if err != nil {
			return nil, err
		}
		if len(requested) == 0 {
			requested = offered
		}
		if len(requested) == 0 {
			return nil, fmt.Errorf("%w: listing owner must offer at least one ticket", ErrEmptyTrade)
		}
		if len(offered) > 0 {
			allowed := make(map[int64]bool, len(offered))
			for _, id := range offered {
				allowed[id] = true
			}
			for _, id := range requested {
				if !allowed[id] {
					return nil, fmt.Errorf("%w: ticket %d", ErrTicketNotOffered, id)
				}
			}
		}
		return requested, nil
	}
}

func proposerTicketIDs(gives Contribution, requested []int64) ([]int64, error) {
	if gives == ContributesNone {
		if len(requested) > 0 {
			return nil, fmt.Errorf("%w: proposer", ErrUnexpectedTickets)
		}
		return nil, nil
	}
	if len(requested) == 0 {
		return nil, fmt.Errorf("%w: proposer must offer at least one ticket", ErrEmptyTrade)
	}
	return requested, nil
}

func (e *Engine) checkTicket(ctx context.Context, ticketID, expectedOwner, eventID int64) error {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrTicketNotFound, ticketID)
		}
		return err
	}
	if ticket.OwnerID != expectedOwner {
		return fmt.Errorf("%w: ticket %d", ErrTicketNotOwnedByExpectedParty, ticketID)
	}
	if ticket.Status != models.TicketActive {
		return fmt.Errorf("%w: ticket %d is %s", ErrTicketNotActive, ticketID, ticket.Status)
	}
	if ticket.EventID != eventID {
		return fmt.Errorf("%w: ticket %d", ErrTicketWrongEvent, ticketID)
	}
	return nil
}

// settled carries what a completing confirm moved, for logging and metrics
type settled struct {
	listingID int64
	amount    decimal.Decimal
	reason    string
}

// ConfirmTrade records the user's commitment, locks the tickets they contribute and,
// once both sides have confirmed, settles the trade. Every step runs in one
// transaction: any failure leaves the trade exactly as it was before the call.
func (e *Engine) ConfirmTrade(ctx context.Context, tradeID, userID int64) (ConfirmResult, error) {
	start := e.now()

	var res ConfirmResult
	var done settled
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		res, done, err = e.confirm(ctx, tradeID, userID)
		return err
	})
	err = retryable(err)
	e.monitor.TrackOperation("confirm", Code(err))
	if err != nil {
		e.logFailure("confirm", tradeID, userID, err)
		return ConfirmResult{}, err
	}

	e.record(ctx, activity.TradeConfirmed, userID, tradeID, done.listingID)
	if res.Status == models.TradeCompleted {
		e.monitor.TrackSettlement(e.now().Sub(start))
		if done.amount.IsPositive() {
			e.monitor.TrackLedger(done.reason, done.amount)
		}
		e.log.WithFields(logrus.Fields{
			"trade_id": tradeID,
			"user_id":  userID,
			"amount":   done.amount.String(),
		}).Info("trade completed")
		e.record(ctx, activity.TradeCompleted, userID, tradeID, done.listingID)
	}
	return res, nil
}

func (e *Engine) confirm(ctx context.Context, tradeID, userID int64) (ConfirmResult, settled, error) {
	trade, err := e.lockTrade(ctx, tradeID)
	if err != nil {
		return ConfirmResult{}, settled{}, err
	}
	if trade.Status != models.TradePending {
		return ConfirmResult{}, settled{}, fmt.Errorf("%w: trade %d is %s", ErrTradeNotPending, tradeID, trade.Status)
	}

	participants, err := e.store.Participants(ctx, tradeID)
	if err != nil {
		return ConfirmResult{}, settled{}, err
	}
	me, ok := findParticipant(participants, userID)
	if !ok {
		return ConfirmResult{}, settled{}, ErrNotAParticipant
	}
	if me.Confirmed {
		return ConfirmResult{}, settled{}, ErrAlreadyConfirmed
	}

	listing, err := e.store.GetListing(ctx, trade.ListingID)
	if err != nil {
		return ConfirmResult{}, settled{}, err
	}
	if listing.Status != models.ListingActive {
		return ConfirmResult{}, settled{}, fmt.Errorf("%w: listing %d is %s", ErrListingNotActive, listing.ID, listing.Status)
	}
	terms, err := TermsFor(listing.Type, trade.AgreedPrice)
	if err != nil {
		return ConfirmResult{}, settled{}, err
	}
	done := settled{listingID: listing.ID, amount: terms.Amount, reason: terms.Reason}

	if debit := terms.Debit(userID == listing.OwnerID); debit.IsPositive() {
		if err := e.checkSolvency(ctx, userID, tradeID, debit); err != nil {
			return ConfirmResult{}, settled{}, err
		}
	}

	if err := e.store.ConfirmParticipant(ctx, tradeID, userID, e.now()); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return ConfirmResult{}, settled{}, ErrAlreadyConfirmed
		}
		return ConfirmResult{}, settled{}, err
	}

	tickets, err := e.store.TradeTickets(ctx, tradeID)
	if err != nil {
		return ConfirmResult{}, settled{}, err
	}
	for _, tt := range tickets {
		if tt.FromUserID != userID {
			continue
		}
		if err := e.store.LockTicket(ctx, tt.TicketID, userID); err != nil {
			if errors.Is(err, models.ErrConflict) {
				e.monitor.TrackLockConflict()
				return ConfirmResult{}, settled{}, fmt.Errorf("%w: ticket %d", ErrTicketUnavailable, tt.TicketID)
			}
			return ConfirmResult{}, settled{}, err
		}
	}

	res := ConfirmResult{TradeID: tradeID, Status: models.TradePending, Confirmed: 1, Total: len(participants)}
	for _, p := range participants {
		if p.UserID != userID && p.Confirmed {
			res.Confirmed++
		}
	}
	if res.Confirmed < res.Total {
		return res, done, nil
	}

	if err := e.settle(ctx, trade, listing, terms, participants, tickets); err != nil {
		return ConfirmResult{}, settled{}, err
	}
	res.Status = models.TradeCompleted
	return res, done, nil
}

// checkSolvency holds the payer's balance row for the rest of the transaction so
// concurrent confirmations by the same user see each other's obligations.
func (e *Engine) checkSolvency(ctx context.Context, userID, tradeID int64, debit decimal.Decimal) error {
	balance, err := e.store.BalanceForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	pending, err := e.sumPendingDebits(ctx, userID, tradeID)
	if err != nil {
		return err
	}
	if balance.LessThan(pending.Add(debit)) {
		return fmt.Errorf("%w: balance %s, committed elsewhere %s, this trade %s",
			ErrInsufficientBalance, balance, pending, debit)
	}
	return nil
}

// sumPendingDebits totals what the user will pay across other Pending trades they
// have already confirmed.
func (e *Engine) sumPendingDebits(ctx context.Context, userID, excludingTradeID int64) (decimal.Decimal, error) {
	obligations, err := e.store.PendingObligations(ctx, userID, excludingTradeID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, o := range obligations {
		terms, err := TermsFor(o.ListingType, o.AgreedPrice)
		if err != nil {
			return decimal.Zero, fmt.Errorf("trade %d: %w", o.TradeID, err)
		}
		total = total.Add(terms.Debit(o.ListingOwnerID == userID))
	}
	return total, nil
}

func (e *Engine) settle(ctx context.Context, trade models.Trade, listing models.Listing, terms Terms, participants []models.TradeParticipant, tickets []models.TradeTicket) error {
	proposerID := listing.OwnerID
	for _, p := range participants {
		if p.UserID != listing.OwnerID {
			proposerID = p.UserID
		}
	}

	if terms.PriceGuarded() {
		sellerID := proposerID
		if terms.OwnerRole == models.RoleSeller {
			sellerID = listing.OwnerID
		}
		value := decimal.Zero
		for _, tt := range tickets {
			if tt.FromUserID != sellerID {
				continue
			}
			ticket, err := e.store.GetTicket(ctx, tt.TicketID)
			if err != nil {
				return err
			}
			value = value.Add(ticket.Price)
		}
		if trade.AgreedPrice.GreaterThan(value) {
			return fmt.Errorf("%w: price %s, tickets listed at %s", ErrPriceExceedsTicketValue, trade.AgreedPrice, value)
		}
	}

	for _, tt := range tickets {
		if err := e.store.TransferTicket(ctx, tt.TicketID, tt.FromUserID, tt.ToUserID); err != nil {
			if errors.Is(err, models.ErrConflict) {
				return fmt.Errorf("%w: trade %d ticket %d", ErrTicketStateCorrupted, trade.ID, tt.TicketID)
			}
			return err
		}
	}

	if payer, payee, ok := terms.Payment(listing.OwnerID, proposerID); ok {
		tradeID := trade.ID
		if _, err := e.store.DebitIfSufficient(ctx, payer, terms.Amount, &tradeID, terms.Reason); err != nil {
			if errors.Is(err, models.ErrInsufficientFunds) {
				return fmt.Errorf("%w: user %d cannot pay %s at settlement", ErrInsufficientBalance, payer, terms.Amount)
			}
			return err
		}
		if _, err := e.store.Credit(ctx, payee, terms.Amount, &tradeID, terms.Reason); err != nil {
			return err
		}
	}

	if err := e.store.SetTradeStatus(ctx, trade.ID, models.TradePending, models.TradeCompleted); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return fmt.Errorf("%w: trade %d", ErrTradeNotPending, trade.ID)
		}
		return err
	}
	if err := e.store.CompleteListing(ctx, listing.ID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return fmt.Errorf("%w: listing %d was settled by another trade", ErrListingNotActive, listing.ID)
		}
		return err
	}
	return nil
}

// CancelTrade aborts a Pending trade and releases the tickets its confirmed
// participants locked. Canceling an already Canceled trade succeeds without change.
func (e *Engine) CancelTrade(ctx context.Context, tradeID, userID int64) (models.Trade, error) {
	var trade models.Trade
	var changed bool
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		trade, changed, err = e.cancel(ctx, tradeID, userID)
		return err
	})
	err = retryable(err)
	e.monitor.TrackOperation("cancel", Code(err))
	if err != nil {
		e.logFailure("cancel", tradeID, userID, err)
		return models.Trade{}, err
	}

	if changed {
		e.log.WithFields(logrus.Fields{"trade_id": tradeID, "user_id": userID}).Info("trade canceled")
		e.record(ctx, activity.TradeCanceled, userID, tradeID, trade.ListingID)
	}
	return trade, nil
}

func (e *Engine) cancel(ctx context.Context, tradeID, userID int64) (models.Trade, bool, error) {
	trade, err := e.lockTrade(ctx, tradeID)
	if err != nil {
		return models.Trade{}, false, err
	}

	participants, err := e.store.Participants(ctx, tradeID)
	if err != nil {
		return models.Trade{}, false, err
	}
	if _, ok := findParticipant(participants, userID); !ok {
		return models.Trade{}, false, ErrNotAParticipant
	}

	switch trade.Status {
	case models.TradeCanceled:
		return trade, false, nil
	case models.TradePending:
	default:
		return models.Trade{}, false, fmt.Errorf("%w: trade %d is %s", ErrTradeNotPending, tradeID, trade.Status)
	}

	confirmed := make(map[int64]bool, len(participants))
	for _, p := range participants {
		confirmed[p.UserID] = p.Confirmed
	}

	tickets, err := e.store.TradeTickets(ctx, tradeID)
	if err != nil {
		return models.Trade{}, false, err
	}
	for _, tt := range tickets {
		// Only a confirmed contributor's tickets were locked by this trade.
		if !confirmed[tt.FromUserID] {
			continue
		}
		if _, err := e.store.UnlockTicket(ctx, tt.TicketID); err != nil {
			return models.Trade{}, false, err
		}
	}

	if err := e.store.SetTradeStatus(ctx, tradeID, models.TradePending, models.TradeCanceled); err != nil {
		return models.Trade{}, false, err
	}
	trade.Status = models.TradeCanceled
	trade.UpdatedAt = e.now()
	return trade, true, nil
}

func (e *Engine) lockTrade(ctx context.Context, tradeID int64) (models.Trade, error) {
	trade, err := e.store.GetTradeForUpdate(ctx, tradeID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Trade{}, fmt.Errorf("%w: %d", ErrTradeNotFound, tradeID)
		}
		return models.Trade{}, err
	}
	return trade, nil
}

func findParticipant(participants []models.TradeParticipant, userID int64) (models.TradeParticipant, bool) {
	for _, p := range participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return models.TradeParticipant{}, false
}

// retryable turns a store-level conflict that escaped as a deadlock or
// serialization failure into ErrConcurrentUpdate.
func retryable(err error) error {
	if err != nil && errors.Is(err, models.ErrConflict) && Code(err) == "INTERNAL" {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}
	return err
}

func (e *Engine) logFailure(operation string, tradeID, userID int64, err error) {
	entry := e.log.WithFields(logrus.Fields{
		"operation": operation,
		"trade_id":  tradeID,
		"user_id":   userID,
		"code":      Code(err),
	}).WithError(err)

	switch {
	case errors.Is(err, ErrTicketStateCorrupted):
		entry.Error("ticket state corrupted during settlement")
	case errors.Is(err, ErrTicketUnavailable), errors.Is(err, ErrConcurrentUpdate):
		entry.Warn("trade operation lost a race")
	case Code(err) == "INTERNAL":
		entry.Error("trade operation failed")
	default:
		entry.Debug("trade operation rejected")
	}
}

// record writes an activity event after commit. The write outlives a canceled
// request but never holds the caller longer than activityTimeout.
func (e *Engine) record(ctx context.Context, kind string, userID, tradeID, listingID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.activityTimeout)
	defer cancel()
	if err := e.activity.Record(ctx, activity.NewEvent(kind, userID, tradeID, listingID)); err != nil {
		e.log.WithError(err).WithField("trade_id", tradeID).Warn("failed to record activity")
	}
}
