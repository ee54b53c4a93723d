package settlement

import "errors"

// Validation errors, rejected before any state change
var (
	ErrListingNotFound               = errors.New("listing not found")
	ErrListingNotActive              = errors.New("listing is not active")
	ErrSelfTrade                     = errors.New("cannot trade against your own listing")
	ErrEmptyTrade                    = errors.New("trade must move at least one ticket")
	ErrInvalidPrice                  = errors.New("invalid agreed price")
	ErrTicketNotFound                = errors.New("ticket not found")
	ErrTicketNotOwnedByExpectedParty = errors.New("ticket is not owned by the expected party")
	ErrTicketNotActive               = errors.New("ticket is not active")
	ErrTicketWrongEvent              = errors.New("ticket is for a different event than the listing")
	ErrTicketNotOffered              = errors.New("ticket is not offered on the listing")
	ErrDuplicateTicket               = errors.New("ticket referenced more than once")
	ErrUnexpectedTickets             = errors.New("this side of the trade contributes no tickets")
)

// Protocol errors
var (
	ErrTradeNotFound    = errors.New("trade not found")
	ErrTradeNotPending  = errors.New("trade is not pending")
	ErrNotAParticipant  = errors.New("user is not a participant in this trade")
	ErrAlreadyConfirmed = errors.New("participant already confirmed")
)

// Business rule and concurrency errors
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrPriceExceedsTicketValue = errors.New("agreed price exceeds the listed value of the tickets")
	ErrTicketUnavailable       = errors.New("ticket is locked or changed by another trade, try again")
	ErrTicketStateCorrupted    = errors.New("ticket state changed during settlement")
	ErrConcurrentUpdate        = errors.New("concurrent update, try again")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrListingNotFound, "LISTING_NOT_FOUND"},
	{ErrListingNotActive, "LISTING_NOT_ACTIVE"},
	{ErrSelfTrade, "SELF_TRADE"},
	{ErrEmptyTrade, "EMPTY_TRADE"},
	{ErrInvalidPrice, "INVALID_PRICE"},
	{ErrTicketNotFound, "TICKET_NOT_FOUND"},
	{ErrTicketNotOwnedByExpectedParty, "TICKET_NOT_OWNED"},
	{ErrTicketNotActive, "TICKET_NOT_ACTIVE"},
	{ErrTicketWrongEvent, "TICKET_WRONG_EVENT"},
	{ErrTicketNotOffered, "TICKET_NOT_OFFERED"},
	{ErrDuplicateTicket, "DUPLICATE_TICKET"},
	{ErrUnexpectedTickets, "UNEXPECTED_TICKETS"},
	{ErrTradeNotFound, "TRADE_NOT_FOUND"},
	{ErrTradeNotPending, "TRADE_NOT_PENDING"},
	{ErrNotAParticipant, "NOT_A_PARTICIPANT"},
	{ErrAlreadyConfirmed, "ALREADY_CONFIRMED"},
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
	{ErrPriceExceedsTicketValue, "PRICE_EXCEEDS_TICKET_VALUE"},
	{ErrTicketUnavailable, "TICKET_UNAVAILABLE"},
	{ErrTicketStateCorrupted, "TICKET_STATE_CORRUPTED"},
	{ErrConcurrentUpdate, "CONCURRENT_UPDATE"},
}

// Code returns a stable machine-readable code for err, or "INTERNAL" when err
// is not one of the engine's conditions.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}
