package settlement

import (
	"fmt"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/shopspring/decimal"
)

// Contribution says whether a side of a trade hands over tickets
type Contribution int

const (
	// ContributesNone means the side must not supply tickets
	ContributesNone Contribution = iota
	// ContributesFromListing means the side's tickets come from the listing's offered set
	ContributesFromListing
	// ContributesRequired means the side must supply at least one ticket
	ContributesRequired
)

// Terms is everything that follows from a listing type and an agreed price:
// who plays which role, who hands over tickets and who pays whom.
type Terms struct {
	Type          models.ListingType
	OwnerRole     models.Role
	ProposerRole  models.Role
	OwnerGives    Contribution
	ProposerGives Contribution

	// OwnerPays is meaningful only when Amount is positive
	OwnerPays bool
	Amount    decimal.Decimal
	Reason    string
}

// PriceScale is the number of decimal places money is stored with
const PriceScale = 2

// maxPrice bounds the magnitude of a price to what the money columns hold
var maxPrice = decimal.New(1, 12)

// TermsFor derives the trade terms for a listing type and agreed price.
//
//	Sell:     owner sells listed tickets, proposer pays owner the price
//	Buy:      proposer sells its tickets, owner pays proposer the price
//	Exchange: both swap tickets; price > 0 proposer pays owner, price < 0 owner
//	          pays proposer |price|, zero is a pure barter
func TermsFor(t models.ListingType, price decimal.Decimal) (Terms, error) {
	if !price.Equal(price.Round(PriceScale)) {
		return Terms{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidPrice, price, PriceScale)
	}
	if price.Abs().GreaterThanOrEqual(maxPrice) {
		return Terms{}, fmt.Errorf("%w: %s is out of range", ErrInvalidPrice, price)
	}

	switch t {
	case models.ListingSell:
		if !price.IsPositive() {
			return Terms{}, fmt.Errorf("%w: must be positive for sell listings, got %s", ErrInvalidPrice, price)
		}
		return Terms{
			Type:          t,
			OwnerRole:     models.RoleSeller,
			ProposerRole:  models.RoleBuyer,
			OwnerGives:    ContributesFromListing,
			ProposerGives: ContributesNone,
			OwnerPays:     false,
			Amount:        price,
			Reason:        models.ReasonTradePayment,
		}, nil
	case models.ListingBuy:
		if !price.IsPositive() {
			return Terms{}, fmt.Errorf("%w: must be positive for buy listings, got %s", ErrInvalidPrice, price)
		}
		return Terms{
			Type:          t,
			OwnerRole:     models.RoleBuyer,
			ProposerRole:  models.RoleSeller,
			OwnerGives:    ContributesNone,
			ProposerGives: ContributesRequired,
			OwnerPays:     true,
			Amount:        price,
			Reason:        models.ReasonTradePayment,
		}, nil
	case models.ListingExchange:
		return Terms{
			Type:          t,
			OwnerRole:     models.RoleExchanger,
			ProposerRole:  models.RoleExchanger,
			OwnerGives:    ContributesRequired,
			ProposerGives: ContributesRequired,
			OwnerPays:     price.IsNegative(),
			Amount:        price.Abs(),
			Reason:        models.ReasonTradePriceDifference,
		}, nil
	default:
		return Terms{}, fmt.Errorf("unknown listing type %q", t)
	}
}

// Debit is what the owner side (isOwner) or the proposer side parts with on completion
func (t Terms) Debit(isOwner bool) decimal.Decimal {
	if !t.Amount.IsPositive() || isOwner != t.OwnerPays {
		return decimal.Zero
	}
	return t.Amount
}

// Payment resolves the payer and payee for a trade between owner and proposer.
// ok is false when no money moves.
func (t Terms) Payment(ownerID, proposerID int64) (payer, payee int64, ok bool) {
	if !t.Amount.IsPositive() {
		return 0, 0, false
	}
	if t.OwnerPays {
		return ownerID, proposerID, true
	}
	return proposerID, ownerID, true
}

// PriceGuarded reports whether settlement must check the price against ticket value
func (t Terms) PriceGuarded() bool {
	return t.Type == models.ListingSell || t.Type == models.ListingBuy
}
