package payments

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Plan is a purchasable token pack.
type Plan struct {
	Name       string
	Tokens     int64
	PriceCents int64
}

// Plans maps plan ids to their token packs. Prices are USD cents.
var Plans = map[string]Plan{
	"starter": {Name: "Starter", Tokens: 10_000, PriceCents: 999},
	"pro":     {Name: "Pro", Tokens: 50_000, PriceCents: 2999},
	"bulk":    {Name: "Bulk", Tokens: 200_000, PriceCents: 7999},
}

var (
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrPaymentNotCompleted = errors.New("payment not completed")
)

// Checkout is a provider checkout session handed back to the browser.
type Checkout struct {
	SessionID string
	URL       string
}

// Completed is a confirmed payment ready for the ledger: the session id is
// the idempotency key, tokens is the credit amount.
type Completed struct {
	SessionID string
	UserID    uuid.UUID
	Tokens    int64
}

func planByID(id string) (Plan, error) {
	plan, ok := Plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return plan, nil
}
