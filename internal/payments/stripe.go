package payments

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeClient creates checkout sessions and verifies completion webhooks.
type StripeClient struct {
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripe(apiKey, webhookSecret, successURL, cancelURL string) (*StripeClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key required")
	}
	stripe.Key = apiKey
	return &StripeClient{
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}, nil
}

// CreateCheckout opens a Stripe checkout session for the given plan. The user
// id rides along as client_reference_id and metadata so the webhook can tie
// the completed session back to an account.
func (c *StripeClient) CreateCheckout(userID uuid.UUID, planID string) (Checkout, error) {
	plan, err := planByID(planID)
	if err != nil {
		return Checkout{}, err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(userID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("usd"),
				UnitAmount: stripe.Int64(plan.PriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(plan.Name + " token pack"),
				},
			},
		}},
	}
	params.AddMetadata("plan", planID)
	params.AddMetadata("user_id", userID.String())

	s, err := session.New(params)
	if err != nil {
		return Checkout{}, fmt.Errorf("create checkout session: %w", err)
	}
	return Checkout{SessionID: s.ID, URL: s.URL}, nil
}

type checkoutSessionEvent struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// ParseWebhook verifies the event signature and extracts a completed checkout
// session. The second return is false for event types we don't act on.
// Signature failures are errors: unauthenticated deliveries must not reach
// the ledger.
func (c *StripeClient) ParseWebhook(payload []byte, sigHeader string) (Completed, bool, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return Completed{}, false, fmt.Errorf("verify webhook signature: %w", err)
	}
	if event.Type != "checkout.session.completed" {
		return Completed{}, false, nil
	}

	var sess checkoutSessionEvent
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return Completed{}, false, fmt.Errorf("decode checkout session: %w", err)
	}
	ref := sess.ClientReferenceID
	if ref == "" {
		ref = sess.Metadata["user_id"]
	}
	userID, err := uuid.Parse(ref)
	if err != nil {
		return Completed{}, false, fmt.Errorf("invalid user reference %q: %w", ref, err)
	}
	plan, err := planByID(sess.Metadata["plan"])
	if err != nil {
		return Completed{}, false, err
	}
	return Completed{
		SessionID: sess.ID,
		UserID:    userID,
		Tokens:    plan.Tokens,
	}, true, nil
}
