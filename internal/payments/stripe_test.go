package payments

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func newTestStripe(t *testing.T) *StripeClient {
	t.Helper()
	c, err := NewStripe("sk_test_key", testWebhookSecret, "https://example.com/ok", "https://example.com/cancel")
	if err != nil {
		t.Fatalf("failed to build stripe client: %v", err)
	}
	return c
}

func signedEvent(t *testing.T, eventType, dataObject string) ([]byte, string) {
	t.Helper()
	payload := fmt.Sprintf(`{"id":"evt_1","api_version":%q,"type":%q,"data":{"object":%s}}`, stripe.APIVersion, eventType, dataObject)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestParseWebhookCompletedSession(t *testing.T) {
	c := newTestStripe(t)
	userID := uuid.New()
	obj := fmt.Sprintf(`{"id":"cs_test_1","client_reference_id":%q,"metadata":{"plan":"pro","user_id":%q}}`,
		userID.String(), userID.String())
	payload, sig := signedEvent(t, "checkout.session.completed", obj)

	done, ok, err := c.ParseWebhook(payload, sig)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a completion event")
	}
	if done.SessionID != "cs_test_1" {
		t.Errorf("session id %q, want cs_test_1", done.SessionID)
	}
	if done.UserID != userID {
		t.Errorf("user id %s, want %s", done.UserID, userID)
	}
	if done.Tokens != Plans["pro"].Tokens {
		t.Errorf("tokens %d, want %d", done.Tokens, Plans["pro"].Tokens)
	}
}

func TestParseWebhookIgnoresOtherEvents(t *testing.T) {
	c := newTestStripe(t)
	payload, sig := signedEvent(t, "payment_intent.created", `{"id":"pi_1"}`)

	_, ok, err := c.ParseWebhook(payload, sig)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ok {
		t.Error("unrelated event types must not be treated as completions")
	}
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	c := newTestStripe(t)
	payload, _ := signedEvent(t, "checkout.session.completed", `{"id":"cs_1"}`)

	if _, _, err := c.ParseWebhook(payload, "t=1,v1=deadbeef"); err == nil {
		t.Error("expected signature verification to fail")
	}
}

func TestParseWebhookUnknownPlan(t *testing.T) {
	c := newTestStripe(t)
	obj := fmt.Sprintf(`{"id":"cs_2","client_reference_id":%q,"metadata":{"plan":"nope"}}`, uuid.New().String())
	payload, sig := signedEvent(t, "checkout.session.completed", obj)

	if _, _, err := c.ParseWebhook(payload, sig); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("expected ErrUnknownPlan, got %v", err)
	}
}

func TestCreateCheckoutUnknownPlan(t *testing.T) {
	c := newTestStripe(t)
	if _, err := c.CreateCheckout(uuid.New(), "nope"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("expected ErrUnknownPlan, got %v", err)
	}
}
