package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// PayPalClient captures approved PayPal orders via the REST API. The webhook
// story on PayPal is poll-shaped for us: the frontend reports the approved
// order id and the backend captures it, so capture is the completion signal.
type PayPalClient struct {
	client   *resty.Client
	clientID string
	secret   string
}

// paypalSessionPrefix keeps PayPal order ids from colliding with Stripe
// session ids in the payments table.
const paypalSessionPrefix = "paypal:"

func NewPayPal(clientID, secret, baseURL string) (*PayPalClient, error) {
	if clientID == "" || secret == "" {
		return nil, fmt.Errorf("paypal credentials required")
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second)
	return &PayPalClient{client: client, clientID: clientID, secret: secret}, nil
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
}

type paypalCaptureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
	} `json:"purchase_units"`
}

func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	var out paypalTokenResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.secret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&out).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("paypal token request failed: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", fmt.Errorf("paypal token request returned %s", resp.Status())
	}
	return out.AccessToken, nil
}

// CaptureOrder captures an approved order and returns the completed payment.
// The custom_id set at order creation carries "<user-uuid>|<plan-id>".
// Capturing an already-captured order is fine: the ledger treats the session
// id as the idempotency key, so the duplicate credit is refused there.
func (c *PayPalClient) CaptureOrder(ctx context.Context, orderID string) (Completed, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return Completed{}, err
	}

	var out paypalCaptureResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetResult(&out).
		Post("/v2/checkout/orders/" + orderID + "/capture")
	if err != nil {
		return Completed{}, fmt.Errorf("paypal capture failed: %w", err)
	}
	if resp.IsError() {
		return Completed{}, fmt.Errorf("paypal capture returned %s: %s", resp.Status(), resp.String())
	}
	if out.Status != "COMPLETED" {
		return Completed{}, fmt.Errorf("%w: order %s is %s", ErrPaymentNotCompleted, orderID, out.Status)
	}
	if len(out.PurchaseUnits) == 0 {
		return Completed{}, fmt.Errorf("paypal capture returned no purchase units")
	}

	userID, plan, err := parseCustomID(out.PurchaseUnits[0].CustomID)
	if err != nil {
		return Completed{}, err
	}
	return Completed{
		SessionID: paypalSessionPrefix + out.ID,
		UserID:    userID,
		Tokens:    plan.Tokens,
	}, nil
}

func parseCustomID(customID string) (uuid.UUID, Plan, error) {
	parts := strings.SplitN(customID, "|", 2)
	if len(parts) != 2 {
		return uuid.Nil, Plan{}, fmt.Errorf("malformed custom_id %q", customID)
	}
	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, Plan{}, fmt.Errorf("invalid user id in custom_id %q: %w", customID, err)
	}
	plan, err := planByID(parts[1])
	if err != nil {
		return uuid.Nil, Plan{}, err
	}
	return userID, plan, nil
}
