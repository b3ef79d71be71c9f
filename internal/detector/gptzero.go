package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultGPTZeroURL = "https://api.gptzero.me"

// GPTZero calls the GPTZero v2 predict endpoint.
type GPTZero struct {
	client *resty.Client
}

type gptZeroRequest struct {
	Document     string `json:"document"`
	Multilingual bool   `json:"multilingual"`
}

type gptZeroResponse struct {
	Documents []struct {
		CompletelyGeneratedProb float32 `json:"completely_generated_prob"`
	} `json:"documents"`
}

// NewGPTZero builds a detector client. baseURL overrides the production
// endpoint; pass "" outside tests.
func NewGPTZero(apiKey, baseURL string) (*GPTZero, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if baseURL == "" {
		baseURL = defaultGPTZeroURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("x-api-key", apiKey).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &GPTZero{client: client}, nil
}

func (d *GPTZero) Score(ctx context.Context, text string) (float32, error) {
	var out gptZeroResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(gptZeroRequest{Document: text}).
		SetResult(&out).
		Post("/v2/predict/text")
	if err != nil {
		return 0, fmt.Errorf("gptzero request failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("gptzero returned %s: %s", resp.Status(), resp.String())
	}
	if len(out.Documents) == 0 {
		return 0, fmt.Errorf("gptzero returned no documents")
	}
	return out.Documents[0].CompletelyGeneratedProb, nil
}
