package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient calls an OpenAI-compatible Chat Completions API. DeepSeek and
// Perplexity expose the same wire format, so a non-empty baseURL pointed at
// either makes this the client for those providers too.
type OpenAIClient struct {
	model  openai.ChatModel
	client *openai.Client
}

const (
	defaultChatTimeout     = 60 * time.Second
	rewriteTemperature     = 0.9
	solveTemperature       = 0.2
	rewriteSystemPrompt    = "You rewrite the user's text so it reads naturally, varying sentence length and word choice while preserving every fact and the original meaning. Output only the rewritten text."
	solveSystemPrompt      = "You are a patient tutor. Solve the problem step by step, then state the final answer on its own line."
	styleInstructionPrefix = "Match the voice and register of this writing sample:\n"
)

// NewOpenAIClient builds a client with defaults against api.openai.com.
// baseURL overrides the endpoint for OpenAI-compatible providers.
func NewOpenAIClient(apiKey string, model openai.ChatModel, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	cli := openai.NewClient(opts...)
	return &OpenAIClient{
		model:  model,
		client: &cli,
	}, nil
}

func (c *OpenAIClient) Rewrite(ctx context.Context, text, styleSample string) (string, error) {
	system := rewriteSystemPrompt
	if sample := strings.TrimSpace(styleSample); sample != "" {
		system += "\n" + styleInstructionPrefix + sample
	}
	return c.complete(ctx, system, text, rewriteTemperature)
}

func (c *OpenAIClient) Solve(ctx context.Context, question string) (string, error) {
	return c.complete(ctx, solveSystemPrompt, question, solveTemperature)
}

func (c *OpenAIClient) complete(ctx context.Context, system, user string, temperature float64) (string, error) {
	if c == nil || c.client == nil {
		return "", fmt.Errorf("nil openai client")
	}
	reqCtx, cancel := context.WithTimeout(ctx, defaultChatTimeout)
	defer cancel()
	resp, err := c.client.Chat.Completions.New(reqCtx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    buildMessages(system, user),
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("llm: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildMessages(system, user string) []openai.ChatCompletionMessageParamUnion {
	return []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(system),
				},
			},
		},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(user),
				},
			},
		},
	}
}
