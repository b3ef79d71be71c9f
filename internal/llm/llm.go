package llm

import "context"

// Client is a minimal LLM interface to allow pluggable providers.
type Client interface {
	// Rewrite rephrases text so it reads like the supplied style sample.
	// styleSample may be empty, in which case a neutral conversational
	// register is used.
	Rewrite(ctx context.Context, text, styleSample string) (string, error)

	// Solve answers a homework question with worked steps.
	Solve(ctx context.Context, question string) (string, error)
}
