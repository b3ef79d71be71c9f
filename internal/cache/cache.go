package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache stores AI-detector verdicts so re-scoring the same text is free.
// Detector calls are the slowest and most rate-limited part of the rewrite
// loop, and the same text shows up repeatedly while a user iterates.
type Cache interface {
	// GetScore retrieves a cached detector verdict by key.
	// Returns nil if not found.
	GetScore(ctx context.Context, key string) (*Score, error)

	// SetScore stores a detector verdict with TTL.
	SetScore(ctx context.Context, key string, score *Score, ttl time.Duration) error

	// Close closes the cache connection.
	Close() error
}

// Score is a cached detector verdict.
type Score struct {
	Probability float32 `json:"probability"`
	Provider    string  `json:"provider"`
}

// Key derives a stable cache key from the scored text.
func Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
