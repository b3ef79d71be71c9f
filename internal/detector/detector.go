package detector

import "context"

// Detector scores text for the likelihood it was machine-generated.
// Scores are probabilities in [0, 1]; 1 means certainly AI.
type Detector interface {
	Score(ctx context.Context, text string) (float32, error)
}

// FlagThreshold is the probability at or above which a chunk is reported back
// to the user as still reading like AI text.
const FlagThreshold = 0.5
