package chunker

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Options controls window sizing. Windows are measured in whitespace-delimited
// words, which is what the downstream rewrite prompts are sized around.
type Options struct {
	WindowSize int
	Overlap    int
}

const (
	DefaultWindowSize = 300
	DefaultOverlap    = 50
)

// Chunk is one window of the source text. StartWord and EndWord are zero-based
// inclusive word indices into the tokenized input, so Content re-split on
// whitespace always has EndWord-StartWord+1 words.
type Chunk struct {
	ID        uuid.UUID
	Content   string
	StartWord int
	EndWord   int
}

// Words returns the number of words the chunk spans.
func (c Chunk) Words() int {
	return c.EndWord - c.StartWord + 1
}

func (o Options) normalize() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	// Overlap must stay below the window size or windows stop advancing.
	if o.Overlap >= o.WindowSize {
		o.Overlap = o.WindowSize - 1
	}
	return o
}

// Split tokenizes text on runs of whitespace and cuts it into overlapping
// windows of up to WindowSize words. Each window after the first starts
// Overlap words before the end of the previous one, so consecutive windows
// share context and their word ranges cover the input without gaps. Text that
// fits in a single window comes back as exactly one chunk; empty input yields
// none. Pure function: no I/O, deterministic apart from the generated ids.
func Split(text string, opts Options) []Chunk {
	opts = opts.normalize()

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= opts.WindowSize {
		return []Chunk{{
			ID:        uuid.New(),
			Content:   strings.Join(words, " "),
			StartWord: 0,
			EndWord:   len(words) - 1,
		}}
	}

	var chunks []Chunk
	start := 0
	for {
		end := start + opts.WindowSize - 1
		if end > len(words)-1 {
			end = len(words) - 1
		}
		chunks = append(chunks, Chunk{
			ID:        uuid.New(),
			Content:   strings.Join(words[start:end+1], " "),
			StartWord: start,
			EndWord:   end,
		})
		if end == len(words)-1 {
			return chunks
		}
		next := end - opts.Overlap + 1
		// Windows must strictly advance even with a degenerate overlap.
		if next <= start {
			next = start + 1
		}
		start = next
	}
}

// Reconstruct stitches the selected chunks back into one text. Selection is by
// id membership; the order of selected does not matter. Chunks are merged in
// StartWord order, splicing out the overlapping prefix of each chunk by word
// arithmetic. A chunk entirely inside the already-merged region contributes
// nothing. When the selection leaves a gap between chunks, the pieces are
// joined with a single space and the gap stays missing: deselected text is
// meant to be dropped, not recovered. An empty selection yields "".
func Reconstruct(chunks []Chunk, selected []uuid.UUID) string {
	want := make(map[uuid.UUID]struct{}, len(selected))
	for _, id := range selected {
		want[id] = struct{}{}
	}

	picked := make([]Chunk, 0, len(selected))
	for _, c := range chunks {
		if _, ok := want[c.ID]; ok {
			picked = append(picked, c)
		}
	}
	if len(picked) == 0 {
		return ""
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].StartWord < picked[j].StartWord })

	out := strings.Fields(picked[0].Content)
	lastEnd := picked[0].EndWord
	for _, c := range picked[1:] {
		words := strings.Fields(c.Content)
		if c.StartWord <= lastEnd+1 {
			skip := lastEnd - c.StartWord + 1
			if skip < len(words) {
				out = append(out, words[skip:]...)
			}
			if c.EndWord > lastEnd {
				lastEnd = c.EndWord
			}
			continue
		}
		out = append(out, words...)
		lastEnd = c.EndWord
	}
	return strings.Join(out, " ")
}
