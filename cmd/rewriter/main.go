package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"textforge/internal/app"
	"textforge/internal/cache"
	"textforge/internal/chunker"
	"textforge/internal/detector"
	"textforge/internal/httputil"
	"textforge/internal/queue"
	"textforge/internal/store"
)

type humanizeTaskPayload struct {
	DocumentID  uuid.UUID   `json:"document_id"`
	StyleSample string      `json:"style_sample"`
	ChunkIDs    []uuid.UUID `json:"chunk_ids"`
}

func main() {
	deps, err := app.BuildRewriter()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Cache.Close(); err != nil {
			deps.Log.Warn("failed to close cache", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeHumanize, handleHumanize(deps))
	})
	g.Go(func() error {
		return httputil.ServeHealth(deps.Log, deps.Config.Port, "rewriter")
	})
	if err := g.Wait(); err != nil {
		deps.Log.Error("rewriter stopped", "err", err)
		os.Exit(1)
	}
}

// segment is the part of a selected chunk not already covered by an earlier
// selected chunk. Rewriting segments instead of raw chunks keeps the overlap
// words from being rewritten twice.
type segment struct {
	chunkID uuid.UUID
	text    string
}

func handleHumanize(deps app.WorkerDeps) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var payload humanizeTaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			// Malformed payloads never become valid; don't retry.
			deps.Log.Error("dropping malformed humanize task", "task_id", task.ID, "err", err)
			return nil
		}
		log := deps.Log.With("document_id", payload.DocumentID)

		stored, err := deps.Store.ListChunks(ctx, payload.DocumentID)
		if err != nil {
			return fmt.Errorf("failed to load chunks: %w", err)
		}
		if len(stored) == 0 {
			log.Error("document has no chunks, marking failed")
			return deps.Store.UpdateDocumentStatus(ctx, payload.DocumentID, store.StatusFailed)
		}

		chunks := toChunkerChunks(stored)
		selected := payload.ChunkIDs
		if len(selected) == 0 {
			// Empty selection means the whole document.
			selected = make([]uuid.UUID, len(chunks))
			for i, c := range chunks {
				selected[i] = c.ID
			}
		}

		segments := selectionSegments(chunks, selected)
		if len(segments) == 0 {
			log.Error("selection matches no chunks, marking failed")
			return deps.Store.UpdateDocumentStatus(ctx, payload.DocumentID, store.StatusFailed)
		}

		start := time.Now()
		parts := make([]string, 0, len(segments))
		var flagged []string
		for _, seg := range segments {
			rewritten, err := deps.LLM.Rewrite(ctx, seg.text, payload.StyleSample)
			if err != nil {
				return fmt.Errorf("rewrite failed for chunk %s: %w", seg.chunkID, err)
			}
			parts = append(parts, rewritten)

			score, ok := scoreText(ctx, deps, rewritten)
			if ok && score >= detector.FlagThreshold {
				flagged = append(flagged, seg.chunkID.String())
			}
		}
		output := strings.Join(parts, " ")

		overall, ok := scoreText(ctx, deps, output)
		if !ok {
			log.Warn("detector unavailable, storing result unscored")
		}

		if err := deps.Store.SaveResult(ctx, store.Result{
			DocumentID:      payload.DocumentID,
			Output:          output,
			DetectorScore:   overall,
			FlaggedChunkIDs: flagged,
		}); err != nil {
			return fmt.Errorf("failed to save result: %w", err)
		}
		if err := deps.Store.UpdateDocumentStatus(ctx, payload.DocumentID, store.StatusReady); err != nil {
			return fmt.Errorf("failed to mark document ready: %w", err)
		}
		log.Info("document humanized",
			"segments", len(segments),
			"flagged", len(flagged),
			"detector_score", overall,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
}

// selectionSegments orders the selected chunks by start position and trims the
// prefix of each that an earlier chunk already covers, mirroring how the
// chunker stitches selections. Chunks fully inside the covered region drop
// out. Ids not present in chunks are ignored.
func selectionSegments(chunks []chunker.Chunk, selected []uuid.UUID) []segment {
	want := make(map[uuid.UUID]struct{}, len(selected))
	for _, id := range selected {
		want[id] = struct{}{}
	}
	picked := make([]chunker.Chunk, 0, len(selected))
	for _, c := range chunks {
		if _, ok := want[c.ID]; ok {
			picked = append(picked, c)
		}
	}
	if len(picked) == 0 {
		return nil
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].StartWord < picked[j].StartWord })

	segments := []segment{{chunkID: picked[0].ID, text: picked[0].Content}}
	lastEnd := picked[0].EndWord
	for _, c := range picked[1:] {
		words := strings.Fields(c.Content)
		if c.StartWord <= lastEnd+1 {
			skip := lastEnd - c.StartWord + 1
			if skip < len(words) {
				segments = append(segments, segment{chunkID: c.ID, text: strings.Join(words[skip:], " ")})
			}
			if c.EndWord > lastEnd {
				lastEnd = c.EndWord
			}
			continue
		}
		segments = append(segments, segment{chunkID: c.ID, text: c.Content})
		lastEnd = c.EndWord
	}
	return segments
}

// scoreText runs the detector behind the cache. Detector failures degrade to
// an unscored result rather than failing the job after the LLM spend.
func scoreText(ctx context.Context, deps app.WorkerDeps, text string) (float32, bool) {
	key := cache.Key(text)
	if cached, err := deps.Cache.GetScore(ctx, key); err == nil && cached != nil {
		return cached.Probability, true
	}
	score, err := deps.Detector.Score(ctx, text)
	if err != nil {
		deps.Log.Warn("detector score failed", "err", err)
		return 0, false
	}
	ttl := time.Duration(deps.Config.CacheTTL) * time.Second
	if err := deps.Cache.SetScore(ctx, key, &cache.Score{Probability: score, Provider: deps.Config.DetectorProvider}, ttl); err != nil {
		deps.Log.Warn("failed to cache detector score", "err", err)
	}
	return score, true
}

func toChunkerChunks(chunks []store.Chunk) []chunker.Chunk {
	out := make([]chunker.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = chunker.Chunk{
			ID:        c.ID,
			Content:   c.Text,
			StartWord: c.StartWord,
			EndWord:   c.EndWord,
		}
	}
	return out
}
