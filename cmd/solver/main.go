package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"textforge/internal/app"
	"textforge/internal/httputil"
	"textforge/internal/queue"
	"textforge/internal/store"
)

type solveTaskPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	Question   string    `json:"question"`
}

func main() {
	deps, err := app.BuildSolver()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeSolve, handleSolve(deps))
	})
	g.Go(func() error {
		return httputil.ServeHealth(deps.Log, deps.Config.Port, "solver")
	})
	if err := g.Wait(); err != nil {
		deps.Log.Error("solver stopped", "err", err)
		os.Exit(1)
	}
}

func handleSolve(deps app.SolverDeps) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var payload solveTaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			// Malformed payloads never become valid; don't retry.
			deps.Log.Error("dropping malformed solve task", "task_id", task.ID, "err", err)
			return nil
		}
		log := deps.Log.With("document_id", payload.DocumentID)
		if payload.Question == "" {
			log.Error("solve task has no question, marking failed")
			return deps.Store.UpdateDocumentStatus(ctx, payload.DocumentID, store.StatusFailed)
		}

		start := time.Now()
		answer, err := deps.LLM.Solve(ctx, payload.Question)
		if err != nil {
			return fmt.Errorf("solve failed: %w", err)
		}

		if err := deps.Store.SaveResult(ctx, store.Result{
			DocumentID: payload.DocumentID,
			Output:     answer,
		}); err != nil {
			return fmt.Errorf("failed to save result: %w", err)
		}
		if err := deps.Store.UpdateDocumentStatus(ctx, payload.DocumentID, store.StatusReady); err != nil {
			return fmt.Errorf("failed to mark document ready: %w", err)
		}
		log.Info("question solved", "duration_ms", time.Since(start).Milliseconds())
		return nil
	}
}
