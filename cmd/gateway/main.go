package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"textforge/internal/app"
	"textforge/internal/chunker"
	"textforge/internal/httputil"
	"textforge/internal/ledger"
	"textforge/internal/payments"
	"textforge/internal/queue"
	"textforge/internal/store"
)

type humanizeTaskPayload struct {
	DocumentID  uuid.UUID   `json:"document_id"`
	StyleSample string      `json:"style_sample"`
	ChunkIDs    []uuid.UUID `json:"chunk_ids"`
}

type solveTaskPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	Question   string    `json:"question"`
}

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	r := httputil.NewRouter(deps.Log)

	r.Post("/api/users", createUserHandler(deps))
	r.Get("/api/users/{id}/balance", balanceHandler(deps))

	r.Post("/api/documents/upload", uploadHandler(deps))
	r.Get("/api/documents/{id}", documentHandler(deps))
	r.Post("/api/documents/{id}/humanize", humanizeHandler(deps))
	r.Post("/api/documents/{id}/reconstruct", reconstructHandler(deps))
	r.Post("/api/solve", solveHandler(deps))

	r.Post("/api/checkout", checkoutHandler(deps))
	r.Post("/api/webhooks/stripe", stripeWebhookHandler(deps))
	r.Post("/api/payments/paypal/capture", paypalCaptureHandler(deps))

	r.Get("/healthz", httputil.HealthHandler(deps.Log))

	addr := fmt.Sprintf(":%d", deps.Config.Port)
	deps.Log.Info("gateway listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		deps.Log.Error("server failed", "err", err)
	}
}

type createUserRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func createUserHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}
		user, err := deps.Store.CreateUser(r.Context(), req.Email)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to create user", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, map[string]any{
			"user_id":       user.ID.String(),
			"email":         user.Email,
			"token_balance": user.TokenBalance,
		})
	}
}

func balanceHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid user id", err, http.StatusBadRequest)
			return
		}
		balance, err := deps.Store.GetBalance(r.Context(), userID)
		if errors.Is(err, store.ErrUserNotFound) {
			httputil.Fail(deps.Log, w, "user not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read balance", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"user_id":       userID.String(),
			"token_balance": balance,
		})
	}
}

func uploadHandler(deps app.Deps) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.ContentLength > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusBadRequest)
			return
		}

		userID, err := uuid.Parse(r.FormValue("user_id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "valid user_id is required", err, http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
			return
		}
		defer file.Close()

		if header.Size > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusBadRequest)
			return
		}
		if !allowedUpload(header.Filename, header.Header.Get("Content-Type")) {
			httputil.Fail(deps.Log, w, "unsupported file type (only PDF and TXT allowed)", nil, http.StatusBadRequest)
			return
		}

		content, err := io.ReadAll(file)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusInternalServerError)
			return
		}
		text := extractText(header.Filename, content, deps.Log)
		words := wordCount(text)
		if words == 0 {
			httputil.Fail(deps.Log, w, "document contains no text", nil, http.StatusBadRequest)
			return
		}

		// One token per word of input. Charged up front; the job is queued
		// right after, so a failed enqueue is surfaced and retried by the
		// client against the same document.
		remaining, err := deps.Store.DebitTokens(ctx, userID, int64(words))
		if errors.Is(err, store.ErrInsufficientTokens) {
			httputil.Fail(deps.Log, w, "insufficient token balance", err, http.StatusPaymentRequired)
			return
		}
		if errors.Is(err, store.ErrUserNotFound) {
			httputil.Fail(deps.Log, w, "user not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to debit tokens", err, http.StatusInternalServerError)
			return
		}

		doc, err := deps.Store.CreateDocument(ctx, userID, header.Filename, store.KindHumanize)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to persist document", err, http.StatusInternalServerError)
			return
		}

		chunks := chunker.Split(text, chunker.Options{
			WindowSize: deps.Config.ChunkWindow,
			Overlap:    deps.Config.ChunkOverlap,
		})
		if err := deps.Store.SaveChunks(ctx, doc.ID, toStoreChunks(doc.ID, chunks)); err != nil {
			httputil.Fail(deps.Log, w, "failed to persist chunks", err, http.StatusInternalServerError)
			return
		}

		chunkViews := make([]map[string]any, len(chunks))
		for i, c := range chunks {
			chunkViews[i] = map[string]any{
				"id":         c.ID.String(),
				"start_word": c.StartWord,
				"end_word":   c.EndWord,
			}
		}
		httputil.WriteJSON(w, http.StatusCreated, map[string]any{
			"document_id":   doc.ID.String(),
			"status":        doc.Status,
			"word_count":    words,
			"chunks":        chunkViews,
			"token_balance": remaining,
		})
	}
}

type humanizeRequest struct {
	ChunkIDs    []string `json:"chunk_ids" validate:"omitempty,dive,uuid4"`
	StyleSample string   `json:"style_sample" validate:"omitempty,max=5000"`
}

func humanizeHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		var req humanizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}

		doc, err := deps.Store.GetDocument(ctx, docID)
		if errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load document", err, http.StatusInternalServerError)
			return
		}
		if doc.Kind != store.KindHumanize {
			httputil.Fail(deps.Log, w, "document is not a humanize document", nil, http.StatusBadRequest)
			return
		}

		payload := humanizeTaskPayload{
			DocumentID:  docID,
			StyleSample: req.StyleSample,
			ChunkIDs:    parseChunkIDs(req.ChunkIDs),
		}
		body, err := json.Marshal(payload)
		if err != nil {
			failDoc(deps, r, w, "marshal payload failed", err, docID, http.StatusInternalServerError)
			return
		}
		task := queue.Task{Type: queue.TaskTypeHumanize, Payload: body}
		if err := queue.EnqueueWithRetry(ctx, deps.Queue, task, 3, 200*time.Millisecond); err != nil {
			failDoc(deps, r, w, "failed to enqueue job; please retry", err, docID, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document_id": docID.String(),
			"status":      store.StatusProcessing,
		})
	}
}

type reconstructRequest struct {
	ChunkIDs []string `json:"chunk_ids" validate:"required,min=1,dive,uuid4"`
}

func reconstructHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		var req reconstructRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}

		stored, err := deps.Store.ListChunks(r.Context(), docID)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load chunks", err, http.StatusInternalServerError)
			return
		}
		text := chunker.Reconstruct(toChunkerChunks(stored), parseChunkIDs(req.ChunkIDs))
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"document_id": docID.String(),
			"text":        text,
			"word_count":  wordCount(text),
		})
	}
}

type solveRequest struct {
	UserID   string `json:"user_id" validate:"required,uuid4"`
	Question string `json:"question" validate:"required,min=3,max=20000"`
}

func solveHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req solveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}
		userID, _ := uuid.Parse(req.UserID)

		words := wordCount(req.Question)
		remaining, err := deps.Store.DebitTokens(ctx, userID, int64(words))
		if errors.Is(err, store.ErrInsufficientTokens) {
			httputil.Fail(deps.Log, w, "insufficient token balance", err, http.StatusPaymentRequired)
			return
		}
		if errors.Is(err, store.ErrUserNotFound) {
			httputil.Fail(deps.Log, w, "user not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to debit tokens", err, http.StatusInternalServerError)
			return
		}

		doc, err := deps.Store.CreateDocument(ctx, userID, "question", store.KindSolve)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to persist document", err, http.StatusInternalServerError)
			return
		}
		body, err := json.Marshal(solveTaskPayload{DocumentID: doc.ID, Question: req.Question})
		if err != nil {
			failDoc(deps, r, w, "marshal payload failed", err, doc.ID, http.StatusInternalServerError)
			return
		}
		task := queue.Task{Type: queue.TaskTypeSolve, Payload: body}
		if err := queue.EnqueueWithRetry(ctx, deps.Queue, task, 3, 200*time.Millisecond); err != nil {
			failDoc(deps, r, w, "failed to enqueue job; please retry", err, doc.ID, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document_id":   doc.ID.String(),
			"status":        doc.Status,
			"token_balance": remaining,
		})
	}
}

func documentHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		doc, err := deps.Store.GetDocument(r.Context(), docID)
		if errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load document", err, http.StatusInternalServerError)
			return
		}

		resp := map[string]any{
			"document_id": doc.ID.String(),
			"kind":        doc.Kind,
			"status":      doc.Status,
		}
		if doc.Status == store.StatusReady {
			res, err := deps.Store.GetResult(r.Context(), docID)
			if err != nil && !errors.Is(err, store.ErrResultNotFound) {
				httputil.Fail(deps.Log, w, "failed to load result", err, http.StatusInternalServerError)
				return
			}
			if err == nil {
				resp["output"] = res.Output
				resp["detector_score"] = res.DetectorScore
				resp["flagged_chunk_ids"] = res.FlaggedChunkIDs
			}
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

type checkoutRequest struct {
	UserID string `json:"user_id" validate:"required,uuid4"`
	Plan   string `json:"plan" validate:"required"`
}

func checkoutHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Stripe == nil {
			httputil.Fail(deps.Log, w, "stripe checkout is not configured", nil, http.StatusServiceUnavailable)
			return
		}
		var req checkoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}
		userID, _ := uuid.Parse(req.UserID)

		plan, ok := payments.Plans[req.Plan]
		if !ok {
			httputil.Fail(deps.Log, w, "unknown plan", payments.ErrUnknownPlan, http.StatusBadRequest)
			return
		}
		checkout, err := deps.Stripe.CreateCheckout(userID, req.Plan)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to create checkout session", err, http.StatusBadGateway)
			return
		}
		// Pending record up front so the webhook correlates even if it beats
		// the browser redirect. Crediting still works without it.
		if err := deps.Ledger.Record(r.Context(), checkout.SessionID, "stripe", userID, plan.Tokens); err != nil {
			deps.Log.Warn("failed to record pending payment", "session_id", checkout.SessionID, "err", err)
		}
		httputil.WriteJSON(w, http.StatusCreated, map[string]any{
			"session_id":   checkout.SessionID,
			"checkout_url": checkout.URL,
		})
	}
}

func stripeWebhookHandler(deps app.Deps) http.HandlerFunc {
	const maxBodyBytes = 1 << 16

	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Stripe == nil {
			httputil.Fail(deps.Log, w, "stripe checkout is not configured", nil, http.StatusServiceUnavailable)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read webhook body", err, http.StatusBadRequest)
			return
		}
		done, ok, err := deps.Stripe.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			httputil.Fail(deps.Log, w, "webhook verification failed", err, http.StatusBadRequest)
			return
		}
		if !ok {
			httputil.WriteJSON(w, http.StatusOK, map[string]any{"ignored": true})
			return
		}
		creditAndRespond(deps, w, r, done)
	}
}

type paypalCaptureRequest struct {
	OrderID string `json:"order_id" validate:"required,min=1,max=64"`
}

func paypalCaptureHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.PayPal == nil {
			httputil.Fail(deps.Log, w, "paypal capture is not configured", nil, http.StatusServiceUnavailable)
			return
		}
		var req paypalCaptureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}
		done, err := deps.PayPal.CaptureOrder(r.Context(), req.OrderID)
		if errors.Is(err, payments.ErrPaymentNotCompleted) {
			httputil.Fail(deps.Log, w, "payment not completed", err, http.StatusConflict)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to capture order", err, http.StatusBadGateway)
			return
		}
		creditAndRespond(deps, w, r, done)
	}
}

// creditAndRespond runs the exactly-once credit and maps its outcomes.
// Storage failures get a 5xx so the provider redelivers; the ledger makes
// that retry safe.
func creditAndRespond(deps app.Deps, w http.ResponseWriter, r *http.Request, done payments.Completed) {
	res, err := deps.Ledger.CompleteAndCredit(r.Context(), done.SessionID, done.UserID, done.Tokens)
	if errors.Is(err, ledger.ErrUserNotFound) {
		httputil.Fail(deps.Log, w, "user not found", err, http.StatusBadRequest)
		return
	}
	if err != nil {
		httputil.Fail(deps.Log, w, "failed to credit payment", err, http.StatusInternalServerError)
		return
	}
	if res.AlreadyCompleted {
		deps.Log.Info("duplicate payment delivery ignored", "session_id", done.SessionID)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"already_completed": true})
		return
	}
	deps.Log.Info("payment credited", "session_id", done.SessionID, "user_id", done.UserID, "tokens", done.Tokens)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"already_completed": false,
		"token_balance":     res.NewBalance,
	})
}

// failDoc marks the document failed before responding with an error.
func failDoc(deps app.Deps, r *http.Request, w http.ResponseWriter, message string, err error, docID uuid.UUID, status int) {
	log := deps.Log.With("document_id", docID)
	if docID != uuid.Nil {
		if upErr := deps.Store.UpdateDocumentStatus(r.Context(), docID, store.StatusFailed); upErr != nil {
			log.Error("failed to mark document failed", "err", upErr)
		}
	}
	httputil.Fail(log, w, message, err, status)
}

// allowedUpload accepts TXT and PDF by extension; browsers often send a
// generic octet-stream part type, so the declared content type is only a
// fallback for extensionless files.
func allowedUpload(filename, contentType string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".pdf":
		return true
	}
	return contentType == "text/plain" || contentType == "application/pdf"
}

// extractText extracts text from uploaded files, with PDF support.
func extractText(filename string, content []byte, log *slog.Logger) string {
	if strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		text, err := extractPDF(content)
		if err != nil {
			log.Warn("pdf extraction failed, using raw bytes", "err", err, "filename", filename)
			return string(content)
		}
		return text
	}
	// Treat other files as plain text
	return string(content)
}

func extractPDF(content []byte) (string, error) {
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return "", err
	}

	var textBuilder strings.Builder
	numPages := pdfReader.NumPage()

	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := pdfReader.Page(pageNum)
		if page.V.IsNull() || page.V.Key("Contents").Kind() == pdf.Null {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		textBuilder.WriteString(text)
		textBuilder.WriteString("\n")
	}

	return textBuilder.String(), nil
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func parseChunkIDs(ids []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func toStoreChunks(docID uuid.UUID, chunks []chunker.Chunk) []store.Chunk {
	out := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = store.Chunk{
			ID:         c.ID,
			DocumentID: docID,
			Index:      i,
			StartWord:  c.StartWord,
			EndWord:    c.EndWord,
			Text:       c.Content,
		}
	}
	return out
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
