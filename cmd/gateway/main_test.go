package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"

	"textforge/internal/app"
	"textforge/internal/config"
	"textforge/internal/ledger"
	"textforge/internal/payments"
	"textforge/internal/queue"
	"textforge/internal/store"
)

const testWebhookSecret = "whsec_test_secret"

func newTestDeps(t *testing.T) (app.Deps, *store.MockStore, *ledger.MockLedger, *queue.MockQueue) {
	t.Helper()
	st := new(store.MockStore)
	led := new(ledger.MockLedger)
	q := new(queue.MockQueue)
	stripeClient, err := payments.NewStripe("sk_test_key", testWebhookSecret, "https://example.com/ok", "https://example.com/cancel")
	require.NoError(t, err)

	deps := app.Deps{
		Config: config.Config{
			MaxUploadSize: 10 << 20,
			ChunkWindow:   300,
			ChunkOverlap:  50,
		},
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  st,
		Ledger: led,
		Queue:  q,
		Stripe: stripeClient,
	}
	return deps, st, led, q
}

func newRouter(deps app.Deps) *chi.Mux {
	r := chi.NewRouter()
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
	return r
}

func multipartUpload(t *testing.T, userID uuid.UUID, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("user_id", userID.String()))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadDebitsAndChunks(t *testing.T) {
	deps, st, _, _ := newTestDeps(t)
	userID := uuid.New()
	docID := uuid.New()

	// 650 words split with W=300/O=50 into chunks starting at 0, 250, 500.
	text := strings.TrimSpace(strings.Repeat("word ", 650))

	st.On("DebitTokens", mock.Anything, userID, int64(650)).Return(int64(350), nil)
	st.On("CreateDocument", mock.Anything, userID, "essay.txt", store.KindHumanize).
		Return(store.Document{ID: docID, UserID: userID, Status: store.StatusProcessing}, nil)
	st.On("SaveChunks", mock.Anything, docID, mock.MatchedBy(func(chunks []store.Chunk) bool {
		return len(chunks) == 3 && chunks[1].StartWord == 250 && chunks[2].EndWord == 649
	})).Return(nil)

	body, contentType := multipartUpload(t, userID, "essay.txt", text)
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		DocumentID   string           `json:"document_id"`
		WordCount    int              `json:"word_count"`
		Chunks       []map[string]any `json:"chunks"`
		TokenBalance int64            `json:"token_balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, docID.String(), resp.DocumentID)
	assert.Equal(t, 650, resp.WordCount)
	assert.Len(t, resp.Chunks, 3)
	assert.Equal(t, int64(350), resp.TokenBalance)
	st.AssertExpectations(t)
}

func TestUploadInsufficientTokens(t *testing.T) {
	deps, st, _, _ := newTestDeps(t)
	userID := uuid.New()

	st.On("DebitTokens", mock.Anything, userID, int64(3)).
		Return(int64(0), store.ErrInsufficientTokens)

	body, contentType := multipartUpload(t, userID, "essay.txt", "three short words")
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	st.AssertNotCalled(t, "CreateDocument", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	body, contentType := multipartUpload(t, uuid.New(), "malware.exe", "binary")
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadEmptyDocument(t *testing.T) {
	deps, st, _, _ := newTestDeps(t)
	body, contentType := multipartUpload(t, uuid.New(), "blank.txt", "   \n\t  ")
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	st.AssertNotCalled(t, "DebitTokens", mock.Anything, mock.Anything, mock.Anything)
}

func TestHumanizeEnqueuesTask(t *testing.T) {
	deps, st, _, q := newTestDeps(t)
	docID := uuid.New()
	chunkID := uuid.New()

	st.On("GetDocument", mock.Anything, docID).
		Return(store.Document{ID: docID, Kind: store.KindHumanize, Status: store.StatusProcessing}, nil)
	q.On("Enqueue", mock.Anything, mock.MatchedBy(func(task queue.Task) bool {
		if task.Type != queue.TaskTypeHumanize {
			return false
		}
		var p humanizeTaskPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return false
		}
		return p.DocumentID == docID && len(p.ChunkIDs) == 1 && p.ChunkIDs[0] == chunkID
	})).Return(nil)

	payload := fmt.Sprintf(`{"chunk_ids":[%q],"style_sample":"my own writing"}`, chunkID.String())
	req := httptest.NewRequest(http.MethodPost, "/api/documents/"+docID.String()+"/humanize", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	q.AssertExpectations(t)
}

func TestHumanizeDocumentNotFound(t *testing.T) {
	deps, st, _, _ := newTestDeps(t)
	docID := uuid.New()
	st.On("GetDocument", mock.Anything, docID).
		Return(store.Document{}, store.ErrDocumentNotFound)

	req := httptest.NewRequest(http.MethodPost, "/api/documents/"+docID.String()+"/humanize", strings.NewReader(`{"chunk_ids":[]}`))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHumanizeMarksFailedWhenEnqueueFails(t *testing.T) {
	deps, st, _, q := newTestDeps(t)
	docID := uuid.New()

	st.On("GetDocument", mock.Anything, docID).
		Return(store.Document{ID: docID, Kind: store.KindHumanize}, nil)
	q.On("Enqueue", mock.Anything, mock.Anything).Return(fmt.Errorf("nats down"))
	st.On("UpdateDocumentStatus", mock.Anything, docID, store.StatusFailed).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/documents/"+docID.String()+"/humanize", strings.NewReader(`{"chunk_ids":[]}`))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	st.AssertExpectations(t)
}

func TestReconstructSplicesOverlap(t *testing.T) {
	deps, st, _, _ := newTestDeps(t)
	docID := uuid.New()
	c1 := store.Chunk{ID: uuid.New(), DocumentID: docID, Index: 0, StartWord: 0, EndWord: 3, Text: "w0 w1 w2 w3"}
	c2 := store.Chunk{ID: uuid.New(), DocumentID: docID, Index: 1, StartWord: 2, EndWord: 5, Text: "w2 w3 w4 w5"}
	st.On("ListChunks", mock.Anything, docID).Return([]store.Chunk{c1, c2}, nil)

	payload := fmt.Sprintf(`{"chunk_ids":[%q,%q]}`, c1.ID.String(), c2.ID.String())
	req := httptest.NewRequest(http.MethodPost, "/api/documents/"+docID.String()+"/reconstruct", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Text      string `json:"text"`
		WordCount int    `json:"word_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "w0 w1 w2 w3 w4 w5", resp.Text)
	assert.Equal(t, 6, resp.WordCount)
}

func TestSolveDebitsAndEnqueues(t *testing.T) {
	deps, st, _, q := newTestDeps(t)
	userID := uuid.New()
	docID := uuid.New()

	st.On("DebitTokens", mock.Anything, userID, int64(6)).Return(int64(94), nil)
	st.On("CreateDocument", mock.Anything, userID, "question", store.KindSolve).
		Return(store.Document{ID: docID, UserID: userID, Kind: store.KindSolve, Status: store.StatusProcessing}, nil)
	q.On("Enqueue", mock.Anything, mock.MatchedBy(func(task queue.Task) bool {
		var p solveTaskPayload
		return task.Type == queue.TaskTypeSolve &&
			json.Unmarshal(task.Payload, &p) == nil &&
			p.DocumentID == docID &&
			strings.Contains(p.Question, "derivative")
	})).Return(nil)

	payload := fmt.Sprintf(`{"user_id":%q,"question":"what is the derivative of x squared"}`, userID.String())
	req := httptest.NewRequest(http.MethodPost, "/api/solve", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	st.AssertExpectations(t)
	q.AssertExpectations(t)
}

func TestSolveRejectsMissingQuestion(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	payload := fmt.Sprintf(`{"user_id":%q,"question":""}`, uuid.New().String())
	req := httptest.NewRequest(http.MethodPost, "/api/solve", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentIncludesResultWhenReady(t *testing.T) {
	deps, st, _, _ := newTestDeps(t)
	docID := uuid.New()
	flagged := uuid.New().String()

	st.On("GetDocument", mock.Anything, docID).
		Return(store.Document{ID: docID, Kind: store.KindHumanize, Status: store.StatusReady}, nil)
	st.On("GetResult", mock.Anything, docID).
		Return(store.Result{DocumentID: docID, Output: "rewritten text", DetectorScore: 0.12, FlaggedChunkIDs: []string{flagged}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/"+docID.String(), nil)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rewritten text", resp["output"])
	assert.InDelta(t, 0.12, resp["detector_score"], 1e-6)
}

func TestBalanceUnknownUser(t *testing.T) {
	deps, st, _, _ := newTestDeps(t)
	userID := uuid.New()
	st.On("GetBalance", mock.Anything, userID).Return(int64(0), store.ErrUserNotFound)

	req := httptest.NewRequest(http.MethodGet, "/api/users/"+userID.String()+"/balance", nil)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutUnknownPlan(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	payload := fmt.Sprintf(`{"user_id":%q,"plan":"platinum"}`, uuid.New().String())
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func signedStripeEvent(t *testing.T, eventType, dataObject string) ([]byte, string) {
	t.Helper()
	payload := fmt.Sprintf(`{"id":"evt_1","type":%q,"data":{"object":%s}}`, eventType, dataObject)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestStripeWebhookCreditsPayment(t *testing.T) {
	deps, _, led, _ := newTestDeps(t)
	userID := uuid.New()
	tokens := payments.Plans["pro"].Tokens

	led.On("CompleteAndCredit", mock.Anything, "cs_test_1", userID, tokens).
		Return(ledger.Result{AlreadyCompleted: false, NewBalance: tokens}, nil)

	obj := fmt.Sprintf(`{"id":"cs_test_1","client_reference_id":%q,"metadata":{"plan":"pro","user_id":%q}}`,
		userID.String(), userID.String())
	payload, sig := signedStripeEvent(t, "checkout.session.completed", obj)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		AlreadyCompleted bool  `json:"already_completed"`
		TokenBalance     int64 `json:"token_balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.AlreadyCompleted)
	assert.Equal(t, tokens, resp.TokenBalance)
	led.AssertExpectations(t)
}

func TestStripeWebhookDuplicateDelivery(t *testing.T) {
	deps, _, led, _ := newTestDeps(t)
	userID := uuid.New()

	led.On("CompleteAndCredit", mock.Anything, "cs_test_1", userID, payments.Plans["starter"].Tokens).
		Return(ledger.Result{AlreadyCompleted: true}, nil)

	obj := fmt.Sprintf(`{"id":"cs_test_1","client_reference_id":%q,"metadata":{"plan":"starter","user_id":%q}}`,
		userID.String(), userID.String())
	payload, sig := signedStripeEvent(t, "checkout.session.completed", obj)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"already_completed": true`)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	deps, _, led, _ := newTestDeps(t)
	payload, _ := signedStripeEvent(t, "checkout.session.completed", `{"id":"cs_1"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	led.AssertNotCalled(t, "CompleteAndCredit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStripeWebhookIgnoresOtherEvents(t *testing.T) {
	deps, _, led, _ := newTestDeps(t)
	payload, sig := signedStripeEvent(t, "payment_intent.created", `{"id":"pi_1"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ignored": true`)
	led.AssertNotCalled(t, "CompleteAndCredit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStripeWebhookStorageErrorIs5xx(t *testing.T) {
	deps, _, led, _ := newTestDeps(t)
	userID := uuid.New()

	led.On("CompleteAndCredit", mock.Anything, "cs_test_1", userID, payments.Plans["starter"].Tokens).
		Return(ledger.Result{}, fmt.Errorf("connection refused"))

	obj := fmt.Sprintf(`{"id":"cs_test_1","client_reference_id":%q,"metadata":{"plan":"starter","user_id":%q}}`,
		userID.String(), userID.String())
	payload, sig := signedStripeEvent(t, "checkout.session.completed", obj)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	// 5xx makes Stripe redeliver; the ledger makes the retry safe.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStripeWebhookUnknownUser(t *testing.T) {
	deps, _, led, _ := newTestDeps(t)
	userID := uuid.New()

	led.On("CompleteAndCredit", mock.Anything, "cs_test_1", userID, payments.Plans["starter"].Tokens).
		Return(ledger.Result{}, ledger.ErrUserNotFound)

	obj := fmt.Sprintf(`{"id":"cs_test_1","client_reference_id":%q,"metadata":{"plan":"starter","user_id":%q}}`,
		userID.String(), userID.String())
	payload, sig := signedStripeEvent(t, "checkout.session.completed", obj)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayPalCaptureCredits(t *testing.T) {
	deps, _, led, _ := newTestDeps(t)
	userID := uuid.New()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token-abc"}`))
	})
	mux.HandleFunc("/v2/checkout/orders/order-9/capture", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"order-9","status":"COMPLETED","purchase_units":[{"custom_id":"%s|bulk"}]}`, userID.String())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	paypalClient, err := payments.NewPayPal("client-id", "client-secret", srv.URL)
	require.NoError(t, err)
	deps.PayPal = paypalClient

	led.On("CompleteAndCredit", mock.Anything, "paypal:order-9", userID, payments.Plans["bulk"].Tokens).
		Return(ledger.Result{NewBalance: payments.Plans["bulk"].Tokens}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/paypal/capture", strings.NewReader(`{"order_id":"order-9"}`))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	led.AssertExpectations(t)
}

func TestPayPalCaptureUnconfigured(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	deps.PayPal = nil

	req := httptest.NewRequest(http.MethodPost, "/api/payments/paypal/capture", strings.NewReader(`{"order_id":"order-1"}`))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateUser(t *testing.T) {
	deps, st, _, _ := newTestDeps(t)
	userID := uuid.New()
	st.On("CreateUser", mock.Anything, "a@b.com").
		Return(store.User{ID: userID, Email: "a@b.com", TokenBalance: 500}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"email":"a@b.com"}`))
	rec := httptest.NewRecorder()
	newRouter(deps).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), userID.String())
}
