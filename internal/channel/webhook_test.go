package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"convoflow/internal/domain"
	"convoflow/internal/grouping"
)

func testWebhookLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingIngester stands in for the grouping buffer.
type recordingIngester struct {
	mu   sync.Mutex
	reqs []domain.IngestRequest
	err  error
}

func (r *recordingIngester) Ingest(_ context.Context, req domain.IngestRequest) (domain.GroupAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.GroupAssignment{}, r.err
	}
	r.reqs = append(r.reqs, req)
	return domain.GroupAssignment{MessageID: int64(len(r.reqs)), GroupID: "g1", Seq: int64(len(r.reqs))}, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMAC_Valid(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"content":"hello"}`)

	if !verifyHMAC(body, secret, sign(secret, body)) {
		t.Error("valid HMAC should verify")
	}
}

func TestVerifyHMAC_Invalid(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
}

func TestVerifyHMAC_Empty(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestWebhookPayload_Unmarshal(t *testing.T) {
	data := `{"tenant_id":"shop","conversation_id":"c1","customer_id":"u1","provider_message_id":"m1",
		"payload":{"kind":"text","text":"hello"}}`
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Payload.Text != "hello" {
		t.Errorf("expected hello, got %s", payload.Payload.Text)
	}
	if payload.Payload.Kind != domain.PayloadText {
		t.Errorf("expected text, got %s", payload.Payload.Kind)
	}
}

func TestWebhook_Accepts(t *testing.T) {
	ing := &recordingIngester{}
	wh := NewWebhook(WebhookConfig{Ingester: ing, Logger: testWebhookLogger()})

	body := []byte(`{"tenant_id":"shop","conversation_id":"c1","customer_id":"u1","provider_message_id":"m1",
		"received_at":"2026-03-02T10:00:00Z","payload":{"kind":"text","text":"hola"}}`)
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ing.reqs) != 1 {
		t.Fatalf("expected 1 ingest, got %d", len(ing.reqs))
	}
	if ing.reqs[0].ReceivedAt.Hour() != 10 {
		t.Errorf("received_at not mapped: %v", ing.reqs[0].ReceivedAt)
	}
	var a domain.GroupAssignment
	if err := json.NewDecoder(rec.Body).Decode(&a); err != nil || a.GroupID != "g1" {
		t.Errorf("unexpected response %+v, err %v", a, err)
	}
}

func TestWebhook_Signature(t *testing.T) {
	ing := &recordingIngester{}
	wh := NewWebhook(WebhookConfig{Ingester: ing, Secret: "s3cret", Logger: testWebhookLogger()})
	body := []byte(`{"tenant_id":"shop","conversation_id":"c1","customer_id":"u1","provider_message_id":"m1","payload":{"kind":"text"}}`)

	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", sign("wrong", body))
	rec = httptest.NewRecorder()
	wh.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad signature: expected 403, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", sign("s3cret", body))
	rec = httptest.NewRecorder()
	wh.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("good signature: expected 202, got %d", rec.Code)
	}
}

func TestWebhook_Errors(t *testing.T) {
	cases := []struct {
		name   string
		method string
		body   string
		err    error
		want   int
	}{
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", nil, http.StatusBadRequest},
		{"invalid message", http.MethodPost, `{}`, fmt.Errorf("%w: missing tenant_id", grouping.ErrInvalidMessage), http.StatusBadRequest},
		{"store failure", http.MethodPost, `{}`, fmt.Errorf("database is locked"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wh := NewWebhook(WebhookConfig{Ingester: &recordingIngester{err: tc.err}, Logger: testWebhookLogger()})
			rec := httptest.NewRecorder()
			wh.ServeHTTP(rec, httptest.NewRequest(tc.method, "/api/ingest", bytes.NewReader([]byte(tc.body))))
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
