package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"convoflow/internal/domain"
	"convoflow/internal/grouping"
)

// Ingester accepts inbound customer messages (the grouping buffer).
type Ingester interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (domain.GroupAssignment, error)
}

// WebhookConfig configures the generic JSON ingestion webhook used by
// channel layers other than WhatsApp.
type WebhookConfig struct {
	Ingester Ingester
	Secret   string // HMAC secret for verifying webhook signatures (optional)
	Logger   *slog.Logger
}

// Webhook accepts one inbound message per POST.
type Webhook struct {
	ingester Ingester
	secret   string
	logger   *slog.Logger
}

// WebhookPayload is the expected JSON body for webhook requests.
type WebhookPayload struct {
	TenantID          string         `json:"tenant_id"`
	ConversationID    string         `json:"conversation_id"`
	CustomerID        string         `json:"customer_id"`
	ProviderMessageID string         `json:"provider_message_id"`
	ReceivedAt        *time.Time     `json:"received_at,omitempty"`
	Payload           domain.Payload `json:"payload"`
}

// NewWebhook creates a new webhook handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{ingester: cfg.Ingester, secret: cfg.Secret, logger: logger}
}

// ServeHTTP handles POST requests carrying a WebhookPayload.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Verify HMAC signature if secret is configured.
	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	req := domain.IngestRequest{
		TenantID:          payload.TenantID,
		ConversationID:    payload.ConversationID,
		CustomerID:        payload.CustomerID,
		ProviderMessageID: payload.ProviderMessageID,
		Payload:           payload.Payload,
	}
	if payload.ReceivedAt != nil {
		req.ReceivedAt = payload.ReceivedAt.UTC()
	}

	a, err := w.ingester.Ingest(r.Context(), req)
	switch {
	case errors.Is(err, grouping.ErrInvalidMessage):
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		w.logger.Error("webhook ingest failed", "provider_id", req.ProviderMessageID, "err", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.logger.Debug("webhook received",
		"tenant", req.TenantID,
		"conversation", req.ConversationID,
		"kind", req.Payload.Kind,
		"duplicate", a.Duplicate,
	)

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(a)
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
