package channel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"convoflow/internal/bus"
	"convoflow/internal/config"
	"convoflow/internal/domain"
	"convoflow/internal/grouping"
)

// WhatsApp receives the WhatsApp Business Cloud API webhook and feeds every
// customer message into the grouping buffer.
type WhatsApp struct {
	cfg      config.WhatsAppConfig
	ingester Ingester
	events   bus.Publisher
	logger   *slog.Logger
	allow    map[string]bool
	mux      *http.ServeMux
}

type WhatsAppChannelConfig struct {
	Config   config.WhatsAppConfig
	Ingester Ingester
	Events   bus.Publisher
	Logger   *slog.Logger
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	w := &WhatsApp{
		cfg:      cfg.Config,
		ingester: cfg.Ingester,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
	if w.events == nil {
		w.events = bus.Nop{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if len(w.cfg.AllowFrom) > 0 {
		w.allow = make(map[string]bool, len(w.cfg.AllowFrom))
		for _, id := range w.cfg.AllowFrom {
			w.allow[id] = true
		}
	}

	webhookPath := w.cfg.WebhookPath
	if webhookPath == "" {
		webhookPath = "/webhook/whatsapp"
	}
	w.mux = http.NewServeMux()
	w.mux.HandleFunc("GET "+webhookPath, w.handleVerification)
	w.mux.HandleFunc("POST "+webhookPath, w.handleIncoming)
	return w
}

// Path is the webhook path the handler serves.
func (w *WhatsApp) Path() string {
	if w.cfg.WebhookPath == "" {
		return "/webhook/whatsapp"
	}
	return w.cfg.WebhookPath
}

// Handler returns the HTTP handler for the WhatsApp webhook (to be mounted on the main mux).
func (w *WhatsApp) Handler() http.Handler {
	return w.mux
}

// --- Webhook handlers ---

// handleVerification handles the WhatsApp webhook verification challenge.
func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && w.cfg.VerifyToken != "" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleIncoming processes incoming WhatsApp messages. Any storage error
// answers 500 so the platform redelivers; redelivered messages are dropped
// by the provider id dedupe.
func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	// Verify signature
	if w.cfg.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !w.verifySignature(body, sig) {
			w.logger.Warn("whatsapp invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	w.events.Emit(bus.Event{
		Type:    bus.EventWebhookReceived,
		Source:  "whatsapp",
		Payload: map[string]any{"entries": len(payload.Entry)},
	})

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if w.allow != nil && !w.allow[msg.From] {
					w.logger.Debug("whatsapp sender not allowed", "from", msg.From)
					continue
				}
				req := w.ingestRequest(change.Value.Metadata.PhoneNumberID, msg)
				if _, err := w.ingester.Ingest(r.Context(), req); err != nil {
					if errors.Is(err, grouping.ErrInvalidMessage) {
						w.logger.Warn("whatsapp message skipped", "id", msg.ID, "err", err)
						continue
					}
					w.logger.Error("whatsapp ingest failed", "id", msg.ID, "err", err)
					http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				w.logger.Info("whatsapp message received", "from", msg.From, "type", msg.Type)
			}
		}
	}

	rw.WriteHeader(http.StatusOK)
}

// ingestRequest maps a webhook message. The conversation is the pair of
// business phone number and customer.
func (w *WhatsApp) ingestRequest(phoneNumberID string, msg waMessage) domain.IngestRequest {
	if phoneNumberID == "" {
		phoneNumberID = w.cfg.PhoneNumberID
	}
	req := domain.IngestRequest{
		TenantID:          w.cfg.TenantID,
		ConversationID:    "wa:" + phoneNumberID + ":" + msg.From,
		CustomerID:        msg.From,
		ProviderMessageID: msg.ID,
		Payload:           messagePayload(msg),
	}
	if ts, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil && ts > 0 {
		req.ReceivedAt = time.Unix(ts, 0).UTC()
	}
	return req
}

// messagePayload converts the typed WhatsApp message body. Media carry the
// Cloud API media id in MediaURL; it is resolved on demand by the responder.
func messagePayload(msg waMessage) domain.Payload {
	var p domain.Payload
	if msg.Context != nil {
		p.QuotedMessageID = msg.Context.ID
	}
	media := func(kind domain.PayloadKind, m *waMedia) domain.Payload {
		p.Kind = kind
		if m != nil {
			p.MediaURL = m.ID
			p.MimeType = m.MimeType
			p.Caption = m.Caption
		}
		return p
	}

	switch msg.Type {
	case "text":
		p.Kind = domain.PayloadText
		if msg.Text != nil {
			p.Text = msg.Text.Body
		}
		return p
	case "image":
		return media(domain.PayloadImage, msg.Image)
	case "video":
		return media(domain.PayloadVideo, msg.Video)
	case "audio":
		return media(domain.PayloadAudio, msg.Audio)
	case "document":
		return media(domain.PayloadFile, msg.Document)
	case "location":
		p.Kind = domain.PayloadLocation
		if l := msg.Location; l != nil {
			p.Text = strconv.FormatFloat(l.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', -1, 64)
			if l.Name != "" {
				p.Caption = l.Name
			}
		}
		return p
	}
	p.Kind = domain.PayloadOther
	p.Text = msg.Type
	return p
}

// verifySignature checks the X-Hub-Signature-256 header.
func (w *WhatsApp) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Metadata         waMetadata  `json:"metadata"`
	Messages         []waMessage `json:"messages"`
}

type waMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type waMessage struct {
	From      string      `json:"from"`
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Type      string      `json:"type"`
	Context   *waContext  `json:"context,omitempty"`
	Text      *waText     `json:"text,omitempty"`
	Image     *waMedia    `json:"image,omitempty"`
	Video     *waMedia    `json:"video,omitempty"`
	Audio     *waMedia    `json:"audio,omitempty"`
	Document  *waMedia    `json:"document,omitempty"`
	Location  *waLocation `json:"location,omitempty"`
}

type waContext struct {
	ID string `json:"id"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type waLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}
