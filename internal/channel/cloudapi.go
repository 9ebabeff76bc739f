package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"convoflow/internal/config"
	"convoflow/internal/domain"
	"convoflow/internal/metrics"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

// CloudSender delivers outbound batches through the WhatsApp Cloud API. One
// request is made per payload, in order. Calls go through a circuit breaker
// so an API outage fails fast instead of tying up executor slots.
type CloudSender struct {
	httpClient    *resty.Client
	phoneNumberID string
	breaker       *gobreaker.CircuitBreaker
	throttle      *throttle
	logger        *slog.Logger
}

// NewCloudSender creates a sender for the configured phone number.
func NewCloudSender(cfg config.WhatsAppConfig, timeout time.Duration, logger *slog.Logger) *CloudSender {
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.APIBase
	if base == "" {
		base = "https://graph.facebook.com/v21.0"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxFailures := uint32(cfg.Breaker.MaxFailures)
	if maxFailures == 0 {
		maxFailures = 5
	}
	open := time.Duration(cfg.Breaker.OpenSeconds) * time.Second
	if open <= 0 {
		open = 30 * time.Second
	}

	s := &CloudSender{
		httpClient: resty.New().
			SetBaseURL(base).
			SetHeader("Content-Type", "application/json").
			SetAuthToken(cfg.AccessToken).
			SetTimeout(timeout),
		phoneNumberID: cfg.PhoneNumberID,
		throttle:      newThrottle(cfg.MessagesPerSecond, cfg.Burst),
		logger:        logger,
	}
	s.breaker = newBreaker("whatsapp", maxFailures, open, logger)
	return s
}

// newBreaker opens after maxFailures consecutive transient failures. Permanent
// errors are the caller's fault and do not count against the API.
func newBreaker(name string, maxFailures uint32, open time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker {
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrPermanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// Send implements domain.Sender.
func (s *CloudSender) Send(ctx context.Context, batch domain.OutboundBatch) error {
	for i, p := range batch.Payloads {
		body, err := cloudMessage(batch.CustomerID, p)
		if err != nil {
			return err
		}
		if err := s.throttle.Wait(ctx); err != nil {
			return fmt.Errorf("whatsapp send %s payload %d: %w", batch.IdempotencyKey, i, err)
		}
		_, err = s.breaker.Execute(func() (interface{}, error) {
			return nil, s.post(ctx, body)
		})
		if err != nil {
			return fmt.Errorf("whatsapp send %s payload %d: %w", batch.IdempotencyKey, i, err)
		}
	}
	s.logger.Debug("whatsapp batch sent", "key", batch.IdempotencyKey, "to", batch.CustomerID, "payloads", len(batch.Payloads))
	return nil
}

func (s *CloudSender) post(ctx context.Context, body map[string]any) error {
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		Post("/" + s.phoneNumberID + "/messages")
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return classify(resp)
}

// cloudMessage builds the Cloud API request body for one payload.
func cloudMessage(to string, p domain.OutboundPayload) (map[string]any, error) {
	msg := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	media := func(typ string, withCaption bool) map[string]any {
		m := map[string]any{"link": p.MediaURL}
		if withCaption && p.Caption != "" {
			m["caption"] = p.Caption
		}
		msg["type"] = typ
		msg[typ] = m
		return msg
	}

	switch p.Kind {
	case domain.PayloadText:
		msg["type"] = "text"
		msg["text"] = map[string]any{"body": p.Text}
		return msg, nil
	case domain.PayloadImage:
		return media("image", true), nil
	case domain.PayloadVideo:
		return media("video", true), nil
	case domain.PayloadAudio:
		return media("audio", false), nil
	case domain.PayloadFile:
		return media("document", true), nil
	}
	return nil, fmt.Errorf("%w: unsupported outbound payload kind %q", domain.ErrPermanent, p.Kind)
}

// classify maps an HTTP response to nil, a transient error or a permanent
// one. Rate limiting and server errors are worth retrying; any other 4xx is not.
func classify(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	code := resp.StatusCode()
	err := fmt.Errorf("http %d: %s", code, truncate(resp.String(), 300))
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		return fmt.Errorf("%w: %w", domain.ErrPermanent, err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
