package channel

import (
	"context"
	"fmt"
	"time"

	"convoflow/internal/config"
	"convoflow/internal/domain"

	"github.com/go-resty/resty/v2"
)

// HTTPResponder posts grouped turns to the automated agent. The group's
// idempotency key travels in the Idempotency-Key header so the agent can drop
// a turn it already handled.
type HTTPResponder struct {
	httpClient *resty.Client
	url        string
}

// NewHTTPResponder creates a Resty-backed responder client.
func NewHTTPResponder(cfg config.EndpointConfig) *HTTPResponder {
	return &HTTPResponder{httpClient: newEndpointClient(cfg), url: cfg.URL}
}

// HandleTurn implements domain.Responder.
func (c *HTTPResponder) HandleTurn(ctx context.Context, turn domain.Turn) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", turn.IdempotencyKey).
		SetBody(turn).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	if err := classify(resp); err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	return nil
}

// HTTPGenerator asks an external service for the messages of an ai_function step.
type HTTPGenerator struct {
	httpClient *resty.Client
	url        string
}

// NewHTTPGenerator creates a Resty-backed generator client.
func NewHTTPGenerator(cfg config.EndpointConfig) *HTTPGenerator {
	return &HTTPGenerator{httpClient: newEndpointClient(cfg), url: cfg.URL}
}

type generateResponse struct {
	Messages []domain.OutboundPayload `json:"messages"`
}

// Generate implements domain.Generator.
func (c *HTTPGenerator) Generate(ctx context.Context, req domain.GenerateRequest) ([]domain.OutboundPayload, error) {
	var out generateResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", fmt.Sprintf("exec:%s:%d", req.ExecutionID, req.StepIndex)).
		SetBody(req).
		SetResult(&out).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	if err := classify(resp); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	for i, p := range out.Messages {
		if p.Kind == "" {
			return nil, fmt.Errorf("%w: generator message %d has no kind", domain.ErrPermanent, i)
		}
	}
	return out.Messages, nil
}

func newEndpointClient(cfg config.EndpointConfig) *resty.Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return c
}
