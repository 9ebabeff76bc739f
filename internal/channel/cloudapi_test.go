package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"convoflow/internal/config"
	"convoflow/internal/domain"

	"github.com/sony/gobreaker"
)

// fakeGraph records Cloud API requests and answers with status.
type fakeGraph struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
	status int
}

func (f *fakeGraph) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	f.bodies = append(f.bodies, body)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	if r.URL.Path != "/PN1/messages" {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	if f.status != 0 {
		rw.WriteHeader(f.status)
		rw.Write([]byte(`{"error":{"message":"nope"}}`))
		return
	}
	rw.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
}

func (f *fakeGraph) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func newTestSender(t *testing.T, graph *fakeGraph, breaker config.BreakerConfig) *CloudSender {
	t.Helper()
	srv := httptest.NewServer(graph)
	t.Cleanup(srv.Close)
	return NewCloudSender(config.WhatsAppConfig{
		APIBase:       srv.URL,
		AccessToken:   "EAAG",
		PhoneNumberID: "PN1",
		Breaker:       breaker,
	}, 5*time.Second, testWebhookLogger())
}

func TestCloudSender_SendsEachPayload(t *testing.T) {
	graph := &fakeGraph{}
	s := newTestSender(t, graph, config.BreakerConfig{})

	err := s.Send(context.Background(), domain.OutboundBatch{
		IdempotencyKey: "exec:e1:0",
		CustomerID:     "5215512345678",
		Payloads: []domain.OutboundPayload{
			{Kind: domain.PayloadText, Text: "Hola"},
			{Kind: domain.PayloadImage, MediaURL: "https://cdn.example.com/u1.png", Caption: "Nuevo"},
			{Kind: domain.PayloadAudio, MediaURL: "https://cdn.example.com/a.ogg", Caption: "ignored"},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(graph.bodies) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(graph.bodies))
	}
	if graph.auth[0] != "Bearer EAAG" {
		t.Errorf("unexpected auth header %q", graph.auth[0])
	}

	text := graph.bodies[0]
	if text["type"] != "text" || text["to"] != "5215512345678" {
		t.Errorf("unexpected text body %v", text)
	}
	img := graph.bodies[1]["image"].(map[string]any)
	if img["link"] != "https://cdn.example.com/u1.png" || img["caption"] != "Nuevo" {
		t.Errorf("unexpected image body %v", img)
	}
	audio := graph.bodies[2]["audio"].(map[string]any)
	if _, ok := audio["caption"]; ok {
		t.Error("audio messages do not carry captions")
	}
}

func TestCloudSender_ClientErrorIsPermanent(t *testing.T) {
	graph := &fakeGraph{status: http.StatusBadRequest}
	s := newTestSender(t, graph, config.BreakerConfig{})

	err := s.Send(context.Background(), domain.OutboundBatch{
		CustomerID: "1", Payloads: []domain.OutboundPayload{{Kind: domain.PayloadText, Text: "x"}},
	})
	if !errors.Is(err, domain.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestCloudSender_ServerErrorIsTransient(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
		graph := &fakeGraph{status: status}
		s := newTestSender(t, graph, config.BreakerConfig{})
		err := s.Send(context.Background(), domain.OutboundBatch{
			CustomerID: "1", Payloads: []domain.OutboundPayload{{Kind: domain.PayloadText, Text: "x"}},
		})
		if err == nil || errors.Is(err, domain.ErrPermanent) {
			t.Fatalf("status %d: expected transient error, got %v", status, err)
		}
	}
}

func TestCloudSender_BreakerOpensAfterFailures(t *testing.T) {
	graph := &fakeGraph{status: http.StatusServiceUnavailable}
	s := newTestSender(t, graph, config.BreakerConfig{MaxFailures: 2, OpenSeconds: 60})
	batch := domain.OutboundBatch{
		CustomerID: "1", Payloads: []domain.OutboundPayload{{Kind: domain.PayloadText, Text: "x"}},
	}

	for i := 0; i < 2; i++ {
		if err := s.Send(context.Background(), batch); err == nil {
			t.Fatal("expected failure")
		}
	}
	err := s.Send(context.Background(), batch)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if graph.count() != 2 {
		t.Fatalf("open breaker must not reach the API, got %d calls", graph.count())
	}
}

func TestCloudSender_PermanentErrorsDoNotTripBreaker(t *testing.T) {
	graph := &fakeGraph{status: http.StatusBadRequest}
	s := newTestSender(t, graph, config.BreakerConfig{MaxFailures: 1, OpenSeconds: 60})
	batch := domain.OutboundBatch{
		CustomerID: "1", Payloads: []domain.OutboundPayload{{Kind: domain.PayloadText, Text: "x"}},
	}
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), batch); !errors.Is(err, domain.ErrPermanent) {
			t.Fatalf("call %d: expected permanent error, got %v", i, err)
		}
	}
	if graph.count() != 3 {
		t.Fatalf("expected 3 calls, got %d", graph.count())
	}
}

func TestCloudMessage_UnsupportedKind(t *testing.T) {
	_, err := cloudMessage("1", domain.OutboundPayload{Kind: domain.PayloadLocation})
	if !errors.Is(err, domain.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestCloudSender_ThrottleStopsAtDeadline(t *testing.T) {
	graph := &fakeGraph{}
	s := newTestSender(t, graph, config.BreakerConfig{})
	s.throttle = newThrottle(0.01, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, domain.OutboundBatch{
		IdempotencyKey: "exec:e2:0",
		CustomerID:     "5215512345678",
		Payloads: []domain.OutboundPayload{
			{Kind: domain.PayloadText, Text: "uno"},
			{Kind: domain.PayloadText, Text: "dos"},
		},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if graph.count() != 1 {
		t.Fatalf("expected only the burst to go out, got %d requests", graph.count())
	}
}

func TestNewCloudSender_ThrottleFromConfig(t *testing.T) {
	s := NewCloudSender(config.WhatsAppConfig{PhoneNumberID: "PN1", MessagesPerSecond: 20, Burst: 5}, time.Second, testWebhookLogger())
	if s.throttle == nil || s.throttle.burst != 5 {
		t.Fatalf("expected throttle with burst 5, got %+v", s.throttle)
	}
	s = NewCloudSender(config.WhatsAppConfig{PhoneNumberID: "PN1"}, time.Second, testWebhookLogger())
	if s.throttle != nil {
		t.Fatal("zero rate must disable the throttle")
	}
}
