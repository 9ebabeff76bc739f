package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"convoflow/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemLedger() *memLedger { return &memLedger{keys: map[string]string{}} }

func (m *memLedger) DeliveryRecorded(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *memLedger) RecordDelivery(_ context.Context, key, scope string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = scope
	return nil
}

func testDeliverer(l Ledger, retries int) *Deliverer {
	return New(l, Config{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		AttemptTimeout:  time.Second,
		Logger:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

func TestOnce_RunsOnlyOncePerKey(t *testing.T) {
	l := newMemLedger()
	d := testDeliverer(l, 3)
	calls := 0
	fn := func(context.Context) error { calls++; return nil }

	ran, err := d.Once(context.Background(), Request{Key: "group:g1", Scope: "group", Target: "responder"}, fn)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = d.Once(context.Background(), Request{Key: "group:g1", Scope: "group", Target: "responder"}, fn)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "group", l.keys["group:g1"])
}

func TestOnce_RetriesTransientErrors(t *testing.T) {
	l := newMemLedger()
	d := testDeliverer(l, 3)
	calls := 0
	ran, err := d.Once(context.Background(), Request{Key: "k", Target: "sender"}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 from provider")
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 3, calls)
}

func TestOnce_GivesUpAfterMaxRetries(t *testing.T) {
	l := newMemLedger()
	d := testDeliverer(l, 2)
	calls := 0
	_, err := d.Once(context.Background(), Request{Key: "k", Target: "sender"}, func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	recorded, _ := l.DeliveryRecorded(context.Background(), "k")
	assert.False(t, recorded)
}

func TestOnce_PermanentErrorStops(t *testing.T) {
	d := testDeliverer(newMemLedger(), 5)
	calls := 0
	_, err := d.Once(context.Background(), Request{Key: "k", Target: "sender"}, func(context.Context) error {
		calls++
		return fmt.Errorf("media url rejected: %w", domain.ErrPermanent)
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestOnce_AttemptTimeout(t *testing.T) {
	d := New(newMemLedger(), Config{
		MaxRetries:      -1,
		InitialInterval: time.Millisecond,
		AttemptTimeout:  20 * time.Millisecond,
	})
	_, err := d.Once(context.Background(), Request{Key: "k", Target: "responder"}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
