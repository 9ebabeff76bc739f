package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"convoflow/internal/delivery"
	"convoflow/internal/domain"
	"convoflow/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingResponder struct {
	mu    sync.Mutex
	turns []domain.Turn
	fail  func(turn domain.Turn, call int) error
	calls int
}

func (r *recordingResponder) HandleTurn(_ context.Context, turn domain.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		if err := r.fail(turn, r.calls); err != nil {
			return err
		}
	}
	r.turns = append(r.turns, turn)
	return nil
}

func (r *recordingResponder) delivered() []domain.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Turn(nil), r.turns...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newDispatcher(s *store.Store, r domain.Responder, clock *fakeClock) *Dispatcher {
	return New(Config{
		Store:     s,
		Responder: r,
		Deliverer: delivery.New(s, delivery.Config{
			MaxRetries:      -1,
			InitialInterval: time.Millisecond,
			Logger:          testLogger(),
		}),
		Logger:               testLogger(),
		Now:                  clock.Now,
		DefaultBufferSeconds: 5,
		LeaseTimeout:         time.Minute,
		Workers:              4,
		MaxAttempts:          3,
	})
}

func ingest(t *testing.T, s *store.Store, conv, id string, at time.Time) domain.GroupAssignment {
	t.Helper()
	a, err := s.Ingest(context.Background(), domain.IngestRequest{
		TenantID: "shop", ConversationID: conv, CustomerID: "cust-" + conv, ProviderMessageID: id,
		Payload: domain.Payload{Kind: domain.PayloadText, Text: id}, ReceivedAt: at,
	}, at)
	require.NoError(t, err)
	return a
}

func TestDispatcher_DeliversTurnInSequenceOrder(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0}
	r := &recordingResponder{}
	d := newDispatcher(s, r, clock)
	ctx := context.Background()

	a := ingest(t, s, "c1", "m1", t0)
	ingest(t, s, "c1", "m2", t0.Add(time.Second))
	ingest(t, s, "c1", "m3", t0.Add(2*time.Second))

	clock.Advance(6 * time.Second)
	require.NoError(t, d.Tick(ctx))
	assert.Empty(t, r.delivered(), "window not elapsed")

	clock.Advance(time.Second)
	require.NoError(t, d.Tick(ctx))

	turns := r.delivered()
	require.Len(t, turns, 1)
	assert.Equal(t, TurnKey(a.GroupID), turns[0].IdempotencyKey)
	var texts []string
	for _, m := range turns[0].Messages {
		texts = append(texts, m.Payload.Text)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, texts)

	g, err := s.GetGroup(ctx, a.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupDispatched, g.State)
}

func TestDispatcher_GroupsOfOneConversationStayOrdered(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0}
	var order []string
	r := &recordingResponder{}
	d := newDispatcher(s, r, clock)
	ctx := context.Background()

	first := ingest(t, s, "c1", "m1", t0)
	clock.Advance(10 * time.Second)
	claimed, err := d.PollReadyGroups(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	second := ingest(t, s, "c1", "m2", clock.Now())
	clock.Advance(10 * time.Second)

	// The first group is still claimed, so the second one must wait.
	more, err := d.PollReadyGroups(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, more)

	require.NoError(t, d.DeliverAndAck(ctx, claimed[0]))
	require.NoError(t, d.Tick(ctx))

	for _, turn := range r.delivered() {
		order = append(order, turn.GroupID)
	}
	assert.Equal(t, []string{first.GroupID, second.GroupID}, order)
}

func TestDispatcher_ConcurrentWorkersDeliverOnce(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0}
	r := &recordingResponder{}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ingest(t, s, fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i), t0)
	}
	clock.Advance(time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := newDispatcher(s, r, clock)
			for i := 0; i < 3; i++ {
				if err := d.Tick(ctx); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	turns := r.delivered()
	assert.Len(t, turns, 10)
	seen := map[string]bool{}
	for _, turn := range turns {
		assert.False(t, seen[turn.GroupID], "group %s delivered twice", turn.GroupID)
		seen[turn.GroupID] = true
	}
}

func TestDispatcher_RedeliveryIsNoop(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0}
	r := &recordingResponder{}
	d := newDispatcher(s, r, clock)
	ctx := context.Background()

	ingest(t, s, "c1", "m1", t0)
	clock.Advance(time.Minute)
	claimed, err := d.PollReadyGroups(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, d.DeliverAndAck(ctx, claimed[0]))
	require.NoError(t, d.DeliverAndAck(ctx, claimed[0]))
	assert.Equal(t, 1, r.calls)
}

func TestDispatcher_LeaseLost(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0}
	r := &recordingResponder{}
	d := newDispatcher(s, r, clock)
	ctx := context.Background()

	ingest(t, s, "c1", "m1", t0)
	clock.Advance(time.Minute)
	claimed, err := d.PollReadyGroups(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	stale := claimed[0]
	stale.LeaseToken = "expired-lease"
	assert.ErrorIs(t, d.DeliverAndAck(ctx, stale), domain.ErrLeaseLost)
	assert.Zero(t, r.calls)
}

func TestDispatcher_RetriesAfterLeaseExpiry(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0}
	r := &recordingResponder{fail: func(_ domain.Turn, call int) error {
		if call == 1 {
			return errors.New("responder unavailable")
		}
		return nil
	}}
	d := newDispatcher(s, r, clock)
	ctx := context.Background()

	a := ingest(t, s, "c1", "m1", t0)
	clock.Advance(10 * time.Second)
	require.NoError(t, d.Tick(ctx))

	g, err := s.GetGroup(ctx, a.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupClaimed, g.State)
	assert.Equal(t, "responder unavailable", g.LastError)

	// Lease still held: nothing happens.
	clock.Advance(30 * time.Second)
	require.NoError(t, d.Tick(ctx))
	assert.Empty(t, r.delivered())

	clock.Advance(30 * time.Second)
	require.NoError(t, d.Tick(ctx))
	require.Len(t, r.delivered(), 1)

	g, err = s.GetGroup(ctx, a.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupDispatched, g.State)
	assert.Equal(t, 2, g.Attempts)
}

func TestDispatcher_FailsAfterMaxAttempts(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0}
	r := &recordingResponder{fail: func(domain.Turn, int) error { return errors.New("boom") }}
	d := newDispatcher(s, r, clock)
	ctx := context.Background()

	a := ingest(t, s, "c1", "m1", t0)
	clock.Advance(10 * time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Tick(ctx))
		clock.Advance(time.Minute)
	}

	g, err := s.GetGroup(ctx, a.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupFailed, g.State)
	assert.Equal(t, 3, g.Attempts)
	assert.Equal(t, 3, r.calls)
}

func TestDispatcher_PermanentErrorFailsImmediately(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0}
	r := &recordingResponder{fail: func(domain.Turn, int) error {
		return fmt.Errorf("turn rejected: %w", domain.ErrPermanent)
	}}
	d := newDispatcher(s, r, clock)
	ctx := context.Background()

	a := ingest(t, s, "c1", "m1", t0)
	clock.Advance(10 * time.Second)
	require.NoError(t, d.Tick(ctx))

	g, err := s.GetGroup(ctx, a.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupFailed, g.State)
	assert.Equal(t, 1, r.calls)
}

func TestDispatcher_StartStop(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{now: t0.Add(time.Hour)}
	r := &recordingResponder{}
	d := newDispatcher(s, r, clock)
	d.cfg.PollInterval = 10 * time.Millisecond
	ingest(t, s, "c1", "m1", t0)

	done := make(chan struct{})
	go func() {
		d.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return len(r.delivered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	d.Stop()
	d.Stop()
	<-done
}
