package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"convoflow/internal/domain"
	"convoflow/internal/flow"
	"convoflow/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T, flows ...domain.FlowDefinition) (*store.Store, *Scheduler) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scheduler.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cat := flow.NewCatalog(s, testLogger())
	_, err = cat.Load(context.Background(), flows)
	require.NoError(t, err)

	return s, New(Config{Store: s, Catalog: cat, Logger: testLogger()})
}

func ingest(t *testing.T, s *store.Store, customer, id string, at time.Time) {
	t.Helper()
	_, err := s.Ingest(context.Background(), domain.IngestRequest{
		TenantID: "shop", ConversationID: "conv-" + customer, CustomerID: customer, ProviderMessageID: id,
		Payload: domain.Payload{Kind: domain.PayloadText, Text: "hola"}, ReceivedAt: at,
	}, at)
	require.NoError(t, err)
}

func makeFlow(id string, trig domain.TriggerSpec) domain.FlowDefinition {
	return domain.FlowDefinition{
		ID: id, TenantID: "shop", Name: id, Active: true, Trigger: trig,
		Steps: []domain.Step{domain.TextStep{Text: "Hola"}},
	}
}

// finish runs an execution to completion without sending anything.
func finish(t *testing.T, s *store.Store, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	e, err := s.ClaimExecution(ctx, id, "lease", at, at.Add(time.Minute), 5)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.NoError(t, s.CompleteExecution(ctx, id, "lease", at, ""))
}

func executions(t *testing.T, s *store.Store, customer string) []domain.FlowExecution {
	t.Helper()
	list, err := s.ListCustomerExecutions(context.Background(), "shop", customer, 100)
	require.NoError(t, err)
	return list
}

func TestSweep_FirstMessageFiresOnce(t *testing.T) {
	s, sch := setup(t, makeFlow("welcome", domain.TriggerSpec{OnFirstMessage: true}))
	ctx := context.Background()

	ingest(t, s, "u1", "m1", t0)

	res, err := sch.Sweep(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	list := executions(t, s, "u1")
	require.Len(t, list, 1)
	assert.Equal(t, FirstMessageKey("shop", "u1", "welcome"), list[0].DedupeKey)
	assert.Equal(t, "conv-u1", list[0].ConversationID)
	finish(t, s, list[0].ID, t0.Add(2*time.Minute))

	res, err = sch.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
}

func TestSweep_FirstMessageNeedsExactlyOneInbound(t *testing.T) {
	s, sch := setup(t, makeFlow("welcome", domain.TriggerSpec{OnFirstMessage: true}))

	for i, id := range []string{"c1", "c2", "c3"} {
		ingest(t, s, "chatty", id, t0.Add(time.Duration(i)*time.Second))
	}
	ingest(t, s, "quiet", "q1", t0.Add(-48*time.Hour))

	res, err := sch.Sweep(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Empty(t, executions(t, s, "chatty"))
	assert.Len(t, executions(t, s, "quiet"), 1)
}

func TestSweep_RepeatCooldownFloor(t *testing.T) {
	nudge := makeFlow("nudge", domain.TriggerSpec{
		OnInactivity: &domain.InactivityTrigger{ThresholdHours: 1, Repeat: true},
	})
	s, sch := setup(t, nudge)
	ctx := context.Background()
	ingest(t, s, "u1", "m1", t0)

	// Sweep hourly for two days; every execution completes right away.
	var fired []time.Time
	for h := 1; h <= 48; h++ {
		now := t0.Add(time.Duration(h) * time.Hour)
		res, err := sch.Sweep(ctx, now)
		require.NoError(t, err)
		if res.Enqueued == 0 {
			continue
		}
		fired = append(fired, now)
		for _, e := range executions(t, s, "u1") {
			if e.Status == domain.ExecQueued {
				finish(t, s, e.ID, now)
			}
		}
	}

	assert.Equal(t, []time.Time{t0.Add(time.Hour), t0.Add(25 * time.Hour)}, fired)
}

func TestSweep_LifetimeInactivityUnderConcurrentSweeps(t *testing.T) {
	once := makeFlow("winback", domain.TriggerSpec{
		OnInactivity: &domain.InactivityTrigger{ThresholdHours: 24},
	})
	s, _ := setup(t, once)
	ctx := context.Background()
	for _, u := range []string{"u1", "u2", "u3"} {
		ingest(t, s, u, "m-"+u, t0)
	}

	cat := flow.NewCatalog(s, testLogger())
	now := t0.Add(30 * time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sch := New(Config{Store: s, Catalog: cat, Logger: testLogger()})
			if _, err := sch.Sweep(ctx, now); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for _, u := range []string{"u1", "u2", "u3"} {
		list := executions(t, s, u)
		require.Len(t, list, 1, u)
		assert.Equal(t, InactivityKey("shop", u, "winback"), list[0].DedupeKey)
		finish(t, s, list[0].ID, now)
	}

	// Still inactive a week later: never again.
	sch := New(Config{Store: s, Catalog: cat, Logger: testLogger()})
	res, err := sch.Sweep(ctx, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
}

func TestSweep_TriggersAreIndependent(t *testing.T) {
	both := makeFlow("both", domain.TriggerSpec{
		OnFirstMessage: true,
		OnInactivity:   &domain.InactivityTrigger{ThresholdHours: 3},
	})
	s, sch := setup(t, both)
	ingest(t, s, "u1", "m1", t0)

	res, err := sch.Sweep(context.Background(), t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)

	kinds := map[domain.TriggerKind]bool{}
	for _, e := range executions(t, s, "u1") {
		kinds[e.Trigger] = true
	}
	assert.True(t, kinds[domain.TriggerFirstMessage])
	assert.True(t, kinds[domain.TriggerInactivity])
}

func TestSweep_ZeroThresholdEnqueuesBothTriggers(t *testing.T) {
	both := makeFlow("both", domain.TriggerSpec{
		OnFirstMessage: true,
		OnInactivity:   &domain.InactivityTrigger{ThresholdHours: 0},
	})
	s, sch := setup(t, both)
	ingest(t, s, "u1", "m1", t0)

	res, err := sch.Sweep(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Len(t, executions(t, s, "u1"), 2)
}

func TestSweep_DisableOnManualReply(t *testing.T) {
	f := makeFlow("nudge", domain.TriggerSpec{
		OnInactivity: &domain.InactivityTrigger{ThresholdHours: 2},
	})
	f.DisableOnManualReply = true
	s, sch := setup(t, f)
	ctx := context.Background()

	ingest(t, s, "u1", "m1", t0)
	ingest(t, s, "u2", "m2", t0)
	require.NoError(t, s.RecordManualReply(ctx, domain.ManualReply{TenantID: "shop", CustomerID: "u1", At: t0.Add(time.Minute)}))

	res, err := sch.Sweep(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Empty(t, executions(t, s, "u1"))
	assert.Len(t, executions(t, s, "u2"), 1)
}

func TestSweep_InactiveFlowsIgnored(t *testing.T) {
	f := makeFlow("welcome", domain.TriggerSpec{OnFirstMessage: true})
	f.Active = false
	s, sch := setup(t, f)
	ingest(t, s, "u1", "m1", t0)

	res, err := sch.Sweep(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, res.Flows)
	assert.Zero(t, res.Enqueued)
}

func TestSweep_Paging(t *testing.T) {
	s, _ := setup(t, makeFlow("welcome", domain.TriggerSpec{OnFirstMessage: true}))
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		ingest(t, s, u, "m-"+u, t0)
	}
	sch := New(Config{Store: s, Catalog: flow.NewCatalog(s, testLogger()), Logger: testLogger(), BatchSize: 2})

	res, err := sch.Sweep(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Enqueued)
}
