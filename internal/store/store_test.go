package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"convoflow/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "convoflow.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ingest(t *testing.T, s *Store, conv, providerID string, at time.Time) domain.GroupAssignment {
	t.Helper()
	a, err := s.Ingest(context.Background(), domain.IngestRequest{
		TenantID:          "shop",
		ConversationID:    conv,
		CustomerID:        "cust-" + conv,
		ProviderMessageID: providerID,
		Payload:           domain.Payload{Kind: domain.PayloadText, Text: providerID},
		ReceivedAt:        at,
	}, at)
	require.NoError(t, err)
	return a
}

func scenarioFlow() domain.FlowDefinition {
	return domain.FlowDefinition{
		ID:       "welcome",
		TenantID: "shop",
		Name:     "Welcome",
		Active:   true,
		Trigger:  domain.TriggerSpec{OnFirstMessage: true},
		Steps: []domain.Step{
			domain.TextStep{Text: "Hola"},
			domain.DelayStep{Duration: 2 * time.Second},
			domain.MediaStep{Media: domain.StepImage, URLs: []string{"https://cdn.example.com/u1.png"}},
		},
	}
}

func TestIngest_AssignsSequenceAndGroups(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a1 := ingest(t, s, "c1", "m1", t0)
	a2 := ingest(t, s, "c1", "m2", t0.Add(2*time.Second))
	a3 := ingest(t, s, "c1", "m3", t0.Add(4*time.Second))

	assert.True(t, a1.NewGroup)
	assert.False(t, a2.NewGroup)
	assert.Equal(t, a1.GroupID, a3.GroupID)
	assert.Equal(t, []int64{1, 2, 3}, []int64{a1.Seq, a2.Seq, a3.Seq})

	g, err := s.GetGroup(ctx, a1.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 3, g.MemberCount)
	assert.Equal(t, t0.Add(4*time.Second), g.LastMemberAt)
	assert.EqualValues(t, 1, g.FirstSeq)
	assert.EqualValues(t, 3, g.LastSeq)

	msgs, err := s.GroupMessages(ctx, a1.GroupID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].Payload.Text)
	assert.True(t, msgs[2].Grouped)

	act, err := s.GetCustomerActivity(ctx, "shop", "cust-c1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, act.InboundCount)
	assert.Equal(t, t0, *act.FirstInboundAt)
	assert.Equal(t, t0.Add(4*time.Second), *act.LastInboundAt)
}

func TestIngest_DuplicateProviderID(t *testing.T) {
	s := testStore(t)

	first := ingest(t, s, "c1", "m1", t0)
	dup := ingest(t, s, "c1", "m1", t0.Add(time.Second))

	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.GroupID, dup.GroupID)
	assert.Equal(t, first.Seq, dup.Seq)

	msgs, err := s.ConversationMessages(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestGroups_DebounceWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetBufferSeconds(ctx, "shop", 5, t0))

	a := ingest(t, s, "c1", "m1", t0)
	ingest(t, s, "c1", "m2", t0.Add(2*time.Second))
	ingest(t, s, "c1", "m3", t0.Add(4*time.Second))

	ids, err := s.ReadyGroupIDs(ctx, t0.Add(8*time.Second), 30, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ReadyGroupIDs(ctx, t0.Add(9*time.Second), 30, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{a.GroupID}, ids)

	ok, err := s.ClaimGroup(ctx, a.GroupID, "lease-1", t0.Add(9*time.Second), 30)
	require.NoError(t, err)
	require.True(t, ok)

	late := ingest(t, s, "c1", "m4", t0.Add(20*time.Second))
	assert.True(t, late.NewGroup)
	assert.NotEqual(t, a.GroupID, late.GroupID)
}

func TestGroups_DefaultBufferWhenTenantUnset(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ingest(t, s, "c1", "m1", t0)

	ids, err := s.ReadyGroupIDs(ctx, t0.Add(29*time.Second), 30, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ReadyGroupIDs(ctx, t0.Add(30*time.Second), 30, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestGroups_ConcurrentClaimHasOneWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := ingest(t, s, "c1", "m1", t0)
	now := t0.Add(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ClaimGroup(ctx, a.GroupID, "lease-"+string(rune('a'+i)), now, 5)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	g, err := s.GetGroup(ctx, a.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupClaimed, g.State)
	assert.True(t, g.Sealed)
	assert.Equal(t, 1, g.Attempts)
}

func TestGroups_LaterGroupWaitsForEarlier(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := ingest(t, s, "c1", "m1", t0)
	ok, err := s.ClaimGroup(ctx, first.GroupID, "lease-1", t0.Add(10*time.Second), 5)
	require.NoError(t, err)
	require.True(t, ok)

	second := ingest(t, s, "c1", "m2", t0.Add(11*time.Second))
	require.True(t, second.NewGroup)

	// First group still claimed: the second one must not be handed out.
	ids, err := s.ReadyGroupIDs(ctx, t0.Add(time.Minute), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	ok, err = s.ClaimGroup(ctx, second.GroupID, "lease-2", t0.Add(time.Minute), 5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AckGroup(ctx, first.GroupID, "lease-1", t0.Add(time.Minute)))

	ids, err = s.ReadyGroupIDs(ctx, t0.Add(time.Minute), 5, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{second.GroupID}, ids)
}

func TestGroups_AckRequiresLease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := ingest(t, s, "c1", "m1", t0)
	now := t0.Add(time.Minute)

	ok, err := s.ClaimGroup(ctx, a.GroupID, "lease-1", now, 5)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, s.AckGroup(ctx, a.GroupID, "someone-else", now), domain.ErrLeaseLost)
	require.NoError(t, s.AckGroup(ctx, a.GroupID, "lease-1", now))
	assert.ErrorIs(t, s.AckGroup(ctx, a.GroupID, "lease-1", now), domain.ErrLeaseLost)

	msgs, err := s.GroupMessages(ctx, a.GroupID)
	require.NoError(t, err)
	assert.True(t, msgs[0].Dispatched)
}

func TestGroups_ReleaseExpiredThenFail(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := ingest(t, s, "c1", "m1", t0)
	lease := time.Minute
	now := t0.Add(10 * time.Second)

	for attempt := 1; attempt <= 3; attempt++ {
		ok, err := s.ClaimGroup(ctx, a.GroupID, "lease", now, 5)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt)

		state, err := s.RecordGroupFailure(ctx, a.GroupID, "lease", "responder down", 3)
		require.NoError(t, err)

		now = now.Add(lease)
		released, failed, err := s.ReleaseExpiredGroups(ctx, now, lease, 3)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, domain.GroupClaimed, state)
			assert.EqualValues(t, 1, released)
			assert.EqualValues(t, 0, failed)
		} else {
			assert.Equal(t, domain.GroupFailed, state)
			assert.EqualValues(t, 0, released)
		}
	}

	g, err := s.GetGroup(ctx, a.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupFailed, g.State)
	assert.Equal(t, "responder down", g.LastError)
	assert.True(t, g.Sealed)

	failedGroups, err := s.FailedGroups(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, failedGroups, 1)
}

func TestFlows_UpsertBumpsVersionOnChange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	f := scenarioFlow()

	v, changed, err := s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, changed)

	v, changed, err = s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.False(t, changed)

	f.Steps = append(f.Steps, domain.TextStep{Text: "Gracias"})
	v, changed, err = s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.True(t, changed)

	got, err := s.GetFlow(ctx, "welcome")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 4)
	assert.Equal(t, domain.MediaStep{Media: domain.StepImage, URLs: []string{"https://cdn.example.com/u1.png"}}, got.Steps[2])

	require.NoError(t, s.SetFlowActive(ctx, "welcome", false, t0))
	active, err := s.ListFlows(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExecutions_DedupeKeyAllowsOneExecution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	f := scenarioFlow()
	f.Version = 1

	req := domain.EnqueueRequest{
		Flow: f, CustomerID: "u1", ConversationID: "c1",
		Trigger: domain.TriggerFirstMessage, DedupeKey: "first_message:shop:u1:welcome", Now: t0,
	}
	_, created, err := s.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	req.Now = t0.Add(time.Hour)
	_, created, err = s.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestExecutions_RepeatCooldown(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ingest(t, s, "c1", "m1", t0)
	f := scenarioFlow()
	_, _, err := s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)

	req := domain.EnqueueRequest{
		Flow: f, CustomerID: "cust-c1", ConversationID: "c1",
		Trigger: domain.TriggerInactivity, Cooldown: 24 * time.Hour, Now: t0.Add(time.Hour),
	}
	id, created, err := s.Enqueue(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	// Pending execution blocks a second one.
	req.Now = t0.Add(2 * time.Hour)
	_, created, err = s.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)

	e, err := s.ClaimExecution(ctx, id, "lease", req.Now, req.Now.Add(time.Minute), 5)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.NoError(t, s.CompleteExecution(ctx, id, "lease", t0.Add(3*time.Hour), ""))

	req.Now = t0.Add(20 * time.Hour)
	_, created, err = s.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, created, "inside the 24h floor")

	req.Now = t0.Add(27 * time.Hour)
	_, created, err = s.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestExecutions_ManualReplyResetsCooldown(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ingest(t, s, "c1", "m1", t0)
	f := scenarioFlow()

	require.NoError(t, s.RecordManualReply(ctx, domain.ManualReply{
		TenantID: "shop", CustomerID: "cust-c1", At: t0.Add(time.Hour),
	}))

	_, created, err := s.Enqueue(ctx, domain.EnqueueRequest{
		Flow: f, CustomerID: "cust-c1", ConversationID: "c1",
		Trigger: domain.TriggerInactivity, Cooldown: 24 * time.Hour, Now: t0.Add(5 * time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestExecutions_SnapshotSurvivesFlowEdit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	f := scenarioFlow()
	_, _, err := s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)

	id, created, err := s.Enqueue(ctx, domain.EnqueueRequest{
		Flow: f, CustomerID: "u1", ConversationID: "c1", Trigger: domain.TriggerFirstMessage,
		DedupeKey: "first_message:shop:u1:welcome", Now: t0,
	})
	require.NoError(t, err)
	require.True(t, created)

	e, err := s.ClaimExecution(ctx, id, "lease-1", t0, t0.Add(time.Minute), 5)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Len(t, e.Steps, 3)
	assert.Equal(t, domain.ExecRunning, e.Status)

	require.NoError(t, s.AdvanceStep(ctx, id, "lease-1", 0, 1, t0.Add(time.Minute)))
	require.NoError(t, s.ParkExecution(ctx, id, "lease-1", 1, 2, t0.Add(2*time.Second)))

	f.Steps = []domain.Step{domain.TextStep{Text: "changed"}}
	_, _, err = s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)

	ids, err := s.ClaimableExecutionIDs(ctx, t0.Add(time.Second), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "parked until the delay elapses")

	ids, err = s.ClaimableExecutionIDs(ctx, t0.Add(2*time.Second), 5, 10)
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)

	e, err = s.ClaimExecution(ctx, id, "lease-2", t0.Add(2*time.Second), t0.Add(time.Minute), 5)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.CurrentStep)
	assert.Len(t, e.Steps, 3)
	assert.Equal(t, 1, e.FlowVersion)

	// The old lease is gone.
	assert.ErrorIs(t, s.AdvanceStep(ctx, id, "lease-1", 2, 3, t0.Add(time.Minute)), domain.ErrLeaseLost)

	require.NoError(t, s.CompleteExecution(ctx, id, "lease-2", t0.Add(3*time.Second), ""))
	fa, err := s.GetFlowActivity(ctx, "shop", "u1", "welcome")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Second), *fa.LastDispatchCompletedAt)
}

func TestExecutions_FailRecordsStep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	f := scenarioFlow()
	_, _, err := s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)

	id, _, err := s.Enqueue(ctx, domain.EnqueueRequest{
		Flow: f, CustomerID: "u1", ConversationID: "c1", Trigger: domain.TriggerFirstMessage, Now: t0,
	})
	require.NoError(t, err)
	_, err = s.ClaimExecution(ctx, id, "lease", t0, t0.Add(time.Minute), 5)
	require.NoError(t, err)
	require.NoError(t, s.FailExecution(ctx, id, "lease", 2, "media rejected", t0))

	e, err := s.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, e.Status)
	require.NotNil(t, e.FailedStep)
	assert.Equal(t, 2, *e.FailedStep)
	assert.Equal(t, "media rejected", e.Error)

	_, err = s.GetFlowActivity(ctx, "shop", "u1", "welcome")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecutions_ExhaustedLeasesFail(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	f := scenarioFlow()
	_, _, err := s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)
	id, _, err := s.Enqueue(ctx, domain.EnqueueRequest{
		Flow: f, CustomerID: "u1", ConversationID: "c1", Trigger: domain.TriggerFirstMessage, Now: t0,
	})
	require.NoError(t, err)

	now := t0
	for i := 0; i < 2; i++ {
		e, err := s.ClaimExecution(ctx, id, "lease", now, now.Add(time.Minute), 2)
		require.NoError(t, err)
		require.NotNil(t, e)
		now = now.Add(2 * time.Minute)
	}
	e, err := s.ClaimExecution(ctx, id, "lease", now, now.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Nil(t, e)

	n, err := s.FailExhaustedExecutions(ctx, now, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, got.Status)
}

func TestAutomationState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ingest(t, s, "c1", "m1", t0)
	f := scenarioFlow()
	f.DisableOnManualReply = true
	_, _, err := s.UpsertFlow(ctx, f, t0)
	require.NoError(t, err)
	id, _, err := s.Enqueue(ctx, domain.EnqueueRequest{
		Flow: f, CustomerID: "cust-c1", ConversationID: "c1", Trigger: domain.TriggerFirstMessage, Now: t0.Add(time.Minute),
	})
	require.NoError(t, err)

	st, err := s.AutomationState(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, st.HaltReason())

	require.NoError(t, s.RecordManualReply(ctx, domain.ManualReply{TenantID: "shop", CustomerID: "cust-c1", At: t0.Add(2 * time.Minute)}))
	st, err = s.AutomationState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "manual reply", st.HaltReason())

	require.NoError(t, s.SetConversationAutomation(ctx, "c1", false))
	st, err = s.AutomationState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "conversation automation disabled", st.HaltReason())
}

func TestCandidates_Inactivity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ingest(t, s, "c1", "m1", t0)
	ingest(t, s, "c2", "m2", t0.Add(5*time.Hour))

	f := scenarioFlow()
	f.Trigger = domain.TriggerSpec{OnInactivity: &domain.InactivityTrigger{ThresholdHours: 3}}

	got, err := s.Candidates(ctx, CandidateQuery{
		Flow: f, Trigger: domain.TriggerInactivity, InactiveBefore: t0.Add(6 * time.Hour).Add(-3 * time.Hour), Lifetime: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cust-c1", got[0].CustomerID)
	assert.Equal(t, "c1", got[0].ConversationID)
}

func TestCandidates_FirstMessageNeedsExactlyOneInbound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ingest(t, s, "c1", "m1", t0.Add(-48*time.Hour))
	ingest(t, s, "c2", "m2", t0)
	ingest(t, s, "c2", "m3", t0.Add(time.Second))

	got, err := s.Candidates(ctx, CandidateQuery{Flow: scenarioFlow(), Trigger: domain.TriggerFirstMessage, Lifetime: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cust-c1", got[0].CustomerID)
	assert.EqualValues(t, 1, got[0].InboundCount)
}

func TestDeliveries_Ledger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ok, err := s.DeliveryRecorded(ctx, "exec:x:0")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordDelivery(ctx, "exec:x:0", "execution", t0))
	require.NoError(t, s.RecordDelivery(ctx, "exec:x:0", "execution", t0.Add(time.Hour)))

	ok, err = s.DeliveryRecorded(ctx, "exec:x:0")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.PruneDeliveries(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ingest(t, s, "c1", "m1", t0)
	ingest(t, s, "c2", "m2", t0)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Messages)
	assert.EqualValues(t, 2, st.Groups["open"])
	assert.Equal(t, schemaVersion, st.SchemaVersion)
}
