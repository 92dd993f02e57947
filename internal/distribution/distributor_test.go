package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/handoff/internal/storage"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, notification types.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// faultyStore wraps MemoryStore with injectable failures
type faultyStore struct {
	*storage.MemoryStore
	listErr    error
	panicOn    string
	ownerErr   error
	ownerPanic bool
	// commitFail maps an escalation id to the error its commit returns; a
	// nil error reports the escalation as already claimed.
	commitFail map[string]error
}

func (s *faultyStore) CommitAssignment(ctx context.Context, escalationID, agentID string, at time.Time) (bool, error) {
	if err, ok := s.commitFail[escalationID]; ok {
		return false, err
	}
	return s.MemoryStore.CommitAssignment(ctx, escalationID, agentID, at)
}

func (s *faultyStore) ListPendingEscalations(ctx context.Context, filter types.PendingFilter) ([]types.Escalation, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListPendingEscalations(ctx, filter)
}

func (s *faultyStore) GetDistributionPolicy(ctx context.Context, sectorID string) (*types.DistributionPolicy, error) {
	if sectorID == s.panicOn {
		panic("boom")
	}
	return s.MemoryStore.GetDistributionPolicy(ctx, sectorID)
}

func (s *faultyStore) SetConversationOwner(ctx context.Context, conversationID, agentID string) error {
	if s.ownerPanic {
		panic("owner table gone")
	}
	if s.ownerErr != nil {
		return s.ownerErr
	}
	return s.MemoryStore.SetConversationOwner(ctx, conversationID, agentID)
}

type fixture struct {
	store    *storage.MemoryStore
	notifier *recordingNotifier
	dist     *Distributor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	d := NewDistributor(store, store, store, notifier, zerolog.Nop())
	d.SetClock(func() time.Time { return baseTime })
	return &fixture{store: store, notifier: notifier, dist: d}
}

func (f *fixture) policy(t *testing.T, sector string, enabled bool, strategy types.Strategy, maxConcurrent int) {
	t.Helper()
	require.NoError(t, f.store.UpsertDistributionPolicy(context.Background(), types.DistributionPolicy{
		SectorID:              sector,
		AutoAssignEnabled:     enabled,
		Strategy:              strategy,
		MaxConcurrentPerAgent: maxConcurrent,
	}))
}

func (f *fixture) agents(t *testing.T, sector string, status types.PresenceStatus, ids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SetSectorAgents(ctx, sector, ids))
	for _, id := range ids {
		require.NoError(t, f.store.SetAgentPresence(ctx, id, status, baseTime))
	}
}

func (f *fixture) escalation(t *testing.T, id, sector string, priority int, age time.Duration) {
	t.Helper()
	require.NoError(t, f.store.CreateEscalation(context.Background(), types.Escalation{
		ID:             id,
		ConversationID: "conv-" + id,
		SectorID:       sector,
		Priority:       priority,
		Status:         types.EscalationPending,
		CreatedAt:      baseTime.Add(-age),
	}))
}

func assignedTo(o types.Outcome) string {
	if o.AssignedTo == nil {
		return ""
	}
	return *o.AssignedTo
}

func TestDistribute_RoundRobinAcrossBatch(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, types.StrategyRoundRobin, 5)
	f.agents(t, "s1", types.PresenceOnline, "A", "B", "C")
	f.escalation(t, "e1", "s1", 0, 4*time.Minute)
	f.escalation(t, "e2", "s1", 0, 3*time.Minute)
	f.escalation(t, "e3", "s1", 0, 2*time.Minute)
	f.escalation(t, "e4", "s1", 0, time.Minute)

	// Distinct commit times so "last assigned" advances per escalation
	tick := 0
	f.dist.SetClock(func() time.Time {
		tick++
		return baseTime.Add(time.Duration(tick) * time.Second)
	})

	result, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 4, result.Assigned)

	got := make([]string, 0, 4)
	for _, o := range result.Results {
		assert.Equal(t, types.MethodRoundRobin, o.Method)
		got = append(got, assignedTo(o))
	}
	assert.Equal(t, []string{"A", "B", "C", "A"}, got)
}

func TestDistribute_LeastLoadSeesEarlierCommits(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, types.StrategyLeastLoad, 5)
	f.agents(t, "s1", types.PresenceOnline, "A", "B")
	f.escalation(t, "e1", "s1", 0, 3*time.Minute)
	f.escalation(t, "e2", "s1", 0, 2*time.Minute)
	f.escalation(t, "e3", "s1", 0, time.Minute)

	result, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)

	got := make([]string, 0, 3)
	for _, o := range result.Results {
		assert.Equal(t, types.MethodLeastLoad, o.Method)
		got = append(got, assignedTo(o))
	}
	assert.Equal(t, []string{"A", "B", "A"}, got)
}

func TestDistribute_PriorityOrdering(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, types.StrategyLeastLoad, 1)
	f.agents(t, "s1", types.PresenceOnline, "A")
	f.escalation(t, "old-low", "s1", 1, time.Hour)
	f.escalation(t, "new-high", "s1", 9, time.Minute)

	result, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	assert.Equal(t, "new-high", result.Results[0].EscalationID)
	assert.Equal(t, "A", assignedTo(result.Results[0]))
	assert.Equal(t, "old-low", result.Results[1].EscalationID)
	assert.Equal(t, types.MethodAgentsAtCapacity, result.Results[1].Method)
	assert.Nil(t, result.Results[1].AssignedTo)
	assert.Equal(t, 1, result.Assigned)
}

func TestDistribute_SkipsDisabledAndAbsentPolicies(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "off", false, types.StrategyRoundRobin, 5)
	f.agents(t, "off", types.PresenceOnline, "A")
	f.agents(t, "none", types.PresenceOnline, "B")
	f.escalation(t, "e1", "off", 0, time.Minute)
	f.escalation(t, "e2", "none", 0, time.Minute)

	result, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 0, result.Assigned)
	for _, o := range result.Results {
		assert.Equal(t, types.MethodSkippedDisabled, o.Method)
		assert.Nil(t, o.AssignedTo)
	}

	esc, err := f.store.GetEscalation(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, types.EscalationPending, esc.Status)
}

func TestDistribute_EmptyReasons(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"empty", "busy", "full"} {
		f.policy(t, s, true, types.StrategyRoundRobin, 1)
	}
	f.agents(t, "busy", types.PresenceBusy, "A")
	f.agents(t, "full", types.PresenceOnline, "B")

	// B already carries one assignment elsewhere
	f.escalation(t, "prior", "other", 0, time.Hour)
	_, err := f.store.CommitAssignment(context.Background(), "prior", "B", baseTime)
	require.NoError(t, err)

	f.escalation(t, "e-empty", "empty", 3, time.Minute)
	f.escalation(t, "e-busy", "busy", 2, time.Minute)
	f.escalation(t, "e-full", "full", 1, time.Minute)

	result, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, result.Results, 3)
	assert.Equal(t, types.MethodNoAgents, result.Results[0].Method)
	assert.Equal(t, types.MethodNoAvailableAgents, result.Results[1].Method)
	assert.Equal(t, types.MethodAgentsAtCapacity, result.Results[2].Method)
}

func TestDistribute_DefaultsForUnsetPolicyFields(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, "", 0)
	f.agents(t, "s1", types.PresenceAway, "A")
	for i := 0; i < 6; i++ {
		f.escalation(t, fmt.Sprintf("e%d", i), "s1", 0, time.Duration(10-i)*time.Minute)
	}

	result, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Assigned)
	assert.Equal(t, types.MethodRoundRobin, result.Results[0].Method)
	assert.Equal(t, types.MethodAgentsAtCapacity, result.Results[5].Method)
}

func TestDistribute_UnknownStrategyIsAssignmentError(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, "weighted", 5)
	f.agents(t, "s1", types.PresenceOnline, "A")
	f.escalation(t, "e1", "s1", 0, time.Minute)

	result, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, types.MethodAssignmentError, result.Results[0].Method)
}

func TestDistribute_BatchLimit(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", false, types.StrategyRoundRobin, 5)
	for i := 0; i < 12; i++ {
		f.escalation(t, fmt.Sprintf("e%02d", i), "s1", 0, time.Duration(20-i)*time.Minute)
	}

	result, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchLimit, result.Processed)

	result, err = f.dist.Distribute(context.Background(), Request{ProcessAll: true})
	require.NoError(t, err)
	assert.Equal(t, 12, result.Processed)
}

func TestDistribute_Filters(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, types.StrategyRoundRobin, 5)
	f.policy(t, "s2", true, types.StrategyRoundRobin, 5)
	f.agents(t, "s1", types.PresenceOnline, "A")
	f.escalation(t, "e1", "s1", 0, time.Minute)
	f.escalation(t, "e2", "s2", 0, time.Minute)
	f.escalation(t, "e3", "s1", 0, 2*time.Minute)

	result, err := f.dist.Distribute(context.Background(), Request{EscalationID: "e1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "e1", result.Results[0].EscalationID)

	result, err = f.dist.Distribute(context.Background(), Request{SectorID: "s2"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "e2", result.Results[0].EscalationID)

	// Already assigned escalations are not pending any more
	result, err = f.dist.Distribute(context.Background(), Request{EscalationID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Empty(t, result.Results)
}

func TestDistribute_NothingPending(t *testing.T) {
	f := newFixture(t)

	result, err := f.dist.Distribute(context.Background(), Request{ProcessAll: true})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Processed)
	assert.NotNil(t, result.Results)
}

func TestDistribute_ListFailureFailsBatch(t *testing.T) {
	store := &faultyStore{MemoryStore: storage.NewMemoryStore(), listErr: errors.New("connection refused")}
	d := NewDistributor(store, store, store, nil, zerolog.Nop())

	result, err := d.Distribute(context.Background(), Request{})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDistribute_PanicIsolatedToOneEscalation(t *testing.T) {
	mem := storage.NewMemoryStore()
	store := &faultyStore{MemoryStore: mem, panicOn: "bad"}
	notifier := &recordingNotifier{}
	d := NewDistributor(store, store, store, notifier, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, mem.UpsertDistributionPolicy(ctx, types.DistributionPolicy{SectorID: "good", AutoAssignEnabled: true}))
	require.NoError(t, mem.SetSectorAgents(ctx, "good", []string{"A"}))
	require.NoError(t, mem.SetAgentPresence(ctx, "A", types.PresenceOnline, baseTime))
	require.NoError(t, mem.CreateEscalation(ctx, types.Escalation{
		ID: "e-bad", ConversationID: "c1", SectorID: "bad", Priority: 5,
		Status: types.EscalationPending, CreatedAt: baseTime,
	}))
	require.NoError(t, mem.CreateEscalation(ctx, types.Escalation{
		ID: "e-good", ConversationID: "c2", SectorID: "good", Priority: 1,
		Status: types.EscalationPending, CreatedAt: baseTime,
	}))

	result, err := d.Distribute(ctx, Request{})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, types.MethodAssignmentError, result.Results[0].Method)
	assert.Nil(t, result.Results[0].AssignedTo)
	assert.Equal(t, "A", assignedTo(result.Results[1]))
	assert.Equal(t, 1, result.Assigned)
}

func TestDistribute_FailedCommitIsolatedToOneEscalation(t *testing.T) {
	tests := []struct {
		name      string
		commitErr error
	}{
		{name: "claimed by another pass", commitErr: nil},
		{name: "store error", commitErr: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.policy(t, "s1", true, types.StrategyRoundRobin, 5)
			f.agents(t, "s1", types.PresenceOnline, "A", "B", "C")
			f.escalation(t, "e1", "s1", 0, 3*time.Minute)
			f.escalation(t, "e2", "s1", 0, 2*time.Minute)
			f.escalation(t, "e3", "s1", 0, time.Minute)

			store := &faultyStore{MemoryStore: f.store, commitFail: map[string]error{"e2": tt.commitErr}}
			d := NewDistributor(store, store, store, f.notifier, zerolog.Nop())
			d.SetClock(func() time.Time { return baseTime })

			result, err := d.Distribute(context.Background(), Request{})
			require.NoError(t, err)
			require.Len(t, result.Results, 3)
			assert.Equal(t, 3, result.Processed)
			assert.Equal(t, 2, result.Assigned)

			assert.Equal(t, "e1", result.Results[0].EscalationID)
			assert.Equal(t, "A", assignedTo(result.Results[0]))
			assert.Equal(t, types.MethodRoundRobin, result.Results[0].Method)

			assert.Equal(t, "e2", result.Results[1].EscalationID)
			assert.Nil(t, result.Results[1].AssignedTo)
			assert.Equal(t, types.MethodAssignmentError, result.Results[1].Method)

			assert.Equal(t, "e3", result.Results[2].EscalationID)
			assert.Equal(t, "B", assignedTo(result.Results[2]))
			assert.Equal(t, types.MethodRoundRobin, result.Results[2].Method)

			esc, err := f.store.GetEscalation(context.Background(), "e2")
			require.NoError(t, err)
			assert.Equal(t, types.EscalationPending, esc.Status)
			assert.Empty(t, esc.AssignedAgentID)

			f.notifier.mu.Lock()
			defer f.notifier.mu.Unlock()
			require.Len(t, f.notifier.sent, 2)
			for _, n := range f.notifier.sent {
				assert.NotEqual(t, "e2", n.EscalationID)
			}
		})
	}
}

func TestDistribute_PanicAfterCommitKeepsAssignment(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, types.StrategyLeastLoad, 5)
	f.agents(t, "s1", types.PresenceOnline, "A")
	f.escalation(t, "e1", "s1", 0, time.Minute)

	store := &faultyStore{MemoryStore: f.store, ownerPanic: true}
	d := NewDistributor(store, store, store, f.notifier, zerolog.Nop())

	result, err := d.Distribute(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, 1, result.Assigned)
	assert.Equal(t, "A", assignedTo(result.Results[0]))
	assert.Equal(t, types.MethodLeastLoad, result.Results[0].Method)

	esc, err := f.store.GetEscalation(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, types.EscalationAssigned, esc.Status)
}

func TestDistribute_PropagatesOwnerAndNotification(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, types.StrategyRoundRobin, 5)
	f.agents(t, "s1", types.PresenceOnline, "A")
	f.escalation(t, "e1", "s1", 0, time.Minute)

	_, err := f.dist.Distribute(context.Background(), Request{})
	require.NoError(t, err)

	owner, ok := f.store.ConversationOwner("conv-e1")
	require.True(t, ok)
	assert.Equal(t, "A", owner.AgentID)

	require.Equal(t, 1, f.notifier.count())
	n := f.notifier.sent[0]
	assert.Equal(t, "e1", n.EscalationID)
	assert.Equal(t, "conv-e1", n.ConversationID)
	assert.Equal(t, "A", n.AgentID)
	assert.Equal(t, types.NotificationReassignment, n.Type)
	assert.NotEmpty(t, n.ID)
	assert.True(t, n.CreatedAt.Equal(baseTime))

	esc, err := f.store.GetEscalation(context.Background(), "e1")
	require.NoError(t, err)
	require.NotNil(t, esc.AssignedAt)
	assert.True(t, esc.AssignedAt.Equal(baseTime))
}

func TestDistribute_SideEffectFailuresKeepAssignment(t *testing.T) {
	mem := storage.NewMemoryStore()
	store := &faultyStore{MemoryStore: mem, ownerErr: errors.New("owner write failed")}
	notifier := &recordingNotifier{err: errors.New("socket gone")}
	d := NewDistributor(store, store, store, notifier, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, mem.UpsertDistributionPolicy(ctx, types.DistributionPolicy{SectorID: "s1", AutoAssignEnabled: true}))
	require.NoError(t, mem.SetSectorAgents(ctx, "s1", []string{"A"}))
	require.NoError(t, mem.SetAgentPresence(ctx, "A", types.PresenceOnline, baseTime))
	require.NoError(t, mem.CreateEscalation(ctx, types.Escalation{
		ID: "e1", ConversationID: "c1", SectorID: "s1", Status: types.EscalationPending, CreatedAt: baseTime,
	}))

	result, err := d.Distribute(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Assigned)
	assert.Equal(t, "A", assignedTo(result.Results[0]))
}

func TestDistribute_ConcurrentRunsNeverDoubleAssign(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	ctx := context.Background()

	require.NoError(t, store.UpsertDistributionPolicy(ctx, types.DistributionPolicy{
		SectorID: "s1", AutoAssignEnabled: true, Strategy: types.StrategyLeastLoad, MaxConcurrentPerAgent: 100,
	}))
	require.NoError(t, store.SetSectorAgents(ctx, "s1", []string{"A", "B", "C"}))
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, store.SetAgentPresence(ctx, id, types.PresenceOnline, baseTime))
	}
	const total = 30
	for i := 0; i < total; i++ {
		require.NoError(t, store.CreateEscalation(ctx, types.Escalation{
			ID: fmt.Sprintf("e%02d", i), ConversationID: fmt.Sprintf("c%02d", i), SectorID: "s1",
			Status: types.EscalationPending, CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}))
	}

	var (
		mu       sync.Mutex
		assigned = make(map[string]int)
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 4; w++ {
		d := NewDistributor(store, store, store, notifier, zerolog.Nop())
		g.Go(func() error {
			result, err := d.Distribute(gctx, Request{ProcessAll: true})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, o := range result.Results {
				if o.AssignedTo != nil {
					assigned[o.EscalationID]++
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, assigned, total)
	for id, n := range assigned {
		assert.Equal(t, 1, n, "escalation %s assigned %d times", id, n)
	}
	assert.Equal(t, total, notifier.count())

	remaining, err := store.ListPendingEscalations(ctx, types.PendingFilter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

type recordingObserver struct {
	modes   []string
	results []*types.DistributionResult
}

func (o *recordingObserver) ObserveDistribution(mode string, result *types.DistributionResult) {
	o.modes = append(o.modes, mode)
	o.results = append(o.results, result)
}

func TestDistribute_NotifiesObserver(t *testing.T) {
	f := newFixture(t)
	f.policy(t, "s1", true, types.StrategyRoundRobin, 5)
	f.agents(t, "s1", types.PresenceOnline, "A")
	f.escalation(t, "e1", "s1", 0, time.Minute)

	obs := &recordingObserver{}
	f.dist.SetObserver(obs)

	result, err := f.dist.Distribute(context.Background(), Request{SectorID: "s1"})
	require.NoError(t, err)
	_, err = f.dist.Distribute(context.Background(), Request{ProcessAll: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"sector", "all"}, obs.modes)
	assert.Same(t, result, obs.results[0])
	assert.Equal(t, 1, obs.results[0].Assigned)
	assert.Equal(t, 0, obs.results[1].Processed)

	// A failed pass is not observed
	failing := &faultyStore{MemoryStore: f.store, listErr: errors.New("db down")}
	d := NewDistributor(failing, failing, failing, nil, zerolog.Nop())
	d.SetObserver(obs)
	_, err = d.Distribute(context.Background(), Request{})
	require.Error(t, err)
	assert.Len(t, obs.modes, 2)
}
