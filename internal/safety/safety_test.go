package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchguard/launchguard/internal/audit"
	clierr "github.com/launchguard/launchguard/internal/errors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStateStore struct {
	mu    sync.Mutex
	state KillSwitchState
	saved bool
	err   error
}

func (m *memStateStore) LoadKillSwitch(context.Context) (KillSwitchState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.saved, m.err
}

func (m *memStateStore) SaveKillSwitch(_ context.Context, st KillSwitchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state, m.saved = st, true
	return nil
}

func TestKillSwitchBlocksEveryCallUntilDeactivated(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	sink := audit.NewMemorySink()
	sessions := NewSessionRegistry(time.Hour, clk.Now)
	sessions.Open("0xbeef")
	sessions.Open("0xcafe")

	ks, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{
		Audit: sink,
		Now:   clk.Now,
		Hooks: Hooks{
			ClearQueuedPlans: func(context.Context) (int, error) { return 3, nil },
			RevokeSessions:   sessions.RevokeAll,
		},
	})
	require.NoError(t, err)
	require.NoError(t, ks.CheckAllowed(context.Background(), "submit"))

	st, err := ks.Activate(ctx, "ops", "exploit in router")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 3, st.ClearedPlans)
	assert.Equal(t, 2, st.ClearedSessions)
	assert.Zero(t, sessions.Len())

	for i := 0; i < 100; i++ {
		err := ks.CheckAllowed(context.Background(), "submit")
		require.Error(t, err)
		var kse *KillSwitchError
		require.True(t, errors.As(err, &kse))
		assert.Equal(t, "exploit in router", kse.Reason)
		assert.Equal(t, clk.Now(), kse.ActivatedAt)
		assert.Equal(t, clierr.CodeKillSwitch, clierr.CodeOf(err))
	}

	st, err = ks.Deactivate(ctx, "ops", "patched", "")
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.NoError(t, ks.CheckAllowed(context.Background(), "submit"))

	records, _ := sink.Records(ctx)
	require.Len(t, records, 2)
	assert.Equal(t, "ops", records[0].Actor)
	assert.True(t, records[0].SecurityEvent)
}

func TestKillSwitchWrongTokenStaysActive(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	ks, err := NewKillSwitch(KillSwitchConfig{RequireConfirmation: true, ConfirmationTokenHash: HashToken("second-signer")}, KillSwitchOptions{Audit: sink})
	require.NoError(t, err)

	_, err = ks.Activate(ctx, "bot", "velocity anomaly")
	require.NoError(t, err)
	assert.True(t, ks.State().RequiresMultiParty)

	_, err = ks.Deactivate(ctx, "ops", "false alarm", "guess")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeSecurity, clierr.CodeOf(err))
	assert.True(t, ks.Active())
	assert.Error(t, ks.CheckAllowed(context.Background(), "approve"))

	_, err = ks.Deactivate(ctx, "ops", "false alarm", "second-signer")
	require.NoError(t, err)
	assert.False(t, ks.Active())

	records, _ := sink.Records(ctx)
	require.Len(t, records, 3)
	assert.Equal(t, audit.OutcomeBlocked, records[1].Outcome)
	assert.Equal(t, audit.OutcomeSuccess, records[2].Outcome)
}

func TestKillSwitchHookFailureKeepsSwitchActive(t *testing.T) {
	ks, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{Hooks: Hooks{
		ClearQueuedPlans: func(context.Context) (int, error) { return 0, errors.New("database locked") },
	}})
	require.NoError(t, err)

	st, err := ks.Activate(context.Background(), "ops", "drill")
	require.Error(t, err)
	assert.True(t, st.Active)
	assert.Error(t, ks.CheckAllowed(context.Background(), "submit"))
}

func TestKillSwitchPersistsAndLoads(t *testing.T) {
	store := &memStateStore{}
	ks, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{Store: store})
	require.NoError(t, err)
	_, err = ks.Activate(context.Background(), "ops", "drill")
	require.NoError(t, err)

	var changes []bool
	restored, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{Store: store, OnChange: func(a bool) { changes = append(changes, a) }})
	require.NoError(t, err)
	require.NoError(t, restored.Load(context.Background()))
	assert.True(t, restored.Active())
	assert.Equal(t, []bool{true}, changes)
}

func TestKillSwitchSeesActivationFromAnotherInstance(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := &memStateStore{}
	sessions := NewSessionRegistry(time.Hour, clk.Now)
	daemonSession := sessions.Open("0xbeef")

	var changes []bool
	daemon, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{
		Store:    store,
		Now:      clk.Now,
		Hooks:    Hooks{RevokeSessions: sessions.RevokeAll},
		OnChange: func(a bool) { changes = append(changes, a) },
	})
	require.NoError(t, err)
	require.NoError(t, daemon.Load(ctx))
	require.NoError(t, daemon.CheckAllowed(ctx, "submit"))

	operator, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{Store: store, Now: clk.Now})
	require.NoError(t, err)
	_, err = operator.Activate(ctx, "ops", "router exploit")
	require.NoError(t, err)

	err = daemon.CheckAllowed(ctx, "generate plan")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeKillSwitch, clierr.CodeOf(err))
	assert.True(t, daemon.Active())
	assert.False(t, sessions.Valid(daemonSession.ID))

	clk.Advance(time.Minute)
	_, err = operator.Deactivate(ctx, "ops", "patched", "")
	require.NoError(t, err)
	assert.NoError(t, daemon.CheckAllowed(ctx, "generate plan"))
	assert.Equal(t, []bool{true, false}, changes)
}

func TestKillSwitchIgnoresStaleDeactivation(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := &memStateStore{}
	old := clk.Now().Add(-time.Hour)
	store.state = KillSwitchState{Active: false, DeactivatedAt: &old}
	store.saved = true
	store.err = errors.New("disk full")

	ks, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{Store: &failingSave{store}, Now: clk.Now})
	require.NoError(t, err)
	_, err = ks.Activate(ctx, "ops", "drill")
	require.Error(t, err)

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	assert.Error(t, ks.CheckAllowed(ctx, "submit"))
	assert.True(t, ks.Active())
}

func TestKillSwitchFailsClosedWhenStateUnreadable(t *testing.T) {
	ctx := context.Background()
	store := &memStateStore{}
	ks, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{Store: store})
	require.NoError(t, err)
	require.NoError(t, ks.CheckAllowed(ctx, "submit"))

	store.mu.Lock()
	store.err = errors.New("database is locked")
	store.mu.Unlock()
	err = ks.CheckAllowed(ctx, "submit")
	require.Error(t, err)
	assert.Equal(t, clierr.CodeKillSwitch, clierr.CodeOf(err))
}

// failingSave rejects writes and returns the wrapped store's reads.
type failingSave struct{ *memStateStore }

func (f *failingSave) SaveKillSwitch(context.Context, KillSwitchState) error {
	return errors.New("disk full")
}

func TestKillSwitchConfigValidation(t *testing.T) {
	assert.Error(t, KillSwitchConfig{RequireConfirmation: true, ConfirmationTokenHash: "abc"}.Validate())
	assert.NoError(t, KillSwitchConfig{RequireConfirmation: true, ConfirmationTokenHash: HashToken("x")}.Validate())
	_, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{})
	require.NoError(t, err)
}

func TestKillSwitchConcurrentReaders(t *testing.T) {
	ks, err := NewKillSwitch(KillSwitchConfig{}, KillSwitchOptions{})
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := ks.CheckAllowed(context.Background(), "submit"); err != nil {
					var kse *KillSwitchError
					if !errors.As(err, &kse) || kse.ActivatedBy != "ops" {
						t.Errorf("observed partial activation: %v", err)
						return
					}
				}
			}
		}()
	}
	_, err = ks.Activate(context.Background(), "ops", "race")
	require.NoError(t, err)
	wg.Wait()
}

func newTracker(t *testing.T, clk *clock) *VelocityTracker {
	t.Helper()
	v, err := NewVelocityTracker(DefaultVelocityConfig(), VelocityOptions{Now: clk.Now})
	require.NoError(t, err)
	return v
}

func TestVelocityNSpendsFitExactly(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	v := newTracker(t, clk)
	limit := decimal.NewFromInt(1)
	part := limit.Div(decimal.NewFromInt(4))

	for i := 0; i < 4; i++ {
		_, err := v.Spend(ctx, SpendRecord{Session: "s1", AmountMon: part}, limit)
		require.NoError(t, err, "spend %d", i)
		clk.Advance(time.Second)
	}
	check, err := v.Spend(ctx, SpendRecord{Session: "s1", AmountMon: decimal.RequireFromString("0.000001")}, limit)
	require.Error(t, err)
	assert.Equal(t, clierr.CodeVelocity, clierr.CodeOf(err))
	assert.False(t, check.Allowed)
	assert.True(t, check.WindowTotal.Equal(limit))
	assert.Equal(t, 56*time.Second, check.WaitTime)

	other := v.CheckVelocity("s2", part, limit)
	assert.True(t, other.Allowed)
}

func TestVelocityWindowRolls(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	v := newTracker(t, clk)
	limit := decimal.NewFromInt(1)

	_, err := v.Spend(ctx, SpendRecord{Session: "s1", AmountMon: limit}, limit)
	require.NoError(t, err)
	assert.False(t, v.CheckVelocity("s1", decimal.RequireFromString("0.1"), limit).Allowed)

	clk.Advance(60 * time.Second)
	check := v.CheckVelocity("s1", decimal.RequireFromString("0.1"), limit)
	assert.True(t, check.Allowed)
	assert.True(t, check.Remaining.Equal(limit))
}

func TestVelocitySweepPrunesOldRecords(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	v := newTracker(t, clk)
	require.NoError(t, v.Record(ctx, SpendRecord{Session: "s1", AmountMon: decimal.NewFromInt(1)}))

	clk.Advance(90 * time.Second)
	assert.Equal(t, 0, v.Sweep(ctx))
	clk.Advance(31 * time.Second)
	assert.Equal(t, 1, v.Sweep(ctx))

	assert.Error(t, v.Record(ctx, SpendRecord{AmountMon: decimal.NewFromInt(1)}))
}

func TestVelocityConcurrentSpendsRespectLimit(t *testing.T) {
	ctx := context.Background()
	v := newTracker(t, newClock())
	limit := decimal.NewFromInt(1)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Spend(ctx, SpendRecord{Session: "s1", AmountMon: decimal.RequireFromString("0.1")}, limit); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, ok)
}

func TestSessionRegistry(t *testing.T) {
	clk := newClock()
	reg := NewSessionRegistry(time.Minute, clk.Now)
	s := reg.Open("0xbeef")
	assert.True(t, reg.Valid(s.ID))

	clk.Advance(time.Minute)
	assert.False(t, reg.Valid(s.ID))
	assert.Equal(t, 1, reg.Sweep())
	assert.Zero(t, reg.Len())

	reg.Open("0xbeef")
	n, err := reg.RevokeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
