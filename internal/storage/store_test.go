package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/launchguard/launchguard/internal/consensus"
	"github.com/launchguard/launchguard/internal/plan"
	"github.com/launchguard/launchguard/internal/safety"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "launchguard.db"), filepath.Join(dir, "launchguard.lock"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPlanSaveGetList(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Plans()

	first := plan.Output{ID: "plan_a", DecisionID: "dec_1", Status: plan.StatusPendingApproval, RiskScore: 0.3, CreatedAt: t0, UpdatedAt: t0,
		BlockingReasons: []string{plan.ManualApprovalReason}}
	second := plan.Output{ID: "plan_b", Status: plan.StatusBlocked, CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute)}
	for _, o := range []plan.Output{first, second} {
		if err := repo.Save(ctx, o); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	got, err := repo.Get(ctx, "plan_a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DecisionID != "dec_1" || got.RiskScore != 0.3 {
		t.Fatalf("unexpected plan: %+v", got)
	}
	if len(got.BlockingReasons) != 1 || got.BlockingReasons[0] != plan.ManualApprovalReason {
		t.Fatalf("unexpected blocking reasons: %v", got.BlockingReasons)
	}

	got.Status = plan.StatusApproved
	if err := repo.Save(ctx, got); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}
	all, err := repo.List(ctx, plan.Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "plan_b" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	approved, err := repo.List(ctx, plan.Filter{Statuses: []plan.Status{plan.StatusApproved}, Limit: 5})
	if err != nil {
		t.Fatalf("List by status failed: %v", err)
	}
	if len(approved) != 1 || approved[0].ID != "plan_a" {
		t.Fatalf("unexpected approved plans: %+v", approved)
	}
}

func TestPlanGetMissing(t *testing.T) {
	_, err := openTestStore(t).Plans().Get(context.Background(), "missing")
	if !errors.Is(err, plan.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPlanClearQueued(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Plans()
	statuses := []plan.Status{plan.StatusPendingApproval, plan.StatusApproved, plan.StatusBlocked, plan.StatusSubmitted, plan.StatusRejected}
	for i, st := range statuses {
		o := plan.Output{ID: string(st), Status: st, CanExecute: st == plan.StatusApproved, CreatedAt: t0.Add(time.Duration(i) * time.Second)}
		if err := repo.Save(ctx, o); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	n, err := repo.ClearQueued(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ClearQueued failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 cleared plans, got %d", n)
	}
	cleared, err := repo.List(ctx, plan.Filter{Statuses: []plan.Status{plan.StatusCleared}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(cleared) != 3 {
		t.Fatalf("expected 3 cleared plans in store, got %d", len(cleared))
	}
	for _, o := range cleared {
		if o.CanExecute {
			t.Fatalf("cleared plan %s can still execute", o.ID)
		}
	}
	done, err := repo.Get(ctx, string(plan.StatusSubmitted))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if done.Status != plan.StatusSubmitted {
		t.Fatalf("submitted plan changed to %s", done.Status)
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Decisions()
	amount := decimal.RequireFromString("0.38")
	d := consensus.FinalDecision{ID: "dec_1", Status: consensus.StatusExecute, TargetToken: "0xc0de", SuggestedAmountMon: &amount, CreatedAt: t0, ExpiresAt: t0.Add(30 * time.Minute)}
	if err := repo.Save(ctx, d); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := repo.Get(ctx, "dec_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SuggestedAmountMon == nil || !got.SuggestedAmountMon.Equal(amount) {
		t.Fatalf("unexpected suggested amount: %v", got.SuggestedAmountMon)
	}
	if _, err := repo.Get(ctx, "dec_missing"); !errors.Is(err, ErrDecisionNotFound) {
		t.Fatalf("expected ErrDecisionNotFound, got %v", err)
	}
}

func TestKillSwitchStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path, lock := filepath.Join(dir, "lg.db"), filepath.Join(dir, "lg.lock")
	store, err := Open(path, lock)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok, err := store.Safety().LoadKillSwitch(ctx); err != nil || ok {
		t.Fatalf("expected no state, got ok=%v err=%v", ok, err)
	}

	ks, err := safety.NewKillSwitch(safety.KillSwitchConfig{}, safety.KillSwitchOptions{Store: store.Safety()})
	if err != nil {
		t.Fatalf("NewKillSwitch failed: %v", err)
	}
	if _, err := ks.Activate(ctx, "ops", "drill"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	_ = store.Close()

	reopened, err := Open(path, lock)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	restored, err := safety.NewKillSwitch(safety.KillSwitchConfig{}, safety.KillSwitchOptions{Store: reopened.Safety()})
	if err != nil {
		t.Fatalf("NewKillSwitch failed: %v", err)
	}
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := restored.CheckAllowed(ctx, "submit"); err == nil {
		t.Fatal("expected restored kill switch to block")
	}
}

func TestSpendRecordsLoadAndPrune(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Safety()
	for i := 0; i < 3; i++ {
		rec := safety.SpendRecord{Session: "0xbeef", AmountMon: decimal.RequireFromString("0.25"), Target: "0xa1", Method: "buy", At: t0.Add(time.Duration(i) * time.Minute)}
		if err := repo.AppendSpend(ctx, rec); err != nil {
			t.Fatalf("AppendSpend failed: %v", err)
		}
	}

	recent, err := repo.LoadSpends(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("LoadSpends failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent records, got %d", len(recent))
	}
	if !recent[0].AmountMon.Equal(decimal.RequireFromString("0.25")) || !recent[0].At.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected record: %+v", recent[0])
	}

	n, err := repo.PruneSpends(ctx, t0.Add(90*time.Second))
	if err != nil {
		t.Fatalf("PruneSpends failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned records, got %d", n)
	}
}

func TestVelocityTrackerRestoresWindow(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Safety()
	now := t0
	clock := func() time.Time { return now }
	limit := decimal.NewFromInt(1)

	first, err := safety.NewVelocityTracker(safety.DefaultVelocityConfig(), safety.VelocityOptions{Now: clock, Store: repo})
	if err != nil {
		t.Fatalf("NewVelocityTracker failed: %v", err)
	}
	if _, err := first.Spend(ctx, safety.SpendRecord{Session: "s1", AmountMon: decimal.RequireFromString("0.9")}, limit); err != nil {
		t.Fatalf("Spend failed: %v", err)
	}

	now = t0.Add(10 * time.Second)
	second, err := safety.NewVelocityTracker(safety.DefaultVelocityConfig(), safety.VelocityOptions{Now: clock, Store: repo})
	if err != nil {
		t.Fatalf("NewVelocityTracker failed: %v", err)
	}
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if check := second.CheckVelocity("s1", decimal.RequireFromString("0.2"), limit); check.Allowed {
		t.Fatalf("expected restored window to reject, got %+v", check)
	}
}

func openPair(t *testing.T) (*Store, *Store) {
	t.Helper()
	dir := t.TempDir()
	path, lock := filepath.Join(dir, "launchguard.db"), filepath.Join(dir, "launchguard.lock")
	var stores [2]*Store
	for i := range stores {
		s, err := Open(path, lock)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		stores[i] = s
	}
	return stores[0], stores[1]
}

func TestPlanUpdateRejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)
	o := plan.Output{ID: "plan_a", Status: plan.StatusApproved, CreatedAt: t0, UpdatedAt: t0}
	if err := a.Plans().Save(ctx, o); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	claim := o
	claim.Status = plan.StatusSubmitting
	claim.SubmissionID = "cor_a"
	claim.Revision = 1
	if err := a.Plans().Update(ctx, claim, 0); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	late := o
	late.Status = plan.StatusSubmitting
	late.SubmissionID = "cor_b"
	late.Revision = 1
	if err := b.Plans().Update(ctx, late, 0); !errors.Is(err, plan.ErrConflict) {
		t.Fatalf("expected ErrConflict from the second handle, got %v", err)
	}
	if err := b.Plans().Update(ctx, plan.Output{ID: "missing"}, 0); !errors.Is(err, plan.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := b.Plans().Get(ctx, "plan_a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SubmissionID != "cor_a" || got.Revision != 1 {
		t.Fatalf("the first claim should stand: %+v", got)
	}
	n, err := b.Plans().ClearQueued(ctx, t0)
	if err != nil {
		t.Fatalf("ClearQueued failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("a submitting plan is not queued, cleared %d", n)
	}
}

func TestKillSwitchActivationReachesOtherHandle(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)
	operator, err := safety.NewKillSwitch(safety.KillSwitchConfig{}, safety.KillSwitchOptions{Store: a.Safety()})
	if err != nil {
		t.Fatalf("NewKillSwitch failed: %v", err)
	}
	daemon, err := safety.NewKillSwitch(safety.KillSwitchConfig{}, safety.KillSwitchOptions{Store: b.Safety()})
	if err != nil {
		t.Fatalf("NewKillSwitch failed: %v", err)
	}
	if err := daemon.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := daemon.CheckAllowed(ctx, "submit"); err != nil {
		t.Fatalf("inactive switch should allow: %v", err)
	}

	if _, err := operator.Activate(ctx, "ops", "drill"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := daemon.CheckAllowed(ctx, "submit"); err == nil {
		t.Fatal("activation through another handle must block without a reload")
	}
	if !daemon.Active() {
		t.Fatal("daemon snapshot should follow the persisted state")
	}
}

func TestReserveSpendSharedAcrossTrackers(t *testing.T) {
	ctx := context.Background()
	a, b := openPair(t)
	clock := func() time.Time { return t0 }
	limit := decimal.NewFromInt(1)
	var trackers [2]*safety.VelocityTracker
	for i, s := range []*Store{a, b} {
		v, err := safety.NewVelocityTracker(safety.DefaultVelocityConfig(), safety.VelocityOptions{Now: clock, Store: s.Safety()})
		if err != nil {
			t.Fatalf("NewVelocityTracker failed: %v", err)
		}
		trackers[i] = v
	}

	if _, err := trackers[0].Spend(ctx, safety.SpendRecord{Session: "s1", AmountMon: decimal.RequireFromString("0.6")}, limit); err != nil {
		t.Fatalf("first spend failed: %v", err)
	}
	// The second tracker never loaded; the reservation still sees the first spend.
	if _, err := trackers[1].Spend(ctx, safety.SpendRecord{Session: "s1", AmountMon: decimal.RequireFromString("0.6")}, limit); err == nil {
		t.Fatal("expected the shared window to reject the second spend")
	}
	if _, err := trackers[1].Spend(ctx, safety.SpendRecord{Session: "s1", AmountMon: decimal.RequireFromString("0.4")}, limit); err != nil {
		t.Fatalf("spend within the shared headroom failed: %v", err)
	}
	recs, err := a.Safety().LoadSpends(ctx, t0.Add(-time.Minute))
	if err != nil {
		t.Fatalf("LoadSpends failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 stored spends, got %d", len(recs))
	}
}
