package submission

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchguard/launchguard/internal/audit"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/policy"
	"github.com/launchguard/launchguard/internal/signer"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeProvider struct {
	mu         sync.Mutex
	healthErr  error
	nonce      uint64
	sendErrs   []error
	sent       []*types.Transaction
	relayed    []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	nonceCalls int
}

func (f *fakeProvider) Name() string                               { return "fake" }
func (f *fakeProvider) HealthCheck(context.Context) error          { return f.healthErr }
func (f *fakeProvider) ChainID(context.Context) (*big.Int, error) { return big.NewInt(10143), nil }
func (f *fakeProvider) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeProvider) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeProvider) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

type relayProvider struct {
	*fakeProvider
}

func (r relayProvider) PrivateRelaySubmit(_ context.Context, tx *types.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayed = append(r.relayed, tx)
	return nil
}

type switchGuard struct{ err error }

func (g *switchGuard) CheckAllowed(context.Context, string) error { return g.err }

type fixture struct {
	svc    *Service
	prov   *fakeProvider
	sink   *audit.MemorySink
	guard  *switchGuard
	sleeps []time.Duration
}

func newFixture(t *testing.T, p Provider, fp *fakeProvider) *fixture {
	t.Helper()
	s, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testKey})
	require.NoError(t, err)
	f := &fixture{prov: fp, sink: audit.NewMemorySink(), guard: &switchGuard{}}
	svc, err := NewService(DefaultConfig(), Deps{
		Provider: p,
		Signer:   s,
		Rules:    policy.DefaultRouteRules(),
		Guard:    f.guard,
		Audit:    f.sink,
		Sleep: func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		},
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func records(t *testing.T, sink *audit.MemorySink) []audit.Record {
	t.Helper()
	recs, err := sink.Records(context.Background())
	require.NoError(t, err)
	return recs
}

func mon(v string) *big.Int {
	return decimal.RequireFromString(v).Shift(18).BigInt()
}

func smallTx() TxRequest {
	return TxRequest{
		To:                      common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		ValueWei:                mon("0.2"),
		Gas:                     150000,
		MaxFeePerGasWei:         big.NewInt(100_000_000_000),
		MaxPriorityFeePerGasWei: big.NewInt(2_000_000_000),
	}
}

func TestSubmitPublicRouteRecordsCorrelation(t *testing.T) {
	fp := &fakeProvider{nonce: 7}
	f := newFixture(t, fp, fp)

	res, err := f.svc.Submit(context.Background(), smallTx(), Options{Correlation: Correlation{PlanID: "plan_1", SimulationID: "sim_1", BundleID: "bundle_1", DecisionID: "dec_1"}})
	require.NoError(t, err)
	assert.Equal(t, policy.RoutePublicRPC, res.Route)
	assert.Equal(t, uint64(7), res.Nonce)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.CorrelationID, "cor_")
	require.Len(t, fp.sent, 1)
	assert.Equal(t, fp.sent[0].Hash().Hex(), res.TxHash)
	assert.Equal(t, big.NewInt(10143), fp.sent[0].ChainId())

	recs := records(t, f.sink)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, audit.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, res.CorrelationID, rec.CorrelationID)
	assert.Equal(t, "plan_1", rec.PlanID)
	assert.Equal(t, "dec_1", rec.DecisionID)
	assert.Equal(t, res.TxHash, rec.TxHash)
	require.NotNil(t, rec.Nonce)
	assert.Equal(t, uint64(7), *rec.Nonce)
	assert.False(t, rec.SecurityEvent)
}

func TestSubmitCommittedNonceAdvances(t *testing.T) {
	fp := &fakeProvider{nonce: 3}
	f := newFixture(t, fp, fp)

	first, err := f.svc.Submit(context.Background(), smallTx(), Options{})
	require.NoError(t, err)
	second, err := f.svc.Submit(context.Background(), smallTx(), Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first.Nonce)
	assert.Equal(t, uint64(4), second.Nonce)
}

func TestSubmitKillSwitchChecksFirst(t *testing.T) {
	fp := &fakeProvider{}
	f := newFixture(t, fp, fp)
	f.guard.err = clierr.New(clierr.CodeKillSwitch, "kill switch active")

	_, err := f.svc.Submit(context.Background(), smallTx(), Options{})
	require.Error(t, err)
	assert.Equal(t, clierr.CodeKillSwitch, clierr.CodeOf(err))
	assert.Zero(t, fp.nonceCalls)
	assert.Empty(t, fp.sent)

	recs := records(t, f.sink)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeBlocked, recs[0].Outcome)
	assert.True(t, recs[0].SecurityEvent)
}

func TestSubmitLargeValueNeedsRelay(t *testing.T) {
	fp := &fakeProvider{}
	f := newFixture(t, fp, fp)
	req := smallTx()
	req.ValueWei = mon("5")

	_, err := f.svc.Submit(context.Background(), req, Options{})
	require.Error(t, err)
	assert.Equal(t, clierr.CodeProviderOffline, clierr.CodeOf(err))
	assert.Empty(t, fp.sent, "must not fall back to the public route")

	_, err = f.svc.Submit(context.Background(), req, Options{Route: policy.RoutePublicRPC})
	require.Error(t, err)
	assert.Equal(t, clierr.CodePolicy, clierr.CodeOf(err))
	assert.Empty(t, fp.sent)
}

func TestSubmitPrivateRelay(t *testing.T) {
	fp := &fakeProvider{nonce: 1}
	f := newFixture(t, relayProvider{fp}, fp)
	req := smallTx()
	req.ValueWei = mon("5")

	res, err := f.svc.Submit(context.Background(), req, Options{})
	require.NoError(t, err)
	assert.Equal(t, policy.RoutePrivateRelay, res.Route)
	assert.Len(t, fp.relayed, 1)
	assert.Empty(t, fp.sent)
}

func TestSubmitUnhealthyProviderIsOffline(t *testing.T) {
	fp := &fakeProvider{healthErr: errors.New("connection refused")}
	f := newFixture(t, fp, fp)

	_, err := f.svc.Submit(context.Background(), smallTx(), Options{})
	require.Error(t, err)
	assert.Equal(t, clierr.CodeProviderOffline, clierr.CodeOf(err))
	assert.True(t, records(t, f.sink)[0].SecurityEvent)
}

func TestSubmitRetriesTransientErrorsWithLinearBackoff(t *testing.T) {
	fp := &fakeProvider{sendErrs: []error{errors.New("502 bad gateway"), errors.New("connection reset")}}
	f := newFixture(t, fp, fp)

	res, err := f.svc.Submit(context.Background(), smallTx(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
	assert.False(t, f.svc.deps.Nonces.InFlight(f.svc.deps.Signer.Address()))

	recs := records(t, f.sink)
	require.Len(t, recs, 3)
	assert.Equal(t, audit.OutcomeFailure, recs[0].Outcome)
	assert.Equal(t, audit.OutcomeSuccess, recs[2].Outcome)
	assert.Equal(t, 3, recs[2].Attempt)
}

func TestSubmitGivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("upstream down")
	fp := &fakeProvider{sendErrs: []error{boom, boom, boom, boom}}
	f := newFixture(t, fp, fp)

	res, err := f.svc.Submit(context.Background(), smallTx(), Options{})
	require.Error(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, records(t, f.sink), 3)
	assert.False(t, f.svc.deps.Nonces.InFlight(f.svc.deps.Signer.Address()))
}

func TestSubmitNonceErrorsAreNotRetried(t *testing.T) {
	fp := &fakeProvider{sendErrs: []error{clierr.Wrap(clierr.CodeNonceCollision, "broadcast", errors.New("nonce too low"))}}
	f := newFixture(t, fp, fp)

	res, err := f.svc.Submit(context.Background(), smallTx(), Options{})
	require.Error(t, err)
	assert.Equal(t, clierr.CodeNonceCollision, clierr.CodeOf(err))
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, f.sleeps)
	assert.True(t, records(t, f.sink)[0].SecurityEvent)
}

func TestSubmitKillSwitchBetweenRetries(t *testing.T) {
	fp := &fakeProvider{sendErrs: []error{errors.New("timeout")}}
	f := newFixture(t, fp, fp)
	f.svc.deps.Sleep = func(context.Context, time.Duration) error {
		f.guard.err = clierr.New(clierr.CodeKillSwitch, "kill switch active")
		return nil
	}

	_, err := f.svc.Submit(context.Background(), smallTx(), Options{})
	require.Error(t, err)
	assert.Equal(t, clierr.CodeKillSwitch, clierr.CodeOf(err))
	assert.Empty(t, fp.sent)
}

func TestNonceManagerRejectsConcurrentReservation(t *testing.T) {
	m := NewNonceManager()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	fetch := func(context.Context, common.Address) (uint64, error) { return 10, nil }

	n, err := m.Reserve(context.Background(), addr, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	_, err = m.Reserve(context.Background(), addr, fetch)
	require.Error(t, err)
	assert.Equal(t, clierr.CodeNonceCollision, clierr.CodeOf(err))

	m.Release(addr, n)
	again, err := m.Reserve(context.Background(), addr, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), again)
	m.Commit(addr, again)

	next, err := m.Reserve(context.Background(), addr, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), next)
}

func TestNonceManagerFetchErrorReleases(t *testing.T) {
	m := NewNonceManager()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000c4")
	_, err := m.Reserve(context.Background(), addr, func(context.Context, common.Address) (uint64, error) {
		return 0, errors.New("rpc down")
	})
	require.Error(t, err)
	assert.Equal(t, clierr.CodeUnavailable, clierr.CodeOf(err))
	assert.False(t, m.InFlight(addr))
}

func TestNonceManagerConcurrentReserveSingleWinner(t *testing.T) {
	m := NewNonceManager()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000c5")
	release := make(chan struct{})
	fetch := func(context.Context, common.Address) (uint64, error) {
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Reserve(context.Background(), addr, fetch)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, clierr.CodeNonceCollision, clierr.CodeOf(err))
	}
	assert.Equal(t, 1, ok)
}

func TestWaitForConfirmation(t *testing.T) {
	fp := &fakeProvider{receipts: map[common.Hash]*types.Receipt{}}
	hash := common.HexToHash("0x01")
	fp.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}

	r, err := WaitForConfirmation(context.Background(), fp, hash, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, r.Status)

	_, err = WaitForConfirmation(context.Background(), fp, common.HexToHash("0x02"), 30*time.Millisecond, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, clierr.CodeTimeout, clierr.CodeOf(err))
}

func TestClassifySendError(t *testing.T) {
	assert.Equal(t, clierr.CodeNonceCollision, clierr.CodeOf(classifySendError("send", errors.New("nonce too low"))))
	assert.Equal(t, clierr.CodeUsage, clierr.CodeOf(classifySendError("send", errors.New("insufficient funds for gas * price + value"))))
	assert.Equal(t, clierr.CodeUnavailable, clierr.CodeOf(classifySendError("send", errors.New("503"))))
}
