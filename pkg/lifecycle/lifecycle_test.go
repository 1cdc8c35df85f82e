package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-tickets/internal/ledgersim"
	"github.com/i5heu/ouroboros-tickets/internal/localstore"
	"github.com/i5heu/ouroboros-tickets/internal/testutil"
	"github.com/i5heu/ouroboros-tickets/pkg/contentstore"
	"github.com/i5heu/ouroboros-tickets/pkg/envelope"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/lifecycle"
	"github.com/i5heu/ouroboros-tickets/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// spyStore counts store traffic and can inject failures.
type spyStore struct {
	inner lifecycle.Store

	mu      sync.Mutex
	puts    int
	gets    int
	putErrs []error
	// tamper, when set, replaces what Get returns.
	tamper func(data []byte) []byte
}

func (s *spyStore) Put(ctx context.Context, data []byte) (contentstore.Record, error) {
	s.mu.Lock()
	s.puts++
	if len(s.putErrs) > 0 {
		err := s.putErrs[0]
		s.putErrs = s.putErrs[1:]
		s.mu.Unlock()
		return contentstore.Record{}, err
	}
	s.mu.Unlock()
	return s.inner.Put(ctx, data)
}

func (s *spyStore) Get(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	tamper := s.tamper
	s.mu.Unlock()
	data, err := s.inner.Get(ctx, id)
	if err == nil && tamper != nil {
		data = tamper(data)
	}
	return data, err
}

func (s *spyStore) counts() (puts, gets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts, s.gets
}

type env struct {
	orch     *lifecycle.Orchestrator
	sim      *ledgersim.Ledger
	coord    *ledger.Coordinator
	store    *spyStore
	reg      *prometheus.Registry
	protocol *keys.KeyPair
	deployer *keys.KeyPair
	owner    *keys.KeyPair
	stranger *keys.KeyPair
}

type envOptions struct {
	sim     ledgersim.Config
	timeout time.Duration
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	e := &env{
		deployer: testutil.KeyPair(t, 0x01),
		protocol: testutil.KeyPair(t, 0x02),
		owner:    testutil.KeyPair(t, 0xaa),
		stranger: testutil.KeyPair(t, 0x0b),
		reg:      prometheus.NewRegistry(),
	}

	backend, err := localstore.Open(localstore.Config{Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	gw, err := contentstore.ForBackend(backend, contentstore.Config{Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	e.store = &spyStore{inner: gw}

	opts.sim.Minters = []common.Address{e.deployer.Address}
	opts.sim.Redeemers = []common.Address{e.protocol.Address}
	opts.sim.Logger = testutil.DiscardLogger()
	e.sim = ledgersim.New(opts.sim)

	if opts.timeout == 0 {
		opts.timeout = 5 * time.Second
	}
	e.coord, err = ledger.NewCoordinator(ledger.Config{
		Contract:        e.sim,
		FinalityTimeout: opts.timeout,
		Logger:          testutil.DiscardLogger(),
	})
	require.NoError(t, err)

	m, err := metrics.New(e.reg)
	require.NoError(t, err)

	e.orch, err = lifecycle.New(lifecycle.Config{
		ProtocolKey: e.protocol,
		MintSigner:  e.deployer,
		Store:       e.store,
		Ledger:      e.coord,
		StoreRetry: lifecycle.RetryPolicy{
			MaxAttempts:     4,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
		Metrics: m,
		Logger:  testutil.DiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(e.orch.Close)
	return e
}

func (e *env) mint(t *testing.T, plaintext string, eventIndex uint32) lifecycle.MintResult {
	t.Helper()
	res, err := e.orch.MintAndProtect(context.Background(), lifecycle.MintRequest{
		Plaintext:  []byte(plaintext),
		Recipient:  e.owner.Address,
		EventIndex: eventIndex,
	})
	require.NoError(t, err)
	return res
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNewValidatesConfig(t *testing.T) { // A
	t.Parallel()
	_, err := lifecycle.New(lifecycle.Config{})
	assert.Error(t, err)
}

func TestMintAndRedeemEndToEnd(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{sim: ledgersim.Config{FirstTokenID: 7}})
	ctx := context.Background()

	minted := e.mint(t, "QR-7", 2)
	assert.Equal(t, uint64(7), minted.TokenID)
	assert.NotEmpty(t, minted.PreReleaseContentID)

	rec, err := e.coord.ReadTicket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusMinted, rec.Status)
	assert.Equal(t, minted.PreReleaseContentID, rec.PreReleaseContentID)
	assert.Equal(t, uint32(2), rec.EventIndex)
	assert.Equal(t, e.owner.Address, rec.Owner)

	redeemed, err := e.orch.RedeemAndReveal(ctx, lifecycle.RedeemRequest{
		TokenID:   7,
		Executor:  e.owner,
		Initiator: lifecycle.InitiatorOwner,
	})
	require.NoError(t, err)
	assert.True(t, redeemed.Verified)
	assert.NotEqual(t, minted.PreReleaseContentID, redeemed.PostReleaseContentID)

	rec, err = e.coord.ReadTicket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRedeemed, rec.Status)
	assert.Equal(t, redeemed.PostReleaseContentID, rec.PostReleaseContentID)
	assert.Equal(t, e.owner.Address, rec.Redeemer)

	got, err := e.orch.Reveal(ctx, 7, e.owner)
	require.NoError(t, err)
	assert.Equal(t, []byte("QR-7"), got)

	_, err = e.orch.RedeemAndReveal(ctx, lifecycle.RedeemRequest{
		TokenID:   7,
		Executor:  e.owner,
		Initiator: lifecycle.InitiatorOwner,
	})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidState)

	assert.Equal(t, 1.0, metricValue(t, e.reg, "tickets_operations_total",
		map[string]string{"operation": metrics.OpRedeem, "outcome": "invalid_state"}))
}

func TestPostReleaseContentIsOnlyForOwner(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	minted := e.mint(t, "QR-1", 0)

	redeemed, err := e.orch.RedeemAndReveal(ctx, lifecycle.RedeemRequest{
		TokenID:        minted.TokenID,
		OwnerPublicKey: e.owner.Public,
	})
	require.NoError(t, err)
	assert.False(t, redeemed.Verified, "no owner private key was held")

	sealed, err := e.store.Get(ctx, redeemed.PostReleaseContentID)
	require.NoError(t, err)
	_, err = envelope.Open(sealed, e.protocol.PrivateKey())
	assert.ErrorIs(t, err, envelope.ErrDecryptionFailed)
	got, err := envelope.Open(sealed, e.owner.PrivateKey())
	require.NoError(t, err)
	assert.Equal(t, []byte("QR-1"), got)
}

func TestCustodialRedeemIsVerified(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	minted := e.mint(t, "QR-2", 0)

	redeemed, err := e.orch.RedeemAndReveal(context.Background(), lifecycle.RedeemRequest{
		TokenID:  minted.TokenID,
		OwnerKey: e.owner,
	})
	require.NoError(t, err)
	assert.True(t, redeemed.Verified)
}

func TestAuthorizationGateRunsBeforeAnyFetch(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	minted := e.mint(t, "QR-3", 0)
	_, getsAfterMint := e.store.counts()
	ctx := context.Background()

	cases := map[string]lifecycle.RedeemRequest{
		"owner-initiated by stranger": {
			TokenID:   minted.TokenID,
			Executor:  e.stranger,
			Initiator: lifecycle.InitiatorOwner,
		},
		"re-encrypt for stranger": {
			TokenID:        minted.TokenID,
			OwnerPublicKey: e.stranger.Public,
		},
		"custodial key of stranger": {
			TokenID:  minted.TokenID,
			OwnerKey: e.stranger,
		},
		"owner executor, stranger target": {
			TokenID:        minted.TokenID,
			Executor:       e.owner,
			Initiator:      lifecycle.InitiatorOwner,
			OwnerPublicKey: e.stranger.Public,
		},
	}
	for name, req := range cases {
		_, err := e.orch.RedeemAndReveal(ctx, req)
		assert.ErrorIs(t, err, lifecycle.ErrAuthorizationMismatch, name)
	}

	_, gets := e.store.counts()
	assert.Equal(t, getsAfterMint, gets, "no content may be fetched for unauthorized redeems")

	rec, err := e.coord.ReadTicket(ctx, minted.TokenID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusMinted, rec.Status)
}

func TestRedeemRequiresMintedState(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	unminted := e.sim.Create(e.owner.Address, 1)

	for name, id := range map[string]uint64{"unminted": unminted, "nonexistent": 999} {
		_, err := e.orch.RedeemAndReveal(ctx, lifecycle.RedeemRequest{
			TokenID:   id,
			Executor:  e.owner,
			Initiator: lifecycle.InitiatorOwner,
		})
		assert.ErrorIs(t, err, lifecycle.ErrInvalidState, name)
	}

	puts, gets := e.store.counts()
	assert.Zero(t, puts)
	assert.Zero(t, gets)
}

func TestRedeemNeedsTargetKey(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	minted := e.mint(t, "QR-4", 0)

	_, err := e.orch.RedeemAndReveal(context.Background(), lifecycle.RedeemRequest{TokenID: minted.TokenID})
	assert.ErrorIs(t, err, lifecycle.ErrNoTargetKey)

	_, err = e.orch.RedeemAndReveal(context.Background(), lifecycle.RedeemRequest{
		TokenID:   minted.TokenID,
		Initiator: lifecycle.InitiatorOwner,
		OwnerKey:  e.owner,
	})
	assert.Error(t, err, "owner-initiated redeem without an executor")
}

// barrierLedger holds every ReadTicket until n callers have read, so that
// all of them pass the state pre-check before any redeem is submitted.
type barrierLedger struct {
	lifecycle.Ledger
	wg *sync.WaitGroup
}

func (b barrierLedger) ReadTicket(ctx context.Context, id uint64) (ledger.TicketRecord, error) {
	rec, err := b.Ledger.ReadTicket(ctx, id)
	b.wg.Done()
	b.wg.Wait()
	return rec, err
}

func TestConcurrentRedeemsCommitOnce(t *testing.T) { // A
	t.Parallel()
	var barrier sync.WaitGroup
	e := newEnv(t, envOptions{})
	minted := e.mint(t, "QR-5", 0)

	barrier.Add(2)
	racing, err := lifecycle.New(lifecycle.Config{
		ProtocolKey: e.protocol,
		MintSigner:  e.deployer,
		Store:       e.store,
		Ledger:      barrierLedger{Ledger: e.coord, wg: &barrier},
		Logger:      testutil.DiscardLogger(),
	})
	require.NoError(t, err)
	defer racing.Close()

	reqs := []lifecycle.RedeemRequest{
		{TokenID: minted.TokenID, Executor: e.owner, Initiator: lifecycle.InitiatorOwner},
		{TokenID: minted.TokenID, OwnerPublicKey: e.owner.Public},
	}
	errs := make([]error, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			_, errs[i] = racing.RedeemAndReveal(context.Background(), req)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, reverted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ledger.ErrTransactionReverted):
			reverted++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, reverted)

	rec, err := e.coord.ReadTicket(context.Background(), minted.TokenID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRedeemed, rec.Status)
}

func TestPostMintIntegrityFailureKeepsResult(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{sim: ledgersim.Config{FirstTokenID: 40}})
	e.store.tamper = func(data []byte) []byte {
		other, err := envelope.Seal([]byte("forged"), e.protocol.Public)
		require.NoError(t, err)
		return other
	}

	res, err := e.orch.MintAndProtect(context.Background(), lifecycle.MintRequest{
		Plaintext: []byte("QR-6"),
		Recipient: e.owner.Address,
	})
	require.ErrorIs(t, err, lifecycle.ErrPostMintIntegrityFailure)
	assert.Equal(t, uint64(40), res.TokenID)
	assert.NotEmpty(t, res.PreReleaseContentID)

	rec, err := e.orch.Reconcile(context.Background(), 40)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusMinted, rec.Status)
	assert.Equal(t, res.PreReleaseContentID, rec.PreReleaseContentID)
}

func TestMintTimeoutIsReconcilable(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{sim: ledgersim.Config{FirstTokenID: 11}, timeout: 20 * time.Millisecond})
	e.sim.Stall()
	defer e.sim.Resume()

	res, err := e.orch.MintAndProtect(context.Background(), lifecycle.MintRequest{
		Plaintext: []byte("QR-11"),
		Recipient: e.owner.Address,
	})
	require.ErrorIs(t, err, ledger.ErrTransactionTimeout)
	assert.NotEmpty(t, res.PreReleaseContentID)
	assert.NotEqual(t, common.Hash{}, res.Receipt.TxHash)

	rec, err := e.orch.Reconcile(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusMinted, rec.Status)
	assert.Equal(t, res.PreReleaseContentID, rec.PreReleaseContentID)
}

func TestRetryableStoreFailuresAreRetried(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	e.store.putErrs = []error{contentstore.ErrStoreUnavailable, contentstore.ErrStoreUnavailable}

	e.mint(t, "QR-8", 0)

	puts, _ := e.store.counts()
	assert.Equal(t, 3, puts)
	assert.Equal(t, 2.0, metricValue(t, e.reg, "tickets_store_retries_total", nil))
}

func TestRejectedStoreFailuresAreNotRetried(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	e.store.putErrs = []error{contentstore.ErrStoreRejected}

	_, err := e.orch.MintAndProtect(context.Background(), lifecycle.MintRequest{
		Plaintext: []byte("QR-9"),
		Recipient: e.owner.Address,
	})
	assert.ErrorIs(t, err, contentstore.ErrStoreRejected)

	puts, _ := e.store.counts()
	assert.Equal(t, 1, puts)
}

func TestStoreRetriesAreBounded(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	for range 10 {
		e.store.putErrs = append(e.store.putErrs, contentstore.ErrStoreUnavailable)
	}

	_, err := e.orch.MintAndProtect(context.Background(), lifecycle.MintRequest{
		Plaintext: []byte("QR-10"),
		Recipient: e.owner.Address,
	})
	assert.ErrorIs(t, err, contentstore.ErrStoreUnavailable)

	puts, _ := e.store.counts()
	assert.Equal(t, 4, puts)
}

func TestRevealChecksStateAndRedeemer(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	minted := e.mint(t, "QR-12", 0)

	_, err := e.orch.Reveal(ctx, minted.TokenID, e.owner)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidState)

	_, err = e.orch.RedeemAndReveal(ctx, lifecycle.RedeemRequest{TokenID: minted.TokenID, OwnerKey: e.owner})
	require.NoError(t, err)

	_, getsBefore := e.store.counts()
	_, err = e.orch.Reveal(ctx, minted.TokenID, e.stranger)
	assert.ErrorIs(t, err, lifecycle.ErrAuthorizationMismatch)
	_, getsAfter := e.store.counts()
	assert.Equal(t, getsBefore, getsAfter)

	_, err = e.orch.Reveal(ctx, 5000, e.owner)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidState)
}

// redeemerLedger answers ReadRedeemer with a fixed address.
type redeemerLedger struct {
	lifecycle.Ledger
	redeemer common.Address

	mu    sync.Mutex
	reads int
}

func (r *redeemerLedger) ReadRedeemer(ctx context.Context, id uint64) (common.Address, error) {
	r.mu.Lock()
	r.reads++
	r.mu.Unlock()
	return r.redeemer, nil
}

func TestRevealAuthorizesAgainstRedeemerOf(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	minted := e.mint(t, "QR-13", 0)

	l := &redeemerLedger{Ledger: e.coord, redeemer: e.stranger.Address}
	orch, err := lifecycle.New(lifecycle.Config{
		ProtocolKey: e.protocol,
		MintSigner:  e.deployer,
		Store:       e.store,
		Ledger:      l,
		Logger:      testutil.DiscardLogger(),
	})
	require.NoError(t, err)
	defer orch.Close()

	_, err = orch.Reveal(ctx, minted.TokenID, e.owner)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidState)
	assert.Zero(t, l.reads, "redeemer read before the state check")

	_, err = e.orch.RedeemAndReveal(ctx, lifecycle.RedeemRequest{TokenID: minted.TokenID, OwnerKey: e.owner})
	require.NoError(t, err)

	_, err = orch.Reveal(ctx, minted.TokenID, e.owner)
	assert.ErrorIs(t, err, lifecycle.ErrAuthorizationMismatch)
	assert.Equal(t, 1, l.reads)

	l.redeemer = e.owner.Address
	got, err := orch.Reveal(ctx, minted.TokenID, e.owner)
	require.NoError(t, err)
	assert.Equal(t, []byte("QR-13"), got)
	assert.Equal(t, 2, l.reads)
}

func TestMintBatchReportsEachOutcome(t *testing.T) { // A
	t.Parallel()
	e := newEnv(t, envOptions{})

	reqs := []lifecycle.MintRequest{
		{Plaintext: []byte("a"), Recipient: e.owner.Address, EventIndex: 1},
		{Plaintext: []byte("b"), Recipient: e.stranger.Address, EventIndex: 1},
		{Plaintext: []byte("c"), Recipient: common.Address{}, EventIndex: 1},
		{Plaintext: []byte("d"), Recipient: e.owner.Address, EventIndex: 2},
	}
	out, err := e.orch.MintBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, out, len(reqs))

	seen := make(map[uint64]bool)
	for i, o := range out {
		assert.Equal(t, i, o.Index)
		if i == 2 {
			assert.ErrorIs(t, o.Err, ledger.ErrTransactionReverted)
			continue
		}
		require.NoError(t, o.Err, i)
		assert.False(t, seen[o.Result.TokenID])
		seen[o.Result.TokenID] = true
	}
}
