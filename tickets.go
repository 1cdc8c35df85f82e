/*
Package tickets protects the QR content of conditional tickets. Content is
encrypted for a protocol key at mint, stored by content id and referenced
from an on-chain ticket; at redemption it is re-encrypted for the ticket
owner and the ticket is marked redeemed.

A Vault wires a content store backend, a ledger backend and the lifecycle
orchestrator from a Config.
*/
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-tickets/internal/evm"
	"github.com/i5heu/ouroboros-tickets/internal/filebase"
	"github.com/i5heu/ouroboros-tickets/internal/ledgersim"
	"github.com/i5heu/ouroboros-tickets/internal/localstore"
	"github.com/i5heu/ouroboros-tickets/pkg/contentstore"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/lifecycle"
	"github.com/i5heu/ouroboros-tickets/pkg/metrics"
)

var (
	ErrNotStarted = errors.New("tickets: vault not started")
	ErrClosed     = errors.New("tickets: vault closed")
)

const (
	logKeyStore     = "store"
	logKeyLedger    = "ledger"
	logKeyProtocol  = "protocol"
	logKeyDeployer  = "deployer"
	logKeyComponent = "component"
)

// Vault is the main handle. It owns the store and ledger connections and
// the orchestrator built on them.
type Vault struct {
	log    *slog.Logger
	config Config

	protocol *keys.KeyPair
	deployer *keys.KeyPair
	owner    *keys.KeyPair

	mu      sync.RWMutex
	orch    *lifecycle.Orchestrator
	coord   *ledger.Coordinator
	sim     *ledgersim.Ledger
	closers []func() error

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates conf and parses the role keys. The protocol key is always
// required. New does not perform I/O; call Start to connect the backends.
func New(conf Config) (*Vault, error) { // A
	if err := conf.Validate(RoleProtocol); err != nil {
		return nil, err
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}

	v := &Vault{log: conf.Logger, config: conf}
	var err error
	if v.protocol, err = keys.FromHex(conf.Keys.Protocol); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if conf.Keys.Deployer != "" {
		if v.deployer, err = keys.FromHex(conf.Keys.Deployer); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if conf.Keys.Owner != "" {
		if v.owner, err = keys.FromHex(conf.Keys.Owner); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return v, nil
}

// Start opens the content store and the ledger and builds the orchestrator.
// Only the first call has effect.
func (v *Vault) Start(ctx context.Context) error { // PA
	if v.closed.Load() {
		return ErrClosed
	}
	var startErr error
	v.startOnce.Do(func() {
		startErr = v.start(ctx)
		if startErr != nil {
			startErr = errors.Join(startErr, v.release())
			return
		}
		v.started.Store(true)
		attrs := []any{
			logKeyStore, v.config.Store.Backend,
			logKeyLedger, v.config.Ledger.Backend,
			logKeyProtocol, v.protocol,
		}
		if v.deployer != nil {
			attrs = append(attrs, logKeyDeployer, v.deployer)
		}
		v.log.InfoContext(ctx, "vault started", attrs...)
	})
	return startErr
}

func (v *Vault) start(ctx context.Context) error {
	store, err := v.openStore(ctx)
	if err != nil {
		return err
	}
	contract, err := v.openLedger(ctx)
	if err != nil {
		return err
	}

	coord, err := ledger.NewCoordinator(ledger.Config{
		Contract:        contract,
		FinalityTimeout: v.config.Ledger.FinalityTimeout,
		Logger:          v.log.With(logKeyComponent, "ledger"),
	})
	if err != nil {
		return err
	}

	m, err := metrics.New(v.config.Registerer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	lc := v.config.Lifecycle
	orch, err := lifecycle.New(lifecycle.Config{
		ProtocolKey: v.protocol,
		MintSigner:  v.deployer,
		Store:       store,
		Ledger:      coord,
		StoreRetry: lifecycle.RetryPolicy{
			MaxAttempts:     lc.StoreRetryAttempts,
			InitialInterval: lc.StoreRetryInitial,
			MaxInterval:     lc.StoreRetryMax,
		},
		BatchWorkers: lc.BatchWorkers,
		Metrics:      m,
		Logger:       v.log.With(logKeyComponent, "lifecycle"),
	})
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.coord = coord
	v.orch = orch
	v.closers = append(v.closers, func() error { orch.Close(); return nil })
	v.mu.Unlock()
	return nil
}

func (v *Vault) openStore(ctx context.Context) (*contentstore.Gateway, error) {
	log := v.log.With(logKeyComponent, "store")
	var backend contentstore.Backend

	switch v.config.Store.Backend {
	case StoreLocal:
		lc := v.config.Store.Local
		s, err := localstore.Open(localstore.Config{
			Path:          lc.Path,
			MinimumFreeGB: lc.MinimumFreeGB,
			MaxObjectSize: lc.MaxObjectSize,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		v.closers = append(v.closers, s.Close)
		backend = s
	default:
		fc := v.config.Store.Filebase
		s, err := filebase.New(ctx, filebase.Config{
			AccessKeyID:     fc.AccessKeyID,
			SecretAccessKey: fc.SecretAccessKey,
			Endpoint:        fc.Endpoint,
			Region:          fc.Region,
			Bucket:          fc.Bucket,
			GatewayURL:      fc.GatewayURL,
			PresignTTL:      fc.PresignTTL,
			FetchRetries:    fc.FetchRetries,
			Logger:          log,
		})
		if err != nil {
			return nil, fmt.Errorf("open filebase store: %w", err)
		}
		backend = s
	}

	return contentstore.ForBackend(backend, contentstore.Config{Logger: log})
}

func (v *Vault) openLedger(ctx context.Context) (ledger.Contract, error) {
	lc := v.config.Ledger
	log := v.log.With(logKeyComponent, "contract")

	if lc.Backend == LedgerSim {
		var minters []common.Address
		if v.deployer != nil {
			minters = append(minters, v.deployer.Address)
		}
		sim := ledgersim.New(ledgersim.Config{
			Minters:   minters,
			Redeemers: []common.Address{v.protocol.Address},
			Logger:    log,
		})
		v.mu.Lock()
		v.sim = sim
		v.mu.Unlock()
		return sim, nil
	}

	c, err := evm.Dial(ctx, evm.Config{
		RPCURL:          lc.RPCURL,
		ContractAddress: common.HexToAddress(lc.ContractAddress),
		ChainID:         big.NewInt(lc.ChainID),
		Confirmations:   lc.Confirmations,
		PollInterval:    lc.PollInterval,
		Logger:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	v.closers = append(v.closers, func() error { c.Close(); return nil })
	return c, nil
}

// Run starts the vault, blocks until ctx is canceled and then closes it.
func (v *Vault) Run(ctx context.Context) error { // A
	if err := v.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return v.Close(shutdownCtx)
}

// Close releases the backends. Close is idempotent.
func (v *Vault) Close(ctx context.Context) error { // A
	var closeErr error
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		v.started.Store(false)
		closeErr = v.release()
		v.log.InfoContext(ctx, "vault closed")
	})
	return closeErr
}

// release runs the closers in reverse order.
func (v *Vault) release() error {
	v.mu.Lock()
	closers := v.closers
	v.closers = nil
	v.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = errors.Join(err, closers[i]())
	}
	return err
}

func (v *Vault) orchestrator() (*lifecycle.Orchestrator, error) {
	if v.closed.Load() {
		return nil, ErrClosed
	}
	if !v.started.Load() {
		return nil, ErrNotStarted
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.orch, nil
}

// ProtocolKey returns the protocol role key.
func (v *Vault) ProtocolKey() *keys.KeyPair { return v.protocol }

// DeployerKey returns the deployer role key or nil.
func (v *Vault) DeployerKey() *keys.KeyPair { return v.deployer }

// OwnerKey returns the owner role key or nil.
func (v *Vault) OwnerKey() *keys.KeyPair { return v.owner }

// Simulator returns the in-process ledger when the "sim" backend is in use.
func (v *Vault) Simulator() *ledgersim.Ledger {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sim
}

// Mint encrypts plaintext for the protocol key and mints a ticket for
// recipient. See lifecycle.Orchestrator.MintAndProtect.
func (v *Vault) Mint(ctx context.Context, plaintext []byte, recipient common.Address, eventIndex uint32) (lifecycle.MintResult, error) { // A
	o, err := v.orchestrator()
	if err != nil {
		return lifecycle.MintResult{}, err
	}
	if v.deployer == nil {
		return lifecycle.MintResult{}, fmt.Errorf("%w: %s", ErrMissingKey, RoleDeployer.EnvVar())
	}
	return o.MintAndProtect(ctx, lifecycle.MintRequest{
		Plaintext:  plaintext,
		Recipient:  recipient,
		EventIndex: eventIndex,
	})
}

// MintBatch mints every request on the batch workers.
func (v *Vault) MintBatch(ctx context.Context, reqs []lifecycle.MintRequest) ([]lifecycle.BatchOutcome, error) { // A
	o, err := v.orchestrator()
	if err != nil {
		return nil, err
	}
	if v.deployer == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, RoleDeployer.EnvVar())
	}
	return o.MintBatch(ctx, reqs)
}

// Redeem runs lifecycle.Orchestrator.RedeemAndReveal. When the request names
// no owner key and the vault holds one, it is used.
func (v *Vault) Redeem(ctx context.Context, req lifecycle.RedeemRequest) (lifecycle.RedeemResult, error) { // A
	o, err := v.orchestrator()
	if err != nil {
		return lifecycle.RedeemResult{TokenID: req.TokenID}, err
	}
	if req.OwnerKey == nil && req.OwnerPublicKey == nil {
		req.OwnerKey = v.owner
	}
	if req.Initiator == lifecycle.InitiatorOwner && req.Executor == nil {
		req.Executor = v.owner
	}
	return o.RedeemAndReveal(ctx, req)
}

// Reveal decrypts the post-release content with ownerKey, or with the
// vault's owner key when ownerKey is nil.
func (v *Vault) Reveal(ctx context.Context, tokenID uint64, ownerKey *keys.KeyPair) ([]byte, error) { // A
	o, err := v.orchestrator()
	if err != nil {
		return nil, err
	}
	if ownerKey == nil {
		ownerKey = v.owner
	}
	return o.Reveal(ctx, tokenID, ownerKey)
}

func (v *Vault) Reconcile(ctx context.Context, tokenID uint64) (ledger.TicketRecord, error) { // A
	o, err := v.orchestrator()
	if err != nil {
		return ledger.TicketRecord{}, err
	}
	return o.Reconcile(ctx, tokenID)
}

// Ticket reads the ticket record without logging or metrics.
func (v *Vault) Ticket(ctx context.Context, tokenID uint64) (ledger.TicketRecord, error) { // A
	if _, err := v.orchestrator(); err != nil {
		return ledger.TicketRecord{}, err
	}
	v.mu.RLock()
	coord := v.coord
	v.mu.RUnlock()
	return coord.ReadTicket(ctx, tokenID)
}
