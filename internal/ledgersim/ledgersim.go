// Package ledgersim is an in-process ticket contract.
//
// It keeps the contract's rules (ERC-721 style ownership, minter allow-list,
// revert on invalid state) behind a single mutex, so every transition is
// atomic the way a block is. Used by tests and by the demo command.
package ledgersim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
)

const (
	logKeyTokenID = "tokenId"
	logKeyReason  = "reason"
)

// Config configures a Ledger.
type Config struct {
	// Minters may call Mint.
	Minters []common.Address
	// Redeemers may call Redeem on any ticket. Owners may always redeem
	// their own ticket.
	Redeemers []common.Address
	// FirstTokenID is the id of the first minted token. Defaults to 1.
	FirstTokenID uint64
	// FinalityDelay is how long WaitFinal takes after submission.
	FinalityDelay time.Duration
	// RevertOnChain makes refused transitions produce a mined, reverted
	// receipt instead of failing at submission.
	RevertOnChain bool
	Logger        *slog.Logger
}

type ticket struct {
	info     ledger.TicketInfo
	owner    common.Address
	pre      string
	post     string
	redeemer common.Address
}

type tx struct {
	receipt ledger.Receipt
	readyAt time.Time
}

// Ledger implements ledger.Contract.
type Ledger struct { // A
	conf      Config
	log       *slog.Logger
	minters   map[common.Address]bool
	redeemers map[common.Address]bool

	mu      sync.Mutex
	tickets map[uint64]*ticket
	nextID  uint64
	block   uint64
	txs     map[common.Hash]*tx
	stalled chan struct{}
}

var _ ledger.Contract = (*Ledger)(nil)

func New(conf Config) *Ledger { // A
	if conf.FirstTokenID == 0 {
		conf.FirstTokenID = 1
	}
	if conf.Logger == nil {
		conf.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	l := &Ledger{
		conf:      conf,
		log:       conf.Logger,
		minters:   make(map[common.Address]bool),
		redeemers: make(map[common.Address]bool),
		tickets:   make(map[uint64]*ticket),
		nextID:    conf.FirstTokenID,
		txs:       make(map[common.Hash]*tx),
	}
	for _, a := range conf.Minters {
		l.minters[a] = true
	}
	for _, a := range conf.Redeemers {
		l.redeemers[a] = true
	}
	return l
}

// Create registers an unminted ticket owned by owner, the way an external
// minting authority would. It returns the token id.
func (l *Ledger) Create(owner common.Address, eventIndex uint32) uint64 { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.tickets[id] = &ticket{
		info:  ledger.TicketInfo{Status: ledger.StatusUnminted, EventIndex: eventIndex},
		owner: owner,
	}
	return id
}

// Transfer moves an unredeemed ticket to a new owner.
func (l *Ledger) Transfer(tokenID uint64, to common.Address) error { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tickets[tokenID]
	if !ok {
		return ledger.ErrTokenNotFound
	}
	if t.info.Status == ledger.StatusRedeemed {
		return fmt.Errorf("%w: ticket %d already redeemed", ledger.ErrTransactionReverted, tokenID)
	}
	t.owner = to
	return nil
}

// Stall holds every finality wait until Resume is called.
func (l *Ledger) Stall() { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stalled == nil {
		l.stalled = make(chan struct{})
	}
}

func (l *Ledger) Resume() { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stalled != nil {
		close(l.stalled)
		l.stalled = nil
	}
}

func (l *Ledger) lookup(tokenID uint64) (*ticket, error) {
	t, ok := l.tickets[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ledger.ErrTokenNotFound, tokenID)
	}
	return t, nil
}

// TicketInfo of an unknown token is the zero tuple, as a contract mapping
// would return it.
func (l *Ledger) TicketInfo(ctx context.Context, tokenID uint64) (ledger.TicketInfo, error) { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tickets[tokenID]
	if !ok {
		return ledger.TicketInfo{}, nil
	}
	return t.info, nil
}

func (l *Ledger) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.lookup(tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return t.owner, nil
}

func (l *Ledger) PreReleaseContent(ctx context.Context, tokenID uint64) (string, error) { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tickets[tokenID]; ok {
		return t.pre, nil
	}
	return "", nil
}

func (l *Ledger) PostReleaseContent(ctx context.Context, tokenID uint64) (string, error) { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tickets[tokenID]; ok {
		return t.post, nil
	}
	return "", nil
}

func (l *Ledger) RedeemerOf(ctx context.Context, tokenID uint64) (common.Address, error) { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tickets[tokenID]; ok {
		return t.redeemer, nil
	}
	return common.Address{}, nil
}

// Mint creates a new Minted ticket for to.
func (l *Ledger) Mint(
	ctx context.Context,
	signer *keys.KeyPair,
	to common.Address,
	preReleaseContentID string,
	eventIndex uint32,
) (common.Hash, error) { // A
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case !l.minters[signer.Address]:
		return l.refuse(0, "caller is not a minter")
	case to == (common.Address{}):
		return l.refuse(0, "mint to the zero address")
	case preReleaseContentID == "":
		return l.refuse(0, "empty pre-release content")
	}

	id := l.nextID
	l.nextID++
	l.tickets[id] = &ticket{
		info: ledger.TicketInfo{
			Status:     ledger.StatusMinted,
			EventIndex: eventIndex,
		},
		owner: to,
		pre:   preReleaseContentID,
	}
	return l.commit(id, false), nil
}

// Redeem moves a Minted ticket to Redeemed. The owner at redemption time
// becomes the redeemer.
func (l *Ledger) Redeem(
	ctx context.Context,
	signer *keys.KeyPair,
	tokenID uint64,
	postReleaseContentID string,
) (common.Hash, error) { // A
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tickets[tokenID]
	switch {
	case !ok:
		return l.refuse(tokenID, "nonexistent token")
	case t.info.Status != ledger.StatusMinted:
		return l.refuse(tokenID, "ticket is "+t.info.Status.String())
	case signer.Address != t.owner && !l.redeemers[signer.Address]:
		return l.refuse(tokenID, "caller may not redeem")
	case postReleaseContentID == "":
		return l.refuse(tokenID, "empty post-release content")
	}

	t.info.Status = ledger.StatusRedeemed
	t.post = postReleaseContentID
	t.redeemer = t.owner
	return l.commit(0, false), nil
}

// refuse records a rejected transition. Must be called with mu held.
func (l *Ledger) refuse(tokenID uint64, reason string) (common.Hash, error) {
	l.log.Debug("transaction refused",
		logKeyTokenID, tokenID,
		logKeyReason, reason)
	if l.conf.RevertOnChain {
		return l.commit(0, true), nil
	}
	return common.Hash{}, fmt.Errorf("%w: execution reverted: %s", ledger.ErrTransactionReverted, reason)
}

// commit mines one transaction into its own block. Must be called with mu
// held.
func (l *Ledger) commit(tokenID uint64, reverted bool) common.Hash {
	l.block++
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[:8], l.block)
	binary.BigEndian.PutUint64(seed[8:], uint64(len(l.txs)))
	hash := common.Hash(sha256.Sum256(seed[:]))

	l.txs[hash] = &tx{
		receipt: ledger.Receipt{
			TxHash:      hash,
			BlockNumber: l.block,
			TokenID:     tokenID,
			Reverted:    reverted,
		},
		readyAt: time.Now().Add(l.conf.FinalityDelay),
	}
	return hash
}

// WaitFinal returns the receipt once the finality delay has passed and the
// ledger is not stalled.
func (l *Ledger) WaitFinal(ctx context.Context, txHash common.Hash) (ledger.Receipt, error) { // A
	l.mu.Lock()
	t, ok := l.txs[txHash]
	stalled := l.stalled
	l.mu.Unlock()
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("ledgersim: unknown transaction %s", txHash.Hex())
	}

	if stalled != nil {
		select {
		case <-stalled:
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		}
	}

	if wait := time.Until(t.readyAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		}
	}
	return t.receipt, nil
}
