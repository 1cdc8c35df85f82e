// Package ledger reads ticket state from the ticket contract and submits the
// mint and redeem transitions.
//
// The Coordinator never retries a submission. A transaction whose finality
// is not observed in time is reported as ErrTransactionTimeout together with
// its hash; its outcome is unknown until the ticket is read again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrTransactionReverted means the ledger rejected the transition. A
	// resubmission needs a fresh state read.
	ErrTransactionReverted = errors.New("ledger: transaction reverted")
	// ErrTransactionTimeout means finality was not observed in time. The
	// transaction may still commit.
	ErrTransactionTimeout = errors.New("ledger: transaction finality timeout")
	// ErrTokenNotFound means the token does not exist on the ledger.
	ErrTokenNotFound = errors.New("ledger: token not found")
)

// Status is the lifecycle state of a ticket. Transitions only move forward.
type Status uint8

const (
	StatusUnminted Status = iota
	StatusMinted
	StatusRedeemed
)

func (s Status) String() string {
	switch s {
	case StatusUnminted:
		return "unminted"
	case StatusMinted:
		return "minted"
	case StatusRedeemed:
		return "redeemed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// TicketInfo mirrors the contract's ticket info tuple.
type TicketInfo struct {
	Status      Status
	Description string
	Meta1       string
	Meta2       string
	EventIndex  uint32
	ExternalID  uint64
	RoundID     uint64
	Price       uint64
}

// TicketRecord is everything the ledger knows about one ticket.
type TicketRecord struct {
	TokenID              uint64
	Status               Status
	PreReleaseContentID  string
	PostReleaseContentID string
	EventIndex           uint32
	Owner                common.Address
	// Redeemer is the zero address until the ticket is redeemed.
	Redeemer common.Address
	Info     TicketInfo
}

// Receipt is a finalized transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	// TokenID is the token created by a mint. Zero for other transactions.
	TokenID  uint64
	Reverted bool
}

// Contract is the ticket contract surface.
//
// Mint and Redeem return once the transaction is accepted for inclusion. A
// submission the ledger refuses outright returns ErrTransactionReverted.
// WaitFinal blocks until the transaction is final or ctx ends.
type Contract interface {
	TicketInfo(ctx context.Context, tokenID uint64) (TicketInfo, error)
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
	PreReleaseContent(ctx context.Context, tokenID uint64) (string, error)
	PostReleaseContent(ctx context.Context, tokenID uint64) (string, error)
	RedeemerOf(ctx context.Context, tokenID uint64) (common.Address, error)

	Mint(
		ctx context.Context,
		signer *keys.KeyPair,
		to common.Address,
		preReleaseContentID string,
		eventIndex uint32,
	) (common.Hash, error)
	Redeem(
		ctx context.Context,
		signer *keys.KeyPair,
		tokenID uint64,
		postReleaseContentID string,
	) (common.Hash, error)
	WaitFinal(ctx context.Context, txHash common.Hash) (Receipt, error)
}

const (
	DefaultFinalityTimeout = 2 * time.Minute

	logKeyTokenID = "tokenId"
	logKeyTxHash  = "txHash"
	logKeySigner  = "signer"
	logKeyBlock   = "block"
)

// Config configures a Coordinator.
type Config struct {
	Contract Contract
	// FinalityTimeout bounds the wait after submission.
	FinalityTimeout time.Duration
	Logger          *slog.Logger
}

// Coordinator wraps a Contract with finality waits and error classification.
type Coordinator struct { // A
	contract Contract
	timeout  time.Duration
	log      *slog.Logger
}

func NewCoordinator(conf Config) (*Coordinator, error) { // A
	if conf.Contract == nil {
		return nil, errors.New("ledger: contract is required")
	}
	if conf.FinalityTimeout <= 0 {
		conf.FinalityTimeout = DefaultFinalityTimeout
	}
	if conf.Logger == nil {
		conf.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Coordinator{
		contract: conf.Contract,
		timeout:  conf.FinalityTimeout,
		log:      conf.Logger,
	}, nil
}

// ReadOwner returns the current owner. ErrTokenNotFound if the token does
// not exist.
func (c *Coordinator) ReadOwner(ctx context.Context, tokenID uint64) (common.Address, error) { // A
	owner, err := c.contract.OwnerOf(ctx, tokenID)
	if err != nil {
		return common.Address{}, fmt.Errorf("owner of %d: %w", tokenID, err)
	}
	return owner, nil
}

// ReadRedeemer returns the address entitled to the post-release content.
func (c *Coordinator) ReadRedeemer(ctx context.Context, tokenID uint64) (common.Address, error) { // A
	r, err := c.contract.RedeemerOf(ctx, tokenID)
	if err != nil {
		return common.Address{}, fmt.Errorf("redeemer of %d: %w", tokenID, err)
	}
	return r, nil
}

// ReadTicket assembles a TicketRecord from the read surface. The reads are
// issued concurrently and are not one atomic snapshot.
func (c *Coordinator) ReadTicket(ctx context.Context, tokenID uint64) (TicketRecord, error) { // A
	rec := TicketRecord{TokenID: tokenID}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rec.Info, err = c.contract.TicketInfo(gctx, tokenID)
		return err
	})
	g.Go(func() (err error) {
		rec.Owner, err = c.contract.OwnerOf(gctx, tokenID)
		return err
	})
	g.Go(func() (err error) {
		rec.PreReleaseContentID, err = c.contract.PreReleaseContent(gctx, tokenID)
		return err
	})
	g.Go(func() (err error) {
		rec.PostReleaseContentID, err = c.contract.PostReleaseContent(gctx, tokenID)
		return err
	})
	g.Go(func() (err error) {
		rec.Redeemer, err = c.contract.RedeemerOf(gctx, tokenID)
		return err
	})
	if err := g.Wait(); err != nil {
		return TicketRecord{}, fmt.Errorf("read ticket %d: %w", tokenID, err)
	}

	rec.Status = rec.Info.Status
	rec.EventIndex = rec.Info.EventIndex
	return rec, nil
}

// Mint submits a mint signed by signer and waits for finality. The receipt
// carries the new token id.
func (c *Coordinator) Mint(
	ctx context.Context,
	signer *keys.KeyPair,
	to common.Address,
	preReleaseContentID string,
	eventIndex uint32,
) (Receipt, error) { // A
	hash, err := c.contract.Mint(ctx, signer, to, preReleaseContentID, eventIndex)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit mint: %w", err)
	}
	c.log.InfoContext(ctx, "mint submitted",
		logKeyTxHash, hash.Hex(),
		logKeySigner, signer)

	rcpt, err := c.waitFinal(ctx, hash)
	if err != nil {
		return rcpt, fmt.Errorf("mint: %w", err)
	}
	c.log.InfoContext(ctx, "mint final",
		logKeyTxHash, hash.Hex(),
		logKeyTokenID, rcpt.TokenID,
		logKeyBlock, rcpt.BlockNumber)
	return rcpt, nil
}

// Redeem submits a redeem signed by signer and waits for finality. Whether
// signer may redeem is decided by the ledger.
func (c *Coordinator) Redeem(
	ctx context.Context,
	signer *keys.KeyPair,
	tokenID uint64,
	postReleaseContentID string,
) (Receipt, error) { // A
	hash, err := c.contract.Redeem(ctx, signer, tokenID, postReleaseContentID)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit redeem of %d: %w", tokenID, err)
	}
	c.log.InfoContext(ctx, "redeem submitted",
		logKeyTokenID, tokenID,
		logKeyTxHash, hash.Hex(),
		logKeySigner, signer)

	rcpt, err := c.waitFinal(ctx, hash)
	if err != nil {
		return rcpt, fmt.Errorf("redeem of %d: %w", tokenID, err)
	}
	rcpt.TokenID = tokenID
	c.log.InfoContext(ctx, "redeem final",
		logKeyTokenID, tokenID,
		logKeyTxHash, hash.Hex(),
		logKeyBlock, rcpt.BlockNumber)
	return rcpt, nil
}

// waitFinal bounds the wait by the finality timeout. Any context error while
// waiting means the outcome is unknown.
func (c *Coordinator) waitFinal(ctx context.Context, hash common.Hash) (Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rcpt, err := c.contract.WaitFinal(wctx, hash)
	switch {
	case err == nil && rcpt.Reverted:
		return rcpt, fmt.Errorf("%w: tx %s", ErrTransactionReverted, hash.Hex())
	case err == nil:
		return rcpt, nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.log.WarnContext(ctx, "finality not observed",
			logKeyTxHash, hash.Hex())
		return Receipt{TxHash: hash}, fmt.Errorf("%w: tx %s: %v", ErrTransactionTimeout, hash.Hex(), err)
	default:
		return Receipt{TxHash: hash}, err
	}
}
