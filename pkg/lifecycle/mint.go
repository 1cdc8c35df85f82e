package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-tickets/pkg/envelope"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/metrics"
	workerpool "github.com/i5heu/ouroboros-tickets/pkg/workerPool"
)

type MintRequest struct {
	Plaintext  []byte
	Recipient  common.Address
	EventIndex uint32
}

type MintResult struct {
	TokenID             uint64
	PreReleaseContentID string
	Receipt             ledger.Receipt
}

// MintAndProtect encrypts plaintext for the protocol key, stores it, mints
// a ticket pointing at it and reads the content back to check it.
//
// A failed read-back returns the result together with
// ErrPostMintIntegrityFailure: the mint has committed and is not undone.
// On ledger.ErrTransactionTimeout the result carries the content id and the
// transaction hash for reconciliation.
func (o *Orchestrator) MintAndProtect(ctx context.Context, req MintRequest) (res MintResult, err error) { // A
	defer func(start time.Time) { o.observe(metrics.OpMint, start, err) }(time.Now())

	if o.mintSigner == nil {
		return MintResult{}, errors.New("lifecycle: mint signer is not configured")
	}

	sealed, err := envelope.Seal(req.Plaintext, o.protocol.Public)
	if err != nil {
		return MintResult{}, fmt.Errorf("seal pre-release content: %w", err)
	}

	rec, err := o.put(ctx, sealed)
	if err != nil {
		return MintResult{}, fmt.Errorf("store pre-release content: %w", err)
	}
	res.PreReleaseContentID = rec.ContentID
	o.log.DebugContext(ctx, "pre-release content stored",
		logKeyContentID, rec.ContentID)

	rcpt, err := o.ledger.Mint(ctx, o.mintSigner, req.Recipient, rec.ContentID, req.EventIndex)
	res.Receipt = rcpt
	if err != nil {
		return res, fmt.Errorf("mint: %w", err)
	}
	res.TokenID = rcpt.TokenID

	o.log.InfoContext(ctx, "ticket minted",
		logKeyTokenID, res.TokenID,
		logKeyRecipient, req.Recipient.Hex(),
		logKeyEventIndex, req.EventIndex,
		logKeyContentID, rec.ContentID)

	if err := o.verify(ctx, rec.ContentID, o.protocol, req.Plaintext); err != nil {
		o.log.ErrorContext(ctx, "minted ticket failed read-back",
			logKeyTokenID, res.TokenID,
			logKeyContentID, rec.ContentID,
			logKeyError, err)
		return res, err
	}
	return res, nil
}

// BatchOutcome is the result of one MintBatch request.
type BatchOutcome struct {
	// Index is the position of the request in the batch.
	Index  int
	Result MintResult
	Err    error
}

// MintBatch runs MintAndProtect for every request on the batch workers.
// Outcomes are independent and returned in request order.
func (o *Orchestrator) MintBatch(ctx context.Context, reqs []MintRequest) ([]BatchOutcome, error) { // A
	room := workerpool.CreateRoom[BatchOutcome](o.pool, len(reqs))
	for i, req := range reqs {
		err := room.NewTaskWaitForFreeSlot(func() BatchOutcome {
			res, err := o.MintAndProtect(ctx, req)
			return BatchOutcome{Index: i, Result: res, Err: err}
		})
		if err != nil {
			room.Collect()
			return nil, fmt.Errorf("queue mint %d: %w", i, err)
		}
	}

	out := room.Collect()
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}
