package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/i5heu/ouroboros-tickets/pkg/envelope"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/metrics"
)

// Initiator selects who signs the redeem transaction.
type Initiator int

const (
	// InitiatorProtocol redeems on the owner's behalf with a protocol key.
	InitiatorProtocol Initiator = iota
	// InitiatorOwner redeems with the owner's own key.
	InitiatorOwner
)

func (i Initiator) String() string {
	if i == InitiatorOwner {
		return "owner"
	}
	return "protocol"
}

type RedeemRequest struct {
	TokenID uint64
	// Executor signs the redeem. Defaults to the protocol key for
	// protocol-initiated redeems. Required for owner-initiated ones.
	Executor  *keys.KeyPair
	Initiator Initiator
	// OwnerPublicKey is the key the post-release content is encrypted for.
	// Takes precedence over OwnerKey.
	OwnerPublicKey *secp256k1.PublicKey
	// OwnerKey is a held owner key (custodial flows). Also enables the
	// read-back check after redeem.
	OwnerKey *keys.KeyPair
}

type RedeemResult struct {
	TokenID              uint64
	PostReleaseContentID string
	Receipt              ledger.Receipt
	// Verified is false when no private key for the target was held, in
	// which case the read-back check was skipped.
	Verified bool
}

// target resolves the public key to re-encrypt for and, when one is held,
// the matching key pair for the read-back check.
func (req RedeemRequest) target() (*secp256k1.PublicKey, *keys.KeyPair, error) {
	var held []*keys.KeyPair
	if req.OwnerKey != nil {
		held = append(held, req.OwnerKey)
	}
	if req.Initiator == InitiatorOwner && req.Executor != nil {
		held = append(held, req.Executor)
	}

	pub := req.OwnerPublicKey
	if pub == nil {
		if len(held) == 0 {
			return nil, nil, ErrNoTargetKey
		}
		return held[0].Public, held[0], nil
	}
	for _, k := range held {
		if k.Public.IsEqual(pub) {
			return pub, k, nil
		}
	}
	return pub, nil, nil
}

// RedeemAndReveal moves a Minted ticket to Redeemed: it checks ownership,
// decrypts the pre-release content with the protocol key, re-encrypts it for
// the owner, stores it and submits the redeem.
//
// Ownership and state are checked before any content is fetched. A failed
// read-back after the redeem committed returns the result together with
// ErrPostMintIntegrityFailure.
func (o *Orchestrator) RedeemAndReveal(ctx context.Context, req RedeemRequest) (res RedeemResult, err error) { // A
	defer func(start time.Time) { o.observe(metrics.OpRedeem, start, err) }(time.Now())
	res.TokenID = req.TokenID

	executor := req.Executor
	if executor == nil {
		if req.Initiator == InitiatorOwner {
			return res, errors.New("lifecycle: owner-initiated redeem needs the owner key as executor")
		}
		executor = o.protocol
	}

	targetPub, verifier, err := req.target()
	if err != nil {
		return res, err
	}

	owner, err := o.ledger.ReadOwner(ctx, req.TokenID)
	if errors.Is(err, ledger.ErrTokenNotFound) {
		return res, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if err != nil {
		return res, err
	}
	if req.Initiator == InitiatorOwner && executor.Address != owner {
		return res, fmt.Errorf("%w: ticket %d is owned by %s, executor is %s",
			ErrAuthorizationMismatch, req.TokenID, owner.Hex(), executor.Address.Hex())
	}
	if target := keys.AddressFrom(targetPub); target != owner {
		return res, fmt.Errorf("%w: ticket %d is owned by %s, target key belongs to %s",
			ErrAuthorizationMismatch, req.TokenID, owner.Hex(), target.Hex())
	}

	ticket, err := o.ledger.ReadTicket(ctx, req.TokenID)
	if err != nil {
		return res, err
	}
	if ticket.Status != ledger.StatusMinted || ticket.PreReleaseContentID == "" {
		return res, fmt.Errorf("%w: ticket %d is %s", ErrInvalidState, req.TokenID, ticket.Status)
	}

	sealed, err := o.get(ctx, ticket.PreReleaseContentID)
	if err != nil {
		return res, fmt.Errorf("fetch pre-release content: %w", err)
	}
	plaintext, err := envelope.Open(sealed, o.protocol.PrivateKey())
	if err != nil {
		return res, fmt.Errorf("open pre-release content of %d: %w", req.TokenID, err)
	}
	defer clear(plaintext)

	resealed, err := envelope.Seal(plaintext, targetPub)
	if err != nil {
		return res, fmt.Errorf("seal post-release content: %w", err)
	}
	rec, err := o.put(ctx, resealed)
	if err != nil {
		return res, fmt.Errorf("store post-release content: %w", err)
	}
	res.PostReleaseContentID = rec.ContentID

	rcpt, err := o.ledger.Redeem(ctx, executor, req.TokenID, rec.ContentID)
	res.Receipt = rcpt
	if err != nil {
		return res, fmt.Errorf("redeem: %w", err)
	}

	o.log.InfoContext(ctx, "ticket redeemed",
		logKeyTokenID, req.TokenID,
		logKeyOwner, owner.Hex(),
		logKeyExecutor, executor,
		logKeyInitiator, req.Initiator.String(),
		logKeyContentID, rec.ContentID,
		logKeyVerified, verifier != nil)

	if verifier == nil {
		return res, nil
	}
	if err := o.verify(ctx, rec.ContentID, verifier, plaintext); err != nil {
		o.log.ErrorContext(ctx, "redeemed ticket failed read-back",
			logKeyTokenID, req.TokenID,
			logKeyContentID, rec.ContentID,
			logKeyError, err)
		return res, err
	}
	res.Verified = true
	return res, nil
}

// Reveal decrypts the post-release content of a Redeemed ticket with the
// redeemer's key.
func (o *Orchestrator) Reveal(ctx context.Context, tokenID uint64, ownerKey *keys.KeyPair) (plaintext []byte, err error) { // A
	defer func(start time.Time) { o.observe(metrics.OpReveal, start, err) }(time.Now())

	if ownerKey == nil {
		return nil, ErrNoTargetKey
	}

	ticket, err := o.ledger.ReadTicket(ctx, tokenID)
	if errors.Is(err, ledger.ErrTokenNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if err != nil {
		return nil, err
	}
	if ticket.Status != ledger.StatusRedeemed || ticket.PostReleaseContentID == "" {
		return nil, fmt.Errorf("%w: ticket %d is %s", ErrInvalidState, tokenID, ticket.Status)
	}
	redeemer, err := o.ledger.ReadRedeemer(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("read redeemer of %d: %w", tokenID, err)
	}
	if !ownerKey.Owns(redeemer) {
		return nil, fmt.Errorf("%w: ticket %d was redeemed for %s",
			ErrAuthorizationMismatch, tokenID, redeemer.Hex())
	}

	sealed, err := o.get(ctx, ticket.PostReleaseContentID)
	if err != nil {
		return nil, fmt.Errorf("fetch post-release content: %w", err)
	}
	plaintext, err = envelope.Open(sealed, ownerKey.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("open post-release content of %d: %w", tokenID, err)
	}
	return plaintext, nil
}

// Reconcile re-reads a ticket after an ambiguous outcome such as
// ledger.ErrTransactionTimeout.
func (o *Orchestrator) Reconcile(ctx context.Context, tokenID uint64) (rec ledger.TicketRecord, err error) { // A
	defer func(start time.Time) { o.observe(metrics.OpReconcile, start, err) }(time.Now())

	rec, err = o.ledger.ReadTicket(ctx, tokenID)
	if err != nil {
		return ledger.TicketRecord{}, fmt.Errorf("reconcile %d: %w", tokenID, err)
	}
	o.log.InfoContext(ctx, "ticket reconciled",
		logKeyTokenID, tokenID,
		logKeyStatus, rec.Status.String(),
		logKeyOwner, rec.Owner.Hex())
	return rec, nil
}
