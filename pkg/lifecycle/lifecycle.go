// Package lifecycle sequences encryption, content storage and ledger
// transitions into the two ticket operations, Mint-and-Protect and
// Redeem-and-Reveal, plus the owner-side Reveal.
//
// An Orchestrator holds no per-ticket state. Distinct tickets may be driven
// concurrently; concurrent operations on the same ticket are arbitrated by
// the ledger, whose refusal surfaces as ledger.ErrTransactionReverted.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-tickets/pkg/contentstore"
	"github.com/i5heu/ouroboros-tickets/pkg/envelope"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/metrics"
	workerpool "github.com/i5heu/ouroboros-tickets/pkg/workerPool"
)

var (
	// ErrAuthorizationMismatch means a supplied key does not belong to the
	// address the ledger names. Raised before any content is fetched.
	ErrAuthorizationMismatch = errors.New("lifecycle: authorization mismatch")
	// ErrInvalidState means the ticket is not in the state the operation
	// requires. Raised before any content is fetched.
	ErrInvalidState = errors.New("lifecycle: invalid ticket state")
	// ErrPostMintIntegrityFailure means stored content could not be read
	// back and decrypted to the original plaintext after the ledger
	// transaction committed. The result is returned alongside it.
	ErrPostMintIntegrityFailure = errors.New("lifecycle: post-commit integrity failure")
	// ErrNoTargetKey means a redeem has no public key to re-encrypt for.
	ErrNoTargetKey = errors.New("lifecycle: no target key for post-release content")
)

const (
	logKeyTokenID    = "tokenId"
	logKeyContentID  = "contentId"
	logKeyEventIndex = "eventIndex"
	logKeyRecipient  = "recipient"
	logKeyOwner      = "owner"
	logKeyExecutor   = "executor"
	logKeyInitiator  = "initiator"
	logKeyStatus     = "status"
	logKeyAttempt    = "attempt"
	logKeyBackoff    = "backoff"
	logKeyError      = "error"
	logKeyVerified   = "verified"
)

// Store is the content store surface. *contentstore.Gateway satisfies it.
type Store interface {
	Put(ctx context.Context, data []byte) (contentstore.Record, error)
	Get(ctx context.Context, contentID string) ([]byte, error)
}

// Ledger is the ledger surface. *ledger.Coordinator satisfies it.
type Ledger interface {
	ReadTicket(ctx context.Context, tokenID uint64) (ledger.TicketRecord, error)
	ReadOwner(ctx context.Context, tokenID uint64) (common.Address, error)
	ReadRedeemer(ctx context.Context, tokenID uint64) (common.Address, error)
	Mint(
		ctx context.Context,
		signer *keys.KeyPair,
		to common.Address,
		preReleaseContentID string,
		eventIndex uint32,
	) (ledger.Receipt, error)
	Redeem(
		ctx context.Context,
		signer *keys.KeyPair,
		tokenID uint64,
		postReleaseContentID string,
	) (ledger.Receipt, error)
}

// RetryPolicy bounds retries of retryable store failures.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt. 1 disables retries.
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     4,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

type Config struct {
	// ProtocolKey reads pre-release content and encrypts it at mint.
	ProtocolKey *keys.KeyPair
	// MintSigner signs mint transactions.
	MintSigner *keys.KeyPair
	Store      Store
	Ledger     Ledger
	StoreRetry RetryPolicy
	// BatchWorkers bounds MintBatch parallelism. Zero picks a default.
	BatchWorkers int
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type Orchestrator struct { // A
	protocol   *keys.KeyPair
	mintSigner *keys.KeyPair
	store      Store
	ledger     Ledger
	retry      RetryPolicy
	pool       *workerpool.WorkerPool
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// New validates conf. Close releases the batch workers.
func New(conf Config) (*Orchestrator, error) { // A
	switch {
	case conf.ProtocolKey == nil:
		return nil, errors.New("lifecycle: protocol key is required")
	case conf.Store == nil:
		return nil, errors.New("lifecycle: store is required")
	case conf.Ledger == nil:
		return nil, errors.New("lifecycle: ledger is required")
	}
	if conf.StoreRetry.MaxAttempts == 0 {
		conf.StoreRetry = DefaultRetryPolicy
	}
	if conf.BatchWorkers <= 0 {
		conf.BatchWorkers = 4
	}
	if conf.Logger == nil {
		conf.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Orchestrator{
		protocol:   conf.ProtocolKey,
		mintSigner: conf.MintSigner,
		store:      conf.Store,
		ledger:     conf.Ledger,
		retry:      conf.StoreRetry,
		pool:       workerpool.NewWorkerPool(workerpool.Config{WorkerCount: conf.BatchWorkers}),
		metrics:    conf.Metrics,
		log:        conf.Logger,
	}, nil
}

func (o *Orchestrator) Close() { // A
	o.pool.Close()
}

// withStoreRetry runs op, retrying only contentstore.ErrStoreUnavailable.
func withStoreRetry[T any](
	ctx context.Context,
	o *Orchestrator,
	what string,
	op func() (T, error),
) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retry.InitialInterval
	b.MaxInterval = o.retry.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err != nil && !contentstore.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.metrics.StoreRetry()
			o.log.WarnContext(ctx, what+" failed, retrying",
				logKeyAttempt, attempt,
				logKeyBackoff, next,
				logKeyError, err)
		}),
	)
}

func (o *Orchestrator) put(ctx context.Context, data []byte) (contentstore.Record, error) {
	rec, err := withStoreRetry(ctx, o, "content put", func() (contentstore.Record, error) {
		return o.store.Put(ctx, data)
	})
	if err != nil {
		return contentstore.Record{}, err
	}
	o.metrics.Stored(rec.SizeBytes)
	return rec, nil
}

func (o *Orchestrator) get(ctx context.Context, contentID string) ([]byte, error) {
	return withStoreRetry(ctx, o, "content get", func() ([]byte, error) {
		return o.store.Get(ctx, contentID)
	})
}

// verify reads contentID back and checks that key opens it to want.
func (o *Orchestrator) verify(
	ctx context.Context,
	contentID string,
	key *keys.KeyPair,
	want []byte,
) error {
	sealed, err := o.get(ctx, contentID)
	if err != nil {
		return fmt.Errorf("%w: read back %s: %w", ErrPostMintIntegrityFailure, contentID, err)
	}
	got, err := envelope.Open(sealed, key.PrivateKey())
	if err != nil {
		return fmt.Errorf("%w: decrypt %s: %w", ErrPostMintIntegrityFailure, contentID, err)
	}
	defer clear(got)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: %s does not decrypt to the original plaintext", ErrPostMintIntegrityFailure, contentID)
	}
	return nil
}

// observe records op in metrics. Use with defer and a named error.
func (o *Orchestrator) observe(op string, started time.Time, err error) {
	o.metrics.Observe(op, outcome(err), time.Since(started))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthorizationMismatch):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrPostMintIntegrityFailure):
		return "integrity_failure"
	case errors.Is(err, ErrNoTargetKey):
		return "no_target_key"
	case errors.Is(err, ledger.ErrTransactionReverted):
		return "reverted"
	case errors.Is(err, ledger.ErrTransactionTimeout):
		return "timeout"
	case errors.Is(err, envelope.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, contentstore.ErrStoreUnavailable),
		errors.Is(err, contentstore.ErrStoreRejected),
		errors.Is(err, contentstore.ErrContentNotFound),
		errors.Is(err, contentstore.ErrContentCorrupt):
		return "store_error"
	default:
		return "error"
	}
}
