// Package evm binds the ticket contract on an EVM chain through go-ethereum.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
)

const (
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultContractAddress = "0x1cDc1E1F0D8fa4191C7f844316d6a043d02cFEB4"
	DefaultChainID         = 84532

	defaultConfirmations = 1
	defaultPollInterval  = 2 * time.Second

	logKeyTxHash = "txHash"
	logKeyMethod = "method"
	logKeyBlock  = "block"
)

// Backend is the part of an RPC client the binding needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures a Client.
type Config struct {
	RPCURL          string
	ContractAddress common.Address
	ChainID         *big.Int
	// Confirmations is the number of blocks, including the one holding the
	// transaction, after which a receipt counts as final.
	Confirmations uint64
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Client implements ledger.Contract.
type Client struct { // A
	conf     Config
	backend  Backend
	contract *bind.BoundContract
	abi      abi.ABI
	log      *slog.Logger
	closer   func()
}

var _ ledger.Contract = (*Client)(nil)

// Dial connects to conf.RPCURL and checks that it serves conf.ChainID.
func Dial(ctx context.Context, conf Config) (*Client, error) { // A
	if conf.RPCURL == "" {
		conf.RPCURL = DefaultRPCURL
	}
	rpc, err := ethclient.DialContext(ctx, conf.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", conf.RPCURL, err)
	}

	c, err := New(rpc, conf)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closer = rpc.Close

	remote, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("chain id of %s: %w", conf.RPCURL, err)
	}
	if remote.Cmp(c.conf.ChainID) != 0 {
		rpc.Close()
		return nil, fmt.Errorf("%s serves chain %s, configured %s", conf.RPCURL, remote, c.conf.ChainID)
	}
	return c, nil
}

// New binds the contract on an existing backend.
func New(backend Backend, conf Config) (*Client, error) { // A
	if conf.ContractAddress == (common.Address{}) {
		conf.ContractAddress = common.HexToAddress(DefaultContractAddress)
	}
	if conf.ChainID == nil {
		conf.ChainID = big.NewInt(DefaultChainID)
	}
	if conf.Confirmations == 0 {
		conf.Confirmations = defaultConfirmations
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = defaultPollInterval
	}
	if conf.Logger == nil {
		conf.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	parsed, err := abi.JSON(strings.NewReader(ticketABI))
	if err != nil {
		return nil, fmt.Errorf("parse ticket abi: %w", err)
	}

	return &Client{
		conf:     conf,
		backend:  backend,
		contract: bind.NewBoundContract(conf.ContractAddress, parsed, backend, backend, backend),
		abi:      parsed,
		log:      conf.Logger,
	}, nil
}

// Close releases the RPC connection if Dial opened it.
func (c *Client) Close() { // A
	if c.closer != nil {
		c.closer()
	}
}

func tokenArg(tokenID uint64) *big.Int {
	return new(big.Int).SetUint64(tokenID)
}

// isRevert matches the error text nodes return for a failed eth_call or gas
// estimation.
func isRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

func (c *Client) call(ctx context.Context, method string, tokenID uint64) ([]interface{}, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, tokenArg(tokenID))
	switch {
	case isRevert(err):
		return nil, fmt.Errorf("%w: %s(%d): %v", ledger.ErrTokenNotFound, method, tokenID, err)
	case err != nil:
		return nil, fmt.Errorf("%s(%d): %w", method, tokenID, err)
	}
	return out, nil
}

func (c *Client) TicketInfo(ctx context.Context, tokenID uint64) (ledger.TicketInfo, error) { // A
	out, err := c.call(ctx, methodTicketInfo, tokenID)
	if err != nil {
		return ledger.TicketInfo{}, err
	}
	if len(out) != 8 {
		return ledger.TicketInfo{}, fmt.Errorf("%s: %d outputs, want 8", methodTicketInfo, len(out))
	}
	return ledger.TicketInfo{
		Status:      ledger.Status(*abi.ConvertType(out[0], new(uint8)).(*uint8)),
		Description: *abi.ConvertType(out[1], new(string)).(*string),
		Meta1:       *abi.ConvertType(out[2], new(string)).(*string),
		Meta2:       *abi.ConvertType(out[3], new(string)).(*string),
		EventIndex:  *abi.ConvertType(out[4], new(uint32)).(*uint32),
		ExternalID:  *abi.ConvertType(out[5], new(uint64)).(*uint64),
		RoundID:     *abi.ConvertType(out[6], new(uint64)).(*uint64),
		Price:       *abi.ConvertType(out[7], new(uint64)).(*uint64),
	}, nil
}

func (c *Client) address(ctx context.Context, method string, tokenID uint64) (common.Address, error) {
	out, err := c.call(ctx, method, tokenID)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s: %d outputs, want 1", method, len(out))
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (c *Client) text(ctx context.Context, method string, tokenID uint64) (string, error) {
	out, err := c.call(ctx, method, tokenID)
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("%s: %d outputs, want 1", method, len(out))
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

// OwnerOf reverts for nonexistent tokens, which surfaces as
// ledger.ErrTokenNotFound.
func (c *Client) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) { // A
	return c.address(ctx, methodOwnerOf, tokenID)
}

func (c *Client) RedeemerOf(ctx context.Context, tokenID uint64) (common.Address, error) { // A
	return c.address(ctx, methodRedeemer, tokenID)
}

func (c *Client) PreReleaseContent(ctx context.Context, tokenID uint64) (string, error) { // A
	return c.text(ctx, methodPreRelease, tokenID)
}

func (c *Client) PostReleaseContent(ctx context.Context, tokenID uint64) (string, error) { // A
	return c.text(ctx, methodPostRelease, tokenID)
}

func (c *Client) transact(
	ctx context.Context,
	signer *keys.KeyPair,
	method string,
	params ...interface{},
) (common.Hash, error) {
	priv, err := signer.ECDSA()
	if err != nil {
		return common.Hash{}, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(priv, c.conf.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := c.contract.Transact(opts, method, params...)
	switch {
	case isRevert(err):
		return common.Hash{}, fmt.Errorf("%w: %s: %v", ledger.ErrTransactionReverted, method, err)
	case err != nil:
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}

	c.log.DebugContext(ctx, "transaction sent",
		logKeyMethod, method,
		logKeyTxHash, tx.Hash().Hex())
	return tx.Hash(), nil
}

func (c *Client) Mint(
	ctx context.Context,
	signer *keys.KeyPair,
	to common.Address,
	preReleaseContentID string,
	eventIndex uint32,
) (common.Hash, error) { // A
	return c.transact(ctx, signer, methodMint, to, preReleaseContentID, new(big.Int).SetUint64(uint64(eventIndex)))
}

func (c *Client) Redeem(
	ctx context.Context,
	signer *keys.KeyPair,
	tokenID uint64,
	postReleaseContentID string,
) (common.Hash, error) { // A
	return c.transact(ctx, signer, methodRedeem, tokenArg(tokenID), postReleaseContentID)
}

// WaitFinal polls for the receipt and then for Confirmations blocks.
func (c *Client) WaitFinal(ctx context.Context, txHash common.Hash) (ledger.Receipt, error) { // A
	ticker := time.NewTicker(c.conf.PollInterval)
	defer ticker.Stop()

	var rcpt *types.Receipt
	for {
		if rcpt == nil {
			r, err := c.backend.TransactionReceipt(ctx, txHash)
			switch {
			case err == nil:
				rcpt = r
			case !errors.Is(err, ethereum.NotFound):
				if ctx.Err() != nil {
					return ledger.Receipt{}, ctx.Err()
				}
				c.log.WarnContext(ctx, "receipt poll failed",
					logKeyTxHash, txHash.Hex(),
					"error", err)
			}
		}

		if rcpt != nil {
			head, err := c.backend.BlockNumber(ctx)
			if err == nil && head+1 >= rcpt.BlockNumber.Uint64()+c.conf.Confirmations {
				c.log.DebugContext(ctx, "transaction final",
					logKeyTxHash, txHash.Hex(),
					logKeyBlock, rcpt.BlockNumber.Uint64())
				return c.toReceipt(rcpt), nil
			}
		}

		select {
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) toReceipt(r *types.Receipt) ledger.Receipt {
	out := ledger.Receipt{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber.Uint64(),
		Reverted:    r.Status == types.ReceiptStatusFailed,
	}
	if id, ok := c.mintedTokenID(r.Logs); ok {
		out.TokenID = id
	}
	return out
}

// mintedTokenID finds a Transfer from the zero address emitted by the
// contract.
func (c *Client) mintedTokenID(logs []*types.Log) (uint64, bool) {
	sig := c.abi.Events[eventTransfer].ID
	for _, l := range logs {
		if l.Address != c.conf.ContractAddress || len(l.Topics) != 4 {
			continue
		}
		if l.Topics[0] != sig || l.Topics[1] != (common.Hash{}) {
			continue
		}
		id := new(big.Int).SetBytes(l.Topics[3].Bytes())
		if !id.IsUint64() {
			continue
		}
		return id.Uint64(), true
	}
	return 0, false
}
