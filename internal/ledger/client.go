// internal/ledger/client.go
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/artledger/provenance-backend/internal/config"
	"github.com/artledger/provenance-backend/internal/models"
)

// Backend is the slice of the JSON-RPC surface this service uses.
// *ethclient.Client satisfies it; tests inject doubles.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// TxParams describes a state-changing call. Simulate and Submit take the
// same params so a dry run always matches what would be broadcast.
type TxParams struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Client wraps read, simulate and write access to the ledger. One
// instance is shared across workflows; the only mutable state is the
// write-once chain-id cache.
type Client struct {
	backend    Backend
	key        *ecdsa.PrivateKey
	from       common.Address
	gasCeiling uint64

	chainID atomic.Pointer[big.Int]
}

// New builds a client over an injected backend. privateKeyHex may be
// empty for a read-only client; Submit then fails.
func New(backend Backend, privateKeyHex string, gasCeiling uint64) (*Client, error) {
	c := &Client{backend: backend, gasCeiling: gasCeiling}

	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid ledger private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg config.LedgerConfig) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ledger RPC URL is not configured")
	}

	backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger RPC: %w", err)
	}

	return New(backend, cfg.PrivateKey, cfg.GasLimitCeiling)
}

// From is the submitting account, zero for read-only clients.
func (c *Client) From() common.Address {
	return c.from
}

// ChainID resolves the chain id once and caches it. The cache is
// populated with compare-and-swap and read lock-free afterwards.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if cached := c.chainID.Load(); cached != nil {
		return cached, nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain id: %w", err)
	}

	c.chainID.CompareAndSwap(nil, id)
	return c.chainID.Load(), nil
}

// NativeBalance reads the account's gas-token balance at the latest block.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance of %s: %w", account.Hex(), err)
	}
	return balance, nil
}

// ReadView executes a pure view call and returns the unpacked values.
func (c *Client) ReadView(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s view call failed: %w", method, err)
	}

	values, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}

	return values, nil
}

// Simulate dry-runs a state-changing call without broadcasting. A revert
// is decoded against the registry error ABI and surfaced as a
// SimulationFailed pipeline error; the decoded reason decides whether
// the failure is transient. RPC-level failures are classified retryable.
func (c *Client) Simulate(ctx context.Context, p TxParams) error {
	msg := ethereum.CallMsg{From: c.from, To: &p.To, Data: p.Data, Value: p.Value}

	if _, err := c.backend.CallContract(ctx, msg, nil); err != nil {
		if data, ok := revertDataFromError(err); ok {
			reason := DecodeRevert(data)
			return models.SimulationFailed("simulate", reason.String(), reason.Transient(), err)
		}
		return models.TransientSubmission("simulate", err)
	}

	return nil
}

// Submit signs and broadcasts the call, returning the transaction hash.
// Failures are classified per the pipeline taxonomy; no retries happen
// here, the submitter owns the retry policy.
func (c *Client) Submit(ctx context.Context, p TxParams) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, fmt.Errorf("ledger client has no signing key configured")
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, models.TransientSubmission("submit", err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, models.TransientSubmission("submit", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, models.TransientSubmission("submit", err)
	}

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &p.To, Data: p.Data, Value: p.Value})
	if err != nil {
		return common.Hash{}, classifySubmitError(err)
	}
	// 20% headroom over the estimate, bounded by the configured ceiling.
	gasLimit += gasLimit / 5
	if c.gasCeiling > 0 && gasLimit > c.gasCeiling {
		gasLimit = c.gasCeiling
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &p.To,
		Value:    p.Value,
		Data:     p.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classifySubmitError(err)
	}

	return signed.Hash(), nil
}

// AwaitConfirmation blocks until the transaction is mined or the timeout
// elapses, polling the receipt endpoint. The caller's context cancels
// the wait.
func (c *Client) AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout, poll time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		// Not-found and transient RPC errors both mean "poll again";
		// only the deadline ends the wait.
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, models.TransientSubmission("await_confirmation",
				fmt.Errorf("transaction %s not confirmed within %s: %w", txHash.Hex(), timeout, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// FilterLogs proxies a bounded log query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("log query failed: %w", err)
	}
	return logs, nil
}

// HeadBlock returns the latest block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read chain head: %w", err)
	}
	return header.Number.Uint64(), nil
}

// BlockTime resolves a block's timestamp, used to date registrations.
func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read block %d header: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// ComputeAssetID calls the registry's deterministic derivation of an
// asset identifier from (chainId, tokenContract, tokenId). Both the
// identifier extractor and the ownership indexer resolve identifiers
// through this single path.
func (c *Client) ComputeAssetID(ctx context.Context, registry, tokenContract common.Address, tokenID *big.Int) (common.Address, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Address{}, err
	}

	values, err := c.ReadView(ctx, registry, RegistryABI, "computeAssetId", chainID, tokenContract, tokenID)
	if err != nil {
		return common.Address{}, err
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("unexpected computeAssetId result arity %d", len(values))
	}

	assetID, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected computeAssetId result type %T", values[0])
	}
	return assetID, nil
}

func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "insufficient funds"):
		return models.NewPipelineError(models.ErrKindInsufficientFunds, "submit", false, err)
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"),
		strings.Contains(msg, "request rejected"):
		return models.UserRejected("submit", err)
	default:
		// RPC timeouts, nonce contention and gateway hiccups all land
		// here and are retried by the submitter with backoff.
		return models.TransientSubmission("submit", err)
	}
}
