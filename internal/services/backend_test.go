// internal/services/backend_test.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/artledger/provenance-backend/internal/config"
	"github.com/artledger/provenance-backend/internal/ledger"
)

// Well-known development key, not a live account.
const testSubmitterKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testRegistry = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// revertRPCError mimics the error shape geth's JSON-RPC client produces
// for reverted eth_call requests.
type revertRPCError struct {
	data []byte
}

func (e *revertRPCError) Error() string          { return "execution reverted" }
func (e *revertRPCError) ErrorData() interface{} { return e.data }

func packRegistryError(t *testing.T, name string, args ...interface{}) []byte {
	t.Helper()
	custom, ok := ledger.RegistryABI.Errors[name]
	require.True(t, ok, "unknown registry error %s", name)
	payload, err := custom.Inputs.Pack(args...)
	require.NoError(t, err)
	return append(custom.ID.Bytes()[:4], payload...)
}

// chainBackend is an in-memory chain double. View calls are dispatched on
// the 4-byte method selector against the real contract ABIs, so the
// services exercise the same packing and unpacking they use in
// production.
type chainBackend struct {
	mu sync.Mutex

	chainID *big.Int
	head    uint64
	balance *big.Int

	owners map[string]common.Address
	uris   map[string]string
	supply *big.Int

	logs []types.Log

	// simErrs is consumed one entry per mintAndRegister eth_call; a nil
	// entry or an exhausted queue means the simulation succeeds.
	simErrs  []error
	simCalls int

	// sendErrs is consumed one entry per SendTransaction.
	sendErrs []error
	sentTxs  []*types.Transaction

	// receiptTemplate is cloned onto the hash of each successfully sent
	// transaction.
	receiptTemplate *types.Receipt
	receipts        map[common.Hash]*types.Receipt

	filterCalls int
}

func newChainBackend() *chainBackend {
	return &chainBackend{
		chainID:  big.NewInt(31337),
		head:     5000,
		balance:  big.NewInt(1_000_000_000_000_000_000),
		owners:   make(map[string]common.Address),
		uris:     make(map[string]string),
		supply:   big.NewInt(0),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// computedAssetID is the fake registry's deterministic derivation, an
// address offset from the token id.
func computedAssetID(tokenID *big.Int) common.Address {
	return common.BigToAddress(new(big.Int).Add(tokenID, big.NewInt(0x100000)))
}

func (b *chainBackend) ChainID(context.Context) (*big.Int, error) {
	return b.chainID, nil
}

func (b *chainBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance, nil
}

func (b *chainBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(msg.Data) < 4 {
		return nil, errors.New("fake: malformed calldata")
	}
	selector := msg.Data[:4]

	if method, ok := findMethod(ledger.RegistryABI, selector); ok && *msg.To == testRegistry {
		switch method.Name {
		case "mintAndRegister":
			b.simCalls++
			if len(b.simErrs) > 0 {
				err := b.simErrs[0]
				b.simErrs = b.simErrs[1:]
				if err != nil {
					return nil, err
				}
			}
			return nil, nil
		case "computeAssetId":
			args, err := method.Inputs.Unpack(msg.Data[4:])
			if err != nil {
				return nil, err
			}
			return method.Outputs.Pack(computedAssetID(args[2].(*big.Int)))
		}
	}

	if method, ok := findMethod(ledger.TokenABI, selector); ok && *msg.To == testToken {
		switch method.Name {
		case "balanceOf":
			args, err := method.Inputs.Unpack(msg.Data[4:])
			if err != nil {
				return nil, err
			}
			return method.Outputs.Pack(b.balanceOf(args[0].(common.Address)))
		case "ownerOf":
			args, err := method.Inputs.Unpack(msg.Data[4:])
			if err != nil {
				return nil, err
			}
			holder, ok := b.owners[args[0].(*big.Int).String()]
			if !ok {
				return nil, errors.New("execution reverted: nonexistent token")
			}
			return method.Outputs.Pack(holder)
		case "totalSupply":
			return method.Outputs.Pack(b.supply)
		case "tokenURI":
			args, err := method.Inputs.Unpack(msg.Data[4:])
			if err != nil {
				return nil, err
			}
			id := args[0].(*big.Int).String()
			uri, ok := b.uris[id]
			if !ok {
				uri = "ipfs://token/" + id
			}
			return method.Outputs.Pack(uri)
		}
	}

	return nil, fmt.Errorf("fake: unhandled call to %s", msg.To.Hex())
}

func findMethod(contractABI abi.ABI, selector []byte) (abi.Method, bool) {
	for _, m := range contractABI.Methods {
		if bytes.Equal(m.ID, selector) {
			return m, true
		}
	}
	return abi.Method{}, false
}

func (b *chainBackend) balanceOf(owner common.Address) *big.Int {
	count := big.NewInt(0)
	for _, holder := range b.owners {
		if holder == owner {
			count.Add(count, big.NewInt(1))
		}
	}
	return count
}

func (b *chainBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 1, nil
}

func (b *chainBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *chainBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 250_000, nil
}

func (b *chainBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sentTxs = append(b.sentTxs, tx)
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return err
		}
	}

	if b.receiptTemplate != nil {
		receipt := *b.receiptTemplate
		receipt.TxHash = tx.Hash()
		for _, lg := range receipt.Logs {
			lg.TxHash = tx.Hash()
		}
		b.receipts[tx.Hash()] = &receipt
	}
	return nil
}

func (b *chainBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if receipt, ok := b.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (b *chainBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filterCalls++
	var out []types.Log
	for _, lg := range b.logs {
		if matchesQuery(lg, q) {
			out = append(out, lg)
		}
	}
	return out, nil
}

func matchesQuery(lg types.Log, q ethereum.FilterQuery) bool {
	if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
		return false
	}

	if len(q.Addresses) > 0 {
		found := false
		for _, addr := range q.Addresses {
			if addr == lg.Address {
				found = true
			}
		}
		if !found {
			return false
		}
	}

	for i, alternatives := range q.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(lg.Topics) {
			return false
		}
		found := false
		for _, topic := range alternatives {
			if topic == lg.Topics[i] {
				found = true
			}
		}
		if !found {
			return false
		}
	}

	return true
}

func (b *chainBackend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if number == nil {
		return &types.Header{Number: new(big.Int).SetUint64(b.head), Time: 1_750_000_000}, nil
	}
	return &types.Header{Number: number, Time: 1_749_000_000 + number.Uint64()}, nil
}

func transferLog(from, to common.Address, tokenID *big.Int, block uint64, index uint) types.Log {
	return types.Log{
		Address: testToken,
		Topics: []common.Hash{
			ledger.TokenABI.Events["Transfer"].ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(tokenID),
		},
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
	}
}

func assetRegisteredLog(assetID common.Address, tokenID *big.Int, owner common.Address, block uint64, txHash common.Hash) types.Log {
	return types.Log{
		Address: testRegistry,
		Topics: []common.Hash{
			ledger.RegistryABI.Events["AssetRegistered"].ID,
			common.BytesToHash(assetID.Bytes()),
			common.BigToHash(tokenID),
			common.BytesToHash(owner.Bytes()),
		},
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Ledger: config.LedgerConfig{
			RegistryAddress:  testRegistry.Hex(),
			TokenAddress:     testToken.Hex(),
			ConfirmTimeout:   2,
			ConfirmPoll:      1,
			SubmitAttempts:   3,
			SubmitBackoff:    0,
			SubmitBackoffCap: 0,
		},
		ContentStore: config.ContentStoreConfig{
			VerifyWait:   1,
			VerifyPoll:   0,
			FetchTimeout: 2,
		},
		Indexer: config.IndexerConfig{
			EventWindow:      1000,
			BruteForceWindow: 50,
			BatchSize:        4,
		},
	}
}

func newTestLedgerClient(t *testing.T, backend *chainBackend) *ledger.Client {
	t.Helper()
	client, err := ledger.New(backend, testSubmitterKey, 0)
	require.NoError(t, err)
	return client
}

// fakeStore stands in for the pin API and one gateway. Pinned documents
// are served back by content id; misses and corruption are injectable.
type fakeStore struct {
	mu      sync.Mutex
	pins    map[string][]byte
	nextID  int
	pinErrs int // pin requests to fail with 500 before succeeding
	misses  int // gateway fetches to 404 before serving
	corrupt bool

	pinServer *httptest.Server
	gateway   *httptest.Server
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	store := &fakeStore{pins: make(map[string][]byte)}

	store.pinServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning/pinJSONToIPFS" {
			http.NotFound(w, r)
			return
		}

		store.mu.Lock()
		defer store.mu.Unlock()
		if store.pinErrs > 0 {
			store.pinErrs--
			http.Error(w, "upstream unavailable", http.StatusInternalServerError)
			return
		}

		var req struct {
			PinataContent json.RawMessage `json:"pinataContent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		store.nextID++
		cid := fmt.Sprintf("QmTest%04d", store.nextID)
		store.pins[cid] = req.PinataContent
		json.NewEncoder(w).Encode(map[string]interface{}{
			"IpfsHash": cid,
			"PinSize":  len(req.PinataContent),
		})
	}))
	t.Cleanup(store.pinServer.Close)

	store.gateway = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store.mu.Lock()
		defer store.mu.Unlock()

		if store.misses > 0 {
			store.misses--
			http.NotFound(w, r)
			return
		}

		cid := strings.TrimPrefix(r.URL.Path, "/")
		content, ok := store.pins[cid]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if store.corrupt {
			content = []byte(`{"tampered":true}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(content)
	}))
	t.Cleanup(store.gateway.Close)

	return store
}

func (f *fakeStore) configure(cfg *config.Config) {
	cfg.ContentStore.APIBaseURL = f.pinServer.URL
	cfg.ContentStore.APIToken = "test-token"
	cfg.ContentStore.GatewayURLs = []string{f.gateway.URL}
}
