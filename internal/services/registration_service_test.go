// internal/services/registration_service_test.go
package services

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artledger/provenance-backend/internal/models"
)

func testRegistrationRequest() *models.RegistrationRequest {
	return &models.RegistrationRequest{
		Name:           "Harbor Study",
		Description:    "A generated harbor scene",
		MediaReference: "https://cdn.example.com/harbor.png",
		Recipient:      "0x90F79bf6EB2c4f870365E785982E1f101E93b906",
	}
}

func newRegistrationFixture(t *testing.T) (*RegistrationService, *chainBackend) {
	t.Helper()
	backend := newChainBackend()
	cfg := testConfig()
	store := newFakeStore(t)
	store.configure(cfg)

	client := newTestLedgerClient(t, backend)
	service := NewRegistrationService(nil, cfg, client, NewContentService(cfg))
	return service, backend
}

func successReceipt(assetID common.Address, tokenID *big.Int, owner common.Address) *types.Receipt {
	lg := assetRegisteredLog(assetID, tokenID, owner, 5001, common.Hash{})
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(5001),
		Logs:        []*types.Log{&lg},
	}
}

func TestRegisterHappyPath(t *testing.T) {
	service, backend := newRegistrationFixture(t)

	tokenID := big.NewInt(7)
	assetID := computedAssetID(tokenID)
	owner := common.HexToAddress(testRegistrationRequest().Recipient)
	backend.receiptTemplate = successReceipt(assetID, tokenID, owner)

	result, err := service.Register(context.Background(), testRegistrationRequest())
	require.NoError(t, err)

	assert.Equal(t, assetID, result.AssetID)
	assert.Equal(t, tokenID.String(), result.TokenID.String())
	assert.Equal(t, uint64(5001), result.BlockNumber)
	assert.NotEmpty(t, result.AssetMetadata.ContentID)
	assert.NotEmpty(t, result.TokenMetadata.ContentID)
	assert.NotEqual(t, result.AssetMetadata.Digest, result.TokenMetadata.Digest)

	require.Len(t, backend.sentTxs, 1)
	assert.Equal(t, 1, backend.simCalls)
}

func TestRegisterRejectsInvalidRequest(t *testing.T) {
	service, backend := newRegistrationFixture(t)

	req := testRegistrationRequest()
	req.Recipient = "not-an-address"

	_, err := service.Register(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
	assert.Empty(t, backend.sentTxs)
}

func TestRegisterInsufficientFundsFailsBeforeSubmission(t *testing.T) {
	service, backend := newRegistrationFixture(t)
	backend.balance = big.NewInt(0)

	_, err := service.Register(context.Background(), testRegistrationRequest())
	require.Error(t, err)

	assert.Equal(t, models.ErrKindInsufficientFunds, models.KindOf(err))
	assert.False(t, models.IsRetryable(err))
	// The preflight fires before any simulation or submission.
	assert.Zero(t, backend.simCalls)
	assert.Empty(t, backend.sentTxs)
}

func TestRegisterFailedSimulationBlocksSubmission(t *testing.T) {
	service, backend := newRegistrationFixture(t)
	backend.simErrs = []error{
		&revertRPCError{data: packRegistryError(t, "MetadataHashMismatch", [32]byte{1}, [32]byte{2})},
	}

	_, err := service.Register(context.Background(), testRegistrationRequest())
	require.Error(t, err)

	assert.Equal(t, models.ErrKindSimulationFailed, models.KindOf(err))
	assert.False(t, models.IsRetryable(err))
	assert.Contains(t, err.Error(), "MetadataHashMismatch")
	assert.Empty(t, backend.sentTxs)
}

func TestRegisterRetriesTransientSubmission(t *testing.T) {
	service, backend := newRegistrationFixture(t)

	tokenID := big.NewInt(3)
	backend.receiptTemplate = successReceipt(computedAssetID(tokenID), tokenID, common.HexToAddress(testRegistrationRequest().Recipient))
	backend.sendErrs = []error{
		errors.New("gateway timeout"),
		errors.New("nonce too low"),
	}

	result, err := service.Register(context.Background(), testRegistrationRequest())
	require.NoError(t, err)

	assert.Equal(t, computedAssetID(tokenID), result.AssetID)
	// Two failed broadcasts plus the one that landed.
	assert.Len(t, backend.sentTxs, 3)
	// One initial simulation plus a fresh one before each retry.
	assert.Equal(t, 3, backend.simCalls)
}

func TestRegisterStopsRetryingOnTerminalError(t *testing.T) {
	service, backend := newRegistrationFixture(t)
	backend.sendErrs = []error{errors.New("user rejected the request")}

	_, err := service.Register(context.Background(), testRegistrationRequest())
	require.Error(t, err)

	assert.Equal(t, models.ErrKindUserRejected, models.KindOf(err))
	assert.Len(t, backend.sentTxs, 1)
}

func TestRegisterGivesUpAfterAttemptBudget(t *testing.T) {
	service, backend := newRegistrationFixture(t)
	backend.sendErrs = []error{
		errors.New("gateway timeout"),
		errors.New("gateway timeout"),
		errors.New("gateway timeout"),
	}

	_, err := service.Register(context.Background(), testRegistrationRequest())
	require.Error(t, err)

	assert.Equal(t, models.ErrKindTransientSubmission, models.KindOf(err))
	assert.Len(t, backend.sentTxs, 3)
}

func TestRegisterSurfacesOnChainRevert(t *testing.T) {
	service, backend := newRegistrationFixture(t)
	backend.receiptTemplate = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(5001),
	}
	// The initial simulation passes; the post-mortem re-simulation
	// recovers the reason the confirmed transaction reverted with.
	backend.simErrs = []error{
		nil,
		&revertRPCError{data: packRegistryError(t, "DuplicateContent", [32]byte{0xcd})},
	}

	_, err := service.Register(context.Background(), testRegistrationRequest())
	require.Error(t, err)

	assert.Equal(t, models.ErrKindReverted, models.KindOf(err))
	assert.False(t, models.IsRetryable(err))
	assert.Contains(t, err.Error(), "DuplicateContent")
}

func TestExtractIdentifierFromReceiptLogs(t *testing.T) {
	service, _ := newRegistrationFixture(t)

	tokenID := big.NewInt(9)
	assetID := computedAssetID(tokenID)
	receipt := successReceipt(assetID, tokenID, common.HexToAddress("0x01"))

	gotAsset, gotToken, err := service.ExtractIdentifier(context.Background(), receipt)
	require.NoError(t, err)
	assert.Equal(t, assetID, gotAsset)
	assert.Equal(t, tokenID.String(), gotToken.String())
}

func TestExtractIdentifierIgnoresForeignLogs(t *testing.T) {
	service, backend := newRegistrationFixture(t)

	// A Transfer log from the token contract must not be mistaken for the
	// registration event; with no matching event anywhere and an empty
	// supply, extraction reports the transaction for manual resolution.
	lg := transferLog(common.Address{}, common.HexToAddress("0x01"), big.NewInt(1), 5001, 0)
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(5001),
		TxHash:      common.HexToHash("0xfeed"),
		Logs:        []*types.Log{&lg},
	}
	backend.supply = big.NewInt(0)

	_, _, err := service.ExtractIdentifier(context.Background(), receipt)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindIdentifierNotFound, models.KindOf(err))
}

func TestExtractIdentifierRequeriesByTransactionHash(t *testing.T) {
	service, backend := newRegistrationFixture(t)

	tokenID := big.NewInt(11)
	assetID := computedAssetID(tokenID)
	txHash := common.HexToHash("0xabcd")
	backend.logs = []types.Log{
		assetRegisteredLog(computedAssetID(big.NewInt(10)), big.NewInt(10), common.HexToAddress("0x02"), 4990, common.HexToHash("0x1111")),
		assetRegisteredLog(assetID, tokenID, common.HexToAddress("0x03"), 4999, txHash),
	}

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(4999),
		TxHash:      txHash,
	}

	gotAsset, gotToken, err := service.ExtractIdentifier(context.Background(), receipt)
	require.NoError(t, err)
	assert.Equal(t, assetID, gotAsset)
	assert.Equal(t, tokenID.String(), gotToken.String())
}

func TestExtractIdentifierDerivesFromTotalSupply(t *testing.T) {
	service, backend := newRegistrationFixture(t)
	backend.supply = big.NewInt(42)

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(5001),
		TxHash:      common.HexToHash("0xbeef"),
	}

	gotAsset, gotToken, err := service.ExtractIdentifier(context.Background(), receipt)
	require.NoError(t, err)
	assert.Equal(t, "42", gotToken.String())
	assert.Equal(t, computedAssetID(big.NewInt(42)), gotAsset)
}

func TestExtractIdentifierPathsAgree(t *testing.T) {
	service, backend := newRegistrationFixture(t)

	// The receipt log and the supply derivation describe the same mint,
	// so both paths must resolve to the same identifier.
	tokenID := big.NewInt(42)
	assetID := computedAssetID(tokenID)
	backend.supply = big.NewInt(42)

	fromLogs, _, err := service.ExtractIdentifier(context.Background(),
		successReceipt(assetID, tokenID, common.HexToAddress("0x01")))
	require.NoError(t, err)

	derived, _, err := service.ExtractIdentifier(context.Background(), &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(5001),
		TxHash:      common.HexToHash("0xbeef"),
	})
	require.NoError(t, err)

	assert.Equal(t, fromLogs, derived)
}

func TestExtractIdentifierExhaustedReportsTransaction(t *testing.T) {
	service, backend := newRegistrationFixture(t)
	backend.supply = big.NewInt(0)

	txHash := common.HexToHash("0xdead")
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(5001),
		TxHash:      txHash,
	}

	_, _, err := service.ExtractIdentifier(context.Background(), receipt)
	require.Error(t, err)

	assert.Equal(t, models.ErrKindIdentifierNotFound, models.KindOf(err))
	assert.False(t, models.IsRetryable(err))
	// The on-chain effect already happened; the hash points at it.
	assert.Contains(t, err.Error(), txHash.Hex())
}

func TestComputeAssetIDUsesRegistryDerivation(t *testing.T) {
	service, _ := newRegistrationFixture(t)

	got, err := service.ComputeAssetID(context.Background(), big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, computedAssetID(big.NewInt(5)), got)
}
