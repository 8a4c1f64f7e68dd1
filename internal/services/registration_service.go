// internal/services/registration_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/artledger/provenance-backend/internal/config"
	"github.com/artledger/provenance-backend/internal/ledger"
	"github.com/artledger/provenance-backend/internal/metadata"
	"github.com/artledger/provenance-backend/internal/models"
	"github.com/artledger/provenance-backend/internal/utils"
)

// RegistrationService drives one registration end to end: build and hash
// metadata, publish it, verify store consistency, then simulate, submit,
// confirm and extract the asset identifier. Each instance is safe for
// concurrent use; a registration holds no shared mutable state.
type RegistrationService struct {
	db       *gorm.DB
	config   *config.Config
	ledger   *ledger.Client
	content  *ContentService
	registry common.Address
	token    common.Address
}

func NewRegistrationService(db *gorm.DB, cfg *config.Config, ledgerClient *ledger.Client, contentService *ContentService) *RegistrationService {
	return &RegistrationService{
		db:       db,
		config:   cfg,
		ledger:   ledgerClient,
		content:  contentService,
		registry: common.HexToAddress(cfg.Ledger.RegistryAddress),
		token:    common.HexToAddress(cfg.Ledger.TokenAddress),
	}
}

// Register runs the full pipeline. Errors carry the failing step and the
// terminal/retryable classification; once the transaction is confirmed
// the on-chain effect is never rolled back, even if identifier
// extraction fails afterwards.
func (s *RegistrationService) Register(ctx context.Context, req *models.RegistrationRequest) (*models.RegistrationResult, error) {
	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	// Build both metadata documents around the same media reference
	assetDoc, tokenDoc, err := metadata.Build(metadata.BuildInput{
		Name:           req.Name,
		Description:    req.Description,
		MediaReference: req.MediaReference,
		MediaType:      req.MediaType,
		Attributes:     req.Attributes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata: %w", err)
	}

	// Publish to the content store
	assetContent, err := s.content.Publish(ctx, assetDoc, req.Name+" (asset metadata)")
	if err != nil {
		return nil, err
	}
	tokenContent, err := s.content.Publish(ctx, tokenDoc, req.Name+" (token metadata)")
	if err != nil {
		return nil, err
	}

	// Verify store consistency before spending gas; the registry will
	// fetch and re-hash the same content during the call, so catching a
	// mismatch here avoids a transaction that is guaranteed to fail.
	if err := s.content.VerifyPublished(ctx, assetContent); err != nil {
		return nil, err
	}
	if err := s.content.VerifyPublished(ctx, tokenContent); err != nil {
		return nil, err
	}

	// Preflight: a submitter with no gas balance fails fast
	balance, err := s.ledger.NativeBalance(ctx, s.ledger.From())
	if err != nil {
		return nil, models.TransientSubmission("preflight", err)
	}
	if balance.Sign() == 0 {
		return nil, models.InsufficientFunds("preflight")
	}

	params, err := s.buildCall(req, assetContent, tokenContent)
	if err != nil {
		return nil, err
	}

	// Simulate before the first submission; a failed simulation reliably
	// predicts a failed, gas-wasting transaction
	if err := s.ledger.Simulate(ctx, params); err != nil {
		return nil, err
	}

	txHash, err := s.submitWithRetry(ctx, params)
	if err != nil {
		return nil, err
	}

	receipt, err := s.ledger.AwaitConfirmation(ctx, txHash,
		s.config.Ledger.ConfirmTimeoutDuration(), s.config.Ledger.ConfirmPollDuration())
	if err != nil {
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, models.Reverted("confirm", s.decodeConfirmedRevert(ctx, params))
	}

	assetID, tokenID, err := s.ExtractIdentifier(ctx, receipt)
	if err != nil {
		return nil, err
	}

	result := &models.RegistrationResult{
		AssetID:       assetID,
		TokenID:       tokenID,
		TxHash:        receipt.TxHash,
		BlockNumber:   receipt.BlockNumber.Uint64(),
		AssetMetadata: *assetContent,
		TokenMetadata: *tokenContent,
	}

	logrus.WithFields(logrus.Fields{
		"asset_id": assetID.Hex(),
		"token_id": tokenID.String(),
		"tx_hash":  receipt.TxHash.Hex(),
		"block":    result.BlockNumber,
	}).Info("Asset registered")

	// Persist the registration record asynchronously; the pipeline
	// result does not depend on it
	go s.saveRegistrationRecord(req.Recipient, result)

	return result, nil
}

func (s *RegistrationService) buildCall(req *models.RegistrationRequest, assetContent, tokenContent *models.PublishedContent) (ledger.TxParams, error) {
	assetHash, err := metadata.DigestBytes(assetContent.Digest)
	if err != nil {
		return ledger.TxParams{}, fmt.Errorf("failed to encode asset digest: %w", err)
	}
	tokenHash, err := metadata.DigestBytes(tokenContent.Digest)
	if err != nil {
		return ledger.TxParams{}, fmt.Errorf("failed to encode token digest: %w", err)
	}

	data, err := ledger.RegistryABI.Pack("mintAndRegister",
		common.HexToAddress(req.Recipient),
		assetContent.URI, assetHash,
		tokenContent.URI, tokenHash,
		req.AllowDuplicatesOrDefault(),
	)
	if err != nil {
		return ledger.TxParams{}, fmt.Errorf("failed to pack registration call: %w", err)
	}

	return ledger.TxParams{To: s.registry, Data: data}, nil
}

// submitWithRetry retries transient submission failures with capped
// exponential backoff. Before each retry the call is re-simulated, since
// chain state may have changed; content-store consistency is deliberately
// NOT re-verified, to avoid hammering a rate-limited store. The registry
// re-hashes the metadata on-chain either way.
func (s *RegistrationService) submitWithRetry(ctx context.Context, params ledger.TxParams) (common.Hash, error) {
	attempts := s.config.Ledger.SubmitAttempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := s.ledger.Simulate(ctx, params); err != nil {
				return common.Hash{}, err
			}
		}

		txHash, err := s.ledger.Submit(ctx, params)
		if err == nil {
			return txHash, nil
		}
		if !models.IsRetryable(err) {
			return common.Hash{}, err
		}
		lastErr = err

		if attempt < attempts {
			delay := s.backoffDelay(attempt)
			logrus.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			}).Warn("Submission failed, retrying")

			select {
			case <-ctx.Done():
				return common.Hash{}, models.TransientSubmission("submit", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return common.Hash{}, lastErr
}

func (s *RegistrationService) backoffDelay(attempt int) time.Duration {
	base := time.Duration(s.config.Ledger.SubmitBackoff) * time.Second
	cap := time.Duration(s.config.Ledger.SubmitBackoffCap) * time.Second

	delay := base << (attempt - 1)
	if cap > 0 && delay > cap {
		delay = cap
	}
	return delay
}

// decodeConfirmedRevert re-simulates the failed call to recover a revert
// reason for a transaction that already reverted on-chain. Best effort:
// state may have moved since the failing block.
func (s *RegistrationService) decodeConfirmedRevert(ctx context.Context, params ledger.TxParams) string {
	reason := "transaction reverted on-chain"
	if err := s.ledger.Simulate(ctx, params); err != nil {
		var pe *models.PipelineError
		if errors.As(err, &pe) && pe.Detail != "" {
			reason = pe.Detail
		}
	}
	return reason
}

// ExtractIdentifier resolves the asset identifier and token id from a
// confirmed receipt. Three paths, each tried only when the previous one
// yields nothing: receipt log decode, log re-query by transaction hash,
// then deterministic computation from the current token supply. When all
// fail the transaction is NOT retried; the error tells the caller to
// resolve it manually from the transaction hash.
func (s *RegistrationService) ExtractIdentifier(ctx context.Context, receipt *types.Receipt) (common.Address, *big.Int, error) {
	// Path 1: the expected event is in the receipt logs
	if assetID, tokenID, ok := s.assetRegisteredFromLogs(receipt.Logs); ok {
		return assetID, tokenID, nil
	}

	// Path 2: re-query the event filtered by this transaction hash over
	// a bounded recent window
	if assetID, tokenID, ok := s.requeryRegistrationEvent(ctx, receipt); ok {
		return assetID, tokenID, nil
	}

	// Path 3: the just-minted token is the most recent id; derive the
	// identifier deterministically from the total supply
	supplyValues, err := s.ledger.ReadView(ctx, s.token, ledger.TokenABI, "totalSupply")
	if err == nil && len(supplyValues) == 1 {
		if supply, ok := supplyValues[0].(*big.Int); ok && supply.Sign() > 0 {
			tokenID := new(big.Int).Set(supply)
			if assetID, err := s.ComputeAssetID(ctx, tokenID); err == nil {
				return assetID, tokenID, nil
			}
		}
	}

	return common.Address{}, nil, models.IdentifierNotFound("extract_identifier", receipt.TxHash.Hex())
}

// ComputeAssetID derives the identifier for a token through the
// registry's deterministic view call.
func (s *RegistrationService) ComputeAssetID(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	return s.ledger.ComputeAssetID(ctx, s.registry, s.token, tokenID)
}

func (s *RegistrationService) assetRegisteredFromLogs(logs []*types.Log) (common.Address, *big.Int, bool) {
	eventID := ledger.RegistryABI.Events["AssetRegistered"].ID

	for _, lg := range logs {
		if lg == nil || lg.Address != s.registry {
			continue
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != eventID {
			continue
		}
		assetID := common.BytesToAddress(lg.Topics[1].Bytes())
		tokenID := new(big.Int).SetBytes(lg.Topics[2].Bytes())
		return assetID, tokenID, true
	}

	return common.Address{}, nil, false
}

func (s *RegistrationService) requeryRegistrationEvent(ctx context.Context, receipt *types.Receipt) (common.Address, *big.Int, bool) {
	head, err := s.ledger.HeadBlock(ctx)
	if err != nil {
		return common.Address{}, nil, false
	}

	window := s.config.Indexer.EventWindow
	fromBlock := uint64(0)
	if head > window {
		fromBlock = head - window
	}
	if confirmed := receipt.BlockNumber.Uint64(); confirmed < fromBlock {
		fromBlock = confirmed
	}

	eventID := ledger.RegistryABI.Events["AssetRegistered"].ID
	logs, err := s.ledger.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{s.registry},
		Topics:    [][]common.Hash{{eventID}},
	})
	if err != nil {
		return common.Address{}, nil, false
	}

	for _, lg := range logs {
		if lg.TxHash != receipt.TxHash || len(lg.Topics) < 3 {
			continue
		}
		assetID := common.BytesToAddress(lg.Topics[1].Bytes())
		tokenID := new(big.Int).SetBytes(lg.Topics[2].Bytes())
		return assetID, tokenID, true
	}

	return common.Address{}, nil, false
}

func (s *RegistrationService) saveRegistrationRecord(recipient string, result *models.RegistrationResult) {
	if s.db == nil {
		return
	}

	record := &models.RegistrationRecord{
		AssetID:     result.AssetID.Hex(),
		TokenID:     result.TokenID.String(),
		TxHash:      result.TxHash.Hex(),
		BlockNumber: result.BlockNumber,
		Recipient:   recipient,
		AssetURI:    result.AssetMetadata.URI,
		AssetDigest: result.AssetMetadata.Digest,
		TokenURI:    result.TokenMetadata.URI,
		TokenDigest: result.TokenMetadata.Digest,
	}

	if err := s.db.Create(record).Error; err != nil {
		logrus.WithError(err).Error("Failed to persist registration record")
	}
}

// GetRegistration looks up a persisted registration by asset identifier.
func (s *RegistrationService) GetRegistration(assetID string) (*models.RegistrationRecord, error) {
	if s.db == nil {
		return nil, errors.New("registration history is not configured")
	}

	var record models.RegistrationRecord
	if err := s.db.Where("asset_id = ?", common.HexToAddress(assetID).Hex()).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("registration not found")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &record, nil
}
