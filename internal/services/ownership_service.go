// internal/services/ownership_service.go
package services

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/artledger/provenance-backend/internal/config"
	"github.com/artledger/provenance-backend/internal/ledger"
	"github.com/artledger/provenance-backend/internal/models"
)

// OwnershipService answers "which assets does this address own". The
// token contract has no by-owner enumeration, so ownership is
// reconstructed by replaying transfer events and every candidate is
// confirmed with a direct ownerOf call before it is returned.
type OwnershipService struct {
	config   *config.Config
	ledger   *ledger.Client
	indexer  *IndexerService
	registry common.Address
	token    common.Address
	uriCache *lru.Cache[string, string]
}

func NewOwnershipService(cfg *config.Config, ledgerClient *ledger.Client, indexer *IndexerService) *OwnershipService {
	// token URIs are immutable once minted, so a small LRU removes the
	// repeated view calls across queries
	uriCache, _ := lru.New[string, string](512)

	return &OwnershipService{
		config:   cfg,
		ledger:   ledgerClient,
		indexer:  indexer,
		registry: common.HexToAddress(cfg.Ledger.RegistryAddress),
		token:    common.HexToAddress(cfg.Ledger.TokenAddress),
		uriCache: uriCache,
	}
}

// OwnedAssets reconstructs the owner's current holdings. The result is a
// derived view recomputed per query, not stored state.
func (s *OwnershipService) OwnedAssets(ctx context.Context, owner common.Address) ([]models.OwnershipRecord, error) {
	// Zero balance means no scan is worth running
	balance, err := s.balanceOf(ctx, owner)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return []models.OwnershipRecord{}, nil
	}

	events, err := s.transferEvents(ctx, owner)
	if err != nil {
		return nil, err
	}

	candidates := TokensHeldAfterFold(events, owner)
	verified := s.verifyCandidates(ctx, owner, candidates)

	// Transfers can predate the scanned window; fall back to probing the
	// most recent token ids until the known balance is satisfied
	if len(verified) == 0 {
		verified, err = s.bruteForceScan(ctx, owner, balance)
		if err != nil {
			return nil, err
		}
	}

	return s.buildRecords(ctx, owner, verified, events), nil
}

// FoldTransferEvents replays events ordered by (block number, log
// position) and returns the latest owner per token id. Each event
// overwrites the prior owner for that token; nothing else overrides the
// fold.
func FoldTransferEvents(events []models.TransferEvent) map[string]common.Address {
	sorted := make([]models.TransferEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].LogIndex < sorted[j].LogIndex
	})

	latest := make(map[string]common.Address, len(sorted))
	for _, ev := range sorted {
		latest[ev.TokenID.String()] = ev.To
	}
	return latest
}

// TokensHeldAfterFold selects the token ids whose folded latest owner is
// the queried address.
func TokensHeldAfterFold(events []models.TransferEvent, owner common.Address) []*big.Int {
	latest := FoldTransferEvents(events)

	byID := make(map[string]*big.Int, len(events))
	for _, ev := range events {
		byID[ev.TokenID.String()] = ev.TokenID
	}

	ids := make([]string, 0, len(latest))
	for id, holder := range latest {
		if holder == owner {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	tokens := make([]*big.Int, 0, len(ids))
	for _, id := range ids {
		tokens = append(tokens, byID[id])
	}
	return tokens
}

// transferEvents gathers the owner's transfer history: from the synced
// index when one is running, otherwise two filtered log queries (one per
// direction) over the bounded recent window.
func (s *OwnershipService) transferEvents(ctx context.Context, owner common.Address) ([]models.TransferEvent, error) {
	if s.indexer != nil && s.indexer.Ready() {
		events, err := s.indexer.TransferEventsFor(owner)
		if err == nil {
			return events, nil
		}
		logrus.WithError(err).Warn("Index lookup failed, falling back to window scan")
	}

	head, err := s.ledger.HeadBlock(ctx)
	if err != nil {
		return nil, err
	}

	fromBlock := uint64(0)
	if window := s.config.Indexer.EventWindow; head > window {
		fromBlock = head - window
	}

	eventID := ledger.TokenABI.Events["Transfer"].ID
	ownerTopic := common.BytesToHash(owner.Bytes())

	incoming, err := s.ledger.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{s.token},
		Topics:    [][]common.Hash{{eventID}, nil, {ownerTopic}},
	})
	if err != nil {
		return nil, err
	}

	outgoing, err := s.ledger.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{s.token},
		Topics:    [][]common.Hash{{eventID}, {ownerTopic}},
	})
	if err != nil {
		return nil, err
	}

	events := make([]models.TransferEvent, 0, len(incoming)+len(outgoing))
	for _, lg := range append(incoming, outgoing...) {
		if ev, ok := ParseTransferLog(lg); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// ParseTransferLog decodes an ERC-721 Transfer log; all three arguments
// are indexed, so the payload lives entirely in the topics.
func ParseTransferLog(lg types.Log) (models.TransferEvent, bool) {
	if len(lg.Topics) != 4 || lg.Topics[0] != ledger.TokenABI.Events["Transfer"].ID {
		return models.TransferEvent{}, false
	}

	return models.TransferEvent{
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		TokenID:     new(big.Int).SetBytes(lg.Topics[3].Bytes()),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
	}, true
}

// verifyCandidates confirms each candidate with a direct ownerOf call.
// Calls run in fixed-size batches: concurrent within a batch, batches
// joined sequentially to bound RPC load. Candidates whose call fails or
// disagrees are silently discarded; that covers races and tokens already
// transferred or burned.
func (s *OwnershipService) verifyCandidates(ctx context.Context, owner common.Address, candidates []*big.Int) []*big.Int {
	batchSize := s.config.Indexer.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	verified := make([]*big.Int, 0, len(candidates))
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		batch := candidates[start:end]
		held := make([]bool, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, tokenID := range batch {
			g.Go(func() error {
				current, err := s.ownerOf(gctx, tokenID)
				if err == nil && current == owner {
					held[i] = true
				}
				return nil
			})
		}
		g.Wait()

		for i, ok := range held {
			if ok {
				verified = append(verified, batch[i])
			}
		}
	}

	return verified
}

// bruteForceScan probes ownerOf over the most recent token ids, newest
// first, stopping once enough matches satisfy the known balance.
func (s *OwnershipService) bruteForceScan(ctx context.Context, owner common.Address, balance *big.Int) ([]*big.Int, error) {
	values, err := s.ledger.ReadView(ctx, s.token, ledger.TokenABI, "totalSupply")
	if err != nil {
		return nil, err
	}
	supply, ok := values[0].(*big.Int)
	if !ok || supply.Sign() == 0 {
		return nil, nil
	}

	window := s.config.Indexer.BruteForceWindow
	if window == 0 {
		window = 200
	}

	lowest := new(big.Int).Sub(supply, new(big.Int).SetUint64(window-1))
	if lowest.Sign() < 1 {
		lowest = big.NewInt(1)
	}

	batchSize := s.config.Indexer.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	want := int(balance.Int64())
	matches := make([]*big.Int, 0, want)

	for cursor := new(big.Int).Set(supply); cursor.Cmp(lowest) >= 0 && len(matches) < want; {
		batch := make([]*big.Int, 0, batchSize)
		for len(batch) < batchSize && cursor.Cmp(lowest) >= 0 {
			batch = append(batch, new(big.Int).Set(cursor))
			cursor = new(big.Int).Sub(cursor, big.NewInt(1))
		}

		for _, tokenID := range s.verifyCandidates(ctx, owner, batch) {
			if len(matches) < want {
				matches = append(matches, tokenID)
			}
		}
	}

	return matches, nil
}

func (s *OwnershipService) buildRecords(ctx context.Context, owner common.Address, tokens []*big.Int, events []models.TransferEvent) []models.OwnershipRecord {
	// mint blocks date the registrations when the mint event was inside
	// the scanned window
	mintBlocks := make(map[string]uint64)
	for _, ev := range events {
		if ev.From == (common.Address{}) {
			mintBlocks[ev.TokenID.String()] = ev.BlockNumber
		}
	}

	records := make([]models.OwnershipRecord, 0, len(tokens))
	for _, tokenID := range tokens {
		record := models.OwnershipRecord{
			TokenID: tokenID,
			Owner:   owner,
		}

		assetID, err := s.ledger.ComputeAssetID(ctx, s.registry, s.token, tokenID)
		if err != nil {
			logrus.WithError(err).WithField("token_id", tokenID.String()).
				Warn("Failed to derive asset identifier, skipping token")
			continue
		}
		record.AssetID = assetID

		if uri, err := s.tokenURI(ctx, tokenID); err == nil {
			record.MetadataURI = uri
		}

		if block, ok := mintBlocks[tokenID.String()]; ok {
			if ts, err := s.ledger.BlockTime(ctx, block); err == nil {
				record.RegisteredAt = ts
			}
		}

		records = append(records, record)
	}

	return records
}

func (s *OwnershipService) balanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	values, err := s.ledger.ReadView(ctx, s.token, ledger.TokenABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", values[0])
	}
	return balance, nil
}

func (s *OwnershipService) ownerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	values, err := s.ledger.ReadView(ctx, s.token, ledger.TokenABI, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	holder, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected ownerOf result type %T", values[0])
	}
	return holder, nil
}

func (s *OwnershipService) tokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	key := tokenID.String()
	if uri, ok := s.uriCache.Get(key); ok {
		return uri, nil
	}

	values, err := s.ledger.ReadView(ctx, s.token, ledger.TokenABI, "tokenURI", tokenID)
	if err != nil {
		return "", err
	}
	uri, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected tokenURI result type %T", values[0])
	}

	s.uriCache.Add(key, uri)
	return uri, nil
}
