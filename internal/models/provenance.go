// internal/models/provenance.go
package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AssetMetadata is the provenance record published to the content store.
// Field order is fixed; the serialized bytes of this document are hashed
// and later re-verified, so the layout must never depend on map iteration
// or other nondeterministic state.
type AssetMetadata struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	MediaURL    string            `json:"mediaUrl"`
	MediaType   string            `json:"mediaType"`
	CreatedAt   string            `json:"createdAt,omitempty"`
	Attributes  []MetadataKeyPair `json:"attributes,omitempty"`
}

// OwnershipTokenMetadata is the collectible record minted alongside the
// asset. It must reference the same media as the asset document.
type OwnershipTokenMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// MetadataKeyPair carries caller-supplied extra fields in a stable order.
type MetadataKeyPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PublishedContent is what remains of a metadata document after upload:
// its content id, the digest computed before upload, and the gateway URIs
// it can be fetched from.
type PublishedContent struct {
	ContentID string   `json:"content_id"`
	Digest    string   `json:"digest"`
	URI       string   `json:"uri"`
	Gateways  []string `json:"gateways,omitempty"`
}

// RegistrationRequest is the input accepted from the dashboard layer.
type RegistrationRequest struct {
	Name            string            `json:"name" validate:"required,min=1,max=255"`
	Description     string            `json:"description" validate:"required,min=1"`
	MediaReference  string            `json:"media_reference" validate:"required,url"`
	MediaType       string            `json:"media_type,omitempty"`
	Recipient       string            `json:"recipient" validate:"required,eth_addr"`
	Attributes      []MetadataKeyPair `json:"attributes,omitempty"`
	AllowDuplicates *bool             `json:"allow_duplicates,omitempty"` // nil means true
}

func (r *RegistrationRequest) AllowDuplicatesOrDefault() bool {
	if r.AllowDuplicates == nil {
		return true
	}
	return *r.AllowDuplicates
}

// RegistrationResult is terminal: created once per confirmed submission
// and never mutated.
type RegistrationResult struct {
	AssetID       common.Address   `json:"asset_id"`
	TokenID       *big.Int         `json:"token_id"`
	TxHash        common.Hash      `json:"tx_hash"`
	BlockNumber   uint64           `json:"block_number"`
	AssetMetadata PublishedContent `json:"asset_metadata"`
	TokenMetadata PublishedContent `json:"token_metadata"`
}

// TransferEvent is one record of the ownership token contract's transfer
// log, the only authoritative source for current ownership.
type TransferEvent struct {
	From        common.Address
	To          common.Address
	TokenID     *big.Int
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
}

// OwnershipRecord is a derived view, recomputed per query by replaying
// transfer events; it is never stored as authoritative state.
type OwnershipRecord struct {
	AssetID      common.Address `json:"asset_id"`
	TokenID      *big.Int       `json:"token_id"`
	Owner        common.Address `json:"owner"`
	RegisteredAt time.Time      `json:"registered_at,omitempty"`
	MetadataURI  string         `json:"metadata_uri,omitempty"`
}
