// internal/models/indexer.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// TransferEventRecord mirrors one on-chain transfer event into postgres so
// ownership queries can fold the log without rescanning the chain. The
// on-chain log remains the source of truth; rows here are a cache.
type TransferEventRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Contract    string    `gorm:"not null;index:idx_transfer_contract_token" json:"contract"`
	TokenID     string    `gorm:"not null;index:idx_transfer_contract_token" json:"token_id"`
	FromAddress string    `gorm:"not null;index" json:"from_address"`
	ToAddress   string    `gorm:"not null;index" json:"to_address"`
	BlockNumber uint64    `gorm:"not null" json:"block_number"`
	LogIndex    uint      `gorm:"not null" json:"log_index"`
	TxHash      string    `gorm:"not null;uniqueIndex:uq_transfer_tx_log,priority:1" json:"tx_hash"`
	TxLogIndex  uint      `gorm:"not null;uniqueIndex:uq_transfer_tx_log,priority:2" json:"tx_log_index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (TransferEventRecord) TableName() string {
	return "transfer_events"
}

// IndexCheckpoint persists the last block the incremental sync has
// scanned for a contract, so each sync resumes instead of re-reading a
// fixed window.
type IndexCheckpoint struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Contract         string    `gorm:"not null;uniqueIndex" json:"contract"`
	LastScannedBlock uint64    `gorm:"not null" json:"last_scanned_block"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (IndexCheckpoint) TableName() string {
	return "index_checkpoints"
}

// RegistrationRecord is the persisted copy of a RegistrationResult,
// written best-effort after confirmation for history and lookup.
type RegistrationRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()" json:"id"`
	AssetID     string    `gorm:"not null;uniqueIndex" json:"asset_id"`
	TokenID     string    `gorm:"not null" json:"token_id"`
	TxHash      string    `gorm:"not null" json:"tx_hash"`
	BlockNumber uint64    `gorm:"not null" json:"block_number"`
	Recipient   string    `gorm:"not null;index" json:"recipient"`
	AssetURI    string    `json:"asset_uri"`
	AssetDigest string    `json:"asset_digest"`
	TokenURI    string    `json:"token_uri"`
	TokenDigest string    `json:"token_digest"`
	CreatedAt   time.Time `json:"created_at"`
}

func (RegistrationRecord) TableName() string {
	return "registrations"
}
