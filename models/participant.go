package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Supported payment chains.
const (
	ChainTON = "TON"
	ChainSOL = "SOL"
)

// Participant verification statuses. A participant transitions exactly once:
// PENDING → CONFIRMED or PENDING → FAILED.
const (
	ParticipantPending   = "PENDING"
	ParticipantConfirmed = "CONFIRMED"
	ParticipantFailed    = "FAILED"
)

// Participant is a paid registration for a specific round.
type Participant struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	GameID string `gorm:"not null;uniqueIndex:idx_participants_game_username" json:"game_id"`

	// Stored verbatim; uniqueness per game is enforced case-insensitively
	// on UsernameLower.
	Username      string `gorm:"not null" json:"username"`
	UsernameLower string `gorm:"not null;uniqueIndex:idx_participants_game_username" json:"-"`

	WalletAddress string `gorm:"index;not null" json:"wallet_address"`
	Chain         string `gorm:"type:varchar(8);not null;check:chain IN ('TON','SOL')" json:"chain"`

	// Raw tx hash as submitted by the client.
	TxHash string `gorm:"not null" json:"tx_hash"`
	// Chain-prefixed lowercase canonical form, e.g. "sol:3xyz...".
	// Globally unique across all games: the replay-prevention key.
	NormalizedTxID string `gorm:"uniqueIndex;not null" json:"-"`

	Status     string  `json:"status" gorm:"type:varchar(16);not null;default:'PENDING';check:status IN ('PENDING','CONFIRMED','FAILED')"`
	FailReason *string `json:"fail_reason,omitempty"`

	JoinedAt time.Time `json:"joined_at" gorm:"not null;index"`

	Timestamps
}

func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// MaxConfirmedPerWallet caps how many confirmed entries one wallet may hold
// in a single game.
const MaxConfirmedPerWallet = 8
