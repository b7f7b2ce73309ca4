package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Match lifecycle statuses. A match is terminal at finished or cancelled.
const (
	MatchStatusGenerating = "generating"
	MatchStatusPlaying    = "playing"
	MatchStatusFinished   = "finished"
	MatchStatusCancelled  = "cancelled"
)

// Match records a single last-sphere-standing round.
// Exactly one match may be generating or playing at any time system-wide.
type Match struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	GameID string `gorm:"uniqueIndex;not null" json:"game_id"` // time-derived opaque token

	// The partial unique index holds the single-active-match invariant at
	// the database, so concurrent starts across instances cannot both
	// insert an active row.
	Status string `json:"status" gorm:"type:varchar(16);not null;index;check:status IN ('generating','playing','finished','cancelled');index:idx_matches_single_active,unique,where:status = 'generating' OR status = 'playing'"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	TotalPlayers int `json:"total_players" gorm:"default:0"`

	// Frozen at the generating→playing flip, never mutated afterwards.
	// JSON array of MatchParticipant.
	ParticipantsJSON string `json:"-" gorm:"type:text"`

	// Outcome
	WinnerName   *string `json:"winner_name,omitempty"`
	WinnerWallet *string `json:"winner_wallet,omitempty"`
	IsDraw       bool    `json:"is_draw" gorm:"default:false"`

	// Append-only ordered gameplay/lifecycle event log (JSON array).
	EventsJSON string `json:"-" gorm:"type:text"`

	CancelReason *string `json:"cancel_reason,omitempty"`

	Timestamps
}

func (m *Match) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// MatchParticipant is one entry of the frozen participant snapshot.
type MatchParticipant struct {
	Name   string `json:"name"`
	Wallet string `json:"wallet,omitempty"`
	Chain  string `json:"chain,omitempty"`
	IsBot  bool   `json:"is_bot"`
}
