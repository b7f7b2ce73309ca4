package models

import "time"

// Schedule is a singleton row: the next scheduled match time (nil = none)
// and the target player count. A schedule fires once — the arena clears
// NextMatchAt when a match starts.
type Schedule struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	NextMatchAt *time.Time `json:"next_match_at,omitempty"`
	// NextGameID is the time-derived id registrations attach to before the
	// round exists as a Match row.
	NextGameID   string `json:"next_game_id,omitempty"`
	TotalPlayers int    `json:"total_players" gorm:"default:8"`

	Timestamps
}
