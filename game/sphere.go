package game

import "math/rand"

// Sphere is one combat unit. Mutated only by the leader's tick loop.
// Mass equals radius: bigger spheres are heavier, no separate density.
type Sphere struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Wallet string  `json:"wallet,omitempty"`
	IsBot  bool    `json:"is_bot"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	VX     float64 `json:"vx"`
	VY     float64 `json:"vy"`
	Radius float64 `json:"radius"`
	Mass   float64 `json:"mass"`
	Color  string  `json:"color"`

	Health      float64 `json:"health"`
	MaxHealth   float64 `json:"max_health"`
	DamageTaken float64 `json:"damage_taken"`
	Eliminated  bool    `json:"eliminated"`
	Kills       int     `json:"kills"`
}

// NewSphere spawns a sphere at a random position inside the arena with a
// bounded random velocity. Overlapping spawns are fine: the first ticks'
// positional separation pushes coincident spheres apart.
func NewSphere(id, name, wallet string, isBot bool, slot int) *Sphere {
	palette := HumanPalette
	if isBot {
		palette = BotPalette
	}
	return &Sphere{
		ID:        id,
		Name:      name,
		Wallet:    wallet,
		IsBot:     isBot,
		X:         SphereRadius + rand.Float64()*(ArenaWidth-2*SphereRadius),
		Y:         SphereRadius + rand.Float64()*(ArenaHeight-2*SphereRadius),
		VX:        (rand.Float64()*2 - 1) * SpawnSpeedMax,
		VY:        (rand.Float64()*2 - 1) * SpawnSpeedMax,
		Radius:    SphereRadius,
		Mass:      SphereRadius,
		Color:     palette[slot%len(palette)],
		Health:    MaxHealth,
		MaxHealth: MaxHealth,
	}
}

// AliveCount counts non-eliminated spheres.
func AliveCount(spheres []*Sphere) int {
	n := 0
	for _, s := range spheres {
		if !s.Eliminated {
			n++
		}
	}
	return n
}
