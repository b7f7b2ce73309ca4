package game

const (
	ArenaWidth  = 1200.0
	ArenaHeight = 800.0

	SphereRadius = 18.0
	MaxHealth    = 100.0

	// Friction is the per-reference-interval velocity retention factor.
	// Each tick applies Friction^(dt/FrictionRefMs) so damping stays
	// frame-rate independent under jittery tick intervals.
	Friction      = 0.985
	FrictionRefMs = 50.0

	WallDamping = 0.85
	Restitution = 0.9

	// Impulse above this converts into symmetric damage on both colliders.
	DamageImpulseThreshold = 4.0
	DamagePerImpulse       = 2.5

	SpawnSpeedMax = 120.0 // units/sec, per axis

	SimTickHz   = 60
	BroadcastHz = 20
)

// HumanPalette and BotPalette keep humans visually distinct from fillers.
var HumanPalette = []string{
	"#ff5d5d", "#ffb84d", "#ffe44d", "#7bff5d",
	"#4dd2ff", "#5d7bff", "#b84dff", "#ff4dd2",
}

var BotPalette = []string{
	"#8a8f98", "#6e7680", "#a0a8b0", "#5c646e",
}
