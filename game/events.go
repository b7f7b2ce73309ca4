package game

// EventType is the closed set of gameplay/lifecycle event kinds.
type EventType string

const (
	EventInfo       EventType = "info"
	EventCollision  EventType = "collision"
	EventEliminated EventType = "eliminated"
	EventWin        EventType = "win"
	EventDraw       EventType = "draw"
)

// Event is one entry of the ordered per-tick event stream. Only the fields
// for its Type are set; everything else is omitted on the wire.
type Event struct {
	Type EventType `json:"type"`

	// info
	Message string `json:"message,omitempty"`

	// collision
	Force    float64 `json:"force,omitempty"`
	SphereA  string  `json:"sphere_a,omitempty"`
	SphereB  string  `json:"sphere_b,omitempty"`
	ImpactX  float64 `json:"impact_x,omitempty"`
	ImpactY  float64 `json:"impact_y,omitempty"`

	// eliminated
	SphereID string `json:"sphere_id,omitempty"`
	Name     string `json:"name,omitempty"`

	// win
	Winner string `json:"winner,omitempty"`
}

func InfoEvent(msg string) Event {
	return Event{Type: EventInfo, Message: msg}
}

func CollisionEvent(force float64, a, b *Sphere) Event {
	return Event{
		Type:    EventCollision,
		Force:   force,
		SphereA: a.ID,
		SphereB: b.ID,
		ImpactX: (a.X + b.X) / 2,
		ImpactY: (a.Y + b.Y) / 2,
	}
}

func EliminatedEvent(s *Sphere) Event {
	return Event{Type: EventEliminated, SphereID: s.ID, Name: s.Name}
}

func WinEvent(winner string) Event {
	return Event{Type: EventWin, Winner: winner}
}

func DrawEvent() Event {
	return Event{Type: EventDraw}
}
