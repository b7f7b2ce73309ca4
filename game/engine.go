package game

import (
	"math"
	"math/rand"
)

// Status of the arena as seen by the tick loop.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusPlaying    Status = "playing"
)

// Outcome is the typed result of one tick, so the lifecycle transition is an
// explicit decision instead of a side effect read back from shared state.
type Outcome int

const (
	OutcomeOngoing Outcome = iota
	OutcomeFinished
	OutcomeDraw
)

type StepResult struct {
	Outcome Outcome
	Winner  *Sphere // set only for OutcomeFinished
}

// Step advances the simulation by dtMs milliseconds, mutating the sphere
// set in place. It returns the tick's events in occurrence order
// (collisions, then eliminations, then a terminal win/draw) plus the typed
// outcome. No-op unless status is playing, and no-op for non-finite or
// non-positive dt — leadership handoff and coalesced tickers produce both.
func Step(dtMs float64, spheres []*Sphere, status Status) ([]Event, StepResult) {
	if status != StatusPlaying {
		return nil, StepResult{Outcome: OutcomeOngoing}
	}
	if math.IsNaN(dtMs) || math.IsInf(dtMs, 0) || dtMs <= 0 {
		return nil, StepResult{Outcome: OutcomeOngoing}
	}

	dt := dtMs / 1000.0
	aliveBefore := AliveCount(spheres)

	var events []Event

	// Integrate + walls.
	damping := math.Pow(Friction, dtMs/FrictionRefMs)
	for _, s := range spheres {
		if s.Eliminated {
			continue
		}
		s.X += s.VX * dt
		s.Y += s.VY * dt
		s.VX *= damping
		s.VY *= damping

		if s.X < s.Radius {
			s.X = s.Radius
			s.VX = -s.VX * WallDamping
		} else if s.X > ArenaWidth-s.Radius {
			s.X = ArenaWidth - s.Radius
			s.VX = -s.VX * WallDamping
		}
		if s.Y < s.Radius {
			s.Y = s.Radius
			s.VY = -s.VY * WallDamping
		} else if s.Y > ArenaHeight-s.Radius {
			s.Y = ArenaHeight - s.Radius
			s.VY = -s.VY * WallDamping
		}
	}

	// Pairwise collisions, O(n²) over the alive set.
	for i := 0; i < len(spheres); i++ {
		a := spheres[i]
		if a.Eliminated {
			continue
		}
		for j := i + 1; j < len(spheres); j++ {
			b := spheres[j]
			if b.Eliminated {
				continue
			}
			dx := b.X - a.X
			dy := b.Y - a.Y
			dist := math.Hypot(dx, dy)
			minDist := a.Radius + b.Radius
			if dist >= minDist {
				continue
			}

			var nx, ny float64
			if dist < 1e-9 {
				// Coincident centers: pick a synthetic normal instead of
				// dividing by zero and smearing NaN through the state.
				angle := rand.Float64() * 2 * math.Pi
				nx = math.Cos(angle)
				ny = math.Sin(angle)
				dist = 0
			} else {
				nx = dx / dist
				ny = dy / dist
			}

			// Positional correction, weighted inversely by mass.
			overlap := minDist - dist
			totalMass := a.Mass + b.Mass
			a.X -= nx * overlap * (b.Mass / totalMass)
			a.Y -= ny * overlap * (b.Mass / totalMass)
			b.X += nx * overlap * (a.Mass / totalMass)
			b.Y += ny * overlap * (a.Mass / totalMass)

			// Impulse only when closing.
			rvx := b.VX - a.VX
			rvy := b.VY - a.VY
			closing := rvx*nx + rvy*ny
			if closing >= 0 {
				continue
			}
			impulse := -(1 + Restitution) * closing / (1/a.Mass + 1/b.Mass)
			a.VX -= impulse * nx / a.Mass
			a.VY -= impulse * ny / a.Mass
			b.VX += impulse * nx / b.Mass
			b.VY += impulse * ny / b.Mass

			if impulse > DamageImpulseThreshold {
				aWasAlive := a.Health > 0
				bWasAlive := b.Health > 0
				dmg := (impulse - DamageImpulseThreshold) * DamagePerImpulse
				a.Health -= dmg
				a.DamageTaken += dmg
				b.Health -= dmg
				b.DamageTaken += dmg
				events = append(events, CollisionEvent(impulse, a, b))
				// Credit a kill only for the collision that takes the victim
				// below zero; later hits on an already-downed sphere in the
				// same tick earn nothing.
				if aWasAlive && a.Health <= 0 && b.Health > 0 {
					b.Kills++
				}
				if bWasAlive && b.Health <= 0 && a.Health > 0 {
					a.Kills++
				}
			}
		}
	}

	// Eliminations are permanent for the rest of the match.
	for _, s := range spheres {
		if !s.Eliminated && s.Health <= 0 {
			s.Eliminated = true
			events = append(events, EliminatedEvent(s))
		}
	}

	// Terminal check, edge-triggered on the crossing tick.
	aliveAfter := AliveCount(spheres)
	if aliveBefore > 1 && aliveAfter <= 1 {
		if aliveAfter == 1 {
			var winner *Sphere
			for _, s := range spheres {
				if !s.Eliminated {
					winner = s
					break
				}
			}
			events = append(events, WinEvent(winner.Name))
			return events, StepResult{Outcome: OutcomeFinished, Winner: winner}
		}
		events = append(events, DrawEvent())
		return events, StepResult{Outcome: OutcomeDraw}
	}

	return events, StepResult{Outcome: OutcomeOngoing}
}
