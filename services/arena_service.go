package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"sphere-arena/game"
	"sphere-arena/models"
)

// eventFlushEvery paces the best-effort persistence of the in-memory event
// log. The terminal result write is must-complete and separate.
const eventFlushEvery = 2 * time.Second

// leaderChecker gates the authoritative tick.
type leaderChecker interface {
	IsLeader() bool
}

// startJobs is what the arena needs from the scheduler: dropping the
// pending start job and clearing the schedule record.
type startJobs interface {
	CancelPending()
	ClearNext()
}

// ArenaService owns the match lifecycle and the single-writer simulation
// state. Only the elected leader's tick loop mutates spheres; every other
// instance merely relays broadcasts.
type ArenaService struct {
	DB        *gorm.DB
	Broadcast *BroadcastService
	Leader    leaderChecker
	Jobs      startJobs // set by main after the scheduler exists

	mu       sync.Mutex
	status   game.Status
	spheres  []*game.Sphere
	matchID  string // DB row id of the active match
	gameID   string
	eventLog []game.Event
	dirty    bool // event log has unflushed entries

	lastTick  time.Time
	tickCount int
}

func NewArenaService(db *gorm.DB, broadcast *BroadcastService, leader leaderChecker) *ArenaService {
	return &ArenaService{
		DB:        db,
		Broadcast: broadcast,
		Leader:    leader,
		status:    game.StatusIdle,
	}
}

// RecoverStaleMatches cancels rounds left generating/playing by a previous
// process lifetime. There is no in-memory state to resume them with, so
// they must never survive a restart. Runs before anything else may start.
func (s *ArenaService) RecoverStaleMatches() error {
	now := time.Now().UTC()
	reason := "restarted"
	result := s.DB.Model(&models.Match{}).
		Where("status IN ?", []string{models.MatchStatusGenerating, models.MatchStatusPlaying}).
		Updates(map[string]interface{}{
			"status":        models.MatchStatusCancelled,
			"cancel_reason": reason,
			"ended_at":      &now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to cancel stale matches: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("⚠️  Cancelled %d stale match(es) from a previous run", result.RowsAffected)
	}
	return nil
}

// Start begins a round. Idempotent and leader-only: a duplicate trigger
// while a round is generating or playing is a logged no-op, and a fire on
// a non-leader instance defers to the leader (whose sphere set is the one
// the tick loop simulates). The in-memory guard covers this process; the
// active-row check plus the partial unique index on matches.status hold
// the invariant across the fleet.
func (s *ArenaService) Start() error {
	s.mu.Lock()
	if s.status != game.StatusIdle {
		s.mu.Unlock()
		log.Printf("⚠️  Start ignored: a match is already %s", s.status)
		return nil
	}
	if s.Leader != nil && !s.Leader.IsLeader() {
		s.mu.Unlock()
		log.Println("Start ignored on non-leader instance.")
		return nil
	}
	s.status = game.StatusGenerating
	s.mu.Unlock()

	var active int64
	if err := s.DB.Model(&models.Match{}).
		Where("status IN ?", []string{models.MatchStatusGenerating, models.MatchStatusPlaying}).
		Count(&active).Error; err != nil {
		return s.failStart(nil, fmt.Errorf("failed to check for an active match: %w", err))
	}
	if active > 0 {
		s.mu.Lock()
		s.status = game.StatusIdle
		s.mu.Unlock()
		log.Println("⚠️  Start ignored: another instance already runs a match.")
		return nil
	}

	var schedule models.Schedule
	if err := s.DB.First(&schedule).Error; err != nil {
		schedule = models.Schedule{TotalPlayers: 8}
	}
	gameID := schedule.NextGameID
	if gameID == "" {
		gameID = newGameID(time.Now())
	}
	target := schedule.TotalPlayers
	if target < 2 {
		target = 2
	}

	match := models.Match{
		GameID:       gameID,
		Status:       models.MatchStatusGenerating,
		ScheduledAt:  schedule.NextMatchAt,
		TotalPlayers: target,
	}
	if err := s.DB.Create(&match).Error; err != nil {
		// Includes losing the insert race against another instance on the
		// single-active-match index.
		return s.failStart(nil, fmt.Errorf("failed to create match row: %w", err))
	}

	var confirmed []models.Participant
	if err := s.DB.
		Where("game_id = ? AND status = ?", gameID, models.ParticipantConfirmed).
		Order("joined_at ASC").
		Find(&confirmed).Error; err != nil {
		return s.failStart(&match, fmt.Errorf("failed to snapshot participants: %w", err))
	}

	snapshot := buildParticipantSnapshot(confirmed, target)
	spheres := buildSpheres(snapshot)

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return s.failStart(&match, fmt.Errorf("failed to marshal snapshot: %w", err))
	}

	startedAt := time.Now().UTC()
	if err := s.DB.Model(&match).Updates(map[string]interface{}{
		"status":            models.MatchStatusPlaying,
		"started_at":        &startedAt,
		"participants_json": string(snapshotJSON),
	}).Error; err != nil {
		return s.failStart(&match, fmt.Errorf("failed to flip match to playing: %w", err))
	}

	s.mu.Lock()
	s.spheres = spheres
	s.matchID = match.ID
	s.gameID = gameID
	s.eventLog = nil
	s.dirty = false
	s.lastTick = time.Time{}
	s.status = game.StatusPlaying
	s.mu.Unlock()

	humans := len(confirmed)
	info := game.InfoEvent(fmt.Sprintf("Match %s started: %d players (%d human, %d bots)",
		gameID, len(snapshot), humans, len(snapshot)-humans))
	s.recordEvent(info)
	s.Broadcast.PublishEvent(info)
	s.Broadcast.PublishGameStarted(gameID)

	// A schedule fires once.
	if s.Jobs != nil {
		s.Jobs.CancelPending()
		s.Jobs.ClearNext()
	}

	log.Printf("🚀 Match %s is live: %d humans, %d bots", gameID, humans, len(snapshot)-humans)
	return nil
}

// failStart aborts a partially started round. The system must never stay
// wedged in generating, and the caller gets no error beyond the logs.
func (s *ArenaService) failStart(match *models.Match, cause error) error {
	log.Printf("❌ Match start failed: %v", cause)

	if match != nil {
		now := time.Now().UTC()
		reason := cause.Error()
		if err := s.DB.Model(match).Updates(map[string]interface{}{
			"status":        models.MatchStatusCancelled,
			"cancel_reason": reason,
			"ended_at":      &now,
		}).Error; err != nil {
			log.Printf("❌ Also failed to cancel aborted match %s: %v", match.GameID, err)
		}
	}

	s.mu.Lock()
	s.status = game.StatusIdle
	s.spheres = nil
	s.matchID = ""
	s.mu.Unlock()
	return nil
}

// Reset is the operator abort: cancels whatever is running, clears the
// schedule and the pending start job. Safe to call when nothing runs.
func (s *ArenaService) Reset() {
	s.mu.Lock()
	matchID := s.matchID
	gameID := s.gameID
	active := s.status == game.StatusGenerating || s.status == game.StatusPlaying
	events := s.eventLog
	s.status = game.StatusIdle
	s.spheres = nil
	s.matchID = ""
	s.gameID = ""
	s.eventLog = nil
	s.dirty = false
	s.mu.Unlock()

	if active && matchID != "" {
		now := time.Now().UTC()
		reason := "operator reset"
		updates := map[string]interface{}{
			"status":        models.MatchStatusCancelled,
			"cancel_reason": reason,
			"ended_at":      &now,
		}
		if data, err := json.Marshal(events); err == nil {
			updates["events_json"] = string(data)
		}
		if err := s.DB.Model(&models.Match{}).Where("id = ?", matchID).Updates(updates).Error; err != nil {
			log.Printf("❌ Failed to cancel match %s on reset: %v", gameID, err)
		} else {
			log.Printf("🛑 Match %s cancelled by operator reset", gameID)
		}
	} else {
		log.Println("Reset with no active match; clearing schedule only.")
	}

	if s.Jobs != nil {
		s.Jobs.CancelPending()
		s.Jobs.ClearNext()
	}
}

// Run drives the simulation until ctx is done. The physics step runs only
// while this instance holds leadership; dt is always measured because
// ticker delivery jitters and leadership gaps produce arbitrary holes.
func (s *ArenaService) Run(ctx context.Context) {
	broadcastEvery := game.SimTickHz / game.BroadcastHz
	if broadcastEvery <= 0 {
		broadcastEvery = 1
	}

	ticker := time.NewTicker(time.Second / game.SimTickHz)
	defer ticker.Stop()
	flush := time.NewTicker(eventFlushEvery)
	defer flush.Stop()

	// Manual starts land on any instance and travel to the leader as
	// broadcast frames.
	frames, cancelSub := s.Broadcast.Subscribe()
	defer cancelSub()

	log.Printf("Simulation loop started (%d Hz sim, %d Hz broadcast)", game.SimTickHz, game.BroadcastHz)
	for {
		select {
		case <-ctx.Done():
			log.Println("Simulation loop stopped.")
			return
		case frame := <-frames:
			if frame.Kind == FrameStartRequested && s.Leader.IsLeader() {
				go func() {
					if err := s.Start(); err != nil {
						log.Printf("❌ Relayed start error: %v", err)
					}
				}()
			}
		case <-flush.C:
			if s.Leader.IsLeader() {
				s.flushEvents()
			}
		case now := <-ticker.C:
			if !s.Leader.IsLeader() {
				s.mu.Lock()
				s.lastTick = time.Time{} // don't integrate across the gap
				s.mu.Unlock()
				continue
			}
			s.tick(now, broadcastEvery)
		}
	}
}

func (s *ArenaService) tick(now time.Time, broadcastEvery int) {
	s.mu.Lock()

	var dtMs float64
	if !s.lastTick.IsZero() {
		dtMs = float64(now.Sub(s.lastTick).Microseconds()) / 1000.0
	}
	s.lastTick = now
	s.tickCount++

	events, result := game.Step(dtMs, s.spheres, s.status)
	s.eventLog = append(s.eventLog, events...)
	if len(events) > 0 {
		s.dirty = true
	}

	var snap *StateSnapshot
	if s.status == game.StatusPlaying && s.tickCount%broadcastEvery == 0 {
		snap = s.snapshotLocked()
	}

	matchID := s.matchID
	gameID := s.gameID
	var fullLog []game.Event
	if result.Outcome != game.OutcomeOngoing {
		fullLog = append(fullLog, s.eventLog...)
		s.status = game.StatusIdle
		s.spheres = nil
		s.matchID = ""
		s.gameID = ""
		s.eventLog = nil
		s.dirty = false
	}
	s.mu.Unlock()

	// Gameplay events are individually meaningful: deliver each once, in
	// tick order. Snapshots are lossy and periodic.
	for _, e := range events {
		s.Broadcast.PublishEvent(e)
	}
	if snap != nil {
		s.Broadcast.PublishState(*snap)
	}

	switch result.Outcome {
	case game.OutcomeFinished:
		s.finalize(matchID, gameID, result.Winner, false, fullLog)
	case game.OutcomeDraw:
		s.finalize(matchID, gameID, nil, true, fullLog)
	}
}

// finalize persists the terminal outcome exactly once. This write is
// lifecycle-critical: it blocks on retries instead of being fire-and-forget.
func (s *ArenaService) finalize(matchID, gameID string, winner *game.Sphere, isDraw bool, events []game.Event) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":   models.MatchStatusFinished,
		"ended_at": &now,
		"is_draw":  isDraw,
	}
	if winner != nil {
		updates["winner_name"] = &winner.Name
		if winner.Wallet != "" {
			updates["winner_wallet"] = &winner.Wallet
		}
	}
	if data, err := json.Marshal(events); err == nil {
		updates["events_json"] = string(data)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = s.DB.Model(&models.Match{}).Where("id = ?", matchID).Updates(updates).Error
		if lastErr == nil {
			break
		}
		log.Printf("❌ Attempt %d to persist result of match %s failed: %v", attempt, gameID, lastErr)
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	if lastErr != nil {
		log.Printf("❌ Giving up persisting result of match %s: %v", gameID, lastErr)
		return
	}

	if isDraw {
		log.Printf("🏁 Match %s ended in a draw", gameID)
	} else {
		log.Printf("🏆 Match %s won by %s", gameID, winner.Name)
	}
}

// flushEvents writes the accumulated event log, best effort. Losing an
// intermediate flush only delays UI replay data until the next one.
func (s *ArenaService) flushEvents() {
	s.mu.Lock()
	if !s.dirty || s.matchID == "" {
		s.mu.Unlock()
		return
	}
	matchID := s.matchID
	data, err := json.Marshal(s.eventLog)
	s.dirty = false
	s.mu.Unlock()

	if err != nil {
		log.Printf("⚠️  Event log marshal failed: %v", err)
		return
	}
	if err := s.DB.Model(&models.Match{}).Where("id = ?", matchID).
		Update("events_json", string(data)).Error; err != nil {
		log.Printf("⚠️  Event log flush failed (will retry next interval): %v", err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

func (s *ArenaService) recordEvent(e game.Event) {
	s.mu.Lock()
	s.eventLog = append(s.eventLog, e)
	s.dirty = true
	s.mu.Unlock()
}

func (s *ArenaService) snapshotLocked() *StateSnapshot {
	spheres := make([]*game.Sphere, len(s.spheres))
	for i, sp := range s.spheres {
		clone := *sp
		spheres[i] = &clone
	}
	return &StateSnapshot{Spheres: spheres, Status: s.status}
}

// Snapshot returns a copy of the live state for the /state endpoint.
func (s *ArenaService) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.snapshotLocked()
}

// --- HTTP handlers (admin-command boundary) ---

// TriggerStart is the authorized manual start. The leader starts in place;
// any other instance hands the command to the leader over the broadcast
// channel, since only the leader's tick loop can simulate the match.
func (s *ArenaService) TriggerStart(c *fiber.Ctx) error {
	if s.Leader != nil && s.Leader.IsLeader() {
		go func() {
			if err := s.Start(); err != nil {
				log.Printf("❌ Manual start error: %v", err)
			}
		}()
		return c.JSON(fiber.Map{"message": "start triggered"})
	}
	s.Broadcast.PublishStartRequested()
	return c.JSON(fiber.Map{"message": "start requested, relayed to the leader"})
}

// TriggerReset is the authorized operator abort.
func (s *ArenaService) TriggerReset(c *fiber.Ctx) error {
	s.Reset()
	return c.JSON(fiber.Map{"message": "reset complete"})
}

// State serves the current snapshot to any observer.
func (s *ArenaService) State(c *fiber.Ctx) error {
	return c.JSON(s.Snapshot())
}

// Stats serves the operator dashboard numbers.
func (s *ArenaService) Stats(c *fiber.Ctx) error {
	s.mu.Lock()
	status := s.status
	alive := game.AliveCount(s.spheres)
	total := len(s.spheres)
	gameID := s.gameID
	s.mu.Unlock()

	var schedule models.Schedule
	s.DB.First(&schedule)

	var confirmed int64
	if schedule.NextGameID != "" {
		s.DB.Model(&models.Participant{}).
			Where("game_id = ? AND status = ?", schedule.NextGameID, models.ParticipantConfirmed).
			Count(&confirmed)
	}

	isLeader := false
	if s.Leader != nil {
		isLeader = s.Leader.IsLeader()
	}

	return c.JSON(fiber.Map{
		"status":           status,
		"game_id":          gameID,
		"alive_spheres":    alive,
		"total_spheres":    total,
		"is_leader":        isLeader,
		"next_match_at":    schedule.NextMatchAt,
		"target_players":   schedule.TotalPlayers,
		"confirmed_queued": confirmed,
	})
}

// --- pure helpers ---

// newGameID derives a collision-free opaque round token from time.
func newGameID(t time.Time) string {
	return fmt.Sprintf("game-%d", t.UnixNano())
}

// botDeficit is how many fillers a round needs. Bots fill the gap, never
// displace humans.
func botDeficit(target, confirmed int) int {
	if confirmed >= target {
		return 0
	}
	return target - confirmed
}

// buildParticipantSnapshot freezes the round's roster: confirmed humans in
// join order plus synthesized bots up to the target.
func buildParticipantSnapshot(confirmed []models.Participant, target int) []models.MatchParticipant {
	snapshot := make([]models.MatchParticipant, 0, target)
	for _, p := range confirmed {
		snapshot = append(snapshot, models.MatchParticipant{
			Name:   p.Username,
			Wallet: p.WalletAddress,
			Chain:  p.Chain,
		})
	}
	for i := 0; i < botDeficit(target, len(confirmed)); i++ {
		snapshot = append(snapshot, models.MatchParticipant{
			Name:  fmt.Sprintf("Bot-%02d", i+1),
			IsBot: true,
		})
	}
	return snapshot
}

// buildSpheres turns the frozen roster into the initial sphere set.
func buildSpheres(snapshot []models.MatchParticipant) []*game.Sphere {
	spheres := make([]*game.Sphere, 0, len(snapshot))
	humanSlot, botSlot := 0, 0
	for i, p := range snapshot {
		slot := humanSlot
		if p.IsBot {
			slot = botSlot
			botSlot++
		} else {
			humanSlot++
		}
		spheres = append(spheres, game.NewSphere(fmt.Sprintf("s%d", i+1), p.Name, p.Wallet, p.IsBot, slot))
	}
	return spheres
}
