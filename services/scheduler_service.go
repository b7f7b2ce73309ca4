package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"sphere-arena/models"
)

const startJobTag = "match-start"

// scheduleResyncEvery bounds how stale an instance's mirrored job can get
// when a scheduleUpdated frame was dropped.
const scheduleResyncEvery = 30 * time.Second

// SchedulerService keeps at most one pending "start the match at T" job.
// Every instance of the fleet mirrors the job from the Schedule row, so
// the fire reaches whichever instance is leader when T arrives; on the
// rest it is a no-op. Rescheduling replaces the previous job; exclusivity
// against a racing manual start comes from the arena's own guard.
type SchedulerService struct {
	DB        *gorm.DB
	Broadcast *BroadcastService
	OnFire    func() error // wired to ArenaService.Start in main

	sched gocron.Scheduler
}

func NewSchedulerService(db *gorm.DB, broadcast *BroadcastService) (*SchedulerService, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched.Start()
	return &SchedulerService{DB: db, Broadcast: broadcast, sched: sched}, nil
}

// Restore re-registers the pending job after a restart. A past-due
// schedule fires immediately; the arena guard keeps that safe.
func (s *SchedulerService) Restore() {
	if at, ok := s.resync(); ok {
		log.Printf("📅 Restored scheduled match start at %s", at.Format(time.RFC3339))
	}
}

// Run keeps this instance's job mirror in step with the Schedule row:
// scheduleUpdated frames from any instance trigger a resync, and a slow
// ticker repairs missed frames.
func (s *SchedulerService) Run(ctx context.Context) {
	frames, cancel := s.Broadcast.Subscribe()
	defer cancel()
	ticker := time.NewTicker(scheduleResyncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			if frame.Kind == FrameScheduleUpdated {
				s.resync()
			}
		case <-ticker.C:
			s.resync()
		}
	}
}

// resync reconciles the local gocron job with the Schedule row. A cleared
// or missing schedule drops the job; a past-due one fires shortly.
func (s *SchedulerService) resync() (time.Time, bool) {
	var schedule models.Schedule
	if err := s.DB.First(&schedule).Error; err != nil || schedule.NextMatchAt == nil {
		s.CancelPending()
		return time.Time{}, false
	}
	at := *schedule.NextMatchAt
	if !at.After(time.Now()) {
		at = time.Now().Add(2 * time.Second)
	}
	s.enqueue(at)
	return at, true
}

// Shutdown stops the underlying scheduler.
func (s *SchedulerService) Shutdown() {
	if err := s.sched.Shutdown(); err != nil {
		log.Printf("⚠️  Scheduler shutdown error: %v", err)
	}
}

// CancelPending drops the queued start job, if any.
func (s *SchedulerService) CancelPending() {
	s.sched.RemoveByTags(startJobTag)
}

// ClearNext empties the schedule record (a schedule fires once) and tells
// observers.
func (s *SchedulerService) ClearNext() {
	if err := s.DB.Model(&models.Schedule{}).Where("1 = 1").Updates(map[string]interface{}{
		"next_match_at": nil,
		"next_game_id":  "",
	}).Error; err != nil {
		log.Printf("❌ Failed to clear schedule: %v", err)
		return
	}
	s.broadcastSchedule()
}

func (s *SchedulerService) enqueue(at time.Time) {
	s.CancelPending()
	_, err := s.sched.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(func() {
			log.Printf("⏰ Scheduled start firing (planned for %s)", at.Format(time.RFC3339))
			if s.OnFire == nil {
				log.Println("❌ Scheduler fired with no start target wired")
				return
			}
			if err := s.OnFire(); err != nil {
				log.Printf("❌ Scheduled start error: %v", err)
			}
		}),
		gocron.WithTags(startJobTag),
	)
	if err != nil {
		log.Printf("❌ Failed to queue start job: %v", err)
	}
}

func (s *SchedulerService) broadcastSchedule() {
	var schedule models.Schedule
	if err := s.DB.First(&schedule).Error; err != nil {
		return
	}
	s.Broadcast.PublishScheduleUpdated(fiber.Map{
		"next_match_at": schedule.NextMatchAt,
		"total_players": schedule.TotalPlayers,
	})
}

// --- HTTP handlers ---

type scheduleRequest struct {
	NextMatchAt  string `json:"next_match_at"` // RFC3339
	TotalPlayers int    `json:"total_players"`
}

// SetSchedule stores the next round's time and player target and queues
// the start job.
func (s *SchedulerService) SetSchedule(c *fiber.Ctx) error {
	var req scheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	at, err := time.Parse(time.RFC3339, req.NextMatchAt)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid next_match_at (use RFC3339)"})
	}
	if !at.After(time.Now()) {
		return c.Status(400).JSON(fiber.Map{"error": "next_match_at must be in the future"})
	}
	if req.TotalPlayers < 2 || req.TotalPlayers > 2000 {
		return c.Status(400).JSON(fiber.Map{"error": "total_players must be between 2 and 2000"})
	}

	var schedule models.Schedule
	if err := s.DB.First(&schedule).Error; err != nil {
		schedule = models.Schedule{}
	}
	schedule.NextMatchAt = &at
	schedule.NextGameID = newGameID(at)
	schedule.TotalPlayers = req.TotalPlayers
	if err := s.DB.Save(&schedule).Error; err != nil {
		log.Printf("❌ Failed to save schedule: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "database error"})
	}

	s.enqueue(at)
	s.broadcastSchedule()
	log.Printf("📅 Match scheduled for %s (%d players, game %s)", at.Format(time.RFC3339), req.TotalPlayers, schedule.NextGameID)

	return c.JSON(fiber.Map{
		"next_match_at": at,
		"total_players": req.TotalPlayers,
		"game_id":       schedule.NextGameID,
	})
}

// GetSchedule serves the public countdown data.
func (s *SchedulerService) GetSchedule(c *fiber.Ctx) error {
	var schedule models.Schedule
	if err := s.DB.First(&schedule).Error; err != nil {
		return c.JSON(fiber.Map{"next_match_at": nil, "total_players": 8})
	}
	return c.JSON(fiber.Map{
		"next_match_at": schedule.NextMatchAt,
		"total_players": schedule.TotalPlayers,
	})
}
