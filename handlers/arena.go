package handlers

import (
	"sphere-arena/middleware"
	"sphere-arena/services"

	"github.com/gofiber/fiber/v2"
)

// SetupArenaRoutes wires the public observer/registration surface and the
// token-guarded operator commands.
func SetupArenaRoutes(
	app *fiber.App,
	arena *services.ArenaService,
	registration *services.RegistrationService,
	scheduler *services.SchedulerService,
	broadcast *services.BroadcastService,
	adminToken string,
) {
	// 🔓 Public routes
	app.Post("/join", registration.Join)
	app.Get("/participants", registration.Participants)
	app.Get("/state", arena.State)
	app.Get("/schedule", scheduler.GetSchedule)
	app.Get("/events", StreamEvents(broadcast))

	// 🔐 Operator routes
	admin := app.Group("/admin", middleware.AdminAuth(adminToken))
	admin.Post("/start", arena.TriggerStart)
	admin.Post("/reset", arena.TriggerReset)
	admin.Post("/schedule", scheduler.SetSchedule)
	admin.Get("/stats", arena.Stats)
}
