package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sphere-arena/handlers"
	"sphere-arena/models"
	"sphere-arena/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Fatal("REDIS_URL environment variable not set")
	}
	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		log.Fatal("ADMIN_TOKEN environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Match{},
		&models.Participant{},
		&models.Schedule{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatal("invalid REDIS_URL:", err)
	}
	rdb := redis.NewClient(redisOpts)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // registration payloads are tiny
	})

	// Enhanced CORS configuration for mobile compatibility
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Cache-Control",
		ExposeHeaders:    "Content-Length, Content-Type",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	// Service wiring
	leaderService := services.NewLeaderService(rdb)
	broadcastService := services.NewBroadcastService(rdb)
	verifyService := services.NewVerifyService(rdb)
	registrationService := services.NewRegistrationService(db, verifyService)
	arenaService := services.NewArenaService(db, broadcastService, leaderService)
	schedulerService, err := services.NewSchedulerService(db, broadcastService)
	if err != nil {
		log.Fatal("failed to create scheduler:", err)
	}
	schedulerService.OnFire = arenaService.Start
	arenaService.Jobs = schedulerService

	// A restart orphans any running match; cancel them before anything else
	// can observe or resume them.
	if err := arenaService.RecoverStaleMatches(); err != nil {
		log.Fatal("startup recovery failed:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go leaderService.Run(ctx)
	go broadcastService.Run(ctx)
	go arenaService.Run(ctx)
	go schedulerService.Run(ctx)
	schedulerService.Restore()

	handlers.SetupArenaRoutes(app, arenaService, registrationService, schedulerService, broadcastService, adminToken)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s (instance %s)", port, leaderService.InstanceID())
	log.Println("✅ Leader election running")
	log.Println("✅ Broadcast relay running")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	schedulerService.Shutdown()
	if err := app.Shutdown(); err != nil {
		log.Printf("⚠️  Fiber shutdown error: %v", err)
	}
}
