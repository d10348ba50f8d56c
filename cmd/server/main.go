package main

import (
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/zaqqye/cmi5_player_v1/internal/config"
	"github.com/zaqqye/cmi5_player_v1/internal/database"
	"github.com/zaqqye/cmi5_player_v1/internal/logger"
	"github.com/zaqqye/cmi5_player_v1/internal/routes"
)

func main() {
	// Load .env (non-fatal if missing in production)
	_ = godotenv.Load()

	cfg := config.Load()

	zlog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer zlog.Sync()

	db, err := database.Connect(cfg)
	if err != nil {
		zlog.Fatal("database connection failed", "err", err)
	}

	if err := database.Migrate(db); err != nil {
		zlog.Fatal("database migration failed", "err", err)
	}

	tenant, err := database.SeedTenant(db, cfg)
	if err != nil {
		zlog.Fatal("tenant seed failed", "err", err)
	}
	if tenant != nil {
		zlog.Info("seeded default tenant", "code", tenant.Code, "apiKey", tenant.ApiKey)
	}

	course, err := database.SeedCourse(db, cfg)
	if err != nil {
		zlog.Fatal("course seed failed", "err", err)
	}
	if course != nil {
		zlog.Info("seeded demo course", "lmsId", course.LmsID, "title", course.Title)
	}

	r := gin.Default()
	routes.Register(r, db, cfg, zlog)

	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		zlog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}
