package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zaqqye/cmi5_player_v1/internal/config"
	"github.com/zaqqye/cmi5_player_v1/internal/controllers"
	"github.com/zaqqye/cmi5_player_v1/internal/logger"
	"github.com/zaqqye/cmi5_player_v1/internal/lrs"
	"github.com/zaqqye/cmi5_player_v1/internal/middleware"
)

func Register(r *gin.Engine, db *gorm.DB, cfg *config.Config, log *logger.Logger) {
	expiresMins, err := time.ParseDuration(cfg.JWTExpiresIn + "m")
	if err != nil || expiresMins == 0 {
		expiresMins = 60 * time.Minute
	}

	upstream := lrs.New(lrs.Config{
		Endpoint: cfg.LRSEndpoint,
		Username: cfg.LRSUsername,
		Password: cfg.LRSPassword,
	}, log)

	authCtrl := &controllers.AuthController{DB: db, JWTSecret: cfg.JWTSecret, ExpiresIn: expiresMins}
	regCtrl := &controllers.RegistrationController{DB: db, LRS: upstream, Log: log}
	launchCtrl := &controllers.LaunchController{DB: db, LRS: upstream, Cfg: cfg, Log: log}
	sessCtrl := &controllers.SessionController{DB: db, LRS: upstream, Cfg: cfg, Log: log}
	lrsCtrl := &controllers.LRSController{DB: db, Upstream: upstream, Log: log}

	// Public: credential exchange endpoints are their own secret.
	r.POST("/api/v1/auth/tokens", authCtrl.IssueToken)
	r.POST("/api/v1/fetch-url/:sessionId", sessCtrl.FetchToken)

	// Launched AUs reach the record store here with the exchanged token.
	r.Any("/lrs/*path", lrsCtrl.Proxy)

	// Tenant API.
	authMW := middleware.TenantAuth(db, middleware.AuthConfig{JWTSecret: cfg.JWTSecret})
	api := r.Group("/api/v1", authMW)
	{
		api.POST("/registration", regCtrl.Create)
		api.GET("/registration/:id", regCtrl.Get)
		api.POST("/registration/:id/waive-au/:auIndex", regCtrl.WaiveAU)
		api.POST("/course/:courseId/launch-url/:auIndex", launchCtrl.CreateLaunchURL)
		api.POST("/session/:id/abandon", sessCtrl.Abandon)
	}
}
