package controllers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zaqqye/cmi5_player_v1/internal/config"
	"github.com/zaqqye/cmi5_player_v1/internal/database"
	"github.com/zaqqye/cmi5_player_v1/internal/logger"
	"github.com/zaqqye/cmi5_player_v1/internal/lrs"
	"github.com/zaqqye/cmi5_player_v1/internal/middleware"
	"github.com/zaqqye/cmi5_player_v1/internal/models"
	"github.com/zaqqye/cmi5_player_v1/internal/moveon"
	"github.com/zaqqye/cmi5_player_v1/internal/xapi"
)

type SessionController struct {
	DB  *gorm.DB
	LRS lrs.Client
	Cfg *config.Config
	Log *logger.Logger
}

// FetchToken is the single-use credential exchange a launched AU performs
// before it may reach the LRS. The check-and-set happens under a row lock so
// two simultaneous requesters can never both receive a valid credential. A
// replay is not an HTTP error: it answers 200 with an in-band error code so
// callers can tell a business rejection from a transport failure.
func (sc *SessionController) FetchToken(c *gin.Context) {
	id := c.Param("sessionId")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	var token string
	var alreadyUsed, expired bool
	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := database.ForUpdate(tx).Where("id = ?", id).First(&sess).Error; err != nil {
			return err
		}
		if sess.LaunchTokenFetched || !sess.Live() {
			alreadyUsed = true
			return nil
		}
		if time.Since(sess.CreatedAt) > time.Duration(sc.Cfg.TokenTTL())*time.Second {
			expired = true
			return nil
		}
		token = sess.LaunchTokenID
		return tx.Model(&sess).Update("launch_token_fetched", true).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		sc.Log.Error("token fetch failed", "session", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token fetch failed"})
		return
	}

	switch {
	case alreadyUsed:
		c.JSON(http.StatusOK, gin.H{"error-code": "1", "error-text": "Already in Use"})
	case expired:
		c.JSON(http.StatusOK, gin.H{"error-code": "2", "error-text": "Expired"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"auth-token": base64.StdEncoding.EncodeToString([]byte(":" + token)),
		})
	}
}

// Abandon terminates a session from outside the content: idempotent, and an
// explicitly non-satisfying outcome, so the satisfaction engine never runs.
func (sc *SessionController) Abandon(c *gin.Context) {
	tenant := middleware.CurrentTenant(c)
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	ctx := c.Request.Context()
	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := database.ForUpdate(tx).
			Where("tenant_id = ? AND id = ?", tenant.ID, id).
			First(&sess).Error; err != nil {
			return err
		}
		if !sess.Live() {
			// Loser of a concurrent abandon observes this and does nothing.
			return nil
		}
		return abandonSession(ctx, tx, &sess, models.AbandonedByAPI, sc.LRS)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		sc.Log.Error("abandon failed", "session", id, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "abandon could not be recorded"})
		return
	}
	c.Status(http.StatusNoContent)
}

// abandonSession flips the terminal flags on a live session and records the
// abandoned statement, all inside the caller's transaction.
func abandonSession(ctx context.Context, tx *gorm.DB, sess *models.Session, by string, sender moveon.StatementSender) error {
	now := time.Now().UTC()
	var dur time.Duration
	if sess.InitializedAt != nil {
		dur = now.Sub(*sess.InitializedAt)
	}
	sess.IsAbandoned = true
	sess.AbandonedBy = by
	sess.DurationMs = dur.Milliseconds()
	if err := tx.Save(sess).Error; err != nil {
		return err
	}

	var reg models.Registration
	if err := tx.Where("id = ?", sess.RegistrationID).First(&reg).Error; err != nil {
		return err
	}
	var rca models.RegistrationCourseAU
	if err := tx.Where("id = ?", sess.RegistrationCourseAUID).First(&rca).Error; err != nil {
		return err
	}
	var au models.CourseAU
	if err := tx.Where("id = ?", rca.CourseAUID).First(&au).Error; err != nil {
		return err
	}
	var actor xapi.Agent
	if err := json.Unmarshal(reg.Actor, &actor); err != nil {
		return err
	}
	return sender.SaveStatement(ctx, xapi.NewAbandoned(actor, reg.Code, au.LmsID, sess.Code, dur))
}
