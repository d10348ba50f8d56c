package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/zaqqye/cmi5_player_v1/internal/database"
	"github.com/zaqqye/cmi5_player_v1/internal/logger"
	"github.com/zaqqye/cmi5_player_v1/internal/lrs"
	"github.com/zaqqye/cmi5_player_v1/internal/middleware"
	"github.com/zaqqye/cmi5_player_v1/internal/models"
	"github.com/zaqqye/cmi5_player_v1/internal/moveon"
	"github.com/zaqqye/cmi5_player_v1/internal/xapi"
)

type RegistrationController struct {
	DB  *gorm.DB
	LRS lrs.Client
	Log *logger.Logger
}

type createRegistrationRequest struct {
	CourseID string          `json:"courseId" binding:"required"`
	Actor    json.RawMessage `json:"actor" binding:"required"`
	Code     string          `json:"code"`
}

// Create starts one learner's attempt at a course: in a single transaction it
// snapshots the course structure into the registration's satisfaction tree
// and creates one tracking row per AU. AUs whose moveOn policy is
// NotApplicable are satisfied immediately, before any session exists.
func (rc *RegistrationController) Create(c *gin.Context) {
	tenant := middleware.CurrentTenant(c)

	var req createRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var actor xapi.Agent
	if err := json.Unmarshal(req.Actor, &actor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid actor"})
		return
	}
	if req.Code != "" {
		if _, err := uuid.Parse(req.Code); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code must be a UUID"})
			return
		}
	}

	var reg *models.Registration
	err := rc.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		reg, err = createRegistration(c.Request.Context(), tx, rc.LRS, tenant.ID, req.CourseID, req.Actor, req.Code)
		return err
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "course not found"})
			return
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			c.JSON(http.StatusConflict, gin.H{"error": "registration code already exists"})
			return
		}
		rc.Log.Error("registration create failed", "course", req.CourseID, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "registration could not be created"})
		return
	}

	c.JSON(http.StatusOK, registrationBody(reg))
}

// Get returns the registration by id or code.
func (rc *RegistrationController) Get(c *gin.Context) {
	tenant := middleware.CurrentTenant(c)
	reg, err := findRegistration(rc.DB, tenant.ID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "registration not found"})
		return
	}
	c.JSON(http.StatusOK, registrationBody(reg))
}

type waiveRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// WaiveAU administratively bypasses an AU with no session involved. The
// waived statement is recorded before any satisfied statement the waiver
// triggers, so a timestamp-ordered reader always sees cause before effect.
func (rc *RegistrationController) WaiveAU(c *gin.Context) {
	tenant := middleware.CurrentTenant(c)
	auIndex, err := strconv.Atoi(c.Param("auIndex"))
	if err != nil || auIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid au index"})
		return
	}
	var req waiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	err = rc.DB.Transaction(func(tx *gorm.DB) error {
		reg, au, rca, err := loadAuForChange(tx, tenant.ID, c.Param("id"), auIndex)
		if err != nil {
			return err
		}
		if rca.IsWaived {
			return nil
		}

		rca.IsWaived = true
		rca.IsPassed = true
		rca.IsCompleted = true
		rca.WaivedReason = req.Reason
		rca.IsSatisfied = true
		if err := tx.Save(rca).Error; err != nil {
			return err
		}

		var actor xapi.Agent
		if err := json.Unmarshal(reg.Actor, &actor); err != nil {
			return err
		}
		if err := rc.LRS.SaveStatement(ctx, xapi.NewWaived(actor, reg.Code, au.LmsID, req.Reason)); err != nil {
			return err
		}

		opts := moveon.InterpretOptions{AuToSetSatisfied: au.LmsID, Sender: rc.LRS}
		if err := moveon.Interpret(ctx, reg, opts); err != nil {
			return err
		}
		return tx.Model(reg).Update("moveon_tree", reg.MoveOnTree).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "registration or au not found"})
			return
		}
		rc.Log.Error("waive failed", "registration", c.Param("id"), "auIndex", auIndex, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "waive could not be recorded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "waived"})
}

func registrationBody(reg *models.Registration) gin.H {
	return gin.H{
		"id":       reg.ID,
		"code":     reg.Code,
		"courseId": reg.CourseID,
		"actor":    json.RawMessage(reg.Actor),
		"metadata": gin.H{
			"moveOn": json.RawMessage(reg.MoveOnTree),
		},
		"createdAt": reg.CreatedAt,
	}
}

// createRegistration runs inside the caller's transaction: loads the course
// and its flattened AU list, copies the structure into the satisfaction tree,
// inserts the registration row and one tracking row per AU. Any failure,
// including a failed statement send for a NotApplicable AU, rolls the whole
// thing back.
func createRegistration(ctx context.Context, tx *gorm.DB, sender moveon.StatementSender, tenantID, courseRef string, actorJSON json.RawMessage, code string) (*models.Registration, error) {
	course, err := findCourse(tx, tenantID, courseRef)
	if err != nil {
		return nil, err
	}
	var aus []models.CourseAU
	if err := tx.Where("tenant_id = ? AND course_id = ?", tenantID, course.ID).
		Order("au_index ASC").Find(&aus).Error; err != nil {
		return nil, err
	}

	// Validates the stored structure before it becomes the satisfaction tree.
	if _, err := moveon.ParseTree(course.Structure); err != nil {
		return nil, err
	}

	reg := &models.Registration{
		TenantID:   tenantID,
		CourseID:   course.ID,
		Code:       code,
		Actor:      datatypes.JSON(actorJSON),
		MoveOnTree: course.Structure,
	}
	if err := tx.Create(reg).Error; err != nil {
		return nil, err
	}

	for _, au := range aus {
		rca := models.RegistrationCourseAU{
			TenantID:       tenantID,
			RegistrationID: reg.ID,
			CourseAUID:     au.ID,
			AuIndex:        au.AuIndex,
		}
		if err := tx.Create(&rca).Error; err != nil {
			return nil, err
		}
	}

	for _, au := range aus {
		if au.MoveOn != models.MoveOnNotApplicable {
			continue
		}
		opts := moveon.InterpretOptions{AuToSetSatisfied: au.LmsID, Sender: sender}
		if err := moveon.Interpret(ctx, reg, opts); err != nil {
			return nil, err
		}
		if err := tx.Model(&models.RegistrationCourseAU{}).
			Where("registration_id = ? AND au_index = ?", reg.ID, au.AuIndex).
			Update("is_satisfied", true).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.Model(reg).Update("moveon_tree", reg.MoveOnTree).Error; err != nil {
		return nil, err
	}
	return reg, nil
}

// loadAuForChange loads the registration, the AU definition and the tracking
// row for auIndex with row locks held for the caller's transaction, so two
// concurrent state changes on the same AU are strictly ordered.
func loadAuForChange(tx *gorm.DB, tenantID, regRef string, auIndex int) (*models.Registration, *models.CourseAU, *models.RegistrationCourseAU, error) {
	if _, err := uuid.Parse(regRef); err != nil {
		return nil, nil, nil, gorm.ErrRecordNotFound
	}
	var reg models.Registration
	if err := database.ForUpdate(tx).
		Where("tenant_id = ? AND (id = ? OR code = ?)", tenantID, regRef, regRef).
		First(&reg).Error; err != nil {
		return nil, nil, nil, err
	}
	var rca models.RegistrationCourseAU
	if err := database.ForUpdate(tx).
		Where("tenant_id = ? AND registration_id = ? AND au_index = ?", tenantID, reg.ID, auIndex).
		First(&rca).Error; err != nil {
		return nil, nil, nil, err
	}
	var au models.CourseAU
	if err := tx.Where("tenant_id = ? AND id = ?", tenantID, rca.CourseAUID).First(&au).Error; err != nil {
		return nil, nil, nil, err
	}
	return &reg, &au, &rca, nil
}

func findRegistration(db *gorm.DB, tenantID, ref string) (*models.Registration, error) {
	if _, err := uuid.Parse(ref); err != nil {
		return nil, gorm.ErrRecordNotFound
	}
	var reg models.Registration
	if err := db.Where("tenant_id = ? AND (id = ? OR code = ?)", tenantID, ref, ref).
		First(&reg).Error; err != nil {
		return nil, err
	}
	return &reg, nil
}

func findCourse(db *gorm.DB, tenantID, ref string) (*models.Course, error) {
	q := db.Where("tenant_id = ?", tenantID)
	if _, err := uuid.Parse(ref); err == nil {
		q = q.Where("id = ?", ref)
	} else {
		q = q.Where("lms_id = ?", ref)
	}
	var course models.Course
	if err := q.First(&course).Error; err != nil {
		return nil, err
	}
	return &course, nil
}
