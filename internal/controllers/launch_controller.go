package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
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

type LaunchController struct {
	DB  *gorm.DB
	LRS lrs.Client
	Cfg *config.Config
	Log *logger.Logger
}

type launchURLRequest struct {
	Actor            json.RawMessage `json:"actor" binding:"required"`
	Reg              string          `json:"reg"`
	LaunchMode       string          `json:"launchMode"`
	LaunchParameters string          `json:"launchParameters"`
	MasteryScore     *float64        `json:"masteryScore"`
	MoveOn           string          `json:"moveOn"`
	ReturnURL        string          `json:"returnUrl"`
}

var validLaunchModes = map[string]struct{}{
	models.LaunchModeNormal: {},
	models.LaunchModeBrowse: {},
	models.LaunchModeReview: {},
}

var validMoveOns = map[string]struct{}{
	models.MoveOnCompleted:          {},
	models.MoveOnPassed:             {},
	models.MoveOnCompletedOrPassed:  {},
	models.MoveOnCompletedAndPassed: {},
	models.MoveOnNotApplicable:      {},
}

// CreateLaunchURL creates a session for one AU and returns the URL the
// learner's browser opens. The URL embeds the single-use fetch URL rather
// than a usable credential; any still-live prior session for the same AU is
// abandoned first ("new-launch").
func (lc *LaunchController) CreateLaunchURL(c *gin.Context) {
	tenant := middleware.CurrentTenant(c)
	auIndex, err := strconv.Atoi(c.Param("auIndex"))
	if err != nil || auIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid au index"})
		return
	}

	var req launchURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var actor xapi.Agent
	if err := json.Unmarshal(req.Actor, &actor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid actor"})
		return
	}
	launchMode := req.LaunchMode
	if launchMode == "" {
		launchMode = models.LaunchModeNormal
	}
	if _, ok := validLaunchModes[launchMode]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid launchMode"})
		return
	}
	if req.MoveOn != "" {
		if _, ok := validMoveOns[req.MoveOn]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid moveOn"})
			return
		}
	}

	ctx := c.Request.Context()
	var sess *models.Session
	var au *models.CourseAU
	txErr := lc.DB.Transaction(func(tx *gorm.DB) error {
		course, err := findCourse(tx, tenant.ID, c.Param("courseId"))
		if err != nil {
			return err
		}
		au = new(models.CourseAU)
		if err := tx.Where("tenant_id = ? AND course_id = ? AND au_index = ?", tenant.ID, course.ID, auIndex).
			First(au).Error; err != nil {
			return err
		}

		var reg *models.Registration
		if req.Reg != "" {
			reg, err = findRegistration(tx, tenant.ID, req.Reg)
			if err != nil {
				return err
			}
			if reg.CourseID != course.ID {
				return errWrongCourse
			}
		} else {
			reg, err = createRegistration(ctx, tx, lc.LRS, tenant.ID, course.ID, req.Actor, "")
			if err != nil {
				return err
			}
		}

		var rca models.RegistrationCourseAU
		if err := database.ForUpdate(tx).
			Where("tenant_id = ? AND registration_id = ? AND au_index = ?", tenant.ID, reg.ID, auIndex).
			First(&rca).Error; err != nil {
			return err
		}

		// A relaunch abandons whatever is still live for this AU.
		var prior []models.Session
		if err := database.ForUpdate(tx).
			Where("registration_course_au_id = ? AND is_terminated = ? AND is_abandoned = ?", rca.ID, false, false).
			Find(&prior).Error; err != nil {
			return err
		}
		for i := range prior {
			if err := abandonSession(ctx, tx, &prior[i], models.AbandonedByNewLaunch, lc.LRS); err != nil {
				return err
			}
		}

		moveOn := au.MoveOn
		if moveOn == "" {
			moveOn = models.MoveOnNotApplicable
		}
		if req.MoveOn != "" {
			moveOn = req.MoveOn
		}
		masteryScore := au.MasteryScore
		if req.MasteryScore != nil {
			masteryScore = req.MasteryScore
		}
		launchParameters := au.LaunchParameters
		if req.LaunchParameters != "" {
			launchParameters = req.LaunchParameters
		}

		now := time.Now().UTC()
		sess = &models.Session{
			ID:                     uuid.NewString(),
			TenantID:               tenant.ID,
			RegistrationID:         reg.ID,
			RegistrationCourseAUID: rca.ID,
			Code:                   uuid.NewString(),
			LaunchTokenID:          uuid.NewString(),
			LaunchMode:             launchMode,
			MoveOn:                 moveOn,
			MasteryScore:           masteryScore,
			IsLaunched:             true,
			LaunchedAt:             &now,
		}

		launchURL, err := buildLaunchURL(lc.Cfg, au, reg, sess, req.Actor)
		if err != nil {
			return err
		}
		sess.LaunchURL = launchURL

		template, err := contextTemplate(reg, au, sess, launchParameters)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(template)
		if err != nil {
			return err
		}
		sess.ContextTemplate = datatypes.JSON(raw)

		switch launchMode {
		case models.LaunchModeBrowse:
			rca.HasBeenBrowsed = true
		case models.LaunchModeReview:
			rca.HasBeenReviewed = true
		}
		if err := tx.Save(&rca).Error; err != nil {
			return err
		}
		if err := tx.Create(sess).Error; err != nil {
			return err
		}

		launchData := map[string]any{
			"contextTemplate": template,
			"launchMode":      launchMode,
			"launchMethod":    launchMethod(au),
			"moveOn":          moveOn,
		}
		if launchParameters != "" {
			launchData["launchParameters"] = launchParameters
		}
		if masteryScore != nil {
			launchData["masteryScore"] = *masteryScore
		}
		if ret := rewriteReturnURL(req.ReturnURL, lc.Cfg.APIBaseURL); ret != "" {
			launchData["returnURL"] = ret
		}
		return lc.LRS.SaveState(ctx, au.LmsID, actor, reg.Code, xapi.StateLaunchData, launchData)
	})
	if txErr != nil {
		switch {
		case errors.Is(txErr, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "course, au or registration not found"})
		case errors.Is(txErr, errWrongCourse):
			c.JSON(http.StatusBadRequest, gin.H{"error": "registration belongs to a different course"})
		default:
			lc.Log.Error("launch url failed", "course", c.Param("courseId"), "auIndex", auIndex, "err", txErr)
			c.JSON(http.StatusBadGateway, gin.H{"error": "launch could not be prepared"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           sess.ID,
		"url":          sess.LaunchURL,
		"launchMethod": launchMethod(au),
	})
}

var errWrongCourse = errors.New("registration belongs to a different course")

func launchMethod(au *models.CourseAU) string {
	if au.LaunchMethod == "" {
		return "AnyWindow"
	}
	return au.LaunchMethod
}

// buildLaunchURL appends the cmi5-defined launch query parameters to the
// AU's content URL. The endpoint points at this player's LRS proxy and fetch
// at the single-use token exchange.
func buildLaunchURL(cfg *config.Config, au *models.CourseAU, reg *models.Registration, sess *models.Session, actorJSON json.RawMessage) (string, error) {
	u, err := url.Parse(au.URL)
	if err != nil {
		return "", err
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	q := u.Query()
	q.Set("endpoint", base+"/lrs")
	q.Set("fetch", base+"/api/v1/fetch-url/"+sess.ID)
	q.Set("actor", string(actorJSON))
	q.Set("activityId", au.LmsID)
	q.Set("registration", reg.Code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// contextTemplate builds the xAPI context fragment every statement of this
// session inherits: grouping for the AU and its ancestor block/course nodes
// plus the session extensions.
func contextTemplate(reg *models.Registration, au *models.CourseAU, sess *models.Session, launchParameters string) (*xapi.Context, error) {
	root, err := moveon.ParseTree(reg.MoveOnTree)
	if err != nil {
		return nil, err
	}
	grouping := []xapi.Activity{{ID: au.LmsID}}
	for _, n := range moveon.Ancestors(root, au.LmsID) {
		grouping = append(grouping, xapi.Activity{ID: n.PubID})
	}

	ext := map[string]any{
		xapi.ExtSessionID:  sess.Code,
		xapi.ExtLaunchMode: sess.LaunchMode,
		xapi.ExtMoveOn:     sess.MoveOn,
		xapi.ExtLaunchURL:  sess.LaunchURL,
	}
	if sess.MasteryScore != nil {
		ext[xapi.ExtMasteryScore] = *sess.MasteryScore
	}
	if launchParameters != "" {
		ext[xapi.ExtLaunchParameters] = launchParameters
	}

	return &xapi.Context{
		Registration: reg.Code,
		ContextActivities: &xapi.ContextActivities{
			Grouping: grouping,
			Category: []xapi.Activity{{ID: xapi.CategoryCmi5}},
		},
		Extensions: ext,
	}, nil
}

// rewriteReturnURL substitutes the player base URL for the {apiBase}
// placeholder a course package may carry in its return URL.
func rewriteReturnURL(returnURL, apiBase string) string {
	if returnURL == "" {
		return ""
	}
	return strings.ReplaceAll(returnURL, "{apiBase}", strings.TrimRight(apiBase, "/"))
}
