package controllers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zaqqye/cmi5_player_v1/internal/database"
	"github.com/zaqqye/cmi5_player_v1/internal/logger"
	"github.com/zaqqye/cmi5_player_v1/internal/lrs"
	"github.com/zaqqye/cmi5_player_v1/internal/models"
	"github.com/zaqqye/cmi5_player_v1/internal/moveon"
	"github.com/zaqqye/cmi5_player_v1/internal/xapi"
)

// LRSController fronts the external record store for launched AUs. Requests
// authenticate with the session's exchanged launch token; cmi5-defined
// statements advance the session under a row lock, with all writes and any
// resulting satisfied statements held back until the upstream has accepted
// the relayed batch. Everything else passes through verbatim. Statement
// bodies are never validated here; that is the LRS's job.
type LRSController struct {
	DB       *gorm.DB
	Upstream *lrs.HTTPClient
	Log      *logger.Logger
}

var (
	errStatementViolation = errors.New("statement violates session state")
	errUpstreamStatus     = errors.New("upstream returned a non-2xx status")
)

func (lc *LRSController) Proxy(c *gin.Context) {
	sess, ok := lc.authenticate(c)
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="lrs"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing credentials"})
		return
	}

	path := c.Param("path")
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
	}
	statementWrite := strings.HasPrefix(path, "/statements") &&
		(c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut)

	ctx := c.Request.Context()
	err := lc.DB.Transaction(func(tx *gorm.DB) error {
		var locked models.Session
		if err := database.ForUpdate(tx).Where("id = ?", sess.ID).First(&locked).Error; err != nil {
			return err
		}

		// Statement rules are checked before the relay so a violating
		// statement never reaches the store, but nothing is persisted and no
		// satisfied statement goes out until upstream has accepted the cause.
		var outcome *statementOutcome
		if statementWrite {
			var err error
			outcome, err = lc.applyStatements(tx, &locked, body)
			if err != nil {
				return err
			}
		}

		status, err := lc.forward(c, path, body)
		if err != nil {
			return err
		}
		if status < 200 || status > 299 {
			// Upstream response already relayed verbatim; local state rolls back.
			return errUpstreamStatus
		}

		if outcome != nil {
			if outcome.moveOnCheck {
				if err := lc.markSatisfied(ctx, tx, &locked, outcome.reg, outcome.au, outcome.rca); err != nil {
					return err
				}
			}
			if err := tx.Save(&locked).Error; err != nil {
				return err
			}
			if err := tx.Save(outcome.rca).Error; err != nil {
				return err
			}
		}

		if c.Request.Method == http.MethodGet && path == "/activities/state" &&
			c.Query("stateId") == xapi.StateLaunchData {
			return tx.Model(&locked).Update("launch_data_fetched", true).Error
		}
		if path == "/agents/profile" && c.Query("profileId") == xapi.ProfileLearnerPrefs {
			return tx.Model(&locked).Update("learner_prefs_fetched", true).Error
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errUpstreamStatus) {
			return
		}
		if errors.Is(err, errStatementViolation) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		lc.Log.Error("lrs proxy failed", "path", path, "err", err)
		if !c.Writer.Written() {
			c.JSON(http.StatusBadGateway, gin.H{"error": "record store unavailable"})
		}
		return
	}
}

// authenticate resolves the session from a Basic credential whose password
// part is the exchanged launch token.
func (lc *LRSController) authenticate(c *gin.Context) (*models.Session, bool) {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "basic ") {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len("Basic "):]))
	if err != nil {
		return nil, false
	}
	_, token, ok := strings.Cut(string(decoded), ":")
	if !ok || token == "" {
		return nil, false
	}
	var sess models.Session
	if err := lc.DB.Where("launch_token_id = ? AND launch_token_fetched = ?", token, true).
		First(&sess).Error; err != nil {
		return nil, false
	}
	return &sess, true
}

// statementOutcome carries the in-memory session/tracking mutations of one
// statement batch until the upstream relay succeeds and they may be
// persisted.
type statementOutcome struct {
	reg *models.Registration
	rca *models.RegistrationCourseAU
	au  *models.CourseAU

	// set when a Normal-mode completed/passed statement arrived and the
	// moveOn criterion should be re-checked after the relay
	moveOnCheck bool
}

// applyStatements checks every cmi5-category statement in the body against
// the session rules and mutates session/tracking state in memory only; the
// caller persists after the upstream accepts the batch. Bodies that do not
// parse are left to the LRS to accept or reject.
func (lc *LRSController) applyStatements(tx *gorm.DB, sess *models.Session, body []byte) (*statementOutcome, error) {
	var sts []xapi.Statement
	if err := json.Unmarshal(body, &sts); err != nil {
		var single xapi.Statement
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, nil
		}
		sts = []xapi.Statement{single}
	}

	var cmi5 []*xapi.Statement
	for i := range sts {
		if hasCmi5Category(&sts[i]) {
			cmi5 = append(cmi5, &sts[i])
		}
	}
	if len(cmi5) == 0 {
		return nil, nil
	}

	out := &statementOutcome{reg: &models.Registration{}, rca: &models.RegistrationCourseAU{}, au: &models.CourseAU{}}
	if err := tx.Where("id = ?", sess.RegistrationID).First(out.reg).Error; err != nil {
		return nil, err
	}
	if err := database.ForUpdate(tx).Where("id = ?", sess.RegistrationCourseAUID).
		First(out.rca).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("id = ?", out.rca.CourseAUID).First(out.au).Error; err != nil {
		return nil, err
	}

	for _, st := range cmi5 {
		if !sess.Live() {
			return nil, fmt.Errorf("session already closed: %w", errStatementViolation)
		}
		if st.Context == nil || st.Context.Registration != out.reg.Code {
			return nil, fmt.Errorf("registration mismatch: %w", errStatementViolation)
		}
		if err := applyOne(sess, out.rca, st, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyOne(sess *models.Session, rca *models.RegistrationCourseAU, st *xapi.Statement, out *statementOutcome) error {
	now := time.Now().UTC()
	normal := sess.LaunchMode == models.LaunchModeNormal

	switch st.Verb.ID {
	case xapi.VerbInitialized:
		if sess.IsInitialized {
			return fmt.Errorf("duplicate initialized: %w", errStatementViolation)
		}
		sess.IsInitialized = true
		sess.InitializedAt = &now
		if normal {
			rca.HasBeenAttempted = true
		}

	case xapi.VerbCompleted:
		if !sess.IsInitialized {
			return fmt.Errorf("completed before initialized: %w", errStatementViolation)
		}
		if sess.IsCompleted {
			return fmt.Errorf("duplicate completed: %w", errStatementViolation)
		}
		sess.IsCompleted = true
		if normal {
			rca.IsCompleted = true
			out.moveOnCheck = true
		}

	case xapi.VerbPassed:
		if !sess.IsInitialized {
			return fmt.Errorf("passed before initialized: %w", errStatementViolation)
		}
		if sess.MasteryScore != nil {
			if s := scaledScore(st); s != nil && *s < *sess.MasteryScore {
				return fmt.Errorf("score below mastery: %w", errStatementViolation)
			}
		}
		sess.IsPassed = true
		if normal {
			rca.IsPassed = true
			out.moveOnCheck = true
		}

	case xapi.VerbFailed:
		if !sess.IsInitialized {
			return fmt.Errorf("failed before initialized: %w", errStatementViolation)
		}
		if sess.IsPassed {
			return fmt.Errorf("failed after passed: %w", errStatementViolation)
		}
		sess.IsFailed = true

	case xapi.VerbTerminated:
		sess.IsTerminated = true
		sess.TerminatedAt = &now
		var dur time.Duration
		if sess.InitializedAt != nil {
			dur = now.Sub(*sess.InitializedAt)
		}
		sess.DurationMs = dur.Milliseconds()
		switch sess.LaunchMode {
		case models.LaunchModeNormal:
			rca.NormalDurationMs += dur.Milliseconds()
		case models.LaunchModeBrowse:
			rca.BrowseDurationMs += dur.Milliseconds()
		case models.LaunchModeReview:
			rca.ReviewDurationMs += dur.Milliseconds()
		}
	}
	return nil
}

// markSatisfied runs the satisfaction engine once the AU's moveOn criterion
// is met. It runs only after the triggering statement was accepted upstream,
// so satisfied statements always follow their cause and a rolled-back relay
// can never leave one behind. The tracking column is a projection of the
// registration tree.
func (lc *LRSController) markSatisfied(ctx context.Context, tx *gorm.DB, sess *models.Session, reg *models.Registration, au *models.CourseAU, rca *models.RegistrationCourseAU) error {
	if rca.IsSatisfied {
		return nil
	}
	if !models.MoveOnMet(sess.MoveOn, rca.IsCompleted, rca.IsPassed) {
		return nil
	}
	opts := moveon.InterpretOptions{
		AuToSetSatisfied: au.LmsID,
		SessionCode:      sess.Code,
		Sender:           lc.Upstream,
	}
	if err := moveon.Interpret(ctx, reg, opts); err != nil {
		return err
	}
	rca.IsSatisfied = true
	return tx.Model(reg).Update("moveon_tree", reg.MoveOnTree).Error
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// forward relays the request upstream with the player's LRS credentials and
// copies the response back verbatim, minus hop-by-hop headers.
func (lc *LRSController) forward(c *gin.Context, path string, body []byte) (int, error) {
	u := lc.Upstream.Endpoint() + path
	if q := c.Request.URL.RawQuery; q != "" {
		u += "?" + q
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, u, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, vs := range c.Request.Header {
		ck := http.CanonicalHeaderKey(k)
		if _, skip := hopByHopHeaders[ck]; skip || ck == "Authorization" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("X-Experience-API-Version") == "" {
		req.Header.Set("X-Experience-API-Version", xapi.Version)
	}

	resp, err := lc.Upstream.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		lc.Log.Warn("response relay interrupted", "path", path, "err", err)
	}
	return resp.StatusCode, nil
}

func hasCmi5Category(st *xapi.Statement) bool {
	if st.Context == nil || st.Context.ContextActivities == nil {
		return false
	}
	for _, a := range st.Context.ContextActivities.Category {
		if a.ID == xapi.CategoryCmi5 {
			return true
		}
	}
	return false
}

func scaledScore(st *xapi.Statement) *float64 {
	if st.Result == nil || st.Result.Score == nil {
		return nil
	}
	return st.Result.Score.Scaled
}
