package controllers_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaqqye/cmi5_player_v1/internal/models"
	"github.com/zaqqye/cmi5_player_v1/internal/moveon"
	"github.com/zaqqye/cmi5_player_v1/internal/xapi"
)

func TestRegistrationCreate(t *testing.T) {
	e := newTestEnv(t)
	course := seedCourse(t, e, nil)

	w := e.do(t, http.MethodPost, "/api/v1/registration", e.Token, map[string]any{
		"courseId": course.ID,
		"actor":    testActor(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["id"])
	assert.NotEmpty(t, body["code"])

	var regCount, rcaCount int64
	require.NoError(t, e.DB.Model(&models.Registration{}).Count(&regCount).Error)
	require.NoError(t, e.DB.Model(&models.RegistrationCourseAU{}).Count(&rcaCount).Error)
	assert.EqualValues(t, 1, regCount)
	assert.EqualValues(t, 3, rcaCount, "one tracking row per AU")

	var reg models.Registration
	require.NoError(t, e.DB.Where("id = ?", body["id"]).First(&reg).Error)
	root, err := moveon.ParseTree(reg.MoveOnTree)
	require.NoError(t, err)
	assert.False(t, root.Satisfied)
	assert.Empty(t, e.LRS.verbs(), "no statements for a course with no NotApplicable AU")
}

func TestRegistrationCreate_UnknownCourse(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/registration", e.Token, map[string]any{
		"courseId": uuid.NewString(),
		"actor":    testActor(),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegistrationCreate_RequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/registration", "", map[string]any{
		"courseId": "x",
		"actor":    testActor(),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegistrationCreate_NotApplicableSatisfiedImmediately(t *testing.T) {
	e := newTestEnv(t)
	course := seedSingleAUCourse(t, e, models.MoveOnNotApplicable)

	w := e.do(t, http.MethodPost, "/api/v1/registration", e.Token, map[string]any{
		"courseId": course.ID,
		"actor":    testActor(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)

	// Satisfied before any session exists, and propagated to the course.
	var rca models.RegistrationCourseAU
	require.NoError(t, e.DB.Where("registration_id = ?", body["id"]).First(&rca).Error)
	assert.True(t, rca.IsSatisfied)

	var reg models.Registration
	require.NoError(t, e.DB.Where("id = ?", body["id"]).First(&reg).Error)
	root, err := moveon.ParseTree(reg.MoveOnTree)
	require.NoError(t, err)
	assert.True(t, root.Satisfied)

	satisfied := e.LRS.byVerb(xapi.VerbSatisfied)
	require.Len(t, satisfied, 1, "exactly one satisfied statement, for the course")
	assert.Equal(t, "http://pub.test/solo-course", satisfied[0].Object.ID)
}

func TestRegistrationGet(t *testing.T) {
	e := newTestEnv(t)
	course := seedCourse(t, e, nil)
	w := e.do(t, http.MethodPost, "/api/v1/registration", e.Token, map[string]any{
		"courseId": course.ID,
		"actor":    testActor(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	id := decodeBody(t, w)["id"].(string)

	w = e.do(t, http.MethodGet, "/api/v1/registration/"+id, e.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/registration/"+uuid.NewString(), e.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/registration/not-a-uuid", e.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWaiveAU_StatementOrdering(t *testing.T) {
	e := newTestEnv(t)
	course := seedSingleAUCourse(t, e, models.MoveOnCompleted)
	w := e.do(t, http.MethodPost, "/api/v1/registration", e.Token, map[string]any{
		"courseId": course.ID,
		"actor":    testActor(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	regID := body["id"].(string)
	regCode := body["code"].(string)

	w = e.do(t, http.MethodPost, "/api/v1/registration/"+regID+"/waive-au/0", e.Token, map[string]any{
		"reason": "Administrative",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	verbs := e.LRS.verbs()
	require.Equal(t, []string{xapi.VerbWaived, xapi.VerbSatisfied}, verbs,
		"waived recorded strictly before the satisfied it causes")

	waived := e.LRS.byVerb(xapi.VerbWaived)[0]
	satisfied := e.LRS.byVerb(xapi.VerbSatisfied)[0]
	assert.Equal(t, regCode, waived.Context.Registration)
	assert.Equal(t, regCode, satisfied.Context.Registration)
	require.NotNil(t, waived.Result)
	assert.True(t, *waived.Result.Success)
	assert.True(t, *waived.Result.Completion)
	assert.Equal(t, "Administrative", waived.Result.Extensions[xapi.ExtReason])

	var rca models.RegistrationCourseAU
	require.NoError(t, e.DB.Where("registration_id = ?", regID).First(&rca).Error)
	assert.True(t, rca.IsWaived)
	assert.True(t, rca.IsCompleted)
	assert.True(t, rca.IsPassed)
	assert.True(t, rca.IsSatisfied)
	assert.Equal(t, "Administrative", rca.WaivedReason)
}

func TestWaiveAU_Idempotent(t *testing.T) {
	e := newTestEnv(t)
	course := seedSingleAUCourse(t, e, models.MoveOnCompleted)
	w := e.do(t, http.MethodPost, "/api/v1/registration", e.Token, map[string]any{
		"courseId": course.ID,
		"actor":    testActor(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	regID := decodeBody(t, w)["id"].(string)

	for i := 0; i < 2; i++ {
		w = e.do(t, http.MethodPost, "/api/v1/registration/"+regID+"/waive-au/0", e.Token, map[string]any{
			"reason": "Administrative",
		})
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Len(t, e.LRS.byVerb(xapi.VerbWaived), 1)
	assert.Len(t, e.LRS.byVerb(xapi.VerbSatisfied), 1)
}

func TestWaiveAU_UnknownAuIndex(t *testing.T) {
	e := newTestEnv(t)
	course := seedSingleAUCourse(t, e, models.MoveOnCompleted)
	w := e.do(t, http.MethodPost, "/api/v1/registration", e.Token, map[string]any{
		"courseId": course.ID,
		"actor":    testActor(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	regID := decodeBody(t, w)["id"].(string)

	w = e.do(t, http.MethodPost, "/api/v1/registration/"+regID+"/waive-au/7", e.Token, map[string]any{
		"reason": "Administrative",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWaiveAU_StatementFailureRollsBack(t *testing.T) {
	e := newTestEnv(t)
	course := seedSingleAUCourse(t, e, models.MoveOnCompleted)
	w := e.do(t, http.MethodPost, "/api/v1/registration", e.Token, map[string]any{
		"courseId": course.ID,
		"actor":    testActor(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	regID := decodeBody(t, w)["id"].(string)

	e.LRS.failNext = true
	w = e.do(t, http.MethodPost, "/api/v1/registration/"+regID+"/waive-au/0", e.Token, map[string]any{
		"reason": "Administrative",
	})
	require.Equal(t, http.StatusBadGateway, w.Code)

	var rca models.RegistrationCourseAU
	require.NoError(t, e.DB.Where("registration_id = ?", regID).First(&rca).Error)
	assert.False(t, rca.IsWaived, "failed statement send leaves pre-operation state")
	assert.False(t, rca.IsSatisfied)
}
