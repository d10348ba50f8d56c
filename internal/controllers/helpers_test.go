package controllers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/zaqqye/cmi5_player_v1/internal/config"
	"github.com/zaqqye/cmi5_player_v1/internal/database"
	"github.com/zaqqye/cmi5_player_v1/internal/middleware"
	"github.com/zaqqye/cmi5_player_v1/internal/models"
	"github.com/zaqqye/cmi5_player_v1/internal/moveon"
	"github.com/zaqqye/cmi5_player_v1/internal/routes"
	"github.com/zaqqye/cmi5_player_v1/internal/utils"
	"github.com/zaqqye/cmi5_player_v1/internal/xapi"

	applogger "github.com/zaqqye/cmi5_player_v1/internal/logger"
)

// fakeLRS is an in-memory record store behind httptest. It keeps statements
// in arrival order so tests can assert cause-before-effect ordering.
type fakeLRS struct {
	mu         sync.Mutex
	statements []xapi.Statement
	states     map[string][]byte
	failNext   bool
	rejectNext bool // next statement write is refused with 400, nothing stored

	srv *httptest.Server
}

func newFakeLRS(t *testing.T) *fakeLRS {
	f := &fakeLRS{states: map[string][]byte{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLRS) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	switch {
	case r.URL.Path == "/statements" && (r.Method == http.MethodPost || r.Method == http.MethodPut):
		if f.rejectNext {
			f.rejectNext = false
			http.Error(w, `{"error":"statement rejected"}`, http.StatusBadRequest)
			return
		}
		var body bytes.Buffer
		if _, err := body.ReadFrom(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raw := body.Bytes()
		var many []xapi.Statement
		if err := json.Unmarshal(raw, &many); err != nil {
			var one xapi.Statement
			if err := json.Unmarshal(raw, &one); err != nil {
				http.Error(w, "bad statement", http.StatusBadRequest)
				return
			}
			many = []xapi.Statement{one}
		}
		f.statements = append(f.statements, many...)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[]`)
	case r.URL.Path == "/activities/state" && r.Method == http.MethodPut:
		var body bytes.Buffer
		body.ReadFrom(r.Body)
		f.states[r.URL.Query().Get("stateId")] = body.Bytes()
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/activities/state" && r.Method == http.MethodGet:
		doc, ok := f.states[r.URL.Query().Get("stateId")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (f *fakeLRS) verbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.statements))
	for _, st := range f.statements {
		out = append(out, st.Verb.ID)
	}
	return out
}

func (f *fakeLRS) byVerb(verb string) []xapi.Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []xapi.Statement
	for _, st := range f.statements {
		if st.Verb.ID == verb {
			out = append(out, st)
		}
	}
	return out
}

type testEnv struct {
	DB     *gorm.DB
	Router *gin.Engine
	Cfg    *config.Config
	LRS    *fakeLRS
	Tenant models.Tenant
	Token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	fake := newFakeLRS(t)
	cfg := &config.Config{
		JWTSecret:       "test-secret",
		JWTExpiresIn:    "60",
		APIBaseURL:      "http://player.test",
		LRSEndpoint:     fake.srv.URL,
		TokenTTLSeconds: "300",
	}

	hash, err := utils.HashSecret("tenant-secret")
	require.NoError(t, err)
	tenant := models.Tenant{Code: "default", Name: "Default", ApiKey: "tenant-key", ApiSecret: hash}
	require.NoError(t, db.Create(&tenant).Error)

	r := gin.New()
	routes.Register(r, db, cfg, applogger.NewNop())

	return &testEnv{
		DB:     db,
		Router: r,
		Cfg:    cfg,
		LRS:    fake,
		Tenant: tenant,
		Token:  signTenantToken(t, cfg.JWTSecret, tenant.ID),
	}
}

func signTenantToken(t *testing.T, secret, tenantID string) string {
	t.Helper()
	now := time.Now().UTC()
	claims := middleware.Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// do runs a request against the router; when token is non-empty it is sent as
// a bearer credential.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

func testActor() map[string]any {
	return map[string]any{
		"objectType": "Agent",
		"name":       "Ada Learner",
		"account": map[string]any{
			"homePage": "http://player.test",
			"name":     "ada",
		},
	}
}

// seedCourse installs a two-block course: Block1{AU0, AU1}, Block2{AU2}.
// moveOns maps auIndex to the AU's moveOn policy (default Completed).
func seedCourse(t *testing.T, e *testEnv, moveOns map[int]string) models.Course {
	t.Helper()
	au := func(i int) *moveon.Node {
		return &moveon.Node{Type: moveon.TypeAU, LmsID: auLmsID(i), PubID: fmt.Sprintf("http://pub.test/au/%d", i)}
	}
	root := &moveon.Node{
		Type: moveon.TypeCourse, LmsID: "course-lms", PubID: "http://pub.test/course",
		Children: []*moveon.Node{
			{Type: moveon.TypeBlock, LmsID: "b1-lms", PubID: "http://pub.test/block/1", Children: []*moveon.Node{au(0), au(1)}},
			{Type: moveon.TypeBlock, LmsID: "b2-lms", PubID: "http://pub.test/block/2", Children: []*moveon.Node{au(2)}},
		},
	}
	raw, err := json.Marshal(root)
	require.NoError(t, err)

	course := models.Course{
		TenantID:    e.Tenant.ID,
		LmsID:       "course-lms",
		PublisherID: "http://pub.test/course",
		Title:       "Structured Course",
		Structure:   datatypes.JSON(raw),
	}
	require.NoError(t, e.DB.Create(&course).Error)

	for i := 0; i < 3; i++ {
		policy := models.MoveOnCompleted
		if p, ok := moveOns[i]; ok {
			policy = p
		}
		require.NoError(t, e.DB.Create(&models.CourseAU{
			TenantID: e.Tenant.ID,
			CourseID: course.ID,
			AuIndex:  i,
			LmsID:    auLmsID(i),
			URL:      "http://content.test/au" + fmt.Sprint(i),
			MoveOn:   policy,
		}).Error)
	}
	return course
}

func auLmsID(i int) string { return fmt.Sprintf("au%d-lms", i) }

// seedSingleAUCourse installs a course whose tree is course → one AU.
func seedSingleAUCourse(t *testing.T, e *testEnv, policy string) models.Course {
	t.Helper()
	root := &moveon.Node{
		Type: moveon.TypeCourse, LmsID: "solo-course-lms", PubID: "http://pub.test/solo-course",
		Children: []*moveon.Node{
			{Type: moveon.TypeAU, LmsID: "solo-au-lms", PubID: "http://pub.test/solo-au"},
		},
	}
	raw, err := json.Marshal(root)
	require.NoError(t, err)

	course := models.Course{
		TenantID:    e.Tenant.ID,
		LmsID:       "solo-course-lms",
		PublisherID: "http://pub.test/solo-course",
		Title:       "Solo Course",
		Structure:   datatypes.JSON(raw),
	}
	require.NoError(t, e.DB.Create(&course).Error)
	require.NoError(t, e.DB.Create(&models.CourseAU{
		TenantID: e.Tenant.ID,
		CourseID: course.ID,
		AuIndex:  0,
		LmsID:    "solo-au-lms",
		URL:      "http://content.test/solo",
		MoveOn:   policy,
	}).Error)
	return course
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}
