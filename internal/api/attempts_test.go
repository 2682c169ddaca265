package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-proctor/internal/config"
	"github.com/ashureev/shsh-proctor/internal/domain"
	"github.com/ashureev/shsh-proctor/internal/identity"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "anon_0123456789abcdef0123456789abcdef"

type testEnv struct {
	repo   *fakeRepo
	live   *fakeLive
	router chi.Router
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	policy, err := config.ParsePolicy([]byte("assessments:\n  final-exam: 2\n"), 0)
	require.NoError(t, err)

	env := &testEnv{
		repo: newFakeRepo(),
		live: &fakeLive{},
		now:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	base := NewHandler(env.repo, env.live, policy, nil)
	base.now = func() time.Time { return env.now }

	r := chi.NewRouter()
	NewAttemptHandler(base, 30*time.Minute).RegisterRoutes(r)
	NewHealthHandler(env.repo).RegisterHealth(r)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req = req.WithContext(identity.WithUser(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func (e *testEnv) start(t *testing.T, body string) map[string]any {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/attempts", body, testUser)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[map[string]any](t, w)
}

func TestStartAttempt(t *testing.T) {
	env := newTestEnv(t)

	got := env.start(t, `{"assessment_id":"quiz-1"}`)
	assert.Equal(t, "quiz-1", got["assessment_id"])
	assert.Equal(t, "active", got["status"])
	assert.EqualValues(t, 0, got["max_allowed_violations"])
	assert.EqualValues(t, 1800, got["remaining_seconds"])
	assert.Equal(t, false, got["over_threshold"])

	stored, err := env.repo.GetAttempt(context.Background(), got["id"].(string))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, testUser, stored.UserID)
	assert.Equal(t, env.now.Add(30*time.Minute), stored.Deadline)
}

func TestStartAttemptUsesPolicyOverrideAndDuration(t *testing.T) {
	env := newTestEnv(t)

	got := env.start(t, `{"assessment_id":"final-exam","duration_seconds":600}`)
	assert.EqualValues(t, 2, got["max_allowed_violations"])
	assert.EqualValues(t, 600, got["remaining_seconds"])
}

func TestStartAttemptRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing assessment", `{}`, http.StatusBadRequest},
		{"bad assessment id", `{"assessment_id":"../etc"}`, http.StatusBadRequest},
		{"negative duration", `{"assessment_id":"q","duration_seconds":-5}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/attempts", tt.body, testUser)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := env.do(t, http.MethodPost, "/api/attempts", `{"assessment_id":"q"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetAttemptHidesOtherUsers(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, `{"assessment_id":"quiz-1"}`)["id"].(string)

	w := env.do(t, http.MethodGet, "/api/attempts/"+id, "", testUser)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/attempts/"+id, "", "anon_ffffffffffffffffffffffffffffffff")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/attempts/missing", "", testUser)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAttemptReportsOverThreshold(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, `{"assessment_id":"quiz-1"}`)["id"].(string)

	_, err := env.repo.RecordViolation(context.Background(), id, "focus_lost", env.now)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/attempts/"+id, "", testUser)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, true, got["over_threshold"])
	assert.EqualValues(t, 1, got["violation_count"])
}

func TestListAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, `{"assessment_id":"quiz-1"}`)
	env.now = env.now.Add(time.Minute)
	env.start(t, `{"assessment_id":"quiz-2"}`)

	w := env.do(t, http.MethodGet, "/api/attempts", "", testUser)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]map[string]any](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "quiz-2", got[0]["assessment_id"])
}

func TestSubmitAttempt(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, `{"assessment_id":"quiz-1"}`)["id"].(string)

	w := env.do(t, http.MethodPost, "/api/attempts/"+id+"/submit", "", testUser)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, "submitted", got["status"])
	assert.Equal(t, []string{id}, env.live.closedAttempts())

	w = env.do(t, http.MethodPost, "/api/attempts/"+id+"/submit", "", testUser)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Len(t, env.live.closedAttempts(), 1)
}

func TestSubmitAfterDeadlineTimesOut(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, `{"assessment_id":"quiz-1","duration_seconds":60}`)["id"].(string)
	env.now = env.now.Add(2 * time.Minute)

	w := env.do(t, http.MethodPost, "/api/attempts/"+id+"/submit", "", testUser)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, string(domain.AttemptTimedOut), got["status"])
}

func TestListViolations(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, `{"assessment_id":"quiz-1"}`)["id"].(string)

	w := env.do(t, http.MethodGet, "/api/attempts/"+id+"/violations", "", testUser)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	_, err := env.repo.RecordViolation(context.Background(), id, "visibility_hidden", env.now)
	require.NoError(t, err)
	_, err = env.repo.RecordViolation(context.Background(), id, "focus_lost", env.now)
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, "/api/attempts/"+id+"/violations", "", testUser)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]domain.Violation](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "visibility_hidden", got[0].Kind)
	assert.Equal(t, 2, got[1].Count)
}

func TestGetPolicy(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/proctor/policy", "", testUser)
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		MaxViolations    int      `json:"max_violations"`
		BlockedShortcuts []string `json:"blocked_shortcuts"`
		BlockContextMenu bool     `json:"block_contextmenu"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, 0, got.MaxViolations)
	assert.Contains(t, got.BlockedShortcuts, "F12")
	assert.Contains(t, got.BlockedShortcuts, "Ctrl+Shift+I")
	assert.True(t, got.BlockContextMenu)
}

func TestGetPolicyPerAssessment(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		query string
		code  int
		want  int
	}{
		{"?assessment_id=final-exam", http.StatusOK, 2},
		{"?assessment_id=quiz-1", http.StatusOK, 0},
		{"?assessment_id=..%2Fetc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/proctor/policy"+tt.query, "", testUser)
			require.Equal(t, tt.code, w.Code)
			if tt.code != http.StatusOK {
				return
			}
			got := decode[map[string]any](t, w)
			assert.EqualValues(t, tt.want, got["max_violations"])
		})
	}
}

func TestGetMe(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.UpsertUser(context.Background(), &domain.User{UserID: testUser, Username: "learner-0123"}))

	w := env.do(t, http.MethodGet, "/api/me", "", testUser)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]string](t, w)
	assert.Equal(t, "learner-0123", got["username"])

	w = env.do(t, http.MethodGet, "/api/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.repo.pingErr = errors.New("disk gone")
	w = env.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, "degraded", got["status"])
}
