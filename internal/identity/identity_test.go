package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/shsh-proctor/internal/domain"
)

type memRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (m *memRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID], nil
}

func (m *memRepo) UpsertUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.UserID] = user
	return nil
}

func serve(repo UserStore, req *http.Request) (Identity, *httptest.ResponseRecorder) {
	var got Identity
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return got, w
}

func TestMiddleware_IssuesCookieAndCreatesUser(t *testing.T) {
	repo := &memRepo{users: make(map[string]*domain.User)}

	req := httptest.NewRequest(http.MethodGet, "/api/attempts", nil)
	req.Header.Set(TabHeaderName, "tab-7")
	got, w := serve(repo, req)

	if !anonIDPattern.MatchString(got.UserID) {
		t.Fatalf("Expected anonymous user id, got %q", got.UserID)
	}
	if got.TabID != "tab-7" {
		t.Errorf("Expected tab tab-7, got %q", got.TabID)
	}
	if repo.users[got.UserID] == nil || repo.users[got.UserID].Username != anonUsername(got.UserID) {
		t.Errorf("Expected user to be created, got %+v", repo.users[got.UserID])
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != got.UserID {
		t.Errorf("Expected identity cookie for %s, got %v", got.UserID, cookies)
	}
}

func TestMiddleware_ReusesValidCookie(t *testing.T) {
	repo := &memRepo{users: make(map[string]*domain.User)}
	const existing = "anon_0123456789abcdef0123456789abcdef"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	got, _ := serve(repo, req)

	if got.UserID != existing {
		t.Errorf("Expected %s, got %s", existing, got.UserID)
	}
}

func TestMiddleware_TabFromQueryForWebSockets(t *testing.T) {
	repo := &memRepo{users: make(map[string]*domain.User)}

	req := httptest.NewRequest(http.MethodGet, "/ws/proctor?attempt_id=a1&session_id=tab-2", nil)
	got, _ := serve(repo, req)
	if got.TabID != "tab-2" {
		t.Errorf("Expected tab-2 from query, got %q", got.TabID)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/proctor?session_id=bad%20id!", nil)
	got, _ = serve(repo, req)
	if got.TabID != DefaultTabID {
		t.Errorf("Expected default tab for invalid id, got %q", got.TabID)
	}
}

func TestWithUserKeepsTab(t *testing.T) {
	ctx := WithTab(context.Background(), "tab-9")
	ctx = WithUser(ctx, "u1")

	if got := FromContext(ctx); got.UserID != "u1" || got.TabID != "tab-9" {
		t.Errorf("Expected u1/tab-9, got %+v", got)
	}
	if got := TabIDFromContext(context.Background()); got != DefaultTabID {
		t.Errorf("Expected default tab on empty context, got %q", got)
	}
}

func TestSanitizeTabID(t *testing.T) {
	if got := sanitizeTabID("  "); got != DefaultTabID {
		t.Errorf("Expected default for blank id, got %q", got)
	}
	if got := sanitizeTabID("bad id!"); got != DefaultTabID {
		t.Errorf("Expected default for invalid id, got %q", got)
	}
	if got := sanitizeTabID("tab-1"); got != "tab-1" {
		t.Errorf("Expected tab-1, got %q", got)
	}
}
