// Package identity resolves who is sitting an attempt: an anonymous learner
// bound to the browser by cookie, plus the browser tab the request came from.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/shsh-proctor/internal/domain"
)

const (
	AnonCookieName = "proctor_anon_id"
	// TabHeaderName carries the per-tab session ID on fetch requests.
	// WebSocket upgrades cannot set headers and use TabQueryParam instead.
	TabHeaderName = "X-Proctor-Session-ID"
	TabQueryParam = "session_id"
	DefaultTabID  = "default"

	anonCookieMaxAge = 30 * 24 * time.Hour
)

// UserStore is the subset of the repository identity needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

// Identity is the learner and tab behind a request.
type Identity struct {
	UserID string
	TabID  string
}

type contextKey struct{}

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	tabIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// FromContext returns the request identity. TabID is DefaultTabID when the
// browser sent none.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	if id.TabID == "" {
		id.TabID = DefaultTabID
	}
	return id
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	return FromContext(ctx).UserID
}

// TabIDFromContext extracts the tab session ID from the request context.
func TabIDFromContext(ctx context.Context) string {
	return FromContext(ctx).TabID
}

// WithUser returns a context carrying userID, keeping any tab ID already
// present. Used by handlers mounted behind another identity source and tests.
func WithUser(ctx context.Context, userID string) context.Context {
	id, _ := ctx.Value(contextKey{}).(Identity)
	id.UserID = userID
	return context.WithValue(ctx, contextKey{}, id)
}

// WithTab returns a context carrying the sanitized tab ID.
func WithTab(ctx context.Context, tabID string) context.Context {
	id, _ := ctx.Value(contextKey{}).(Identity)
	id.TabID = sanitizeTabID(tabID)
	return context.WithValue(ctx, contextKey{}, id)
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if !tabIDPattern.MatchString(id) {
		return DefaultTabID
	}
	return id
}

func tabIDFromRequest(r *http.Request) string {
	if tab := r.Header.Get(TabHeaderName); tab != "" {
		return tab
	}
	return r.URL.Query().Get(TabQueryParam)
}

func newAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// anonUsername is the display name stored for a new learner.
func anonUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func ensureUser(ctx context.Context, repo UserStore, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}

	now := time.Now()
	return repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   anonUsername(userID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// resolveAnonID returns the learner's cookie ID, minting one if needed, and
// refreshes the cookie either way.
func resolveAnonID(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	var id string
	if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		id = c.Value
	} else {
		if id, err = newAnonID(); err != nil {
			return "", err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return id, nil
}

// Middleware attaches the anonymous learner and the tab session to every
// request, creating the learner record on first sight.
func Middleware(repo UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolveAnonID(w, r, !isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureUser(r.Context(), repo, userID); err != nil {
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, Identity{
				UserID: userID,
				TabID:  sanitizeTabID(tabIDFromRequest(r)),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for audit records.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
