// Package identity assigns anonymous per-device student identities.
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
)

const (
	StudentCookieName = "sp_student_id"
	StudentHeaderName = "X-Student-ID"
	studentCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const studentIDKey contextKey = iota

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	studentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// StudentIDFromContext extracts the student ID from the request context.
func StudentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(studentIDKey).(string); ok {
		return v
	}
	return ""
}

// WithStudentID returns a context carrying id.
func WithStudentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, studentIDKey, id)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func setStudentCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     StudentCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(studentCookieAge.Seconds()),
		Expires:  time.Now().Add(studentCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// studentIDFromRequest prefers an explicit header (signed-in frontends pass
// their own id), then the anonymous cookie.
func studentIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(StudentHeaderName)); id != "" && studentIDPattern.MatchString(id) {
		return id, nil
	}
	if c, err := r.Cookie(StudentCookieName); err == nil && isValidAnonID(c.Value) {
		setStudentCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setStudentCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the student identity into the request context.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := studentIDFromRequest(w, r, isDev)
			if err != nil {
				http.Error(w, `{"ok":false,"error":"internal_error","message":"failed to establish student identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithStudentID(r.Context(), id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
