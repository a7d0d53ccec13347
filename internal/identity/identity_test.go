package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureStudent(t *testing.T, req *http.Request) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var got string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = StudentIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return got, rec
}

func TestMiddlewareIssuesAnonymousID(t *testing.T) {
	t.Parallel()
	id, rec := captureStudent(t, httptest.NewRequest(http.MethodGet, "/", nil))

	if !isValidAnonID(id) {
		t.Fatalf("student id = %q, want anon_<hex>", id)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != StudentCookieName || cookies[0].Value != id {
		t.Fatalf("cookies = %+v, want %s=%s", cookies, StudentCookieName, id)
	}
	if cookies[0].Secure {
		t.Fatal("development cookies must not be Secure")
	}
}

func TestMiddlewareReusesCookie(t *testing.T) {
	t.Parallel()
	const existing = "anon_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: StudentCookieName, Value: existing})

	if id, _ := captureStudent(t, req); id != existing {
		t.Fatalf("student id = %q, want %q", id, existing)
	}
}

func TestMiddlewareHeaderWins(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(StudentHeaderName, "student-42")
	req.AddCookie(&http.Cookie{Name: StudentCookieName, Value: "anon_0123456789abcdef0123456789abcdef"})

	if id, _ := captureStudent(t, req); id != "student-42" {
		t.Fatalf("student id = %q, want student-42", id)
	}
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: StudentCookieName, Value: "../../etc"})

	id, _ := captureStudent(t, req)
	if id == "../../etc" || !isValidAnonID(id) {
		t.Fatalf("forged cookie accepted: %q", id)
	}
}
