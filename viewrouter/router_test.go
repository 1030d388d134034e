package viewrouter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/movementbrand/mbdash/authsession"
)

var (
	unknown   = authsession.State{Verdict: authsession.Unknown, Loading: true}
	signedIn  = authsession.State{Verdict: authsession.Authenticated}
	signedOut = authsession.State{Verdict: authsession.Unauthenticated}
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name  string
		state authsession.State
		path  string
		want  Decision
	}{
		{"unknown landing", unknown, "/", Decision{Action: ShowLoading}},
		{"unknown dashboard", unknown, "/dashboard", Decision{Action: ShowLoading}},
		{"unknown without loading flag", authsession.State{}, "/pricing", Decision{Action: ShowLoading}},

		{"signed out landing", signedOut, "/", Decision{Render, "/"}},
		{"signed out pricing", signedOut, "/pricing", Decision{Render, "/pricing"}},
		{"signed out auth form", signedOut, "/auth", Decision{Render, "/auth"}},
		{"signed out dashboard", signedOut, "/dashboard", Decision{Redirect, "/auth?redirect=%2Fdashboard"}},
		{"signed out nested", signedOut, "/dashboard/projects/42", Decision{Redirect, "/auth?redirect=%2Fdashboard%2Fprojects%2F42"}},
		{"signed out admin", signedOut, "/admin", Decision{Redirect, "/auth?redirect=%2Fadmin"}},
		{"signed out unknown page", signedOut, "/nope", Decision{Render, "/nope"}},
		{"signed out prefix lookalike", signedOut, "/dashboards", Decision{Render, "/dashboards"}},

		{"signed in landing", signedIn, "/", Decision{Redirect, "/dashboard"}},
		{"signed in auth form", signedIn, "/auth", Decision{Redirect, "/dashboard"}},
		{"signed in dashboard", signedIn, "/dashboard/", Decision{Render, "/dashboard"}},
		{"signed in pricing", signedIn, "/pricing", Decision{Render, "/pricing"}},
		{"signed in dot segments", signedIn, "/dashboard/../", Decision{Redirect, "/dashboard"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.state, tt.path)
			if got != tt.want {
				t.Errorf("Resolve(%v, %q) = %+v, want %+v", tt.state.Verdict, tt.path, got, tt.want)
			}
		})
	}
}

func TestRedirectTarget(t *testing.T) {
	tests := map[string]string{
		"":                    "/dashboard",
		"/dashboard/projects": "/dashboard/projects",
		"/admin":              "/admin",
		"/pricing":            "/dashboard",
		"//evil.example.com":  "/dashboard",
		"https://evil.com":    "/dashboard",
	}
	for in, want := range tests {
		if got := RedirectTarget(in); got != want {
			t.Errorf("RedirectTarget(%q) = %q, want %q", in, got, want)
		}
	}
}

type stateReader struct{ st authsession.State }

func (r *stateReader) State() authsession.State { return r.st }

func (r *stateReader) Subscribe(func(authsession.State)) (cancel func()) { return func() {} }

func TestGate_ReevaluatesEveryRequest(t *testing.T) {
	reader := &stateReader{st: unknown}
	pages := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("page")) })
	loading := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("loading")) })
	h := Gate(reader, pages, loading)

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := do("/dashboard")
	if rec.Body.String() != "loading" || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected loading response, got %q", rec.Body.String())
	}

	reader.st = signedOut
	rec = do("/dashboard")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/auth?redirect=%2Fdashboard" {
		t.Fatalf("expected redirect to auth, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	reader.st = signedIn
	rec = do("/dashboard")
	if rec.Body.String() != "page" {
		t.Fatalf("expected page, got %q", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("expected no-store, got %q", rec.Header().Get("Cache-Control"))
	}
}
