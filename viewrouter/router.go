// Package viewrouter maps the session verdict and a requested path to a
// page decision. Resolve is pure; Gate applies it to every HTTP request.
package viewrouter

import (
	"net/url"
	"path"
	"strings"

	"github.com/movementbrand/mbdash/authsession"
)

// Well-known paths.
const (
	LandingPath = "/"
	AuthPath    = "/auth"
	ShellPath   = "/dashboard"
)

// Action is what the caller should do with a request.
type Action int

const (
	ShowLoading Action = iota
	Render
	Redirect
)

func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	default:
		return "loading"
	}
}

// Decision is the outcome of Resolve. Target is the page to render or the
// location to redirect to; it is empty for ShowLoading.
type Decision struct {
	Action Action
	Target string
}

var publicPages = map[string]bool{
	LandingPath: true,
	"/pricing":  true,
	"/about":    true,
	"/terms":    true,
	"/privacy":  true,
	AuthPath:    true,
}

var protectedPrefixes = []string{
	ShellPath,
	"/admin",
	"/settings",
}

// Clean normalizes a request path.
func Clean(p string) string {
	if p == "" {
		return LandingPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsPublic reports whether p is one of the marketing pages or the auth form.
func IsPublic(p string) bool {
	return publicPages[Clean(p)]
}

// IsProtected reports whether p requires a signed-in visitor.
func IsProtected(p string) bool {
	p = Clean(p)
	for _, prefix := range protectedPrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// Resolve decides what to show for p under st.
func Resolve(st authsession.State, p string) Decision {
	p = Clean(p)

	if st.Loading {
		return Decision{Action: ShowLoading}
	}

	switch st.Verdict {
	case authsession.Authenticated:
		if p == LandingPath || p == AuthPath {
			return Decision{Action: Redirect, Target: ShellPath}
		}
		return Decision{Action: Render, Target: p}
	case authsession.Unauthenticated:
		if IsProtected(p) {
			return Decision{Action: Redirect, Target: SignInURL(p)}
		}
		return Decision{Action: Render, Target: p}
	default:
		return Decision{Action: ShowLoading}
	}
}

// SignInURL returns the auth form location that returns to p afterwards.
func SignInURL(p string) string {
	return AuthPath + "?redirect=" + url.QueryEscape(Clean(p))
}

// RedirectTarget validates a post-sign-in redirect, falling back to the
// shell for anything that is not a local protected path.
func RedirectTarget(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return ShellPath
	}
	p := Clean(raw)
	if !IsProtected(p) {
		return ShellPath
	}
	return p
}
