package main

import (
	"html/template"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/viewrouter"
)

type page struct {
	Title string
	Body  template.HTML
}

var pageTable = map[string]page{
	"/":         {"MovementBrand", `<h1>Design on subscription</h1><p><a href="/pricing">See plans</a> or <a href="/auth">sign in</a>.</p>`},
	"/pricing":  {"Pricing", `<h1>Pricing</h1>`},
	"/about":    {"About", `<h1>About MovementBrand</h1>`},
	"/terms":    {"Terms", `<h1>Terms of service</h1>`},
	"/privacy":  {"Privacy", `<h1>Privacy policy</h1>`},
	"/auth":     {"Sign in", signInForm},
	"/settings": {"Settings", `<h1>Settings</h1><button data-signout>Sign out</button>`},
}

// shellPage is rendered for /dashboard and /admin and everything below.
var shellPage = page{"Dashboard", `<h1>Dashboard</h1><div id="board"></div><button data-signout>Sign out</button>`}

const signInForm = `<h1>Sign in</h1>
<form id="signin" data-endpoint="/api/signin">
  <input name="email" type="email" autocomplete="email" required>
  <input name="password" type="password" autocomplete="current-password" required>
  <button type="submit">Sign in</button>
  <p class="form-error" role="alert"></p>
</form>
<h2>New here?</h2>
<form id="signup" data-endpoint="/api/signup">
  <input name="email" type="email" autocomplete="email" required>
  <input name="password" type="password" autocomplete="new-password" minlength="6" required>
  <button type="submit">Create account</button>
  <p class="form-error" role="alert"></p>
</form>
<script>
document.querySelectorAll("form[data-endpoint]").forEach((form) => form.addEventListener("submit", async (e) => {
  e.preventDefault();
  const f = new FormData(form);
  const res = await fetch(form.dataset.endpoint, {method: "POST", headers: {"Content-Type": "application/json"},
    body: JSON.stringify({email: f.get("email"), password: f.get("password"),
      redirect: new URLSearchParams(location.search).get("redirect") || ""})});
  const data = await res.json();
  const out = form.querySelector(".form-error");
  if (!res.ok) { out.textContent = data.error; return; }
  if (data.pending) { out.textContent = "Check your inbox to confirm your email, then sign in."; return; }
  location.assign(data.redirect);
}));
</script>`

var layout = template.Must(template.New("layout").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
{{.Body}}
<div id="toasts" aria-live="polite"></div>
<script>
(function () {
  const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
  ws.onopen = () => ws.send(JSON.stringify({id: "1", hi: {ver: "1", ua: navigator.userAgent, path: location.pathname}}));
  ws.onmessage = (ev) => {
    const msg = JSON.parse(ev.data);
    if (msg.state && msg.state.redirect) { location.assign(msg.state.redirect); }
    if (msg.notify) {
      const el = document.createElement("div");
      el.className = "toast toast-" + msg.notify.kind;
      el.textContent = msg.notify.title + " " + msg.notify.description;
      document.getElementById("toasts").append(el);
      setTimeout(() => el.remove(), 5000);
    }
  };
  document.querySelectorAll("[data-signout]").forEach((b) => b.addEventListener("click", () => fetch("/api/signout", {method: "POST"})));
})();
</script>
</body>
</html>
`))

const loadingBody = `<p>Checking your session&hellip;</p><script>setTimeout(() => location.reload(), 1000)</script>`

// Pages renders the dashboard pages. Access control happens in
// viewrouter.Gate before a request gets here.
type Pages struct {
	logger *zap.Logger
}

func (p *Pages) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := viewrouter.Clean(r.URL.Path)
	pg, ok := pageTable[path]
	status := http.StatusOK
	switch {
	case ok:
	case viewrouter.IsProtected(path):
		pg = shellPage
	default:
		pg = page{"Not found", `<h1>Page not found</h1><p><a href="/">Home</a></p>`}
		status = http.StatusNotFound
	}
	p.render(w, status, pg)
}

// Loading is served while the session verdict is unresolved.
func (p *Pages) Loading() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.render(w, http.StatusOK, page{"Loading", loadingBody})
	})
}

func (p *Pages) render(w http.ResponseWriter, status int, pg page) {
	var sb strings.Builder
	if err := layout.Execute(&sb, pg); err != nil {
		p.logger.Error("page render failed", zap.String("title", pg.Title), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(sb.String()))
}
