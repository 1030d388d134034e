package viewrouter

import (
	"net/http"

	"github.com/movementbrand/mbdash/authsession"
)

// Gate resolves every request against the current verdict before handing
// it to pages. While the verdict is unresolved, loading is served instead.
// Nothing is cached between requests.
func Gate(reader authsession.Reader, pages, loading http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := Resolve(reader.State(), r.URL.Path)
		w.Header().Set("Cache-Control", "no-store")

		switch d.Action {
		case Redirect:
			http.Redirect(w, r, d.Target, http.StatusFound)
		case Render:
			pages.ServeHTTP(w, r)
		default:
			w.Header().Set("Retry-After", "1")
			loading.ServeHTTP(w, r)
		}
	})
}
