package api

import (
	"net/http"

	"github.com/rendis/intake/internal/identity"
)

// authenticate requires an exact "Bearer <token>" Authorization header that
// resolves through the directory. The resolved creator is stored in the
// request context.
func authenticate(tokens *identity.Directory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens.Empty() {
				writeError(w, errUnauthorized("no api tokens configured"))
				return
			}
			creator, err := tokens.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithCreator(r.Context(), creator)))
		})
	}
}
