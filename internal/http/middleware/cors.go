package middleware

import "net/http"

// Headers the dashboard may send and read. The transfer metadata headers are
// exposed so the UI can show file sizes and hashes straight off the byte
// routes.
const (
	corsAllowMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders  = "Accept, Content-Type, X-Request-ID"
	corsExposeHeaders = "X-Request-ID, X-File-Size, X-Content-Hash"
	corsMaxAge        = "3600"
)

// CORS lets the browser dashboard call the API from another origin. The
// coordinator is operator tooling on a private network with no credentialed
// access, so every origin may read.
func CORS() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Origin") != "" {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
