package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForStreams wraps a compression middleware so that streaming
// endpoints bypass it. SSE requires unbuffered flushing, and file transfer
// routes carry already-compressed video where gzip only burns CPU.
func SkipCompressionForStreams(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasSuffix(r.URL.Path, "/events") ||
				strings.HasSuffix(r.URL.Path, "/bytes") ||
				strings.Contains(r.URL.Path, "/result") {
				next.ServeHTTP(w, r)
				return
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}
