package httpmw

import "net/http"

// MaxBody caps the request body at n bytes. Reading past the cap fails with *http.MaxBytesError
// and the server closes the connection after the response.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
